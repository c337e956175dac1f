// Package gateway implements the login/lobby server: it authenticates
// game clients, manages the character roster and brokers handoffs to the
// square hosts that carry actual gameplay.
package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Portalcake/Soldin/internal/config"
	"github.com/Portalcake/Soldin/internal/logger"
	"github.com/Portalcake/Soldin/internal/metrics"
	"github.com/Portalcake/Soldin/internal/netconn"
	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/ratelimit"
	"github.com/Portalcake/Soldin/internal/session"
	"github.com/Portalcake/Soldin/internal/store"
)

// Server owns both gateway listeners and every live session. All state is
// confined to the Run goroutine; handlers never need locks.
type Server struct {
	cfg      *config.Gateway
	store    store.Store
	registry *session.Registry
	squares  *SquareTable
	limiter  *ratelimit.IPLimiter

	clientLn *net.TCPListener
	squareLn *net.TCPListener

	players []*PlayerSession
	links   []*SquareLink

	dumpSeq int
}

// New builds a gateway server around an opened store.
func New(cfg *config.Gateway, st store.Store) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		registry: session.NewRegistry(protocol.MaxSessions, true),
		squares:  &SquareTable{},
		limiter: ratelimit.NewIPLimiter(
			cfg.Security.MaxConnectionsPerIP,
			cfg.Security.ConnectionRateLimit),
	}
}

// Registry exposes the session table; square links resolve keys through it.
func (s *Server) Registry() *session.Registry { return s.registry }

// Squares exposes the registered square table.
func (s *Server) Squares() *SquareTable { return s.squares }

// Run listens on both ports and drives the tick loop until ctx is
// cancelled. Everything happens on this goroutine.
func (s *Server) Run(ctx context.Context) error {
	var err error
	if s.clientLn, err = listenTCP(s.cfg.Server.ClientListenAddr); err != nil {
		return fmt.Errorf("gateway: listen clients: %w", err)
	}
	defer s.clientLn.Close()
	if s.squareLn, err = listenTCP(s.cfg.Server.SquareListenAddr); err != nil {
		return fmt.Errorf("gateway: listen squares: %w", err)
	}
	defer s.squareLn.Close()

	logger.L.Info("gateway started",
		zap.String("client_addr", s.cfg.Server.ClientListenAddr),
		zap.String("square_addr", s.cfg.Server.SquareListenAddr))

	ticker := time.NewTicker(s.cfg.Server.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			s.acceptIncoming()
			s.update()
			metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func listenTCP(addr string) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return ln.(*net.TCPListener), nil
}

// acceptTCP polls a listener without blocking the tick.
func acceptTCP(ln *net.TCPListener) (net.Conn, bool) {
	if err := ln.SetDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, false
	}
	c, err := ln.Accept()
	if err != nil {
		return nil, false
	}
	return c, true
}

func remoteIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return host
}

func (s *Server) acceptIncoming() {
	for {
		raw, ok := acceptTCP(s.clientLn)
		if !ok {
			break
		}
		ip := remoteIP(raw)
		if !s.limiter.Allow(ip) {
			metrics.IncConnectionRejected("rate_limited")
			raw.Close()
			continue
		}

		p := newPlayerSession(s, netconn.Wrap(raw))
		p.ip = ip
		h, err := s.registry.Create(session.KindPlayer, p)
		if err != nil {
			logger.L.Warn("connection rejected, session table full",
				zap.String("addr", raw.RemoteAddr().String()))
			metrics.IncConnectionRejected("registry_full")
			s.limiter.Release(ip)
			p.conn.Close()
			continue
		}
		p.handle = h
		s.players = append(s.players, p)
		metrics.ConnectionsAccepted.WithLabelValues("player").Inc()
		logger.L.Info("client connected",
			zap.Int("session", h.Slot),
			zap.String("addr", p.conn.RemoteAddr()))
	}

	for {
		raw, ok := acceptTCP(s.squareLn)
		if !ok {
			break
		}
		ip := remoteIP(raw)
		if !s.limiter.Allow(ip) {
			metrics.IncConnectionRejected("rate_limited")
			raw.Close()
			continue
		}

		l := newSquareLink(s, netconn.Wrap(raw))
		l.ip = ip
		h, err := s.registry.Create(session.KindSquare, l)
		if err != nil {
			logger.L.Warn("square rejected, session table full",
				zap.String("addr", raw.RemoteAddr().String()))
			metrics.IncConnectionRejected("registry_full")
			s.limiter.Release(ip)
			l.conn.Close()
			continue
		}
		l.handle = h
		s.links = append(s.links, l)
		metrics.ConnectionsAccepted.WithLabelValues("square").Inc()
		logger.L.Info("square connected",
			zap.Int("session", h.Slot),
			zap.String("addr", l.conn.RemoteAddr()))
	}
}

func (s *Server) update() {
	alive := s.players[:0]
	for _, p := range s.players {
		p.Update()
		if !p.conn.Connected() || p.eof {
			s.reapPlayer(p)
			continue
		}
		alive = append(alive, p)
	}
	// Let the slice release dropped sessions.
	for i := len(alive); i < len(s.players); i++ {
		s.players[i] = nil
	}
	s.players = alive

	liveLinks := s.links[:0]
	for _, l := range s.links {
		l.Update()
		if !l.conn.Connected() || l.eof {
			s.reapLink(l)
			continue
		}
		liveLinks = append(liveLinks, l)
	}
	for i := len(liveLinks); i < len(s.links); i++ {
		s.links[i] = nil
	}
	s.links = liveLinks

	metrics.ActiveSessions.WithLabelValues("player").Set(float64(len(s.players)))
	metrics.ActiveSessions.WithLabelValues("square").Set(float64(len(s.links)))
}

func (s *Server) reapPlayer(p *PlayerSession) {
	p.conn.Close()
	if !s.registry.Destroy(p.handle.Slot) {
		logger.L.Error("failed to release session slot",
			zap.Int("session", p.handle.Slot))
	}
	s.limiter.Release(p.ip)
	logger.L.Info("client disconnected",
		zap.Int("session", p.handle.Slot),
		zap.String("account", p.handle.Name))
}

func (s *Server) reapLink(l *SquareLink) {
	l.conn.Close()
	l.teardown()
	if !s.registry.Destroy(l.handle.Slot) {
		logger.L.Error("failed to release session slot",
			zap.Int("session", l.handle.Slot))
	}
	s.limiter.Release(l.ip)
	logger.L.Info("square disconnected",
		zap.Int("session", l.handle.Slot))
}

func (s *Server) shutdown() {
	for _, p := range s.players {
		s.reapPlayer(p)
	}
	s.players = nil
	for _, l := range s.links {
		s.reapLink(l)
	}
	s.links = nil
}

// dumpPacket writes an unhandled packet to disk when debugging is on, so
// unknown client commands can be captured for protocol work.
func (s *Server) dumpPacket(slot int, pkt *protocol.Packet) {
	logger.L.Debug("unhandled packet",
		zap.Int("session", slot),
		zap.Uint16("command", pkt.Command),
		zap.Int("size", pkt.Body.Len()+protocol.HeaderSize))
	if !s.cfg.Server.DebugPacketDump {
		return
	}

	name := fmt.Sprintf("gw_%d_0x%x.bin", s.dumpSeq, pkt.Command)
	path := filepath.Join(s.cfg.Server.PacketDumpDir, name)
	if err := os.WriteFile(path, pkt.Marshal(), 0o644); err != nil {
		logger.L.Warn("packet dump failed", zap.String("path", path), zap.Error(err))
		return
	}
	s.dumpSeq++
	logger.L.Debug("packet dumped", zap.String("path", path))
}
