// Package square implements a zone host: it accepts clients handed off
// by the gateway, resolves their session keys over the control link and
// runs the square's stages.
package square

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

// Server owns the square's listener, its stages and the gateway control
// link. All state is confined to the Run goroutine.
type Server struct {
	cfg      *config.Square
	store    store.Store
	registry *session.Registry
	stages   *StageManager
	hub      *Stage
	gateway  *GatewayClient
	limiter  *ratelimit.IPLimiter

	ln      *net.TCPListener
	players []*PlayerSession
	npcs    []NPCSpawn

	dumpSeq int
}

// New builds a square host around an opened store. The hub stage exists
// from the start; it is the square itself.
func New(cfg *config.Square, st store.Store) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		store:    st,
		registry: session.NewRegistry(protocol.MaxSessions, false),
		stages:   NewStageManager(),
		limiter: ratelimit.NewIPLimiter(
			cfg.Security.MaxConnectionsPerIP,
			cfg.Security.ConnectionRateLimit),
	}
	s.gateway = newGatewayClient(s)

	// Capacity caps connections to the host; the hub stage has its own
	// player limit.
	s.hub = s.stages.Create(protocol.StageGroupSquare, 0, cfg.Server.StageCapacity)
	s.hub.hub = true

	if cfg.Server.NPCFile != "" {
		npcs, err := LoadNPCSpawns(cfg.Server.NPCFile)
		if err != nil {
			return nil, err
		}
		s.npcs = npcs
	} else {
		s.npcs = defaultNPCSpawns
	}

	return s, nil
}

// Online returns the number of connected players, reported to the
// gateway in the load heartbeat.
func (s *Server) Online() int { return len(s.players) }

// Hub returns the square's hub stage.
func (s *Server) Hub() *Stage { return s.hub }

// Stages returns the stage table.
func (s *Server) Stages() *StageManager { return s.stages }

// Run listens for clients and drives the tick loop until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.ClientListenAddr)
	if err != nil {
		return fmt.Errorf("square: listen clients: %w", err)
	}
	s.ln = ln.(*net.TCPListener)
	defer s.ln.Close()

	logger.L.Info("square started",
		zap.String("name", s.cfg.Server.Name),
		zap.String("client_addr", s.cfg.Server.ClientListenAddr),
		zap.Uint32("capacity", s.cfg.Server.Capacity),
		zap.Int("npcs", len(s.npcs)))

	ticker := time.NewTicker(s.cfg.Server.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			s.gateway.Update()
			s.acceptIncoming()
			s.update()
			metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Server) acceptIncoming() {
	for {
		if err := s.ln.SetDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return
		}
		raw, err := s.ln.Accept()
		if err != nil {
			return
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
		metrics.ConnectionsAccepted.WithLabelValues("square_player").Inc()
		logger.L.Info("client connected",
			zap.Int("session", h.Slot),
			zap.String("addr", p.conn.RemoteAddr()))
	}
}

func remoteIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return host
}

func (s *Server) update() {
	alive := s.players[:0]
	for _, p := range s.players {
		p.Update()
		if !p.conn.Connected() || p.eof {
			s.reap(p)
			continue
		}
		alive = append(alive, p)
	}
	for i := len(alive); i < len(s.players); i++ {
		s.players[i] = nil
	}
	s.players = alive

	metrics.ActiveSessions.WithLabelValues("square_player").Set(float64(len(s.players)))
}

func (s *Server) reap(p *PlayerSession) {
	p.conn.Close()
	p.teardown()
	if !s.registry.Destroy(p.handle.Slot) {
		logger.L.Error("failed to release session slot",
			zap.Int("session", p.handle.Slot))
	}
	s.limiter.Release(p.ip)
	logger.L.Info("client disconnected",
		zap.Int("session", p.handle.Slot),
		zap.String("character", p.handle.Name))
}

func (s *Server) shutdown() {
	for _, p := range s.players {
		s.reap(p)
	}
	s.players = nil
	if s.gateway.Connected() {
		s.gateway.conn.Close()
	}
}

// resolveSession completes or rejects a pending handoff when the gateway
// answers a session key lookup. The slot tag is checked against the live
// registry; a reply for a session that died in the meantime is dropped.
func (s *Server) resolveSession(slot int, result, charID, accountID uint32) {
	h := s.registry.ByID(slot)
	if h == nil || h.Kind != session.KindPlayer {
		logger.L.Warn("resolve reply for unknown session", zap.Int("session", slot))
		return
	}
	p := h.Owner.(*PlayerSession)

	if result != protocol.SessionOK {
		logger.L.Warn("session key rejected by gateway", zap.Int("session", slot))
		p.eof = true
		return
	}
	p.loadCharacter(charID, accountID)
}

// dumpPacket logs an unhandled client packet, optionally to disk.
func (s *Server) dumpPacket(slot int, pkt *protocol.Packet) {
	logger.L.Debug("unhandled packet",
		zap.Int("session", slot),
		zap.Uint16("command", pkt.Command),
		zap.Int("size", pkt.Body.Len()+protocol.HeaderSize))
	if !s.cfg.Server.DebugPacketDump {
		return
	}

	name := fmt.Sprintf("sq_%d_0x%x.bin", s.dumpSeq, pkt.Command)
	path := filepath.Join(s.cfg.Server.PacketDumpDir, name)
	if err := os.WriteFile(path, pkt.Marshal(), 0o644); err != nil {
		logger.L.Warn("packet dump failed", zap.String("path", path), zap.Error(err))
		return
	}
	s.dumpSeq++
}
