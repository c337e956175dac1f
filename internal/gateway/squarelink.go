package gateway

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/Portalcake/Soldin/internal/logger"
	"github.com/Portalcake/Soldin/internal/metrics"
	"github.com/Portalcake/Soldin/internal/netconn"
	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/session"
	"github.com/Portalcake/Soldin/internal/wire"
)

// maxIdleTime is how long a control link may stay silent before the
// gateway assumes the square host is gone. Squares report load every few
// seconds, so a quiet link is a dead one.
const maxIdleTime = 10 * time.Second

// SquareLink is the control connection from one square host. It carries
// registration, load reports and session handoff lookups; game traffic
// never touches it.
type SquareLink struct {
	srv    *Server
	conn   *netconn.Conn
	handle *session.Handle
	ip     string

	squareID   int
	lastUpdate time.Time
	eof        bool
}

func newSquareLink(srv *Server, conn *netconn.Conn) *SquareLink {
	return &SquareLink{
		srv:        srv,
		conn:       conn,
		squareID:   -1,
		lastUpdate: time.Now(),
	}
}

// Update runs one tick for the link, including the idle watchdog.
func (l *SquareLink) Update() {
	n, err := l.conn.Drain()
	metrics.BytesIn.Add(float64(n))
	if err != nil {
		l.eof = true
		return
	}

	now := time.Now()
	if n == 0 {
		if now.Sub(l.lastUpdate) >= maxIdleTime {
			logger.L.Warn("square link idle, dropping",
				zap.Int("session", l.handle.Slot),
				zap.String("addr", l.conn.RemoteAddr()))
			l.conn.Close()
			l.eof = true
			return
		}
	} else {
		l.lastUpdate = now
	}

	for {
		frame, err := protocol.NextFrame(l.conn.Inbound())
		if err != nil {
			l.eof = true
			return
		}
		if frame == nil {
			break
		}
		pkt, err := protocol.Decode(frame)
		if err != nil {
			l.eof = true
			return
		}
		metrics.PacketsDispatched.WithLabelValues("square_link").Inc()

		switch pkt.Command {
		case protocol.MsgSquareAuth:
			l.msgAuth(pkt.Body)
		case protocol.MsgSquareUpdate:
			l.msgUpdate(pkt.Body)
		case protocol.MsgSquareSessionInfo:
			l.msgSessionInfo(pkt.Body)
		}
		if l.eof {
			break
		}
	}

	sent, ferr := l.conn.Flush()
	metrics.BytesOut.Add(float64(sent))
	if ferr != nil && !errors.Is(ferr, netconn.ErrClosed) {
		l.eof = true
	}
}

// teardown releases the square's table slot when the link goes away.
func (l *SquareLink) teardown() {
	if l.squareID >= 0 {
		l.srv.squares.Remove(l.squareID)
		l.squareID = -1
	}
}

func (l *SquareLink) send(cmd uint16, body *wire.Buffer) {
	out := protocol.New(cmd)
	out.Body = body
	l.conn.Queue(out)
}

// msgAuth registers the square in the lobby list.
func (l *SquareLink) msgAuth(b *wire.Buffer) {
	hostRaw, err := b.ReadUint32()
	if err != nil {
		l.eof = true
		return
	}
	port, _ := b.ReadUint16()
	capacity, _ := b.ReadUint32()
	name, err := b.ReadString()
	if err != nil {
		l.eof = true
		return
	}

	// The address travels as the four octets of the dotted quad, first
	// octet in the low byte.
	host := net.IPv4(byte(hostRaw), byte(hostRaw>>8), byte(hostRaw>>16), byte(hostRaw>>24))

	id, err := l.srv.squares.Add(name, host, port, capacity, l)
	if err != nil {
		logger.L.Warn("square registration rejected",
			zap.Int("session", l.handle.Slot),
			zap.String("square", name),
			zap.Error(err))
		l.conn.Close()
		l.eof = true
		return
	}
	l.squareID = id
	logger.L.Info("square registered",
		zap.Int("session", l.handle.Slot),
		zap.Int("square", id),
		zap.String("name", name),
		zap.String("addr", host.String()),
		zap.Uint16("port", port),
		zap.Uint32("capacity", capacity))
}

// msgUpdate refreshes the square's reported load.
func (l *SquareLink) msgUpdate(b *wire.Buffer) {
	online, err := b.ReadUint32()
	if err != nil {
		l.eof = true
		return
	}
	if e := l.srv.squares.At(l.squareID); e != nil {
		e.SetOnline(online)
	}
}

// msgSessionInfo resolves a session key presented to a square back to the
// owning account. The square's local slot id rides along purely as a
// correlation tag; the lookup itself is strictly by key.
func (l *SquareLink) msgSessionInfo(b *wire.Buffer) {
	correlation, err := b.ReadUint32()
	if err != nil {
		l.eof = true
		return
	}
	key, err := b.ReadString()
	if err != nil {
		l.eof = true
		return
	}

	body := &wire.Buffer{}
	if h := l.srv.registry.ByKey(key); h != nil && h.Kind == session.KindPlayer {
		player := h.Owner.(*PlayerSession)
		body.WriteUint32(protocol.SessionOK)
		body.WriteUint32(correlation)
		body.WriteUint32(player.CharacterID())
		body.WriteUint32(player.AccountID())
		metrics.ResolveRequests.WithLabelValues("ok").Inc()
	} else {
		body.WriteUint32(protocol.SessionNotFound)
		body.WriteUint32(correlation)
		metrics.ResolveRequests.WithLabelValues("not_found").Inc()
		logger.L.Warn("session resolve failed",
			zap.Int("session", l.handle.Slot),
			zap.String("key", key))
	}
	l.send(protocol.MsgSquareSessionInfo, body)
}
