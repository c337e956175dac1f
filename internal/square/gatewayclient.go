package square

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/Portalcake/Soldin/internal/logger"
	"github.com/Portalcake/Soldin/internal/metrics"
	"github.com/Portalcake/Soldin/internal/netconn"
	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/wire"
)

const dialTimeout = time.Second

// GatewayClient is the control link from this square host to the
// gateway. It registers the square, reports load on a fixed interval and
// resolves the session keys clients present. The link redials itself
// when it drops.
type GatewayClient struct {
	srv  *Server
	conn *netconn.Conn

	nextDial   time.Time
	nextUpdate time.Time
}

func newGatewayClient(srv *Server) *GatewayClient {
	return &GatewayClient{srv: srv}
}

// Connected reports whether the control link is up.
func (g *GatewayClient) Connected() bool {
	return g.conn != nil && g.conn.Connected()
}

// Update runs one tick for the link: redial if down, otherwise drain
// replies and push the periodic load report.
func (g *GatewayClient) Update() {
	if !g.Connected() {
		g.connect()
		return
	}

	n, err := g.conn.Drain()
	metrics.BytesIn.Add(float64(n))
	if err != nil {
		g.drop(err)
		return
	}

	for {
		frame, err := protocol.NextFrame(g.conn.Inbound())
		if err != nil {
			g.drop(err)
			return
		}
		if frame == nil {
			break
		}
		pkt, err := protocol.Decode(frame)
		if err != nil {
			g.drop(err)
			return
		}
		if pkt.Command == protocol.MsgSquareSessionInfo {
			g.msgSessionInfo(pkt.Body)
		}
	}

	now := time.Now()
	if now.After(g.nextUpdate) || g.nextUpdate.IsZero() {
		body := &wire.Buffer{}
		body.WriteUint32(uint32(g.srv.Online()))
		g.queue(protocol.MsgSquareUpdate, body)
		g.nextUpdate = now.Add(g.srv.cfg.Gateway.UpdateInterval)
	}

	sent, ferr := g.conn.Flush()
	metrics.BytesOut.Add(float64(sent))
	if ferr != nil {
		g.drop(ferr)
	}
}

// RequestSessionInfo asks the gateway who owns a session key. The slot id
// rides along as a correlation tag and comes back in the reply. Returns
// false when the link is down.
func (g *GatewayClient) RequestSessionInfo(slot int, key string) bool {
	if !g.Connected() {
		return false
	}
	body := &wire.Buffer{}
	body.WriteUint32(uint32(slot))
	body.WriteString(key)
	g.queue(protocol.MsgSquareSessionInfo, body)
	return true
}

func (g *GatewayClient) queue(cmd uint16, body *wire.Buffer) {
	pkt := protocol.New(cmd)
	pkt.Body = body
	g.conn.Queue(pkt)
}

func (g *GatewayClient) msgSessionInfo(b *wire.Buffer) {
	result, err := b.ReadUint32()
	if err != nil {
		return
	}
	slot, err := b.ReadUint32()
	if err != nil {
		return
	}

	if result != protocol.SessionOK {
		g.srv.resolveSession(int(slot), result, 0, 0)
		return
	}
	charID, _ := b.ReadUint32()
	accountID, err := b.ReadUint32()
	if err != nil {
		return
	}
	g.srv.resolveSession(int(slot), result, charID, accountID)
}

func (g *GatewayClient) drop(err error) {
	logger.L.Error("lost connection with gateway", zap.Error(err))
	g.conn.Close()
	g.conn = nil
	g.nextDial = time.Now().Add(g.srv.cfg.Gateway.ReconnectInterval)
}

// connect dials the gateway and registers the square. Redials are rate
// limited by the configured reconnect interval.
func (g *GatewayClient) connect() {
	now := time.Now()
	if now.Before(g.nextDial) {
		return
	}
	g.nextDial = now.Add(g.srv.cfg.Gateway.ReconnectInterval)

	conn, err := netconn.Dial(g.srv.cfg.Gateway.Addr, dialTimeout)
	if err != nil {
		logger.L.Warn("gateway dial failed",
			zap.String("addr", g.srv.cfg.Gateway.Addr),
			zap.Error(err))
		return
	}
	g.conn = conn
	g.nextUpdate = time.Time{}

	body := &wire.Buffer{}
	body.WriteUint32(packHost(g.srv.cfg.Server.AdvertiseHost))
	body.WriteUint16(g.srv.cfg.Server.AdvertisePort)
	body.WriteUint32(g.srv.cfg.Server.Capacity)
	body.WriteString(g.srv.cfg.Server.Name)
	g.queue(protocol.MsgSquareAuth, body)

	logger.L.Info("connection with gateway established",
		zap.String("addr", g.srv.cfg.Gateway.Addr),
		zap.String("square", g.srv.cfg.Server.Name))
}

// packHost encodes a dotted-quad address as a u32 with the first octet in
// the low byte, the layout the gateway expects in the auth packet.
func packHost(host string) uint32 {
	ip := net.ParseIP(host)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0]) | uint32(v4[1])<<8 | uint32(v4[2])<<16 | uint32(v4[3])<<24
}
