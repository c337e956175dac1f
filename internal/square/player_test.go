package square

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Portalcake/Soldin/internal/config"
	"github.com/Portalcake/Soldin/internal/netconn"
	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/session"
	"github.com/Portalcake/Soldin/internal/store"
	"github.com/Portalcake/Soldin/internal/wire"
)

func seedSquareStore() *store.Memory {
	m := store.NewMemory()
	m.AddAccount(&store.Account{ID: 1, Name: "Sieg", Password: "hunter2"})
	m.AddCharacter(&store.Character{
		ID: 10, AccountID: 1, Name: "Eir", ClassID: 2,
		Level: 12, Experience: 3400,
	})
	inv := &store.Inventory{Money: 500}
	inv.Licenses = []store.BagLicense{
		{ID: 1, Index: 1, Status: store.BagPermanent},
		{ID: 2, Index: 2, Status: 1, Expires: time.Date(2026, 3, 17, 5, 43, 21, 0, time.UTC)},
	}
	m.SetInventory(10, inv)
	m.SetBank(10, &store.Bank{Money: 100})
	return m
}

func testSquareConfig(t *testing.T) *config.Square {
	npcPath := filepath.Join(t.TempDir(), "npcs.txt")
	data := "37188954,937.32,0.00,801.83,-1.00,0.00,-1.00\n" +
		"17702352,641.55,0.00,758.76,1.00,0.00,-1.00\n"
	require.NoError(t, os.WriteFile(npcPath, []byte(data), 0o644))

	return &config.Square{
		Server: config.SquareServer{
			Name:          "Plaza",
			Capacity:      8,
			AdvertiseHost: "127.0.0.1",
			AdvertisePort: 15560,
			TickInterval:  time.Millisecond,
			StageCapacity: 8,
			NPCFile:       npcPath,
			PacketDumpDir: t.TempDir(),
		},
		Gateway: config.GatewayLink{
			Addr:              "127.0.0.1:1",
			ReconnectInterval: 50 * time.Millisecond,
			UpdateInterval:    50 * time.Millisecond,
		},
		Security: config.Security{MaxConnectionsPerIP: 10, ConnectionRateLimit: 100},
	}
}

func socketPair(t *testing.T) (*netconn.Conn, *netconn.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := netconn.Dial(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	server := netconn.Wrap(<-accepted)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

type harness struct {
	t      *testing.T
	srv    *Server
	player *PlayerSession
	client *netconn.Conn
}

// newHarness wires one fake client into a Server and completes the
// cipher seed handshake on the client side.
func newHarness(t *testing.T, st store.Store) *harness {
	t.Helper()
	srv, err := New(testSquareConfig(t), st)
	require.NoError(t, err)

	client, server := socketPair(t)
	p := newPlayerSession(srv, server)
	h, err := srv.registry.Create(session.KindPlayer, p)
	require.NoError(t, err)
	p.handle = h
	srv.players = append(srv.players, p)

	hn := &harness{t: t, srv: srv, player: p, client: client}

	seed := hn.collect(1)
	require.Len(t, seed, 1)
	require.Equal(t, uint16(protocol.MsgLoadEncryptionKey), seed[0].Command)
	key, err := seed[0].Body.ReadUint32()
	require.NoError(t, err)
	client.EnableEncryption(key)

	return hn
}

// collect spins the session until at least min reply frames arrived and
// the wire has gone quiet.
func (h *harness) collect(min int) []*protocol.Packet {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var replies []*protocol.Packet
	quiet := 0
	for time.Now().Before(deadline) {
		h.player.Update()
		if _, err := h.client.Drain(); err != nil {
			break
		}
		got := 0
		for {
			frame, err := protocol.NextFrame(h.client.Inbound())
			require.NoError(h.t, err)
			if frame == nil {
				break
			}
			pkt, err := protocol.Decode(frame)
			require.NoError(h.t, err)
			replies = append(replies, pkt)
			got++
		}
		if len(replies) >= min {
			if got == 0 {
				quiet++
				if quiet >= 5 {
					return replies
				}
			} else {
				quiet = 0
			}
		}
		time.Sleep(time.Millisecond)
	}
	return replies
}

func (h *harness) send(cmd uint16, build func(*wire.Buffer)) {
	h.t.Helper()
	pkt := protocol.New(cmd)
	if build != nil {
		build(pkt.Body)
	}
	h.client.Queue(pkt)
	_, err := h.client.Flush()
	require.NoError(h.t, err)
}

func (h *harness) sendRecv(cmd uint16, build func(*wire.Buffer)) []*protocol.Packet {
	h.send(cmd, build)
	return h.collect(1)
}

// resolve simulates the gateway's session info reply and returns the
// bootstrap packets pushed to the client.
func (h *harness) resolve() []*protocol.Packet {
	h.t.Helper()
	h.srv.resolveSession(h.player.handle.Slot, protocol.SessionOK, 10, 1)
	return h.collect(6)
}

func commands(pkts []*protocol.Packet) []uint16 {
	out := make([]uint16, len(pkts))
	for i, p := range pkts {
		out[i] = p.Command
	}
	return out
}

func TestBootstrapAfterResolve(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	pkts := h.resolve()

	require.Equal(t, []uint16{
		protocol.MsgSquareInfo,
		protocol.MsgCharacterInfo,
		protocol.MsgBagList,
		protocol.MsgSkillsList,
		protocol.MsgStageChange,
		protocol.MsgNPCCreate,
		protocol.MsgNPCCreate,
	}, commands(pkts))

	require.NotNil(t, h.player.character)
	assert.Equal(t, "Eir", h.player.character.Name)
	assert.Equal(t, "Sieg", h.player.handle.Name)

	info := pkts[1].Body
	classID, _ := info.ReadUint32()
	assert.Equal(t, uint32(2), classID)
	level, _ := info.ReadUint16()
	assert.Equal(t, uint16(12), level)
	exp, _ := info.ReadUint32()
	assert.Equal(t, uint32(3400), exp)

	bags := pkts[2].Body
	hash, _ := bags.ReadUint32()
	assert.Equal(t, uint32(protocol.HashBagList), hash)
	count, _ := bags.ReadUint32()
	assert.Equal(t, uint32(2), count)

	npc := pkts[5].Body
	objID, _ := npc.ReadUint32()
	assert.Equal(t, uint32(10001), objID)
	npcID, _ := npc.ReadUint32()
	assert.Equal(t, uint32(37188954), npcID)
}

func TestResolveFailureTearsDown(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.srv.resolveSession(h.player.handle.Slot, protocol.SessionNotFound, 0, 0)
	assert.True(t, h.player.eof)
}

func TestResolveUnknownCharacterTearsDown(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.srv.resolveSession(h.player.handle.Slot, protocol.SessionOK, 999, 1)
	assert.True(t, h.player.eof)
}

func TestLoadDoneJoinsHub(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.resolve()

	pkts := h.sendRecv(protocol.MsgLoadDone, nil)
	require.NotEmpty(t, pkts)
	require.Equal(t, uint16(protocol.MsgStageRoster), pkts[0].Command)

	body := pkts[0].Body
	charID, _ := body.ReadUint32()
	assert.Equal(t, uint32(10), charID)
	zero, _ := body.ReadUint32()
	assert.Zero(t, zero)
	name, _ := body.ReadWideString()
	assert.Equal(t, "Eir", name)

	assert.Equal(t, 1, h.srv.Hub().PlayerCount())
	assert.Same(t, h.srv.Hub(), h.player.stage)
}

func TestLoadProgressDelayedEcho(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.resolve()

	pkts := h.sendRecv(protocol.MsgLoadProgress, func(b *wire.Buffer) {
		b.WriteFloat32(0.5)
	})
	require.NotEmpty(t, pkts)
	name, _ := pkts[0].Body.ReadWideString()
	assert.Equal(t, "Eir", name)
	echoed, _ := pkts[0].Body.ReadFloat32()
	assert.Equal(t, float32(0), echoed)

	pkts = h.sendRecv(protocol.MsgLoadProgress, func(b *wire.Buffer) {
		b.WriteFloat32(0.75)
	})
	require.NotEmpty(t, pkts)
	pkts[0].Body.ReadWideString()
	echoed, _ = pkts[0].Body.ReadFloat32()
	assert.Equal(t, float32(0.5), echoed)
}

func TestBankDepositWithdraw(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.resolve()

	pkts := h.sendRecv(protocol.MsgBankDeposit, func(b *wire.Buffer) {
		b.WriteUint32(200)
	})
	require.NotEmpty(t, pkts)
	amount, _ := pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(200), amount)
	assert.Equal(t, uint32(300), h.player.inventory.Money)
	assert.Equal(t, uint32(300), h.player.bank.Money)

	// Withdrawing more than the bank holds changes nothing but still
	// echoes the amount.
	pkts = h.sendRecv(protocol.MsgBankWithdraw, func(b *wire.Buffer) {
		b.WriteUint32(1000)
	})
	require.NotEmpty(t, pkts)
	amount, _ = pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(1000), amount)
	assert.Equal(t, uint32(300), h.player.inventory.Money)
	assert.Equal(t, uint32(300), h.player.bank.Money)

	pkts = h.sendRecv(protocol.MsgBankWithdraw, func(b *wire.Buffer) {
		b.WriteUint32(300)
	})
	require.NotEmpty(t, pkts)
	assert.Equal(t, uint32(600), h.player.inventory.Money)
	assert.Equal(t, uint32(0), h.player.bank.Money)
}

func TestBankMove(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.resolve()

	h.player.inventory.Bags[0][3] = store.Item{ID: 77, ItemID: 5001, Amount: 3}
	h.player.bank.Boxes[1][2] = store.Item{ID: 88, ItemID: 6002, Amount: 1}

	move := func(srcBag, srcSlot, dstBox, dstSlot uint16) {
		h.send(protocol.MsgBankMove, func(b *wire.Buffer) {
			b.WriteUint32(0)
			b.WriteUint16(srcBag)
			b.WriteUint16(srcSlot)
			b.WriteUint32(0)
			b.WriteUint16(dstBox)
			b.WriteUint16(dstSlot)
		})
		for i := 0; i < 20; i++ {
			h.player.Update()
			time.Sleep(time.Millisecond)
		}
	}

	// Occupied destination swaps.
	move(0, 3, 1, 2)
	assert.Equal(t, uint32(6002), h.player.inventory.Bags[0][3].ItemID)
	assert.Equal(t, uint32(5001), h.player.bank.Boxes[1][2].ItemID)

	// Empty destination relocates.
	move(0, 3, 0, 0)
	assert.Zero(t, h.player.inventory.Bags[0][3].ItemID)
	assert.Equal(t, uint32(6002), h.player.bank.Boxes[0][0].ItemID)

	// Empty source is a no-op.
	move(0, 3, 0, 0)
	assert.Equal(t, uint32(6002), h.player.bank.Boxes[0][0].ItemID)

	// Out-of-range indices are ignored.
	move(100, 0, 0, 0)
	assert.False(t, h.player.eof)
}

func TestPingEcho(t *testing.T) {
	h := newHarness(t, seedSquareStore())

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	pkts := h.sendRecv(protocol.MsgPing, func(b *wire.Buffer) {
		b.WriteBytes(payload)
	})
	require.NotEmpty(t, pkts)
	assert.Equal(t, uint16(protocol.MsgPing), pkts[0].Command)
	echo, err := pkts[0].Body.ReadBytes(12)
	require.NoError(t, err)
	assert.Equal(t, payload, echo)
}

func TestChatBroadcast(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.resolve()
	h.sendRecv(protocol.MsgLoadDone, nil)

	pkts := h.sendRecv(protocol.MsgChat, func(b *wire.Buffer) {
		b.WriteUint32(0)
		b.WriteWideString("hello square")
	})
	require.NotEmpty(t, pkts)
	require.Equal(t, uint16(protocol.MsgChat), pkts[0].Command)
	charID, _ := pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(10), charID)
	pkts[0].Body.ReadUint32()
	msg, _ := pkts[0].Body.ReadWideString()
	assert.Equal(t, "hello square", msg)
}

func TestBoardMessage(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.resolve()

	h.player.sendBoardMessage("GM", "maintenance soon")
	pkts := h.collect(1)
	require.NotEmpty(t, pkts)
	require.Equal(t, uint16(protocol.MsgChat), pkts[0].Command)
	id, _ := pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(0xFFFFFFFF), id)
	chatType, _ := pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(8), chatType)
	msg, _ := pkts[0].Body.ReadWideString()
	assert.Equal(t, "1 GM maintenance soon", msg)
}

func TestMoveBroadcastsAction(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.resolve()
	h.sendRecv(protocol.MsgLoadDone, nil)

	pkts := h.sendRecv(protocol.MsgMove, func(b *wire.Buffer) {
		b.WriteUint32(0)
		b.WriteUint32(dirNorth)
	})
	require.NotEmpty(t, pkts)
	require.Equal(t, uint16(protocol.MsgSetAction), pkts[0].Command)
	charID, _ := pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(10), charID)
	action, _ := pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.ActRun), action)

	pkts = h.sendRecv(protocol.MsgMove, func(b *wire.Buffer) {
		b.WriteUint32(2)
		b.WriteUint32(0)
	})
	require.NotEmpty(t, pkts)
	pkts[0].Body.ReadUint32()
	action, _ = pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.ActIdle), action)
}

func TestShopRelays(t *testing.T) {
	h := newHarness(t, seedSquareStore())
	h.resolve()
	h.sendRecv(protocol.MsgLoadDone, nil)

	pkts := h.sendRecv(protocol.MsgShopEnter, func(b *wire.Buffer) {
		b.WriteUint32(42)
	})
	require.NotEmpty(t, pkts)
	require.Equal(t, uint16(protocol.MsgShopEnter), pkts[0].Command)
	charID, _ := pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(10), charID)
	shopID, _ := pkts[0].Body.ReadUint32()
	assert.Equal(t, uint32(42), shopID)

	pkts = h.sendRecv(protocol.MsgShopLeave, nil)
	require.NotEmpty(t, pkts)
	require.Equal(t, uint16(protocol.MsgShopLeave), pkts[0].Command)
}

func TestEmptyListReplies(t *testing.T) {
	h := newHarness(t, seedSquareStore())

	tests := []struct {
		cmd  uint16
		hash uint32
	}{
		{protocol.MsgGetBagItems, protocol.HashListBagItems},
		{protocol.MsgGetBankItems, protocol.HashBankItems},
		{protocol.MsgGetQuickSlots, protocol.HashQuickSlots},
	}
	for _, tt := range tests {
		pkts := h.sendRecv(tt.cmd, nil)
		require.NotEmpty(t, pkts)
		assert.Equal(t, tt.cmd, pkts[0].Command)
		hash, _ := pkts[0].Body.ReadUint32()
		assert.Equal(t, tt.hash, hash)
		count, _ := pkts[0].Body.ReadUint32()
		assert.Zero(t, count)
	}
}

// TestGatewayHandoffFlow runs the full handoff against a scripted
// gateway: square registers, forwards the client's session key and loads
// the character from the resolve reply.
func TestGatewayHandoffFlow(t *testing.T) {
	gwLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer gwLn.Close()

	st := seedSquareStore()
	cfg := testSquareConfig(t)
	cfg.Gateway.Addr = gwLn.Addr().String()
	srv, err := New(cfg, st)
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := gwLn.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	srv.gateway.Update()
	require.True(t, srv.gateway.Connected())
	gw := netconn.Wrap(<-accepted)
	defer gw.Close()

	gwFrame := func() *protocol.Packet {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			srv.gateway.Update()
			if _, err := gw.Drain(); err != nil {
				break
			}
			frame, err := protocol.NextFrame(gw.Inbound())
			require.NoError(t, err)
			if frame != nil {
				pkt, err := protocol.Decode(frame)
				require.NoError(t, err)
				return pkt
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatal("no frame from square")
		return nil
	}

	auth := gwFrame()
	require.Equal(t, uint16(protocol.MsgSquareAuth), auth.Command)
	host, _ := auth.Body.ReadUint32()
	assert.Equal(t, packHost("127.0.0.1"), host)
	port, _ := auth.Body.ReadUint16()
	assert.Equal(t, uint16(15560), port)
	capacity, _ := auth.Body.ReadUint32()
	assert.Equal(t, uint32(8), capacity)
	name, _ := auth.Body.ReadString()
	assert.Equal(t, "Plaza", name)

	// Wire a client straight into the server and authenticate.
	client, serverSide := socketPair(t)
	p := newPlayerSession(srv, serverSide)
	handle, err := srv.registry.Create(session.KindPlayer, p)
	require.NoError(t, err)
	p.handle = handle
	srv.players = append(srv.players, p)
	h := &harness{t: t, srv: srv, player: p, client: client}

	seed := h.collect(1)
	require.Equal(t, uint16(protocol.MsgLoadEncryptionKey), seed[0].Command)
	key, _ := seed[0].Body.ReadUint32()
	client.EnableEncryption(key)

	h.send(protocol.MsgLoadAuthenticate, func(b *wire.Buffer) {
		b.WriteWideString(handle.Key + "SESSIONKEY")
	})
	for i := 0; i < 20; i++ {
		h.player.Update()
		srv.gateway.Update()
		time.Sleep(time.Millisecond)
	}

	var req *protocol.Packet
	for req == nil {
		pkt := gwFrame()
		if pkt.Command == protocol.MsgSquareSessionInfo {
			req = pkt
		}
		// Load reports interleave with the resolve request.
	}
	slot, _ := req.Body.ReadUint32()
	assert.Equal(t, uint32(handle.Slot), slot)

	reply := protocol.New(protocol.MsgSquareSessionInfo)
	reply.Body.WriteUint32(protocol.SessionOK)
	reply.Body.WriteUint32(slot)
	reply.Body.WriteUint32(10)
	reply.Body.WriteUint32(1)
	gw.Queue(reply)
	_, err = gw.Flush()
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for p.character == nil && time.Now().Before(deadline) {
		srv.gateway.Update()
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, p.character)
	assert.Equal(t, "Eir", p.character.Name)

	pkts := h.collect(6)
	require.NotEmpty(t, pkts)
	assert.Equal(t, uint16(protocol.MsgSquareInfo), pkts[0].Command)
}
