package gateway

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Portalcake/Soldin/internal/config"
	"github.com/Portalcake/Soldin/internal/netconn"
	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/ratelimit"
	"github.com/Portalcake/Soldin/internal/session"
	"github.com/Portalcake/Soldin/internal/store"
	"github.com/Portalcake/Soldin/internal/wire"
)

func seedStore() *store.Memory {
	m := store.NewMemory()
	m.AddAccount(&store.Account{
		ID: 1, Name: "Sieg", Password: "hunter2",
		MaxChars: 8, Licenses: []uint32{0, 1},
	})
	m.AddCharacter(&store.Character{
		ID: 10, AccountID: 1, Name: "Eir", ClassID: 2,
		Level: 12, LastPlayed: time.Unix(1700000000, 0),
	})
	return m
}

func testConfig(t *testing.T) *config.Gateway {
	return &config.Gateway{
		Server: config.GatewayServer{
			AdvertiseAddr: "10.1.2.3",
			TickInterval:  time.Millisecond,
			PacketDumpDir: t.TempDir(),
		},
		Security: config.Security{MaxConnectionsPerIP: 10, ConnectionRateLimit: 100},
	}
}

// harness wires one fake client (and optionally one square link) straight
// into a Server without running the accept loop.
type harness struct {
	t      *testing.T
	srv    *Server
	player *PlayerSession
	client *netconn.Conn
}

func newHarness(t *testing.T, st store.Store) *harness {
	t.Helper()
	srv := New(testConfig(t), st)

	client, server := socketPair(t)
	p := newPlayerSession(srv, server)
	h, err := srv.registry.Create(session.KindPlayer, p)
	require.NoError(t, err)
	p.handle = h
	srv.players = append(srv.players, p)

	return &harness{t: t, srv: srv, player: p, client: client}
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
	raw := <-accepted
	server := netconn.Wrap(raw)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

// send pushes one packet from the fake client and spins the session until
// at least one reply frame is available (or the deadline passes).
func (h *harness) send(cmd uint16, build func(*wire.Buffer)) []*protocol.Packet {
	h.t.Helper()
	pkt := protocol.New(cmd)
	if build != nil {
		build(pkt.Body)
	}
	h.client.Queue(pkt)
	_, err := h.client.Flush()
	require.NoError(h.t, err)

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
			reply, err := protocol.Decode(frame)
			require.NoError(h.t, err)
			replies = append(replies, reply)
			got++
		}
		// A handler may queue several packets; keep spinning until the
		// wire has been silent for a few ticks.
		if len(replies) > 0 {
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

func (h *harness) login(user, pass string) []*protocol.Packet {
	return h.send(protocol.MsgLogin, func(b *wire.Buffer) {
		b.WriteWideString(user)
		b.WriteString(pass)
	})
}

func TestLoginSuccessSendsCharacterList(t *testing.T) {
	h := newHarness(t, seedStore())

	replies := h.login("Sieg", "hunter2")
	require.GreaterOrEqual(t, len(replies), 3, "want login result, license and list packets")

	assert.Equal(t, uint16(protocol.MsgLogin), replies[0].Command)
	code, _ := replies[0].Body.ReadUint32()
	assert.Zero(t, code)
	echo, _ := replies[0].Body.ReadWideString()
	assert.Equal(t, "Sieg", echo)

	assert.Equal(t, uint16(protocol.MsgCharacterLicense), replies[1].Command)
	maxChars, _ := replies[1].Body.ReadUint32()
	assert.Equal(t, uint32(8), maxChars)
	licHash, _ := replies[1].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.HashCharLicenses), licHash)
	licCount, _ := replies[1].Body.ReadUint32()
	assert.Equal(t, uint32(2), licCount)

	assert.Equal(t, uint16(protocol.MsgCharacterList), replies[2].Command)
	listHash, _ := replies[2].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.HashListCharacters), listHash)
	count, _ := replies[2].Body.ReadUint32()
	assert.Equal(t, uint32(1), count)
	objHash, _ := replies[2].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.HashObjCharacter), objHash)
	name, _ := replies[2].Body.ReadWideString()
	assert.Equal(t, "Eir", name)

	assert.Equal(t, "Sieg", h.player.handle.Name, "duplicate-login check keys off the handle name")
}

func TestLoginFailures(t *testing.T) {
	tests := []struct {
		name string
		user string
		pass string
		want uint32
		prep func(*store.Memory)
	}{
		{"unknown account", "Ghost", "x", protocol.LoginErrNotFound, nil},
		{"wrong password", "Sieg", "wrong", protocol.LoginErrInvalidPassword, nil},
		{"blocked", "Sieg", "hunter2", protocol.LoginErrAccountBlocked, func(m *store.Memory) {
			m.AddAccount(&store.Account{ID: 1, Name: "Sieg", Password: "hunter2", Status: store.AccountBlocked})
		}},
		{"deleted", "Sieg", "hunter2", protocol.LoginErrAccountDeleted, func(m *store.Memory) {
			m.AddAccount(&store.Account{ID: 1, Name: "Sieg", Password: "hunter2", Status: store.AccountDeleted})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := seedStore()
			if tt.prep != nil {
				tt.prep(st)
			}
			h := newHarness(t, st)
			replies := h.login(tt.user, tt.pass)
			require.NotEmpty(t, replies)
			assert.Equal(t, uint16(protocol.MsgLogin), replies[0].Command)
			code, _ := replies[0].Body.ReadUint32()
			assert.Equal(t, tt.want, code)
			assert.False(t, h.player.authenticated)
		})
	}
}

func TestLoginPasswordIgnoresCase(t *testing.T) {
	h := newHarness(t, seedStore())
	replies := h.login("sieg", "HUNTER2")
	require.NotEmpty(t, replies)
	code, _ := replies[0].Body.ReadUint32()
	assert.Zero(t, code)
}

func TestDuplicateLoginRejected(t *testing.T) {
	st := seedStore()
	first := newHarness(t, st)
	first.login("Sieg", "hunter2")
	require.True(t, first.player.authenticated)

	second := newHarness(t, st)
	// Both harnesses share a store but not a registry; register the first
	// player's name in the second server's table to simulate presence.
	other, err := second.srv.registry.Create(session.KindPlayer, first.player)
	require.NoError(t, err)
	other.Name = "Sieg"

	replies := second.login("Sieg", "hunter2")
	require.NotEmpty(t, replies)
	code, _ := replies[0].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.LoginErrAlreadyInLobby), code)
}

func TestClientHashEnablesEncryption(t *testing.T) {
	h := newHarness(t, seedStore())

	replies := h.send(protocol.MsgClientHash, nil)
	require.NotEmpty(t, replies)
	body := replies[0].Body

	zero, _ := body.ReadUint32()
	assert.Zero(t, zero)
	hash, _ := body.ReadUint32()
	assert.Equal(t, uint32(protocol.HashDateConnected), hash)
	_, err := body.ReadBytes(14) // seven u16 time fields
	require.NoError(t, err)
	addr, _ := body.ReadString()
	assert.Equal(t, "10.1.2.3", addr)
	key, err := body.ReadUint32()
	require.NoError(t, err)

	// Encrypted login must still parse once the client ciphers too.
	h.client.EnableEncryption(key)
	login := h.login("Sieg", "hunter2")
	require.NotEmpty(t, login)
	code, _ := login[0].Body.ReadUint32()
	assert.Zero(t, code)
	assert.True(t, h.player.authenticated)
}

func TestCharacterCreateDeleteSelect(t *testing.T) {
	h := newHarness(t, seedStore())
	h.login("Sieg", "hunter2")
	require.True(t, h.player.authenticated)

	// Create a new character.
	replies := h.send(protocol.MsgCreateCharacter, func(b *wire.Buffer) {
		b.WriteWideString("Dainn")
		b.WriteUint32(3)
	})
	require.NotEmpty(t, replies)
	code, _ := replies[0].Body.ReadUint32()
	require.Zero(t, code)
	tag, _ := replies[0].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.HashObjNewCharacter), tag)
	name, _ := replies[0].Body.ReadWideString()
	assert.Equal(t, "Dainn", name)

	// Name collision comes back with the blank record.
	replies = h.send(protocol.MsgCreateCharacter, func(b *wire.Buffer) {
		b.WriteWideString("eir")
		b.WriteUint32(0)
	})
	require.NotEmpty(t, replies)
	code, _ = replies[0].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.CreateErrNameTaken), code)
	blank, err := replies[0].Body.ReadBytes(72)
	require.NoError(t, err)
	assert.Equal(t, blankCharacter, blank)

	// Select is case-insensitive.
	replies = h.send(protocol.MsgSelectCharacter, func(b *wire.Buffer) {
		b.WriteWideString("DAINN")
	})
	require.NotEmpty(t, replies)
	code, _ = replies[0].Body.ReadUint32()
	assert.Zero(t, code)
	require.NotNil(t, h.player.character)
	assert.Equal(t, "Dainn", h.player.character.Name)

	// Unknown select cancels.
	replies = h.send(protocol.MsgSelectCharacter, func(b *wire.Buffer) {
		b.WriteWideString("Nobody")
	})
	require.NotEmpty(t, replies)
	code, _ = replies[0].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.SelectErrCancel), code)

	// Delete the created character.
	replies = h.send(protocol.MsgDeleteCharacter, func(b *wire.Buffer) {
		b.WriteWideString("Dainn")
	})
	require.NotEmpty(t, replies)
	code, _ = replies[0].Body.ReadUint32()
	assert.Zero(t, code)
	echo, _ := replies[0].Body.ReadWideString()
	assert.Equal(t, "Dainn", echo)
	assert.Len(t, h.player.account.Characters, 1)
}

func TestSquareSelect(t *testing.T) {
	h := newHarness(t, seedStore())
	h.login("Sieg", "hunter2")
	h.send(protocol.MsgSelectCharacter, func(b *wire.Buffer) {
		b.WriteWideString("Eir")
	})

	// Register a square by hand; the link only matters for liveness.
	_, linkSide := socketPair(t)
	link := newSquareLink(h.srv, linkSide)
	slot, err := h.srv.squares.Add("Plaza", net.IPv4(10, 0, 0, 9), 15560, 100, link)
	require.NoError(t, err)
	link.squareID = slot

	replies := h.send(protocol.MsgSquareSelect, func(b *wire.Buffer) {
		b.WriteWideString("plaza")
	})
	require.NotEmpty(t, replies)
	require.Equal(t, uint16(protocol.MsgSquareDetails), replies[0].Command)
	code, _ := replies[0].Body.ReadUint32()
	require.Zero(t, code)
	addr, _ := replies[0].Body.ReadString()
	assert.Equal(t, "10.0.0.9", addr)
	port, _ := replies[0].Body.ReadUint16()
	assert.Equal(t, uint16(15560), port)
	key, _ := replies[0].Body.ReadString()
	assert.Equal(t, h.player.handle.Key, key)

	// Full square.
	h.srv.squares.At(slot).SetOnline(100)
	replies = h.send(protocol.MsgSquareSelect, func(b *wire.Buffer) {
		b.WriteWideString("Plaza")
	})
	require.NotEmpty(t, replies)
	code, _ = replies[0].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.SquareErrFull), code)

	// Unknown square.
	replies = h.send(protocol.MsgSquareSelect, func(b *wire.Buffer) {
		b.WriteWideString("Nowhere")
	})
	require.NotEmpty(t, replies)
	code, _ = replies[0].Body.ReadUint32()
	assert.Equal(t, uint32(protocol.SquareErrNotFound), code)
}

func TestSquareListTiers(t *testing.T) {
	e := &SquareEntry{Capacity: 100, link: &SquareLink{}}
	tiers := []struct {
		online uint32
		want   uint32
	}{
		{0, protocol.StatusSmooth},
		{49, protocol.StatusSmooth},
		{50, protocol.StatusAverage},
		{74, protocol.StatusAverage},
		{75, protocol.StatusBusy},
		{99, protocol.StatusBusy},
		{100, protocol.StatusFull},
	}
	for _, tt := range tiers {
		e.SetOnline(tt.online)
		assert.Equal(t, tt.want, e.Status, "online=%d", tt.online)
	}
}

func TestSquareLinkResolvesSessionKeys(t *testing.T) {
	h := newHarness(t, seedStore())
	h.login("Sieg", "hunter2")
	h.send(protocol.MsgSelectCharacter, func(b *wire.Buffer) {
		b.WriteWideString("Eir")
	})

	linkClient, linkServer := socketPair(t)
	l := newSquareLink(h.srv, linkServer)
	handle, err := h.srv.registry.Create(session.KindSquare, l)
	require.NoError(t, err)
	l.handle = handle

	ask := func(correlation uint32, key string) *protocol.Packet {
		pkt := protocol.New(protocol.MsgSquareSessionInfo)
		pkt.Body.WriteUint32(correlation)
		pkt.Body.WriteString(key)
		linkClient.Queue(pkt)
		_, err := linkClient.Flush()
		require.NoError(t, err)

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			l.Update()
			if _, err := linkClient.Drain(); err != nil {
				break
			}
			frame, err := protocol.NextFrame(linkClient.Inbound())
			require.NoError(t, err)
			if frame != nil {
				reply, err := protocol.Decode(frame)
				require.NoError(t, err)
				return reply
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatal("no resolve reply")
		return nil
	}

	reply := ask(7, h.player.handle.Key)
	code, _ := reply.Body.ReadUint32()
	require.Equal(t, uint32(protocol.SessionOK), code)
	correlation, _ := reply.Body.ReadUint32()
	assert.Equal(t, uint32(7), correlation)
	charID, _ := reply.Body.ReadUint32()
	assert.Equal(t, uint32(10), charID)
	accID, _ := reply.Body.ReadUint32()
	assert.Equal(t, uint32(1), accID)

	reply = ask(9, "DEADBEEF")
	code, _ = reply.Body.ReadUint32()
	assert.Equal(t, uint32(protocol.SessionNotFound), code)
	correlation, _ = reply.Body.ReadUint32()
	assert.Equal(t, uint32(9), correlation)
}

func TestIPLimiterGatesAccepts(t *testing.T) {
	lim := ratelimit.NewIPLimiter(2, 100)
	assert.True(t, lim.Allow("10.0.0.1"))
	assert.True(t, lim.Allow("10.0.0.1"))
	assert.False(t, lim.Allow("10.0.0.1"), "third concurrent connection must be rejected")
	lim.Release("10.0.0.1")
	assert.True(t, lim.Allow("10.0.0.1"))
}
