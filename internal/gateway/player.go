package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Portalcake/Soldin/internal/crypt"
	"github.com/Portalcake/Soldin/internal/logger"
	"github.com/Portalcake/Soldin/internal/metrics"
	"github.com/Portalcake/Soldin/internal/netconn"
	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/session"
	"github.com/Portalcake/Soldin/internal/store"
	"github.com/Portalcake/Soldin/internal/tracing"
	"github.com/Portalcake/Soldin/internal/wire"
)

// blankCharacter is the record sent in place of a real character when a
// create request fails. The client expects exactly these 72 bytes.
var blankCharacter = []byte{
	0xDA, 0x3D, 0x71, 0xBC, 0x01, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x95, 0x24, 0x34, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xC9, 0x1A,
	0x69, 0x17, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x66, 0xD1, 0x3C, 0x39, 0x00, 0x00, 0x00, 0x00,
	0xF3, 0xE8, 0x3C, 0x39, 0x00, 0x00, 0x00, 0x00,
}

// PlayerSession is one game client connected to the lobby.
type PlayerSession struct {
	srv    *Server
	conn   *netconn.Conn
	handle *session.Handle
	ip     string

	account       *store.Account
	character     *store.Character
	square        *SquareEntry
	authenticated bool
	eof           bool
}

func newPlayerSession(srv *Server, conn *netconn.Conn) *PlayerSession {
	return &PlayerSession{srv: srv, conn: conn}
}

// AccountID returns the authenticated account id, or 0.
func (p *PlayerSession) AccountID() uint32 {
	if p.account == nil {
		return 0
	}
	return p.account.ID
}

// CharacterID returns the selected character id, or 0.
func (p *PlayerSession) CharacterID() uint32 {
	if p.character == nil {
		return 0
	}
	return p.character.ID
}

// Update runs one tick for this session: drain the socket, dispatch every
// complete frame, flush pending output. Errors mark the session for
// teardown instead of being returned; the server loop reaps it.
func (p *PlayerSession) Update() {
	n, err := p.conn.Drain()
	metrics.BytesIn.Add(float64(n))
	if err != nil {
		if !errors.Is(err, netconn.ErrClosed) {
			logger.L.Warn("client read failed",
				zap.Int("session", p.handle.Slot),
				zap.String("addr", p.conn.RemoteAddr()),
				zap.Error(err))
		}
		p.eof = true
		return
	}

	for {
		frame, err := protocol.NextFrame(p.conn.Inbound())
		if err != nil {
			logger.L.Warn("client sent malformed frame",
				zap.Int("session", p.handle.Slot),
				zap.Error(err))
			p.eof = true
			return
		}
		if frame == nil {
			break
		}
		pkt, err := protocol.Decode(frame)
		if err != nil {
			p.eof = true
			return
		}
		metrics.PacketsDispatched.WithLabelValues("player").Inc()
		p.dispatch(pkt)
		if p.eof {
			break
		}
	}

	sent, err := p.conn.Flush()
	metrics.BytesOut.Add(float64(sent))
	if err != nil && !errors.Is(err, netconn.ErrClosed) {
		p.eof = true
	}
}

func (p *PlayerSession) dispatch(pkt *protocol.Packet) {
	switch pkt.Command {
	case protocol.MsgClientHash:
		p.msgClientHash(pkt.Body)
	case protocol.MsgLogin:
		p.msgLogin(pkt.Body)
	case protocol.MsgDisconnect:
		p.msgLogout(pkt.Body)
	case protocol.MsgCreateCharacter:
		p.msgCharacterCreate(pkt.Body)
	case protocol.MsgDeleteCharacter:
		p.msgCharacterDelete(pkt.Body)
	case protocol.MsgSelectCharacter:
		p.msgCharacterSelect(pkt.Body)
	case protocol.MsgDeselectCharacter:
		p.msgCharacterDeselect(pkt.Body)
	case protocol.MsgSquareSelect:
		p.msgSquareSelect(pkt.Body)
	case protocol.MsgSquareList:
		p.sendSquareList()
	case protocol.MsgPing:
		// Lobby pings carry nothing to answer.
	default:
		p.srv.dumpPacket(p.handle.Slot, pkt)
	}
}

func (p *PlayerSession) send(cmd uint16, body *wire.Buffer) {
	out := protocol.New(cmd)
	out.Body = body
	p.conn.Queue(out)
}

// msgClientHash answers the client's version handshake with the current
// local time, the advertised gateway address and a fresh cipher seed.
// Everything after this reply is encrypted in both directions.
func (p *PlayerSession) msgClientHash(*wire.Buffer) {
	key := crypt.GenerateKey()
	now := time.Now()

	body := &wire.Buffer{}
	body.WriteUint32(0)
	body.WriteUint32(protocol.HashDateConnected)
	body.WriteUint16(uint16(now.Year() - 1900))
	body.WriteUint16(uint16(now.Month() - 1))
	body.WriteUint16(uint16(now.Weekday()))
	body.WriteUint16(uint16(now.Hour()))
	body.WriteUint16(uint16(now.Minute()))
	body.WriteUint16(uint16(now.Second()))
	body.WriteUint16(0)
	body.WriteString(p.srv.cfg.Server.AdvertiseAddr)
	body.WriteUint32(key)
	p.send(protocol.MsgClientHash, body)

	p.conn.EnableEncryption(key)
}

func (p *PlayerSession) msgLogin(b *wire.Buffer) {
	username, err := b.ReadWideString()
	if err != nil {
		p.eof = true
		return
	}
	password, err := b.ReadString()
	if err != nil {
		p.eof = true
		return
	}

	ctx, span := tracing.StartSpan(context.Background(), "gateway.login")
	defer span.End()

	fail := func(code uint32) {
		metrics.LoginResults.WithLabelValues(loginResultLabel(code)).Inc()
		body := &wire.Buffer{}
		body.WriteUint32(code)
		body.WriteWideString(username)
		body.WriteUint32(0)
		p.send(protocol.MsgLogin, body)
	}

	start := time.Now()
	account, err := p.srv.store.LoadAccountByName(ctx, username, true)
	metrics.StoreLatency.WithLabelValues("load_account").Observe(time.Since(start).Seconds())
	if errors.Is(err, store.ErrNotFound) {
		fail(protocol.LoginErrNotFound)
		return
	}
	if err != nil {
		logger.L.Error("account load failed",
			zap.Int("session", p.handle.Slot),
			zap.String("account", username),
			zap.Error(err))
		fail(protocol.LoginErrNotFound)
		return
	}
	p.account = account

	if !strings.EqualFold(account.Password, password) {
		fail(protocol.LoginErrInvalidPassword)
		return
	}

	if other := p.srv.registry.ByName(account.Name); other != nil {
		if op, ok := other.Owner.(*PlayerSession); ok && op.square != nil {
			fail(protocol.LoginErrAlreadyInSquare)
		} else {
			fail(protocol.LoginErrAlreadyInLobby)
		}
		return
	}
	switch account.Status {
	case store.AccountBlocked:
		fail(protocol.LoginErrAccountBlocked)
		return
	case store.AccountDeleted:
		fail(protocol.LoginErrAccountDeleted)
		return
	}

	p.authenticated = true
	metrics.LoginResults.WithLabelValues("ok").Inc()

	body := &wire.Buffer{}
	body.WriteUint32(0)
	body.WriteWideString(username)
	body.WriteUint32(0)
	p.send(protocol.MsgLogin, body)

	p.sendCharacterList()
	p.handle.Name = account.Name

	logger.InfoWithTrace(ctx, "account logged in",
		zap.Int("session", p.handle.Slot),
		zap.String("account", account.Name),
		zap.Uint32("account_id", account.ID))
}

func loginResultLabel(code uint32) string {
	switch code {
	case protocol.LoginErrNotFound:
		return "not_found"
	case protocol.LoginErrInvalidPassword:
		return "bad_password"
	case protocol.LoginErrAccountDeleted:
		return "deleted"
	case protocol.LoginErrAccountBlocked:
		return "blocked"
	case protocol.LoginErrAlreadyInLobby, protocol.LoginErrAlreadyInSquare:
		return "duplicate"
	}
	return "ok"
}

func (p *PlayerSession) msgLogout(*wire.Buffer) {
	p.authenticated = false
	p.eof = true
}

func (p *PlayerSession) msgCharacterCreate(b *wire.Buffer) {
	if !p.isAuthenticated() {
		return
	}
	name, err := b.ReadWideString()
	if err != nil {
		p.eof = true
		return
	}
	classID, _ := b.ReadUint32()

	ctx, span := tracing.StartSpan(context.Background(), "gateway.character_create")
	defer span.End()

	fail := func(code uint32) {
		body := &wire.Buffer{}
		body.WriteUint32(code)
		body.WriteBytes(blankCharacter)
		p.send(protocol.MsgCreateCharacter, body)
	}

	exists, err := p.srv.store.CharacterExists(ctx, name)
	if err != nil {
		logger.ErrorWithTrace(ctx, "character existence check failed", zap.Error(err))
		fail(protocol.CreateErrFailed)
		return
	}
	if exists {
		fail(protocol.CreateErrNameTaken)
		return
	}

	id, err := p.srv.store.CreateCharacter(ctx, p.account.ID, classID, name)
	if err != nil || id == 0 {
		logger.ErrorWithTrace(ctx, "character create failed",
			zap.String("name", name), zap.Error(err))
		fail(protocol.CreateErrFailed)
		return
	}
	chara, err := p.srv.store.LoadCharacter(ctx, id)
	if err != nil {
		fail(protocol.CreateErrFailed)
		return
	}
	p.account.Characters = append(p.account.Characters, chara)

	body := &wire.Buffer{}
	body.WriteUint32(0)
	body.WriteUint32(protocol.HashObjNewCharacter)
	body.WriteWideString(chara.Name)
	writeCharacterStats(body, chara)

	// The create reply uses the raw struct-tm fields; the list packet is
	// the one that sends calendar values.
	lp := chara.LastPlayed
	body.WriteUint32(protocol.HashDateLastPlayed)
	body.WriteUint16(uint16(lp.Year() - 1900))
	body.WriteUint16(uint16(lp.Month() - 1))
	body.WriteUint16(uint16(lp.Weekday()))
	body.WriteUint16(uint16(lp.Hour()))
	body.WriteUint16(uint16(lp.Minute()))
	body.WriteUint16(uint16(lp.Second()))
	body.WriteUint16(0)

	writeEquipmentList(body, chara)
	body.WriteUint32(protocol.HashStageLicenses)
	body.WriteUint32(0)
	p.send(protocol.MsgCreateCharacter, body)
}

func (p *PlayerSession) msgCharacterDelete(b *wire.Buffer) {
	if !p.isAuthenticated() || len(p.account.Characters) == 0 {
		return
	}
	name, err := b.ReadWideString()
	if err != nil {
		p.eof = true
		return
	}

	ctx, span := tracing.StartSpan(context.Background(), "gateway.character_delete")
	defer span.End()

	for i, c := range p.account.Characters {
		if !strings.EqualFold(c.Name, name) {
			continue
		}
		if err := p.srv.store.DeleteCharacter(ctx, c.ID); err != nil {
			logger.ErrorWithTrace(ctx, "character delete failed",
				zap.Uint32("character_id", c.ID), zap.Error(err))
		}

		body := &wire.Buffer{}
		body.WriteUint32(0)
		body.WriteWideString(name)
		p.send(protocol.MsgDeleteCharacter, body)

		p.account.Characters = append(p.account.Characters[:i], p.account.Characters[i+1:]...)
		return
	}

	body := &wire.Buffer{}
	body.WriteUint32(protocol.DeleteErrNotFound)
	body.WriteWideString("")
	p.send(protocol.MsgDeleteCharacter, body)
}

func (p *PlayerSession) msgCharacterSelect(b *wire.Buffer) {
	if !p.isAuthenticated() || len(p.account.Characters) == 0 {
		return
	}
	name, err := b.ReadWideString()
	if err != nil {
		p.eof = true
		return
	}

	for _, c := range p.account.Characters {
		if strings.EqualFold(c.Name, name) {
			p.character = c

			body := &wire.Buffer{}
			body.WriteUint32(0)
			body.WriteWideString(name)
			body.WriteUint32(0)
			p.send(protocol.MsgSelectCharacter, body)
			return
		}
	}

	body := &wire.Buffer{}
	body.WriteUint32(protocol.SelectErrCancel)
	body.WriteWideString("")
	body.WriteUint32(0)
	p.send(protocol.MsgSelectCharacter, body)
}

func (p *PlayerSession) msgCharacterDeselect(*wire.Buffer) {
	if !p.isAuthenticated() || len(p.account.Characters) == 0 {
		return
	}
	p.character = nil

	body := &wire.Buffer{}
	body.WriteUint32(0)
	p.send(protocol.MsgDeselectCharacter, body)
}

// msgSquareSelect hands the client off to a square host: it gets the
// host's address plus this session's key, which the square resolves back
// through the control link.
func (p *PlayerSession) msgSquareSelect(b *wire.Buffer) {
	name, err := b.ReadWideString()
	if err != nil {
		p.eof = true
		return
	}

	body := &wire.Buffer{}
	p.square = p.srv.squares.Find(name)
	switch {
	case p.square == nil:
		body.WriteUint32(protocol.SquareErrNotFound)
		body.WriteString("")
		body.WriteUint16(0)
		body.WriteString("")
	case p.square.Status == protocol.StatusFull:
		body.WriteUint32(protocol.SquareErrFull)
		body.WriteString("")
		body.WriteUint16(0)
		body.WriteString("")
	default:
		body.WriteUint32(0)
		body.WriteString(p.square.HostAddr.String())
		body.WriteUint16(p.square.Port)
		body.WriteString(p.handle.Key)
	}
	p.send(protocol.MsgSquareDetails, body)
}

func (p *PlayerSession) isAuthenticated() bool {
	return p.authenticated && p.account != nil
}

// sendCharacterList pushes the license packet followed by the full
// character roster.
func (p *PlayerSession) sendCharacterList() {
	if !p.isAuthenticated() {
		return
	}

	lic := &wire.Buffer{}
	lic.WriteUint32(p.account.MaxChars)
	lic.WriteUint32(protocol.HashCharLicenses)
	lic.WriteUint32(uint32(len(p.account.Licenses)))
	for _, class := range p.account.Licenses {
		lic.WriteUint32(class)
	}
	p.send(protocol.MsgCharacterLicense, lic)

	list := &wire.Buffer{}
	list.WriteUint32(protocol.HashListCharacters)
	list.WriteUint32(uint32(len(p.account.Characters)))
	for i, chara := range p.account.Characters {
		list.WriteUint32(protocol.HashObjCharacter + uint32(i))
		list.WriteWideString(chara.Name)
		writeCharacterStats(list, chara)

		lp := chara.LastPlayed
		list.WriteUint32(protocol.HashDateLastPlayed)
		list.WriteUint16(uint16(lp.Year()))
		list.WriteUint16(uint16(lp.Month()))
		list.WriteUint16(uint16(lp.Weekday()))
		list.WriteUint16(uint16(lp.Hour()))
		list.WriteUint16(uint16(lp.Minute()))
		list.WriteUint16(uint16(lp.Second()))
		list.WriteUint16(0)

		writeEquipmentList(list, chara)
		list.WriteUint32(protocol.HashStageLicenses)
		list.WriteUint32(0)
	}
	p.send(protocol.MsgCharacterList, list)
}

// sendSquareList pushes the lobby square list. Requires a selected
// character; the client only opens the list from the character screen.
func (p *PlayerSession) sendSquareList() {
	if !p.isAuthenticated() || p.character == nil {
		return
	}

	list := &wire.Buffer{}
	list.WriteUint32(0)
	list.WriteUint32(protocol.HashSquares)
	list.WriteUint32(uint32(p.srv.squares.Count()))
	idx := uint32(0)
	p.srv.squares.Each(func(e *SquareEntry) {
		list.WriteUint32(protocol.HashObjSquare + idx)
		list.WriteWideString(e.Name)
		list.WriteUint32(e.Status)
		list.WriteUint32(e.Type)
		list.WriteUint32(e.Capacity)
		idx++
	})
	p.send(protocol.MsgSquareList, list)
}

func writeCharacterStats(b *wire.Buffer, c *store.Character) {
	b.WriteUint32(0)
	b.WriteUint32(c.ClassID)
	b.WriteUint16(c.Level)
	b.WriteUint32(c.Experience)
	b.WriteUint16(c.PvpLevel)
	b.WriteUint32(c.PvpExperience)
	b.WriteUint16(c.WarLevel)
	b.WriteUint32(c.WarExperience)
	b.WriteUint16(c.RebirthLevel)
	b.WriteUint16(c.RebirthCount)
}

func writeEquipmentList(b *wire.Buffer, c *store.Character) {
	b.WriteUint32(protocol.HashEquipment)
	b.WriteUint32(uint32(len(c.Equipment)))
	for i, eq := range c.Equipment {
		b.WriteUint32(protocol.HashObjEquipment + uint32(i))
		b.WriteUint32(eq.ID)
		b.WriteUint32(protocol.HashEquipTrailer)
		b.WriteBytes(make([]byte, 11))
	}
}
