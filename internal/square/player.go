package square

import (
	"context"
	"errors"
	"fmt"
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

// rosterTrailer closes the stage roster record. Captured from the live
// client; the leading dword is a date tag.
var rosterTrailer = []byte{
	0x55, 0xD5, 0x69, 0x17, 0xC3, 0x07, 0x05, 0x00,
	0x10, 0x00, 0x01, 0x00, 0x1E, 0x00, 0x00, 0x00,
	0x00, 0x00,
}

// PlayerSession is one game client connected to this square host. The
// session starts anonymous; it becomes a character once the gateway has
// resolved the session key it presented.
type PlayerSession struct {
	srv    *Server
	conn   *netconn.Conn
	handle *session.Handle
	ip     string

	account   *store.Account
	character *store.Character
	inventory *store.Inventory
	bank      *store.Bank
	stage     *Stage

	position  Vec3
	direction Vec3
	progress  float32
	moving    bool
	moveStart time.Time
	moveDir   uint8

	eof bool
}

// newPlayerSession wraps an accepted connection and immediately pushes a
// fresh cipher seed. The seed packet itself goes out in the clear; both
// directions are encrypted from then on.
func newPlayerSession(srv *Server, conn *netconn.Conn) *PlayerSession {
	p := &PlayerSession{
		srv:       srv,
		conn:      conn,
		position:  Vec3{1200, 0, 610},
		direction: Vec3{0, 0, -1},
	}

	key := crypt.GenerateKey()
	body := &wire.Buffer{}
	body.WriteUint32(key)
	p.send(protocol.MsgLoadEncryptionKey, body)
	p.conn.EnableEncryption(key)

	return p
}

// Update runs one tick for this session.
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
		metrics.PacketsDispatched.WithLabelValues("square_player").Inc()
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
	case protocol.MsgLoadAuthenticate:
		p.msgAuthenticate(pkt.Body)
	case protocol.MsgLoadProgress:
		p.msgLoadProgress(pkt.Body)
	case protocol.MsgLoadDone:
		p.msgLoadDone(pkt.Body)
	case protocol.MsgMove:
		p.msgMove(pkt.Body)
	case protocol.MsgChat:
		p.msgChat(pkt.Body)
	case protocol.MsgGetBagItems:
		p.msgGetBagItems(pkt.Body)
	case protocol.MsgGetBankItems:
		p.msgGetBankItems(pkt.Body)
	case protocol.MsgGetQuickSlots:
		p.msgGetQuickSlots(pkt.Body)
	case protocol.MsgShopEnter:
		p.msgShopEnter(pkt.Body)
	case protocol.MsgShopLeave:
		p.msgShopLeave(pkt.Body)
	case protocol.MsgShopBuy, protocol.MsgShopSell:
		// Accepted but ignored; the square shops have no stock yet.
	case protocol.MsgBankDeposit:
		p.msgBankDeposit(pkt.Body)
	case protocol.MsgBankWithdraw:
		p.msgBankWithdraw(pkt.Body)
	case protocol.MsgBankMove:
		p.msgBankMove(pkt.Body)
	case protocol.MsgPing:
		p.msgPing(pkt.Body)
	default:
		p.srv.dumpPacket(p.handle.Slot, pkt)
	}
}

func (p *PlayerSession) send(cmd uint16, body *wire.Buffer) {
	out := protocol.New(cmd)
	out.Body = body
	p.conn.Queue(out)
}

// teardown removes the player from its stage when the session dies.
func (p *PlayerSession) teardown() {
	if p.stage != nil {
		p.stage.Leave(p)
		p.stage = nil
	}
}

// loaded reports whether the gateway handoff completed.
func (p *PlayerSession) loaded() bool {
	return p.character != nil
}

// msgAuthenticate forwards the client's session key to the gateway. The
// reply comes back through the control link tagged with this session's
// slot id.
func (p *PlayerSession) msgAuthenticate(b *wire.Buffer) {
	key, err := b.ReadWideString()
	if err != nil {
		p.eof = true
		return
	}

	logger.L.Debug("authenticating session key",
		zap.Int("session", p.handle.Slot),
		zap.String("key", key))
	if !p.srv.gateway.RequestSessionInfo(p.handle.Slot, key) {
		logger.L.Warn("gateway link down, rejecting client",
			zap.Int("session", p.handle.Slot))
		p.eof = true
	}
}

// loadCharacter finishes the handoff once the gateway confirmed the key.
func (p *PlayerSession) loadCharacter(charID, accountID uint32) {
	ctx, span := tracing.StartSpan(context.Background(), "square.load_character")
	defer span.End()

	start := time.Now()
	account, err := p.srv.store.LoadAccountByID(ctx, accountID, false)
	if err != nil {
		logger.ErrorWithTrace(ctx, "account load failed",
			zap.Uint32("account_id", accountID), zap.Error(err))
		p.eof = true
		return
	}
	character, err := p.srv.store.LoadCharacter(ctx, charID)
	if err != nil {
		logger.ErrorWithTrace(ctx, "character load failed",
			zap.Uint32("character_id", charID), zap.Error(err))
		p.eof = true
		return
	}
	inventory, err := p.srv.store.LoadInventory(ctx, charID)
	if err != nil {
		logger.ErrorWithTrace(ctx, "inventory load failed",
			zap.Uint32("character_id", charID), zap.Error(err))
		p.eof = true
		return
	}
	bank, err := p.srv.store.LoadBank(ctx, charID)
	if err != nil {
		logger.ErrorWithTrace(ctx, "bank load failed",
			zap.Uint32("character_id", charID), zap.Error(err))
		p.eof = true
		return
	}
	metrics.StoreLatency.WithLabelValues("load_player").Observe(time.Since(start).Seconds())

	p.account = account
	p.character = character
	p.inventory = inventory
	p.bank = bank
	p.handle.Name = account.Name

	logger.InfoWithTrace(ctx, "character loaded",
		zap.Int("session", p.handle.Slot),
		zap.String("account", account.Name),
		zap.String("character", character.Name))

	p.sendCharacterInfo()
}

// msgLoadProgress echoes the previously reported loading progress. The
// client does not reliably report 100%, so this is informational only.
func (p *PlayerSession) msgLoadProgress(b *wire.Buffer) {
	if !p.loaded() {
		p.eof = true
		return
	}
	value, err := b.ReadFloat32()
	if err != nil {
		p.eof = true
		return
	}

	body := &wire.Buffer{}
	body.WriteWideString(p.character.Name)
	body.WriteFloat32(p.progress)
	p.send(protocol.MsgLoadProgress, body)

	p.progress = value
}

// msgLoadDone moves the loaded client onto the hub stage.
func (p *PlayerSession) msgLoadDone(*wire.Buffer) {
	if !p.loaded() {
		p.eof = true
		return
	}
	p.sendRoster()

	if res := p.stageJoin(p.srv.hub); res != protocol.StageOK {
		logger.L.Warn("hub stage join failed",
			zap.Int("session", p.handle.Slot),
			zap.Int("result", res))
		p.eof = true
	}
}

func (p *PlayerSession) stageJoin(s *Stage) int {
	res := s.Join(p)
	if res == protocol.StageOK {
		p.stage = s
	}
	return res
}

func (p *PlayerSession) msgMove(b *wire.Buffer) {
	if !p.loaded() || p.stage == nil {
		return
	}
	command, err := b.ReadUint32()
	if err != nil {
		p.eof = true
		return
	}
	dir, _ := b.ReadUint32()

	switch command {
	case 0:
		p.startMovement(uint8(dir))
	case 1:
		// Dash comes in as a separate command but runs on the same
		// reckoning; the client handles its own cooldown.
		p.startMovement(uint8(dir))
	case 2:
		p.stopMovement()
	}
}

func (p *PlayerSession) msgChat(b *wire.Buffer) {
	if !p.loaded() || p.stage == nil {
		return
	}
	chatType, err := b.ReadUint32()
	if err != nil {
		p.eof = true
		return
	}
	message, err := b.ReadWideString()
	if err != nil {
		p.eof = true
		return
	}

	body := &wire.Buffer{}
	body.WriteUint32(p.character.ID)
	body.WriteUint32(chatType)
	body.WriteWideString(message)
	p.stage.Broadcast(protocol.MsgChat, body, -1)
}

// sendBoardMessage shows a server notice in the client's chat box.
func (p *PlayerSession) sendBoardMessage(from, message string) {
	body := &wire.Buffer{}
	body.WriteUint32(0xFFFFFFFF)
	body.WriteUint32(8)
	body.WriteWideString(fmt.Sprintf("1 %s %s", from, message))
	p.send(protocol.MsgChat, body)
}

func (p *PlayerSession) msgGetBagItems(*wire.Buffer) {
	body := &wire.Buffer{}
	body.WriteUint32(protocol.HashListBagItems)
	body.WriteUint32(0)
	p.send(protocol.MsgGetBagItems, body)
}

func (p *PlayerSession) msgGetBankItems(*wire.Buffer) {
	body := &wire.Buffer{}
	body.WriteUint32(protocol.HashBankItems)
	body.WriteUint32(0)
	p.send(protocol.MsgGetBankItems, body)
}

func (p *PlayerSession) msgGetQuickSlots(*wire.Buffer) {
	body := &wire.Buffer{}
	body.WriteUint32(protocol.HashQuickSlots)
	body.WriteUint32(0)
	p.send(protocol.MsgGetQuickSlots, body)
}

func (p *PlayerSession) msgShopEnter(b *wire.Buffer) {
	if !p.loaded() || p.stage == nil {
		return
	}
	shopID, err := b.ReadUint32()
	if err != nil {
		p.eof = true
		return
	}

	body := &wire.Buffer{}
	body.WriteUint32(p.character.ID)
	body.WriteUint32(shopID)
	body.WriteUint32(0)
	p.stage.Broadcast(protocol.MsgShopEnter, body, -1)
}

func (p *PlayerSession) msgShopLeave(*wire.Buffer) {
	if !p.loaded() || p.stage == nil {
		return
	}
	body := &wire.Buffer{}
	body.WriteUint32(p.character.ID)
	body.WriteFloat32(p.position.X)
	body.WriteFloat32(p.position.Y)
	body.WriteFloat32(p.position.Z)
	body.WriteFloat32(p.direction.X)
	body.WriteFloat32(p.direction.Y)
	body.WriteFloat32(p.direction.Z)
	p.stage.Broadcast(protocol.MsgShopLeave, body, -1)
}

// msgBankDeposit moves carried money into the bank. The reply always
// echoes the requested amount; an unaffordable deposit just changes
// nothing.
func (p *PlayerSession) msgBankDeposit(b *wire.Buffer) {
	if !p.loaded() {
		return
	}
	amount, err := b.ReadUint32()
	if err != nil {
		p.eof = true
		return
	}
	if amount <= p.inventory.Money {
		p.inventory.Money -= amount
		p.bank.Money += amount
	}

	body := &wire.Buffer{}
	body.WriteUint32(amount)
	body.WriteUint32(0)
	p.send(protocol.MsgBankDeposit, body)
}

func (p *PlayerSession) msgBankWithdraw(b *wire.Buffer) {
	if !p.loaded() {
		return
	}
	amount, err := b.ReadUint32()
	if err != nil {
		p.eof = true
		return
	}
	if amount <= p.bank.Money {
		p.bank.Money -= amount
		p.inventory.Money += amount
	}

	body := &wire.Buffer{}
	body.WriteUint32(amount)
	body.WriteUint32(0)
	p.send(protocol.MsgBankWithdraw, body)
}

// msgBankMove moves an item between a carried bag slot and a bank box
// slot: swap when the destination is occupied, plain move when it is
// empty, nothing when the source is empty.
func (p *PlayerSession) msgBankMove(b *wire.Buffer) {
	if !p.loaded() {
		return
	}
	if _, err := b.ReadUint32(); err != nil {
		p.eof = true
		return
	}
	srcBag, _ := b.ReadUint16()
	srcSlot, _ := b.ReadUint16()
	if _, err := b.ReadUint32(); err != nil {
		p.eof = true
		return
	}
	dstBox, _ := b.ReadUint16()
	dstSlot, err := b.ReadUint16()
	if err != nil {
		p.eof = true
		return
	}

	if int(srcBag) >= store.MaxBags || int(srcSlot) >= store.BagSize ||
		int(dstBox) >= store.MaxBankBoxes || int(dstSlot) >= store.BagSize {
		return
	}
	src := &p.inventory.Bags[srcBag][srcSlot]
	dst := &p.bank.Boxes[dstBox][dstSlot]

	if src.ItemID == 0 {
		return
	}
	if dst.ItemID != 0 {
		*src, *dst = *dst, *src
	} else {
		*dst = *src
		*src = store.Item{}
	}
}

// msgPing echoes the client's 12-byte timing payload.
func (p *PlayerSession) msgPing(b *wire.Buffer) {
	data, err := b.ReadBytes(12)
	if err != nil {
		return
	}
	body := &wire.Buffer{}
	body.WriteBytes(data)
	p.send(protocol.MsgPing, body)
}

// sendCharacterInfo pushes everything the client needs while its loading
// screen is up: stage group, character stats, bag licenses, skills and
// the square's NPC population.
func (p *PlayerSession) sendCharacterInfo() {
	p.send(protocol.MsgSquareInfo, p.buildStageInfo())

	info := &wire.Buffer{}
	info.WriteUint32(p.character.ClassID)
	info.WriteUint16(p.character.Level)
	info.WriteUint32(p.character.Experience)
	info.WriteUint16(p.character.PvpLevel)
	info.WriteUint32(p.character.PvpExperience)
	info.WriteUint16(p.character.WarLevel)
	info.WriteUint32(p.character.WarExperience)
	info.WriteUint16(p.character.RebirthLevel)
	info.WriteUint16(p.character.RebirthCount)
	info.WriteUint32(p.inventory.Money)
	info.WriteBytes(make([]byte, 6))
	info.WriteUint16(0) // skill points
	info.WriteUint16(0) // added skill points
	info.WriteBytes(make([]byte, 3))
	p.send(protocol.MsgCharacterInfo, info)

	bags := &wire.Buffer{}
	bags.WriteUint32(protocol.HashBagList)
	bags.WriteUint32(uint32(len(p.inventory.Licenses)))
	for i, lic := range p.inventory.Licenses {
		bags.WriteUint32(protocol.HashBagLicense + uint32(i))
		bags.WriteUint32(uint32(lic.Index))
		bags.WriteUint32(protocol.HashDateBagExpires)
		if lic.Status == store.BagPermanent {
			bags.WriteUint32(9999)
			bags.WriteUint32(1)
			bags.WriteUint32(1)
			bags.WriteUint32(0)
			bags.WriteUint32(0)
			bags.WriteUint32(0)
			bags.WriteUint32(0)
			bags.WriteUint8(0)
		} else {
			exp := lic.Expires
			bags.WriteUint32(uint32(exp.Year() - 1900))
			bags.WriteUint32(uint32(exp.Month() - 1))
			bags.WriteUint32(uint32(exp.Day()))
			bags.WriteUint32(uint32(exp.Hour()))
			bags.WriteUint32(uint32(exp.Minute()))
			bags.WriteUint32(uint32(exp.Second()))
			bags.WriteUint32(0)
			bags.WriteUint8(lic.Status)
		}
	}
	bags.WriteUint32(protocol.HashBankVault)
	bags.WriteUint32(0)
	p.send(protocol.MsgBagList, bags)

	skills := &wire.Buffer{}
	skills.WriteUint32(protocol.HashSkills)
	skills.WriteUint32(0)
	p.send(protocol.MsgSkillsList, skills)

	p.send(protocol.MsgStageChange, p.buildStageInfo())

	for i, npc := range p.srv.npcs {
		body := &wire.Buffer{}
		body.WriteUint32(uint32(10001 + i))
		body.WriteUint32(npc.ID)
		body.WriteUint32(5)
		body.WriteFloat32(npc.Position.X)
		body.WriteFloat32(npc.Position.Y)
		body.WriteFloat32(npc.Position.Z)
		body.WriteFloat32(npc.Direction.X)
		body.WriteFloat32(npc.Direction.Y)
		body.WriteFloat32(npc.Direction.Z)
		p.send(protocol.MsgNPCCreate, body)
	}
}

func (p *PlayerSession) buildStageInfo() *wire.Buffer {
	body := &wire.Buffer{}
	body.WriteWideString(p.character.Name)
	body.WriteUint32(protocol.HashStageGroup)
	body.WriteUint32(protocol.StageGroupSquare)
	body.WriteUint16(0)
	body.WriteUint32(protocol.HashStageList)
	body.WriteUint32(0)
	return body
}

// sendRoster pushes the character's own stage record.
func (p *PlayerSession) sendRoster() {
	body := &wire.Buffer{}
	body.WriteUint32(p.character.ID)
	body.WriteUint32(0)
	body.WriteWideString(p.character.Name)
	body.WriteUint16(p.character.Level)
	body.WriteUint16(p.character.PvpLevel)
	body.WriteUint16(p.character.WarLevel)
	body.WriteUint16(p.character.RebirthLevel)
	body.WriteUint16(p.character.RebirthCount)

	body.WriteFloat32(p.position.X)
	body.WriteFloat32(p.position.Y)
	body.WriteFloat32(p.position.Z)
	body.WriteFloat32(p.direction.X)
	body.WriteFloat32(p.direction.Y)
	body.WriteFloat32(p.direction.Z)
	body.WriteFloat32(100) // movement speed
	body.WriteUint16(1)

	body.WriteUint32(protocol.HashEquipment)
	body.WriteUint32(0)
	body.WriteUint32(protocol.HashPassiveItems)
	body.WriteUint32(0)
	body.WriteUint32(protocol.HashStateFlags)
	body.WriteUint32(0)
	body.WriteUint8(0) // shopping
	body.WriteUint32(protocol.HashSquareLicenses)
	body.WriteUint32(0)
	body.WriteUint8(0) // lives
	body.WriteUint8(0) // bonus life
	body.WriteUint32(0)
	body.WriteBytes(rosterTrailer)
	p.send(protocol.MsgStageRoster, body)
}
