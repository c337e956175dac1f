package square

import (
	"strconv"

	"github.com/Portalcake/Soldin/internal/metrics"
	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/wire"
)

// Stage is one playable area on this host. The hub stage is the square
// itself and lives for the whole process; instanced stages are destroyed
// when their last player leaves.
type Stage struct {
	id     int
	group  uint32
	level  uint32
	hub    bool
	closed bool

	mgr          *StageManager
	players      []*PlayerSession
	count        int
	nextObjectID uint32
}

// Join places the player in the first free slot.
func (s *Stage) Join(p *PlayerSession) int {
	if s.count == len(s.players) {
		return protocol.StageErrFull
	}
	if s.closed {
		return protocol.StageErrClosed
	}
	for i := range s.players {
		if s.players[i] == nil {
			s.players[i] = p
			s.count++
			metrics.StageOccupancy.WithLabelValues(strconv.Itoa(s.id)).Set(float64(s.count))
			return protocol.StageOK
		}
	}
	return protocol.StageErrUnknown
}

// Leave removes the player, compacting the occupied prefix by moving the
// last player into the freed slot. A non-hub stage is destroyed when its
// last player leaves.
func (s *Stage) Leave(p *PlayerSession) int {
	for i := range s.players {
		if s.players[i] != p {
			continue
		}
		last := s.count - 1
		if i < last {
			s.players[i] = s.players[last]
			s.players[last] = nil
		} else {
			s.players[i] = nil
		}
		s.count--
		metrics.StageOccupancy.WithLabelValues(strconv.Itoa(s.id)).Set(float64(s.count))

		if s.count == 0 && !s.hub {
			s.mgr.Destroy(s.id)
		}
		return protocol.StageOK
	}
	return protocol.StageErrPlayerGone
}

// Broadcast queues a packet for every player on the stage except the
// session in excludeSlot. Pass -1 to reach everyone.
func (s *Stage) Broadcast(cmd uint16, body *wire.Buffer, excludeSlot int) {
	pkt := protocol.New(cmd)
	pkt.Body = body
	for i := 0; i < s.count; i++ {
		p := s.players[i]
		if p == nil || p.handle.Slot == excludeSlot {
			continue
		}
		p.conn.Queue(pkt)
	}
}

// NextObjectID hands out stage-local object ids, starting at 10000.
func (s *Stage) NextObjectID() uint32 {
	id := s.nextObjectID
	s.nextObjectID++
	return id
}

// GroupID returns the stage group this stage belongs to.
func (s *Stage) GroupID() uint32 { return s.group }

// PlayerCount returns the number of players on the stage.
func (s *Stage) PlayerCount() int { return s.count }
