package square

import (
	"github.com/Portalcake/Soldin/internal/protocol"
)

// StageManager owns every stage on this host in a fixed slot table.
// Owned by the server tick goroutine.
type StageManager struct {
	slots [protocol.MaxStages]*Stage
	count int
}

// NewStageManager returns an empty stage table.
func NewStageManager() *StageManager {
	return &StageManager{}
}

// Create allocates a stage in the lowest free slot, or nil when the table
// is full.
func (m *StageManager) Create(group, level uint32, maxPlayers int) *Stage {
	for i := range m.slots {
		if m.slots[i] != nil {
			continue
		}
		m.slots[i] = &Stage{
			id:           i,
			group:        group,
			level:        level,
			mgr:          m,
			players:      make([]*PlayerSession, maxPlayers),
			nextObjectID: 10000,
		}
		m.count++
		return m.slots[i]
	}
	return nil
}

// Destroy frees a stage slot.
func (m *StageManager) Destroy(id int) {
	if id < 0 || id >= len(m.slots) || m.slots[id] == nil {
		return
	}
	m.slots[id] = nil
	m.count--
}

// At returns the stage in the given slot, or nil.
func (m *StageManager) At(id int) *Stage {
	if id < 0 || id >= len(m.slots) {
		return nil
	}
	return m.slots[id]
}

// Count returns the number of live stages.
func (m *StageManager) Count() int { return m.count }
