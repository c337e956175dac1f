package gateway

import (
	"fmt"
	"net"
	"strings"

	"github.com/Portalcake/Soldin/internal/metrics"
	"github.com/Portalcake/Soldin/internal/protocol"
)

// SquareEntry is one registered square host as shown in the lobby list.
type SquareEntry struct {
	Name     string
	HostAddr net.IP
	Port     uint16
	Capacity uint32
	Online   uint32
	Status   uint32
	Type     uint32

	link *SquareLink
}

// Active reports whether the slot is backed by a live control link.
func (e *SquareEntry) Active() bool { return e != nil && e.link != nil }

// SquareTable holds every registered square host in a fixed slot table.
// Owned by the gateway tick goroutine.
type SquareTable struct {
	slots [protocol.MaxSquares]*SquareEntry
	count int
}

// Add registers a square and returns its slot, or an error when the table
// is full.
func (t *SquareTable) Add(name string, hostAddr net.IP, port uint16, capacity uint32, link *SquareLink) (int, error) {
	if link == nil || !link.conn.Connected() {
		return -1, fmt.Errorf("gateway: square link not connected")
	}
	for i := range t.slots {
		if t.slots[i] != nil {
			continue
		}
		t.slots[i] = &SquareEntry{
			Name:     name,
			HostAddr: hostAddr,
			Port:     port,
			Capacity: capacity,
			Status:   protocol.StatusSmooth,
			Type:     protocol.SquareNormal,
			link:     link,
		}
		t.count++
		metrics.RegisteredSquares.Set(float64(t.count))
		return i, nil
	}
	return -1, fmt.Errorf("gateway: square table full")
}

// Remove frees a slot when its control link drops.
func (t *SquareTable) Remove(slot int) {
	if slot < 0 || slot >= len(t.slots) || t.slots[slot] == nil {
		return
	}
	t.slots[slot] = nil
	t.count--
	metrics.RegisteredSquares.Set(float64(t.count))
}

// At returns the entry in the given slot, or nil.
func (t *SquareTable) At(slot int) *SquareEntry {
	if slot < 0 || slot >= len(t.slots) {
		return nil
	}
	return t.slots[slot]
}

// Find locates an active square by name, ignoring case.
func (t *SquareTable) Find(name string) *SquareEntry {
	for _, e := range t.slots {
		if e.Active() && strings.EqualFold(e.Name, name) {
			return e
		}
	}
	return nil
}

// Count returns the number of registered squares.
func (t *SquareTable) Count() int { return t.count }

// Each calls fn for every active square in slot order.
func (t *SquareTable) Each(fn func(*SquareEntry)) {
	for _, e := range t.slots {
		if e.Active() {
			fn(e)
		}
	}
}

// SetOnline updates a square's player count and recomputes its load tier.
// Tiers only describe load; Full additionally gates square selection.
func (e *SquareEntry) SetOnline(online uint32) {
	e.Online = online
	switch {
	case e.Capacity == 0 || online >= e.Capacity:
		e.Status = protocol.StatusFull
	case online*2 < e.Capacity:
		e.Status = protocol.StatusSmooth
	case online*4 < e.Capacity*3:
		e.Status = protocol.StatusAverage
	default:
		e.Status = protocol.StatusBusy
	}
}
