// Package session tracks every live connection in a fixed-size slot table.
// Slot ids are reused as soon as a session is destroyed, so nothing outside
// the table may hold a slot id across ticks; lookups that must survive
// reconnects go through the random session key instead.
package session

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ErrFull is returned when every slot is occupied.
var ErrFull = errors.New("session: registry full")

// Kind tags what the owner of a slot is.
type Kind int

const (
	KindPlayer Kind = iota
	KindSquare
	KindGateway
)

func (k Kind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindSquare:
		return "square"
	case KindGateway:
		return "gateway"
	}
	return "unknown"
}

// Handle is one occupied slot. Name is set once the owner authenticates
// and backs the duplicate-login check.
type Handle struct {
	Slot  int
	Key   string
	Kind  Kind
	Name  string
	Owner any
}

// Registry is a fixed table of session slots. It is owned by the server
// tick goroutine and is not safe for concurrent use.
type Registry struct {
	slots     []*Handle
	issueKeys bool
	count     int
}

// NewRegistry creates a table with the given capacity. When issueKeys is
// set, every new session gets an 8-hex-char random key for cross-process
// handoff; zone hosts pass false since only the gateway mints keys.
func NewRegistry(capacity int, issueKeys bool) *Registry {
	return &Registry{
		slots:     make([]*Handle, capacity),
		issueKeys: issueKeys,
	}
}

// Create claims the lowest free slot for owner. Returns ErrFull when no
// slot is available; callers reject the connection in that case.
func (r *Registry) Create(kind Kind, owner any) (*Handle, error) {
	for i, h := range r.slots {
		if h != nil {
			continue
		}
		nh := &Handle{Slot: i, Kind: kind, Owner: owner}
		if r.issueKeys {
			nh.Key = newKey()
		}
		r.slots[i] = nh
		r.count++
		return nh, nil
	}
	return nil, ErrFull
}

// Destroy frees a slot. Returns false if the slot was already empty.
func (r *Registry) Destroy(slot int) bool {
	if slot < 0 || slot >= len(r.slots) || r.slots[slot] == nil {
		return false
	}
	r.slots[slot] = nil
	r.count--
	return true
}

// ByID returns the handle in the given slot, or nil.
func (r *Registry) ByID(slot int) *Handle {
	if slot < 0 || slot >= len(r.slots) {
		return nil
	}
	return r.slots[slot]
}

// ByKey finds the session holding the given key. Keys are only present
// when the registry issues them.
func (r *Registry) ByKey(key string) *Handle {
	for _, h := range r.slots {
		if h != nil && h.Key != "" && h.Key == key {
			return h
		}
	}
	return nil
}

// ByName finds an authenticated session by account name, ignoring case.
// Unauthenticated sessions have no name and never match.
func (r *Registry) ByName(name string) *Handle {
	for _, h := range r.slots {
		if h != nil && h.Name != "" && strings.EqualFold(h.Name, name) {
			return h
		}
	}
	return nil
}

// Count returns the number of occupied slots.
func (r *Registry) Count() int { return r.count }

// Capacity returns the total number of slots.
func (r *Registry) Capacity() int { return len(r.slots) }

func newKey() string {
	return fmt.Sprintf("%8X", uint32(time.Now().Unix())+uint32(rand.Int31()))
}
