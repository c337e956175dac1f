package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process store used by tests and single-node development
// setups. Nothing survives a restart.
type Memory struct {
	mu         sync.Mutex
	accounts   map[uint32]*Account
	characters map[uint32]*Character
	inventory  map[uint32]*Inventory
	bank       map[uint32]*Bank
	nextChar   uint32
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:   make(map[uint32]*Account),
		characters: make(map[uint32]*Character),
		inventory:  make(map[uint32]*Inventory),
		bank:       make(map[uint32]*Bank),
		nextChar:   1,
	}
}

func (m *Memory) Close() error { return nil }

// AddAccount seeds an account. Intended for tests and dev bootstrap.
func (m *Memory) AddAccount(acc *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.MaxChars == 0 {
		acc.MaxChars = 8
	}
	m.accounts[acc.ID] = acc
}

// AddCharacter seeds a character owned by an existing account.
func (m *Memory) AddCharacter(c *Character) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID >= m.nextChar {
		m.nextChar = c.ID + 1
	}
	m.characters[c.ID] = c
}

// SetInventory seeds a character's inventory.
func (m *Memory) SetInventory(characterID uint32, inv *Inventory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory[characterID] = inv
}

// SetBank seeds a character's bank.
func (m *Memory) SetBank(characterID uint32, bank *Bank) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bank[characterID] = bank
}

func (m *Memory) LoadAccountByName(_ context.Context, name string, withCharacters bool) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if strings.EqualFold(acc.Name, strings.TrimSpace(name)) {
			return m.cloneAccount(acc, withCharacters), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) LoadAccountByID(_ context.Context, id uint32, withCharacters bool) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.cloneAccount(acc, withCharacters), nil
}

func (m *Memory) cloneAccount(acc *Account, withCharacters bool) *Account {
	out := *acc
	out.Licenses = append([]uint32(nil), acc.Licenses...)
	out.Characters = nil
	if withCharacters {
		for _, c := range m.characters {
			if c.AccountID == acc.ID && len(out.Characters) < MaxCharactersPerAccount {
				cc := *c
				out.Characters = append(out.Characters, &cc)
			}
		}
	}
	return &out
}

func (m *Memory) CharacterExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.characters {
		if strings.EqualFold(c.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CreateCharacter(_ context.Context, accountID, classID uint32, name string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return 0, fmt.Errorf("store: account %d does not exist", accountID)
	}
	id := m.nextChar
	m.nextChar++
	m.characters[id] = &Character{
		ID:         id,
		AccountID:  accountID,
		Name:       name,
		ClassID:    classID,
		Level:      1,
		PvpLevel:   1,
		WarLevel:   1,
		LastPlayed: time.Now(),
	}
	return id, nil
}

func (m *Memory) LoadCharacter(_ context.Context, id uint32) (*Character, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.characters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (m *Memory) DeleteCharacter(_ context.Context, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.characters, id)
	delete(m.inventory, id)
	delete(m.bank, id)
	return nil
}

func (m *Memory) LoadInventory(_ context.Context, characterID uint32) (*Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.characters[characterID]; !ok {
		return nil, ErrNotFound
	}
	if inv, ok := m.inventory[characterID]; ok {
		cp := *inv
		cp.Licenses = append([]BagLicense(nil), inv.Licenses...)
		return &cp, nil
	}
	return &Inventory{}, nil
}

func (m *Memory) LoadBank(_ context.Context, characterID uint32) (*Bank, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.characters[characterID]; !ok {
		return nil, ErrNotFound
	}
	if bank, ok := m.bank[characterID]; ok {
		cp := *bank
		return &cp, nil
	}
	return &Bank{}, nil
}
