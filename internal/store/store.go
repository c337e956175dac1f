// Package store abstracts the account and character database behind a
// narrow interface so the gateway and square hosts can run against
// sqlite, redis or plain memory depending on deployment.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Portalcake/Soldin/internal/config"
)

// Inventory geometry. The client renders exactly these shapes.
const (
	BagSize      = 20
	MaxBags      = 7
	MaxBankBoxes = 5

	// MaxCharactersPerAccount caps the character list a single account
	// can ever hold, independent of its per-account max_chars value.
	MaxCharactersPerAccount = 32
)

// Account status values as stored.
const (
	AccountActive  uint8 = 0
	AccountBlocked uint8 = 1
	AccountDeleted uint8 = 2
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Account is a login account with its character licenses and, optionally,
// its fully loaded character list.
type Account struct {
	ID         uint32
	Name       string
	Password   string
	MaxChars   uint32
	GMLevel    uint32
	Status     uint8
	Licenses   []uint32
	Characters []*Character
}

// Equipment is one equipped item reference on a character.
type Equipment struct {
	ID uint32
}

// Character is the persistent character record. Inventory and bank are
// loaded separately; only square hosts need them.
type Character struct {
	ID            uint32
	AccountID     uint32
	Name          string
	ClassID       uint32
	Level         uint16
	Experience    uint32
	PvpLevel      uint16
	PvpExperience uint32
	WarLevel      uint16
	WarExperience uint32
	RebirthLevel  uint16
	RebirthCount  uint16
	LastPlayed    time.Time
	Equipment     []Equipment
}

// Item is one inventory or bank slot. A zero ItemID means the slot is empty.
type Item struct {
	ID     uint64
	ItemID uint32
	Amount uint32
}

// BagPermanent marks a bag license that never expires.
const BagPermanent = 2

// BagLicense unlocks one extra bag, either permanently or until Expires.
type BagLicense struct {
	ID      uint32
	Index   uint8
	Status  uint8
	Expires time.Time
}

// Inventory is a character's carried money, bags and bag licenses.
type Inventory struct {
	Money    uint32
	Bags     [MaxBags][BagSize]Item
	Licenses []BagLicense
}

// Bank is a character's bank vault.
type Bank struct {
	Money uint32
	Boxes [MaxBankBoxes][BagSize]Item
}

// Store is the account/character backend. Every method may be called from
// the server tick goroutine; implementations must not block indefinitely.
type Store interface {
	LoadAccountByName(ctx context.Context, name string, withCharacters bool) (*Account, error)
	LoadAccountByID(ctx context.Context, id uint32, withCharacters bool) (*Account, error)

	CharacterExists(ctx context.Context, name string) (bool, error)
	CreateCharacter(ctx context.Context, accountID, classID uint32, name string) (uint32, error)
	LoadCharacter(ctx context.Context, id uint32) (*Character, error)
	DeleteCharacter(ctx context.Context, id uint32) error

	LoadInventory(ctx context.Context, characterID uint32) (*Inventory, error)
	LoadBank(ctx context.Context, characterID uint32) (*Bank, error)

	Close() error
}

// Open builds the store selected by configuration.
func Open(cfg config.Store) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "redis":
		return OpenRedis(cfg.Redis)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}
