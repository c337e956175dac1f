package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drivers returns one fresh store per backend that needs no external server.
func drivers(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": seedMemory(),
		"sqlite": seedSQLite(t, sqlite),
	}
}

func seedMemory() *Memory {
	m := NewMemory()
	m.AddAccount(&Account{
		ID: 1, Name: "Sieg", Password: "secret",
		MaxChars: 8, Licenses: []uint32{0, 1, 2},
	})
	m.AddCharacter(&Character{
		ID: 10, AccountID: 1, Name: "Eir", ClassID: 2,
		Level: 12, LastPlayed: time.Unix(1700000000, 0),
	})
	return m
}

func seedSQLite(t *testing.T, s *SQLiteStore) *SQLiteStore {
	t.Helper()
	_, err := s.db.Exec(
		`INSERT INTO accounts (id, name, passwd, max_chars) VALUES (1, 'Sieg', 'secret', 8)`)
	require.NoError(t, err)
	for _, class := range []uint32{0, 1, 2} {
		_, err = s.db.Exec(
			`INSERT INTO character_licenses (account_id, class_id) VALUES (1, ?)`, class)
		require.NoError(t, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO characters (id, account_id, name, class, level, last_played)
		 VALUES (10, 1, 'Eir', 2, 12, 1700000000)`)
	require.NoError(t, err)
	return s
}

func TestLoadAccount(t *testing.T) {
	ctx := context.Background()
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			acc, err := s.LoadAccountByName(ctx, "sieg", true)
			require.NoError(t, err, "lookup must ignore case")
			assert.Equal(t, uint32(1), acc.ID)
			assert.Equal(t, "secret", acc.Password)
			assert.ElementsMatch(t, []uint32{0, 1, 2}, acc.Licenses)
			require.Len(t, acc.Characters, 1)
			assert.Equal(t, "Eir", acc.Characters[0].Name)
			assert.Equal(t, uint16(12), acc.Characters[0].Level)

			_, err = s.LoadAccountByName(ctx, "nobody", false)
			assert.ErrorIs(t, err, ErrNotFound)

			noChars, err := s.LoadAccountByID(ctx, 1, false)
			require.NoError(t, err)
			assert.Empty(t, noChars.Characters)
		})
	}
}

func TestCharacterLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			exists, err := s.CharacterExists(ctx, "EIR")
			require.NoError(t, err)
			assert.True(t, exists, "existence check must ignore case")

			id, err := s.CreateCharacter(ctx, 1, 3, "Dainn")
			require.NoError(t, err)
			require.NotZero(t, id)

			c, err := s.LoadCharacter(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "Dainn", c.Name)
			assert.Equal(t, uint32(3), c.ClassID)
			assert.Equal(t, uint16(1), c.Level)

			require.NoError(t, s.DeleteCharacter(ctx, id))
			_, err = s.LoadCharacter(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestInventoryAndBankDefaults(t *testing.T) {
	ctx := context.Background()
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			inv, err := s.LoadInventory(ctx, 10)
			require.NoError(t, err)
			assert.Zero(t, inv.Money)
			assert.Empty(t, inv.Licenses)

			bank, err := s.LoadBank(ctx, 10)
			require.NoError(t, err)
			assert.Zero(t, bank.Money)
		})
	}
}

func TestSQLiteItemPlacement(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "items.db"))
	require.NoError(t, err)
	defer s.Close()
	seedSQLite(t, s)

	_, err = s.db.Exec(
		`UPDATE characters SET money = 500, bank_money = 1200 WHERE id = 10`)
	require.NoError(t, err)
	_, err = s.db.Exec(
		`INSERT INTO items (char_id, item_id, type, bag, slot, amount) VALUES
		 (10, 4001, 0, 0, 3, 5),
		 (10, 4002, 1, 2, 0, 1)`)
	require.NoError(t, err)
	_, err = s.db.Exec(
		`INSERT INTO bags (char_id, idx, status, expires) VALUES (10, 1, 1, 0)`)
	require.NoError(t, err)

	inv, err := s.LoadInventory(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(500), inv.Money)
	assert.Equal(t, uint32(4001), inv.Bags[0][3].ItemID)
	assert.Equal(t, uint32(5), inv.Bags[0][3].Amount)
	require.Len(t, inv.Licenses, 1)
	assert.Equal(t, uint8(1), inv.Licenses[0].Index)

	bank, err := s.LoadBank(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(1200), bank.Money)
	assert.Equal(t, uint32(4002), bank.Boxes[2][0].ItemID)
}

func TestMemoryCreateRequiresAccount(t *testing.T) {
	m := NewMemory()
	_, err := m.CreateCharacter(context.Background(), 99, 0, "Ghost")
	assert.Error(t, err)
}
