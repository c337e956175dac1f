package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// schema is applied on every open; CREATE IF NOT EXISTS keeps it idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL UNIQUE COLLATE NOCASE,
	passwd    TEXT NOT NULL,
	max_chars INTEGER NOT NULL DEFAULT 8,
	gmlevel   INTEGER NOT NULL DEFAULT 0,
	status    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS character_licenses (
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	class_id   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS characters (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id  INTEGER NOT NULL REFERENCES accounts(id),
	name        TEXT NOT NULL UNIQUE COLLATE NOCASE,
	class       INTEGER NOT NULL DEFAULT 0,
	level       INTEGER NOT NULL DEFAULT 1,
	experience  INTEGER NOT NULL DEFAULT 0,
	pvp_level   INTEGER NOT NULL DEFAULT 1,
	pvp_exp     INTEGER NOT NULL DEFAULT 0,
	war_level   INTEGER NOT NULL DEFAULT 1,
	war_exp     INTEGER NOT NULL DEFAULT 0,
	rebirth_lvl INTEGER NOT NULL DEFAULT 0,
	rebirth_cnt INTEGER NOT NULL DEFAULT 0,
	last_played INTEGER NOT NULL DEFAULT 0,
	money       INTEGER NOT NULL DEFAULT 0,
	bank_money  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bags (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	char_id INTEGER NOT NULL REFERENCES characters(id),
	idx     INTEGER NOT NULL,
	status  INTEGER NOT NULL DEFAULT 0,
	expires INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS items (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	char_id INTEGER NOT NULL REFERENCES characters(id),
	item_id INTEGER NOT NULL,
	type    INTEGER NOT NULL DEFAULT 0,
	bag     INTEGER NOT NULL,
	slot    INTEGER NOT NULL,
	amount  INTEGER NOT NULL DEFAULT 1
);
`

// SQLiteStore keeps everything in a single sqlite database file. The pure
// Go driver avoids cgo, so the servers stay trivially cross-compilable.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary bootstraps) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// The tick loop is a single writer; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) LoadAccountByName(ctx context.Context, name string, withCharacters bool) (*Account, error) {
	var id uint32
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE name = ?`, strings.TrimSpace(name)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load account %q: %w", name, err)
	}
	return s.LoadAccountByID(ctx, id, withCharacters)
}

func (s *SQLiteStore) LoadAccountByID(ctx context.Context, id uint32, withCharacters bool) (*Account, error) {
	acc := &Account{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, passwd, max_chars, gmlevel, status FROM accounts WHERE id = ?`, id).
		Scan(&acc.Name, &acc.Password, &acc.MaxChars, &acc.GMLevel, &acc.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load account %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT class_id FROM character_licenses WHERE account_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("store: load licenses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var class uint32
		if err := rows.Scan(&class); err != nil {
			return nil, err
		}
		acc.Licenses = append(acc.Licenses, class)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if withCharacters {
		if acc.Characters, err = s.loadCharacterList(ctx, id); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (s *SQLiteStore) loadCharacterList(ctx context.Context, accountID uint32) ([]*Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM characters WHERE account_id = ? LIMIT ?`, accountID, MaxCharactersPerAccount)
	if err != nil {
		return nil, fmt.Errorf("store: list characters: %w", err)
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var list []*Character
	for _, id := range ids {
		c, err := s.LoadCharacter(ctx, id)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, nil
}

func (s *SQLiteStore) CharacterExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(id) FROM characters WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: character exists: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) CreateCharacter(ctx context.Context, accountID, classID uint32, name string) (uint32, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (account_id, class, name, last_played) VALUES (?, ?, ?, ?)`,
		accountID, classID, name, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("store: create character: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

func (s *SQLiteStore) LoadCharacter(ctx context.Context, id uint32) (*Character, error) {
	c := &Character{ID: id}
	var lastPlayed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, name, class, level, experience, pvp_level, pvp_exp,
		        war_level, war_exp, rebirth_lvl, rebirth_cnt, last_played
		   FROM characters WHERE id = ?`, id).
		Scan(&c.AccountID, &c.Name, &c.ClassID, &c.Level, &c.Experience,
			&c.PvpLevel, &c.PvpExperience, &c.WarLevel, &c.WarExperience,
			&c.RebirthLevel, &c.RebirthCount, &lastPlayed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load character %d: %w", id, err)
	}
	c.LastPlayed = time.Unix(lastPlayed, 0)
	return c, nil
}

func (s *SQLiteStore) DeleteCharacter(ctx context.Context, id uint32) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE char_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete items: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bags WHERE char_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete bags: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete character: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadInventory(ctx context.Context, characterID uint32) (*Inventory, error) {
	inv := &Inventory{}
	err := s.db.QueryRowContext(ctx,
		`SELECT money FROM characters WHERE id = ?`, characterID).Scan(&inv.Money)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load inventory: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idx, status, expires FROM bags WHERE char_id = ?`, characterID)
	if err != nil {
		return nil, fmt.Errorf("store: load bag licenses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var lic BagLicense
		var expires int64
		if err := rows.Scan(&lic.ID, &lic.Index, &lic.Status, &expires); err != nil {
			return nil, err
		}
		lic.Expires = time.Unix(expires, 0)
		inv.Licenses = append(inv.Licenses, lic)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadItems(ctx, characterID, 0, func(bag, slot int, it Item) {
		if bag < MaxBags && slot < BagSize {
			inv.Bags[bag][slot] = it
		}
	}); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *SQLiteStore) LoadBank(ctx context.Context, characterID uint32) (*Bank, error) {
	bank := &Bank{}
	err := s.db.QueryRowContext(ctx,
		`SELECT bank_money FROM characters WHERE id = ?`, characterID).Scan(&bank.Money)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load bank: %w", err)
	}

	if err := s.loadItems(ctx, characterID, 1, func(bag, slot int, it Item) {
		if bag < MaxBankBoxes && slot < BagSize {
			bank.Boxes[bag][slot] = it
		}
	}); err != nil {
		return nil, err
	}
	return bank, nil
}

func (s *SQLiteStore) loadItems(ctx context.Context, characterID uint32, typ int, place func(bag, slot int, it Item)) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, bag, slot, amount FROM items WHERE type = ? AND char_id = ?`,
		typ, characterID)
	if err != nil {
		return fmt.Errorf("store: load items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var it Item
		var bag, slot int
		if err := rows.Scan(&it.ID, &it.ItemID, &bag, &slot, &it.Amount); err != nil {
			return err
		}
		place(bag, slot, it)
	}
	return rows.Err()
}
