package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Portalcake/Soldin/internal/config"
	"github.com/Portalcake/Soldin/internal/retry"
)

// RedisStore maps accounts and characters onto Redis hashes. Layout:
//
//	<prefix>account:<id>            hash of account fields
//	<prefix>account:name:<name>     account id (name lowercased)
//	<prefix>account:<id>:chars      set of character ids
//	<prefix>account:<id>:licenses   JSON array of class ids
//	<prefix>character:<id>          hash of character fields
//	<prefix>character:name:<name>   character id (name lowercased)
//	<prefix>character:<id>:inv      JSON Inventory
//	<prefix>character:<id>:bank     JSON Bank
//	<prefix>character:next_id       id allocator
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// OpenRedis connects with the configured pool settings and verifies the
// server is reachable. The initial ping is retried so a gateway restarting
// alongside its Redis container does not die on the race.
func OpenRedis(cfg config.Redis) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	err := retry.Do(context.Background(), retry.RetryConfig{
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
		defer cancel()
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	return &RedisStore{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *RedisStore) LoadAccountByName(ctx context.Context, name string, withCharacters bool) (*Account, error) {
	idStr, err := s.rdb.Get(ctx, s.key("account", "name", strings.ToLower(name))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: account by name: %w", err)
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("store: bad account id %q: %w", idStr, err)
	}
	return s.LoadAccountByID(ctx, uint32(id), withCharacters)
}

func (s *RedisStore) LoadAccountByID(ctx context.Context, id uint32, withCharacters bool) (*Account, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("account", itoa(id))).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load account %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	acc := &Account{
		ID:       id,
		Name:     fields["name"],
		Password: fields["passwd"],
		MaxChars: parseU32(fields["max_chars"]),
		GMLevel:  parseU32(fields["gmlevel"]),
		Status:   uint8(parseU32(fields["status"])),
	}

	if data, err := s.rdb.Get(ctx, s.key("account", itoa(id), "licenses")).Result(); err == nil {
		if jerr := json.Unmarshal([]byte(data), &acc.Licenses); jerr != nil {
			return nil, fmt.Errorf("store: parse licenses: %w", jerr)
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store: load licenses: %w", err)
	}

	if withCharacters {
		ids, err := s.rdb.SMembers(ctx, s.key("account", itoa(id), "chars")).Result()
		if err != nil {
			return nil, fmt.Errorf("store: list characters: %w", err)
		}
		for _, raw := range ids {
			cid, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				continue
			}
			c, err := s.LoadCharacter(ctx, uint32(cid))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			acc.Characters = append(acc.Characters, c)
			if len(acc.Characters) == MaxCharactersPerAccount {
				break
			}
		}
	}
	return acc, nil
}

func (s *RedisStore) CharacterExists(ctx context.Context, name string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key("character", "name", strings.ToLower(name))).Result()
	if err != nil {
		return false, fmt.Errorf("store: character exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) CreateCharacter(ctx context.Context, accountID, classID uint32, name string) (uint32, error) {
	id, err := s.rdb.Incr(ctx, s.key("character", "next_id")).Result()
	if err != nil {
		return 0, fmt.Errorf("store: allocate character id: %w", err)
	}

	// SETNX on the name key is the uniqueness guard; a lost race surfaces
	// as a creation failure, same as a duplicate insert would.
	ok, err := s.rdb.SetNX(ctx, s.key("character", "name", strings.ToLower(name)), id, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("store: reserve character name: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("store: character name %q taken", name)
	}

	cid := uint32(id)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key("character", itoa(cid)), map[string]any{
		"account_id":  accountID,
		"name":        name,
		"class":       classID,
		"level":       1,
		"experience":  0,
		"pvp_level":   1,
		"pvp_exp":     0,
		"war_level":   1,
		"war_exp":     0,
		"rebirth_lvl": 0,
		"rebirth_cnt": 0,
		"last_played": time.Now().Unix(),
	})
	pipe.SAdd(ctx, s.key("account", itoa(accountID), "chars"), cid)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store: create character: %w", err)
	}
	return cid, nil
}

func (s *RedisStore) LoadCharacter(ctx context.Context, id uint32) (*Character, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key("character", itoa(id))).Result()
	if err != nil {
		return nil, fmt.Errorf("store: load character %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return &Character{
		ID:            id,
		AccountID:     parseU32(fields["account_id"]),
		Name:          fields["name"],
		ClassID:       parseU32(fields["class"]),
		Level:         uint16(parseU32(fields["level"])),
		Experience:    parseU32(fields["experience"]),
		PvpLevel:      uint16(parseU32(fields["pvp_level"])),
		PvpExperience: parseU32(fields["pvp_exp"]),
		WarLevel:      uint16(parseU32(fields["war_level"])),
		WarExperience: parseU32(fields["war_exp"]),
		RebirthLevel:  uint16(parseU32(fields["rebirth_lvl"])),
		RebirthCount:  uint16(parseU32(fields["rebirth_cnt"])),
		LastPlayed:    time.Unix(parseI64(fields["last_played"]), 0),
	}, nil
}

func (s *RedisStore) DeleteCharacter(ctx context.Context, id uint32) error {
	c, err := s.LoadCharacter(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.key("character", itoa(id)))
	pipe.Del(ctx, s.key("character", "name", strings.ToLower(c.Name)))
	pipe.Del(ctx, s.key("character", itoa(id), "inv"))
	pipe.Del(ctx, s.key("character", itoa(id), "bank"))
	pipe.SRem(ctx, s.key("account", itoa(c.AccountID), "chars"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: delete character: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadInventory(ctx context.Context, characterID uint32) (*Inventory, error) {
	inv := &Inventory{}
	if err := s.loadJSON(ctx, s.key("character", itoa(characterID), "inv"), inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *RedisStore) LoadBank(ctx context.Context, characterID uint32) (*Bank, error) {
	bank := &Bank{}
	if err := s.loadJSON(ctx, s.key("character", itoa(characterID), "bank"), bank); err != nil {
		return nil, err
	}
	return bank, nil
}

// loadJSON fills out from the JSON blob at key; a missing key leaves the
// zero value, matching a character that never stored anything.
func (s *RedisStore) loadJSON(ctx context.Context, key string, out any) error {
	data, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("store: parse %s: %w", key, err)
	}
	return nil
}

func itoa(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

func parseU32(s string) uint32 {
	v, _ := strconv.ParseUint(s, 10, 32)
	return uint32(v)
}

func parseI64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
