package store

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/walletwatch/walletwatch/internal/models"
)

// TokenCache is the embedded sqlite-backed tokens(address PK, symbol,
// decimals) cache (spec §6), implementing tokens.Cache.
type TokenCache struct {
	db *sql.DB
}

// OpenTokenCache opens (creating if absent) the sqlite file at path
// and ensures its schema exists.
func OpenTokenCache(path string) (*TokenCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tokens (
		address TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		decimals INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &TokenCache{db: db}, nil
}

func (c *TokenCache) Close() error { return c.db.Close() }

// Get implements tokens.Cache.
func (c *TokenCache) Get(address string) (*models.TokenRecord, bool) {
	row := c.db.QueryRowContext(context.Background(),
		"SELECT address, symbol, decimals FROM tokens WHERE address = ?", strings.ToLower(address))

	var rec models.TokenRecord
	if err := row.Scan(&rec.Address, &rec.Symbol, &rec.Decimals); err != nil {
		return nil, false
	}
	return &rec, true
}

// Put implements tokens.Cache: write-once, ignoring an address already
// present (spec §5 token-metadata cache invariant).
func (c *TokenCache) Put(rec *models.TokenRecord) {
	if rec == nil || !rec.Valid() {
		return
	}
	_, _ = c.db.ExecContext(context.Background(),
		"INSERT OR IGNORE INTO tokens (address, symbol, decimals) VALUES (?, ?, ?)",
		strings.ToLower(rec.Address), rec.Symbol, rec.Decimals)
}

// SelectorCache is the embedded sqlite-backed selectors(selector PK,
// signature) cache that fronts signatures.Resolver's upstream lookups.
type SelectorCache struct {
	db *sql.DB
}

// OpenSelectorCache opens (creating if absent) the sqlite file at path.
func OpenSelectorCache(path string) (*SelectorCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS selectors (
		selector TEXT PRIMARY KEY,
		signature TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return &SelectorCache{db: db}, nil
}

func (c *SelectorCache) Close() error { return c.db.Close() }

// Get returns the cached signature for selector, if known.
func (c *SelectorCache) Get(selector string) (string, bool) {
	row := c.db.QueryRowContext(context.Background(),
		"SELECT signature FROM selectors WHERE selector = ?", strings.ToLower(selector))

	var signature string
	if err := row.Scan(&signature); err != nil {
		return "", false
	}
	return signature, true
}

// Put stores a resolved selector, write-once.
func (c *SelectorCache) Put(selector, signature string) {
	if selector == "" || signature == "" {
		return
	}
	_, _ = c.db.ExecContext(context.Background(),
		"INSERT OR IGNORE INTO selectors (selector, signature) VALUES (?, ?)",
		strings.ToLower(selector), signature)
}
