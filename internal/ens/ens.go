// Package ens is the local address-to-display-name directory used by
// C9's "ENS-like local mapping" rule (spec §4.9). The full table is
// loaded into memory once at startup from the embedded ens cache
// (spec §6 ens_cache_path) and never mutated afterward.
package ens

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Directory is an immutable, in-memory address -> display-name map.
type Directory struct {
	names map[string]string
}

// Load reads the entire `ens` table from the sqlite file at path into
// memory (spec §4.9, §6).
func Load(path string) (*Directory, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(context.Background(), "SELECT address, name FROM ens")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var address, name string
		if err := rows.Scan(&address, &name); err != nil {
			return nil, err
		}
		names[strings.ToLower(address)] = name
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Directory{names: names}, nil
}

// DisplayName implements render.NameResolver: it returns "" when
// address has no mapping, leaving the checksum-cased fallback to the
// caller.
func (d *Directory) DisplayName(address string) string {
	return d.names[strings.ToLower(address)]
}
