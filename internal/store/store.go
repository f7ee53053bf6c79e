// Package store provides SQLite-backed persistence for ragkit: the default
// vector index and the answer log. Both use the pure-Go modernc driver so the
// binary needs no cgo.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// IndexPath returns the index database inside storeDir, creating the
// directory if needed.
func IndexPath(storeDir string) (string, error) {
	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", storeDir, err)
	}
	return filepath.Join(storeDir, "index.db"), nil
}

// openDB opens (or creates) the SQLite database at path. Use ":memory:" for
// an in-memory database in tests.
func openDB(path string) (*sql.DB, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return db, nil
}
