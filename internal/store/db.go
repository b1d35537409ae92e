package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a queue entry or cached message does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateID is returned when an offline message id has been used before.
	ErrDuplicateID = errors.New("store: offline message id already used")
)

// DB wraps the SQLite database that holds the offline queue and message cache.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer: queue transitions must not interleave across connections.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
