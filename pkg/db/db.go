package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // CGo-free SQLite driver
)

// Database owns the SQLite handle shared by the query layer.
type Database struct {
	DB *sql.DB
}

// New opens the SQLite file at path, creating parent directories as needed.
// ":memory:" opens a throwaway in-process database, used by the tests.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("db: empty path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("db: create data dir: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	// One shared connection: SQLite serializes writers anyway, and it
	// keeps an in-memory database from vanishing between borrowed conns.
	handle.SetMaxOpenConns(1)
	handle.SetConnMaxLifetime(time.Hour)

	return &Database{DB: handle}, nil
}

// Queries returns the user-scoped query set bound to this handle.
func (d *Database) Queries() *UserQueries {
	return NewUserQueries(d.DB)
}

// Close shuts the underlying handle. Safe on a nil receiver.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
