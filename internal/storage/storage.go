// Package storage is the SQLite layer under the reconciliation engine. One
// Store owns the database handle; the bookmarks schema lives here, sibling
// features create their own tables over the shared handle.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS bookmarks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	guid        TEXT    NOT NULL UNIQUE,
	kind        TEXT    NOT NULL,
	parent      INTEGER NOT NULL DEFAULT 0,
	position    INTEGER NOT NULL DEFAULT -1,
	title       TEXT    NOT NULL DEFAULT '',
	url         TEXT    NOT NULL DEFAULT '',
	description TEXT    NOT NULL DEFAULT '',
	keyword     TEXT    NOT NULL DEFAULT '',
	tags        TEXT    NOT NULL DEFAULT '[]',
	deleted     INTEGER NOT NULL DEFAULT 0,
	modified    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_bookmarks_parent   ON bookmarks(parent, position);
CREATE INDEX IF NOT EXISTS idx_bookmarks_modified ON bookmarks(modified);
CREATE INDEX IF NOT EXISTS idx_bookmarks_kind     ON bookmarks(kind);
`

// Store wraps the SQLite handle. It satisfies the engine's storage surface
// and hands the raw handle to sibling features through DB.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path, applies the session pragmas,
// and initializes the bookmarks schema. Callers must Close.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// DB exposes the raw handle so sibling features can share the database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path, the one watchers should observe.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	s.db = nil
	return nil
}
