// Package store persists normalized messages and discovered groups in
// SQLite. Saves are idempotent on the source message id, so redelivered
// events never create duplicate rows.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"groupvault/internal/logging"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open: mattn's cgo driver and the pure-Go modernc one.
const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// Store is the SQLite persistence sink.
type Store struct {
	db     *sql.DB
	path   string
	driver string
	mu     sync.RWMutex
}

// Open opens (creating if needed) the database at path.
func Open(driver, path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPure {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("%s failed: %v", pragma, err)
		}
	}

	s := &Store{db: db, path: path, driver: driver}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("store ready at %s (driver %s)", path, driver)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			member_count INTEGER NOT NULL DEFAULT 0,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id TEXT UNIQUE,
			group_id TEXT NOT NULL,
			group_name TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			kind TEXT NOT NULL DEFAULT '',
			image TEXT NOT NULL DEFAULT '',
			video TEXT NOT NULL DEFAULT '',
			audio TEXT NOT NULL DEFAULT '',
			document TEXT NOT NULL DEFAULT '',
			link TEXT NOT NULL DEFAULT '',
			batch TEXT NOT NULL DEFAULT '',
			link_refs TEXT NOT NULL DEFAULT '[]',
			reply_source_id TEXT,
			reply_text TEXT,
			reply_kind TEXT,
			reply_locator TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_group_ts ON messages(group_id, timestamp DESC)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return runMigrations(s.db)
}
