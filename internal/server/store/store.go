// Package store provides the server-side versioned aggregate store.
//
// The store is an embedded SQLite database (WAL mode for concurrent reads)
// holding, per user:
//   - versioned aggregates with soft-deletable sub-items
//   - a per-user monotonically increasing sync version
//   - a change log keyed by user version, used for catch-up
//   - the applied-operation table that makes change application idempotent
//   - the conflict audit trail (conflicts are never deleted)
//
// The version check-and-increment is a single UPDATE with the expected
// version in the WHERE clause, executed inside a transaction, so two
// concurrent writers for the same aggregate can never both succeed against
// version N.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite database connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before use.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// In-memory databases vanish when the last connection closes; keep a
	// single connection so every query sees the same database.
	conn.SetMaxOpenConns(1)
	return &Store{conn: conn, path: ":memory:"}, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if s.path != ":memory:" {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS aggregates (
		user_id       TEXT NOT NULL,
		client_id     TEXT NOT NULL,
		data_type     TEXT NOT NULL,
		payload       TEXT,
		sync_version  INTEGER NOT NULL DEFAULT 1,
		device_id     TEXT NOT NULL,
		client_ts     INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL,
		deleted_at    INTEGER,
		PRIMARY KEY (user_id, client_id)
	);

	CREATE TABLE IF NOT EXISTS items (
		user_id       TEXT NOT NULL,
		aggregate_id  TEXT NOT NULL,
		client_id     TEXT NOT NULL,
		payload       TEXT,
		updated_at    INTEGER NOT NULL,
		deleted_at    INTEGER,
		PRIMARY KEY (user_id, aggregate_id, client_id),
		FOREIGN KEY (user_id, aggregate_id) REFERENCES aggregates(user_id, client_id)
	);

	CREATE TABLE IF NOT EXISTS applied_operations (
		operation_id  TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		aggregate_id  TEXT NOT NULL,
		user_version  INTEGER NOT NULL,
		agg_version   INTEGER NOT NULL,
		applied_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_sync (
		user_id       TEXT PRIMARY KEY,
		sync_version  INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS change_log (
		user_id       TEXT NOT NULL,
		user_version  INTEGER NOT NULL,
		data_type     TEXT NOT NULL,
		aggregate_id  TEXT NOT NULL,
		item_id       TEXT,
		action        TEXT NOT NULL,
		payload       TEXT,
		device_id     TEXT NOT NULL,
		agg_version   INTEGER NOT NULL,
		created_at    INTEGER NOT NULL,
		PRIMARY KEY (user_id, user_version)
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		conflict_id   TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		data_type     TEXT NOT NULL,
		aggregate_id  TEXT NOT NULL,
		local_op      TEXT NOT NULL,
		remote_state  TEXT NOT NULL,
		resolved      INTEGER NOT NULL DEFAULT 0,
		resolution    TEXT,
		created_at    INTEGER NOT NULL,
		resolved_at   INTEGER
	);

	CREATE TABLE IF NOT EXISTS sync_stats (
		user_id       TEXT PRIMARY KEY,
		applied       INTEGER NOT NULL DEFAULT 0,
		conflicts     INTEGER NOT NULL DEFAULT 0,
		resolved      INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_aggregates_user_type ON aggregates(user_id, data_type);
	CREATE INDEX IF NOT EXISTS idx_conflicts_user_open ON conflicts(user_id, resolved);
	CREATE INDEX IF NOT EXISTS idx_applied_user ON applied_operations(user_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
