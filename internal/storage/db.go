// Package storage is the SQLite-backed repository layer: durable storage
// of projects, users, tasks, sessions, the audit log, the offline queue,
// and api-keys. The database runs in WAL mode with a busy timeout and a
// single-connection pool (SQLite supports one writer), exposed as a
// *Store value rather than a process-wide singleton so the broker and
// tests can each own their own handle.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"taskbroker/pkg/logx"
)

// Store wraps the database connection and exposes repository methods.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (and if necessary creates) the SQLite database at path and
// brings its schema up to CurrentSchemaVersion.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	// SQLite only supports one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}

	return &Store{db: db, logger: logx.NewLogger("storage")}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("storage: close database: %w", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB for components (e.g. schema inspection
// tooling) that genuinely need it; repository methods should be preferred.
func (s *Store) DB() *sql.DB {
	return s.db
}
