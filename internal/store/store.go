// Package store provides the durable SQLite store shared by all
// subsystems: a relational table set plus an optional vector sidecar.
// Writes serialize through a process-wide lock; reads go straight to
// the pool and may proceed concurrently in WAL mode.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store wraps the SQLite database with single-writer semantics.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// writeMu is the process-wide serialization point for writes.
	writeMu sync.Mutex
}

// Open opens (or creates) the database at path and applies the schema.
// Initialization is idempotent.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Query runs a read statement. Callers must close the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow runs a read statement expected to return at most one row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Execute runs a write statement under the process-wide write lock.
func (s *Store) Execute(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// ExecuteInsert runs an insert and returns the new row id.
func (s *Store) ExecuteInsert(ctx context.Context, query string, args ...any) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ExecuteMany runs one statement for each parameter set inside a
// single transaction; either all apply or none do.
func (s *Store) ExecuteMany(ctx context.Context, query string, paramSets [][]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, params := range paramSets {
		if _, err := stmt.ExecContext(ctx, params...); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ExecuteScript runs a multi-statement SQL script atomically.
func (s *Store) ExecuteScript(ctx context.Context, script string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, script)
	return err
}
