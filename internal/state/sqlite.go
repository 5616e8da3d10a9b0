package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps both tables in a single SQLite database. Cross-process
// atomicity comes from SQLite's own locking plus busy_timeout, so there is no
// separate flock here.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (and creates if needed) the database at path and
// ensures required tables exist.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_attempts (
  task_id  TEXT PRIMARY KEY,
  attempts INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS task_processed (
  task_id      TEXT PRIMARY KEY,
  processed_at INTEGER NOT NULL
);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Attempts(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT attempts FROM task_attempts WHERE task_id = ?;", id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	return s.adjustAttempts(ctx, id, +1)
}

func (s *SQLiteStore) DecrementAttempts(ctx context.Context, id string) (int, error) {
	return s.adjustAttempts(ctx, id, -1)
}

func (s *SQLiteStore) adjustAttempts(ctx context.Context, id string, delta int) (int, error) {
	if id == "" {
		return 0, fmt.Errorf("task id is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur int
	err = tx.QueryRowContext(ctx,
		"SELECT attempts FROM task_attempts WHERE task_id = ?;", id).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read attempts: %w", err)
	}

	next := cur + delta
	if next < 0 {
		next = 0
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO task_attempts(task_id, attempts)
VALUES(?, ?)
ON CONFLICT(task_id) DO UPDATE SET attempts = excluded.attempts;
`, id, next)
	if err != nil {
		return 0, fmt.Errorf("upsert attempts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) ResetAttempts(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("task id is empty")
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM task_attempts WHERE task_id = ?;", id); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordProcessed(ctx context.Context, id string, ts time.Time) error {
	if id == "" {
		return fmt.Errorf("task id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_processed(task_id, processed_at)
VALUES(?, ?)
ON CONFLICT(task_id) DO UPDATE SET processed_at = excluded.processed_at;
`, id, ts.Unix())
	if err != nil {
		return fmt.Errorf("record processed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LastProcessed(ctx context.Context, id string) (time.Time, bool, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx,
		"SELECT processed_at FROM task_processed WHERE task_id = ?;", id).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read processed: %w", err)
	}
	return time.Unix(epoch, 0).UTC(), true, nil
}
