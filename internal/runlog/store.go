// Package runlog keeps a local SQLite ledger of every job execution.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the run ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates if needed) the ledger at path and ensures its
// schema exists. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
		if err := checkLocalFilesystem(path, detectFilesystemType); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_runs (
  id             TEXT PRIMARY KEY,
  job_id         TEXT NOT NULL,
  assignment_id  TEXT NOT NULL,
  job_type       TEXT NOT NULL,
  status         TEXT NOT NULL,
  failed_stage   TEXT,
  last_error     TEXT,
  output         JSON,
  started_at     TEXT NOT NULL,
  completed_at   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS job_runs_started_at_idx ON job_runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS job_runs_job_id_idx ON job_runs(job_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
