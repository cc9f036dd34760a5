// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store provides SQLite persistence for job rows with atomic
// lease acquisition.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/ManuGH/comfysched/internal/jobs"
)

// Sentinel errors surfaced to the control API.
var (
	ErrNotFound      = errors.New("job not found")
	ErrNotFailed     = errors.New("job is not in failed state")
	ErrNotProcessing = errors.New("job is not in processing state")
)

// Store provides durable, concurrency-safe persistence of job rows.
// Writes run in transactions; concurrent reads are served from the
// WAL. All mutation of scheduler state goes through this type.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and establishes the schema
// idempotently. busy_timeout avoids "database locked" errors under
// concurrent monitor/executor/API writes.
func New(dbPath string) (*Store, error) {
	// _txlock=immediate makes read-then-write transactions (lease
	// acquisition) take the write lock up front instead of failing
	// with a busy snapshot on upgrade.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		config_name TEXT NOT NULL UNIQUE,
		job_type TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 50,
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'processing', 'done', 'failed')),
		run_count INTEGER NOT NULL DEFAULT 0,
		retries_attempted INTEGER NOT NULL DEFAULT 0,
		retry_limit INTEGER NOT NULL DEFAULT 2,
		start_time TEXT,
		end_time TEXT,
		duration REAL NOT NULL DEFAULT 0,
		error_trace TEXT NOT NULL DEFAULT '',
		metadata BLOB,
		worker_id TEXT NOT NULL DEFAULT '',
		lease_expires_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_priority ON jobs(status, priority);
	CREATE INDEX IF NOT EXISTS idx_jobs_start_time ON jobs(start_time);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, config_name, job_type, workflow_id, priority, status,
	run_count, retries_attempted, retry_limit,
	start_time, end_time, duration, error_trace, metadata, worker_id, lease_expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*jobs.Job, error) {
	var (
		j         jobs.Job
		typ       string
		status    string
		startStr  sql.NullString
		endStr    sql.NullString
		leaseStr  sql.NullString
		metadata  []byte
		errorText string
	)
	if err := r.Scan(
		&j.ID, &j.ConfigName, &typ, &j.WorkflowID, &j.Priority, &status,
		&j.RunCount, &j.RetriesAttempted, &j.RetryLimit,
		&startStr, &endStr, &j.DurationSeconds, &errorText, &metadata, &j.WorkerID, &leaseStr,
	); err != nil {
		return nil, err
	}
	j.Type = jobs.Type(typ)
	j.Status = jobs.Status(status)
	j.ErrorTrace = errorText
	j.Metadata = metadata
	j.StartTime = parseTime(startStr)
	j.EndTime = parseTime(endStr)
	j.LeaseExpiresAt = parseTime(leaseStr)
	return &j, nil
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// withTx runs fn in a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
