// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/comfysched/internal/jobs"
)

// UpsertParams carries the ingestable fields of a job row.
type UpsertParams struct {
	ConfigName string
	Type       jobs.Type
	WorkflowID string
	Priority   int
	RetryLimit int
}

// Upsert inserts a new pending row for an unknown config name.
// Re-ingesting an existing name follows the terminal-state rules:
// a done row only takes a new priority, a failed row is reactivated
// (status pending, retries reset), anything else updates the supplied
// non-status fields.
func (s *Store) Upsert(ctx context.Context, p UpsertParams) (int64, error) {
	p.Priority = jobs.ClampPriority(p.Priority)

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			existingID int64
			status     string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, status FROM jobs WHERE config_name = ?`, p.ConfigName,
		).Scan(&existingID, &status)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO jobs (config_name, job_type, workflow_id, priority, status, retry_limit)
				VALUES (?, ?, ?, ?, 'pending', ?)`,
				p.ConfigName, p.Type.String(), p.WorkflowID, p.Priority, p.RetryLimit)
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			return err

		case err != nil:
			return err

		case status == string(jobs.StatusDone):
			// Done is terminal: only the priority may move.
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET priority = ? WHERE id = ?`, p.Priority, existingID)
			id = existingID
			return err

		case status == string(jobs.StatusFailed):
			// Re-ingestion reactivates a failed row with a fresh retry budget.
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'pending', retries_attempted = 0, error_trace = '',
					priority = ?, job_type = ?, workflow_id = ?, retry_limit = ?
				WHERE id = ?`,
				p.Priority, p.Type.String(), p.WorkflowID, p.RetryLimit, existingID)
			id = existingID
			return err

		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET priority = ?, job_type = ?, workflow_id = ?, retry_limit = ?
				WHERE id = ?`,
				p.Priority, p.Type.String(), p.WorkflowID, p.RetryLimit, existingID)
			id = existingID
			return err
		}
	})
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", p.ConfigName, err)
	}
	return id, nil
}

// LeaseNext atomically claims the highest-ranked pending row for
// workerID. Ranking is (priority ASC, config_name ASC) so ties run in
// filename order. Returns (nil, nil) when the queue is empty.
func (s *Store) LeaseNext(ctx context.Context, workerID string, lease time.Duration) (*jobs.Job, error) {
	now := time.Now().UTC()
	var leased *jobs.Job

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM jobs WHERE status = 'pending'
			ORDER BY priority ASC, config_name ASC LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		// Conditional update inside the same transaction: a row that
		// another worker claimed between SELECT and UPDATE matches
		// zero rows and the caller leases nothing this round.
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'processing', worker_id = ?, lease_expires_at = ?,
				start_time = ?, end_time = NULL, run_count = run_count + 1
			WHERE id = ? AND status = 'pending'`,
			workerID, formatTime(now.Add(lease)), formatTime(now), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}

		leased, err = scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("lease next: %w", err)
	}
	return leased, nil
}

// CompleteUpdates carries the terminal payload of a finished attempt.
type CompleteUpdates struct {
	Metadata   []byte
	ErrorTrace string
}

// Complete transitions a processing row to its post-attempt state.
// Success is terminal (done). Failure returns the row to pending while
// retry budget remains, otherwise it becomes failed. Completing a row
// that is not processing returns ErrNotProcessing.
func (s *Store) Complete(ctx context.Context, id int64, success bool, upd CompleteUpdates) error {
	now := time.Now().UTC()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if j.Status != jobs.StatusProcessing {
			return fmt.Errorf("%w: job %d is %s", ErrNotProcessing, id, j.Status)
		}

		duration := 0.0
		if j.StartTime != nil {
			duration = now.Sub(*j.StartTime).Seconds()
		}

		if success {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'done', end_time = ?, duration = ?, metadata = ?,
					worker_id = '', lease_expires_at = NULL
				WHERE id = ?`,
				formatTime(now), duration, upd.Metadata, id)
			return err
		}

		if j.RetriesAttempted+1 < j.RetryLimit {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET status = 'pending', retries_attempted = retries_attempted + 1,
					error_trace = ?, worker_id = '', lease_expires_at = NULL
				WHERE id = ?`,
				upd.ErrorTrace, id)
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'failed', retries_attempted = retries_attempted + 1,
				end_time = ?, duration = ?, error_trace = ?,
				worker_id = '', lease_expires_at = NULL
			WHERE id = ?`,
			formatTime(now), duration, upd.ErrorTrace, id)
		return err
	})
}

// RecoverOrphans returns expired processing rows to pending. The
// comparison runs on parsed times, not raw strings; the stored values
// are uniform RFC3339 UTC so the SQL filter stays correct as well.
func (s *Store) RecoverOrphans(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', worker_id = '', lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return res.RowsAffected()
}

// GetByConfigName returns the row keyed by name, or ErrNotFound.
func (s *Store) GetByConfigName(ctx context.Context, name string) (*jobs.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE config_name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// ListByStatus returns rows ordered by (priority ASC, config_name ASC).
// An empty status lists everything.
func (s *Store) ListByStatus(ctx context.Context, status jobs.Status) ([]*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status.String())
	}
	query += ` ORDER BY priority ASC, config_name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// SetPriority clamps value into bounds and persists it.
func (s *Store) SetPriority(ctx context.Context, name string, value int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET priority = ? WHERE config_name = ?`,
		jobs.ClampPriority(value), name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
