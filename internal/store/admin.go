// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/comfysched/internal/jobs"
)

// CancelledTrace marks rows terminated by cancel-all. Cancelled rows
// reuse the failed status; this string is the discriminator.
const CancelledTrace = "cancelled by operator"

// Retry reactivates a failed row: status pending, error and lease
// fields cleared, retry budget reset. Any other status is an invalid
// transition and returns ErrNotFailed.
func (s *Store) Retry(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM jobs WHERE config_name = ?`, name).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != string(jobs.StatusFailed) {
			return fmt.Errorf("%w: %s is %s", ErrNotFailed, name, status)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'pending', retries_attempted = 0, error_trace = '',
				worker_id = '', lease_expires_at = NULL, end_time = NULL
			WHERE config_name = ?`, name)
		return err
	})
}

// RetryAllFailed resets every failed row to pending.
func (s *Store) RetryAllFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', retries_attempted = 0, error_trace = '',
			worker_id = '', lease_expires_at = NULL, end_time = NULL
		WHERE status = 'failed'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelAllPending removes every pending row from scheduling by
// marking it failed with the cancelled trace.
func (s *Store) CancelAllPending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error_trace = ?, end_time = ?
		WHERE status = 'pending'`,
		CancelledTrace, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BulkRetry resets the failed rows among ids to pending and reports
// how many actually moved; rows in other states are untouched.
func (s *Store) BulkRetry(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
		UPDATE jobs SET status = 'pending', retries_attempted = 0, error_trace = '',
			worker_id = '', lease_expires_at = NULL, end_time = NULL
		WHERE status = 'failed' AND id IN (%s)`, placeholders(len(ids)))
	res, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// BulkDelete removes the given rows outright.
func (s *Store) BulkDelete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM jobs WHERE id IN (%s)`, placeholders(len(ids)))
	res, err := s.db.ExecContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Stats summarizes the queue for the control API.
type Stats struct {
	Total           int64            `json:"total"`
	ByStatus        map[string]int64 `json:"by_status"`
	ByType          map[string]int64 `json:"by_type"`
	AvgDurationSecs float64          `json:"avg_duration_seconds"`
}

// Stats returns counts by status and type plus the average duration
// over done rows.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByStatus: map[string]int64{},
		ByType:   map[string]int64{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		st.ByStatus[status] = count
		st.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := s.db.QueryContext(ctx,
		`SELECT job_type, COUNT(*) FROM jobs GROUP BY job_type`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = typeRows.Close() }()
	for typeRows.Next() {
		var typ string
		var count int64
		if err := typeRows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		st.ByType[typ] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration) FROM jobs WHERE status = 'done'`).Scan(&avg); err != nil {
		return nil, err
	}
	if avg.Valid {
		st.AvgDurationSecs = avg.Float64
	}
	return st, nil
}

// SQLResult is the generic columns-plus-rows shape returned by the
// operational SQL endpoint.
type SQLResult struct {
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
}

// ExecuteSQL runs an arbitrary query against the store. Queries that
// return rows yield columns and row values; statements yield the
// affected-row count. Operational escape hatch: the caller accepts
// destructive writes.
func (s *Store) ExecuteSQL(ctx context.Context, query string) (*SQLResult, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(trimmed, "SELECT") || strings.HasPrefix(trimmed, "WITH") ||
		strings.HasPrefix(trimmed, "PRAGMA") || strings.HasPrefix(trimmed, "EXPLAIN") {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		result := &SQLResult{Columns: cols, Rows: [][]any{}}
		for rows.Next() {
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return nil, err
			}
			for i, v := range values {
				if b, ok := v.([]byte); ok {
					values[i] = string(b)
				}
			}
			result.Rows = append(result.Rows, values)
		}
		return result, rows.Err()
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return &SQLResult{RowsAffected: affected}, nil
}
