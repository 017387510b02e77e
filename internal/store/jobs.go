package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const jobColumns = "id, type, payload, status, priority, attempts, max_attempts, next_retry_at, last_error, created_at, started_at, completed_at"

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var payload string
	var nextRetry, lastErr, started, completed sql.NullString
	var created string
	err := row.Scan(&j.ID, &j.Type, &payload, &j.Status, &j.Priority,
		&j.Attempts, &j.MaxAttempts, &nextRetry, &lastErr, &created, &started, &completed)
	if err != nil {
		return nil, err
	}
	j.Payload = json.RawMessage(payload)
	j.NextRetryAt = scanNullTime(nextRetry)
	j.LastError = lastErr.String
	j.CreatedAt = parseTime(created)
	j.StartedAt = scanNullTime(started)
	j.CompletedAt = scanNullTime(completed)
	return &j, nil
}

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, status, priority, attempts, max_attempts, next_retry_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, string(j.Payload), j.Status, j.Priority,
		j.Attempts, j.MaxAttempts, nullTime(j.NextRetryAt), nullStr(j.LastError),
		fmtTime(j.CreatedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// ClaimNextJob atomically selects the next runnable job (highest
// priority, oldest created_at, pending, ready at or before now) and
// transitions it to processing. Returns (nil, nil) when the queue has
// no runnable job.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	j, err := scanJob(tx.QueryRowContext(ctx,
		"SELECT "+jobColumns+` FROM jobs
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`,
		JobPending, fmtTime(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select next job: %w", err)
	}

	started := now
	_, err = tx.ExecContext(ctx,
		"UPDATE jobs SET status = ?, started_at = ? WHERE id = ?",
		JobProcessing, fmtTime(started), j.ID)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	j.Status = JobProcessing
	j.StartedAt = &started
	return j, nil
}

// CompleteJob marks a processing job completed.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?",
		JobCompleted, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RescheduleJob records a failed attempt and returns the job to pending
// with a delayed retry.
func (s *Store) RescheduleJob(ctx context.Context, id string, attempts int, lastError string, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, next_retry_at = ? WHERE id = ?`,
		JobPending, attempts, lastError, fmtTime(nextRetryAt), id)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// StallJob marks a job stalled after attempt exhaustion.
func (s *Store) StallJob(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, completed_at = ? WHERE id = ?`,
		JobStalled, attempts, lastError, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("stall job: %w", err)
	}
	return nil
}

// GetJob returns a job by id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// JobFilter narrows ListJobs. Limit and Offset are validated by the
// queue layer before reaching the store.
type JobFilter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// ListJobs returns a page of jobs (newest first) plus the total count
// matching the filter.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where += " AND type = ?"
		args = append(args, f.Type)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs"+where+" ORDER BY created_at DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}

// JobStats holds per-status job counts.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Stalled    int `json:"stalled"`
}

// CountJobsByStatus aggregates job counts by status.
func (s *Store) CountJobsByStatus(ctx context.Context) (*JobStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := &JobStats{}
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case JobPending:
			stats.Pending = n
		case JobProcessing:
			stats.Processing = n
		case JobCompleted:
			stats.Completed = n
		case JobStalled:
			stats.Stalled = n
		}
	}
	return stats, rows.Err()
}

// RetryJob resets a stalled job to pending with a clean slate.
// ErrNotFound if absent, ErrWrongStatus if not stalled.
func (s *Store) RetryJob(ctx context.Context, id string) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != JobStalled {
		return fmt.Errorf("job is %s: %w", j.Status, ErrWrongStatus)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = 0, last_error = NULL, next_retry_at = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ?`, JobPending, id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// CancelJob deletes a pending or stalled job. ErrNotFound if absent,
// ErrWrongStatus otherwise.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != JobPending && j.Status != JobStalled {
		return fmt.Errorf("job is %s: %w", j.Status, ErrWrongStatus)
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// PruneCompletedJobs deletes completed jobs finished before the cutoff.
func (s *Store) PruneCompletedJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM jobs WHERE status = ? AND completed_at < ?",
		JobCompleted, fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
