package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Job states as stored in jobs.status.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const (
	defaultJobAttempts = 3
	jobColumns         = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`
)

// retryDelay is the wait before attempt n+1 of a failed job: 2s, 4s, 8s...
func retryDelay(attempts int) time.Duration {
	if attempts > 16 {
		attempts = 16
	}
	return time.Second << attempts
}

// EnqueueJob inserts a pending job. A zero RunAfter means now.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := s.timestamp()
	due := now
	if !job.RunAfter.IsZero() {
		due = job.RunAfter.UTC().Format(time.RFC3339)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultJobAttempts
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts, due, now, now)
	if err != nil {
		return fmt.Errorf("enqueueing %s job %s: %w", job.Type, job.ID, err)
	}
	return nil
}

// GetJob returns a job by ID, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// ClaimNextJob moves the oldest due pending job of one of types to running
// and returns it. It returns nil when nothing is due. The select and the
// state change run as one statement, so two workers never claim the same row.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := s.timestamp()
	args := []any{JobRunning, now, JobPending, now}
	for _, t := range types {
		args = append(args, t)
	}
	args = append(args, JobPending)

	query := `UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)
			ORDER BY run_after, created_at
			LIMIT 1
		) AND status = ?
		RETURNING ` + jobColumns

	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.setJobStatus(ctx, id, JobCompleted)
}

func (s *Store) setJobStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, status, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("setting job %s to %s: %w", id, status, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job goes back to pending after
// retryDelay until it has used max_attempts, then it is marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}

	attempts++
	now := s.now().UTC()
	status, due := JobPending, now.Add(retryDelay(attempts))
	if attempts >= maxAttempts {
		status, due = JobFailed, now
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		status, attempts, errMsg, due.Format(time.RFC3339), now.Format(time.RFC3339), id); err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                     Job
		due, created, updated string
		lastError             sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&due, &created, &updated, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String

	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{
		{"run_after", due, &j.RunAfter},
		{"created_at", created, &j.CreatedAt},
		{"updated_at", updated, &j.UpdatedAt},
	} {
		t, err := time.Parse(time.RFC3339, f.raw)
		if err != nil {
			return Job{}, fmt.Errorf("parsing %s of job %s: %w", f.name, j.ID, err)
		}
		*f.dst = t
	}
	return j, nil
}
