package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func enqueueTx(tx *sql.Tx, blockID int64, now string) error {
	_, err := tx.Exec(`
		INSERT INTO block_jobs (block_id, status, attempts, last_error, created_at, updated_at)
		VALUES (?, 'pending', 0, NULL, ?, ?)
		ON CONFLICT(block_id) DO UPDATE SET
			status = 'pending', attempts = 0, last_error = NULL, updated_at = excluded.updated_at`,
		blockID, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing block %d: %w", blockID, err)
	}
	return nil
}

// EnqueueBlock creates the block's job, or resets an existing one to
// pending with zero attempts.
func (s *Store) EnqueueBlock(blockID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueTx(tx, blockID, s.nowString()); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimNextJob moves the oldest eligible job to running and returns it with
// its block fields. Eligible means pending (plus failed when retryFailed)
// with attempts below maxAttempts. Returns nil when nothing is eligible.
//
// Select and update share one write transaction; the conditional update
// additionally refuses a job another claimant already moved.
func (s *Store) ClaimNextJob(retryFailed bool, maxAttempts int) (*Job, error) {
	statuses := []any{StatusPending}
	placeholders := "?"
	if retryFailed {
		statuses = append(statuses, StatusFailed)
		placeholders = "?, ?"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	args := append(append([]any{}, statuses...), maxAttempts)
	var jobID int64
	err = tx.QueryRow(`
		SELECT job_id FROM block_jobs
		WHERE status IN (`+placeholders+`) AND attempts < ?
		ORDER BY updated_at ASC, job_id ASC
		LIMIT 1`, args...,
	).Scan(&jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	now := s.nowString()
	updArgs := append([]any{now, jobID}, statuses...)
	res, err := tx.Exec(`
		UPDATE block_jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE job_id = ? AND status IN (`+placeholders+`)`, updArgs...)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	j, err := scanJob(tx.QueryRow(jobSelect+` WHERE j.job_id = ?`, jobID))
	if err != nil {
		return nil, fmt.Errorf("loading claimed job %d: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return &j, nil
}

const jobSelect = `
	SELECT j.job_id, j.block_id, j.status, j.attempts, COALESCE(j.last_error, ''), j.created_at, j.updated_at,
		b.entry_id, b.idx, COALESCE(b.title, ''), b.raw_text, b.is_sensitive
	FROM block_jobs j JOIN entry_blocks b ON b.id = j.block_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var createdAt, updatedAt string
	var sensitive int
	err := row.Scan(&j.ID, &j.BlockID, &j.Status, &j.Attempts, &j.LastError, &createdAt, &updatedAt,
		&j.EntryID, &j.Idx, &j.Title, &j.RawText, &sensitive)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.Sensitive = sensitive != 0
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

// GetJob loads one job with its block fields.
func (s *Store) GetJob(jobID int64) (Job, error) {
	return scanJob(s.db.QueryRow(jobSelect+` WHERE j.job_id = ?`, jobID))
}

// ListEntryJobs returns an entry's jobs in block order.
func (s *Store) ListEntryJobs(entryID int64) ([]Job, error) {
	rows, err := s.db.Query(jobSelect+` WHERE b.entry_id = ? ORDER BY b.idx ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkDone sets a job done and clears its last error.
func (s *Store) MarkDone(jobID int64) error {
	return s.markJob(jobID, StatusDone, nil)
}

// MarkFailed sets a job failed; it stays claimable while attempts remain.
func (s *Store) MarkFailed(jobID int64, errMsg string) error {
	return s.markJob(jobID, StatusFailed, errMsg)
}

// MarkSkipped sets a job to the terminal, non-retryable skipped state.
func (s *Store) MarkSkipped(jobID int64, errMsg string) error {
	return s.markJob(jobID, StatusSkipped, errMsg)
}

// markJob is idempotent: re-marking writes the same state, and an unknown
// job id matches no row and is not an error.
func (s *Store) markJob(jobID int64, status string, lastError any) error {
	if _, err := s.db.Exec(`UPDATE block_jobs SET status = ?, last_error = ?, updated_at = ? WHERE job_id = ?`,
		status, lastError, s.nowString(), jobID); err != nil {
		return fmt.Errorf("marking job %d %s: %w", jobID, status, err)
	}
	return nil
}

// ResetStaleRunning moves running jobs whose updated_at is at least stale old
// back to failed. Returns the number of jobs reset.
func (s *Store) ResetStaleRunning(stale time.Duration) (int64, error) {
	now := s.now()
	cutoff := formatTime(now.Add(-stale))
	msg := fmt.Sprintf("stale running > %ds", int64(stale/time.Second))

	res, err := s.db.Exec(`
		UPDATE block_jobs SET status = 'failed', last_error = ?, updated_at = ?
		WHERE status = 'running' AND updated_at <= ?`,
		msg, formatTime(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("resetting stale jobs: %w", err)
	}
	return res.RowsAffected()
}

const summarySelect = `
	SELECT
		COALESCE(SUM(CASE WHEN j.status = 'pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.status = 'running' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.status = 'done' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.status = 'skipped' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.status = 'failed' AND j.attempts < ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN j.status = 'failed' AND j.attempts >= ? THEN 1 ELSE 0 END), 0),
		COUNT(*)
	FROM block_jobs j JOIN entry_blocks b ON b.id = j.block_id`

func scanSummary(row *sql.Row) (StatusSummary, error) {
	var st StatusSummary
	err := row.Scan(&st.Pending, &st.Running, &st.Done, &st.Skipped, &st.FailedRetriable, &st.FailedExhausted, &st.Total)
	return st, err
}

// StatusSummary counts one entry's jobs by state. Failed jobs split into
// retriable and exhausted by maxAttempts.
func (s *Store) StatusSummary(entryID int64, maxAttempts int) (StatusSummary, error) {
	st, err := scanSummary(s.db.QueryRow(summarySelect+` WHERE b.entry_id = ?`, maxAttempts, maxAttempts, entryID))
	if err != nil {
		return StatusSummary{}, fmt.Errorf("summarizing entry %d jobs: %w", entryID, err)
	}
	return st, nil
}

// QueueSummary counts every job in the queue.
func (s *Store) QueueSummary(maxAttempts int) (StatusSummary, error) {
	st, err := scanSummary(s.db.QueryRow(summarySelect, maxAttempts, maxAttempts))
	if err != nil {
		return StatusSummary{}, fmt.Errorf("summarizing queue: %w", err)
	}
	return st, nil
}
