package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"inkdex/internal/models"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, job_type, contract_id, priority, status, payload, attempts, max_attempts,
	created_at, started_at, completed_at, next_retry_at, error_message`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(
		&j.ID, &j.JobType, &j.ContractID, &j.Priority, &j.Status, &j.Payload,
		&j.Attempts, &j.MaxAttempts, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
		&j.NextRetryAt, &j.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// PayloadFingerprint hashes a canonical payload so the live-job unique index
// can dedupe on a short key regardless of JSONB formatting.
func PayloadFingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ErrDuplicateJob is returned by Enqueue when an equivalent live job exists.
// The existing job travels alongside so callers can report its id.
type ErrDuplicateJob struct {
	Existing *models.Job
}

func (e *ErrDuplicateJob) Error() string {
	return fmt.Sprintf("equivalent job %d already pending or processing", e.Existing.ID)
}

// Enqueue inserts a job unless an equivalent pending/processing one exists, in
// which case it returns ErrDuplicateJob carrying that job. Dedupe rides the
// partial unique index, so two concurrent enqueuers cannot both win.
func (r *Repository) Enqueue(ctx context.Context, j *models.Job) (*models.Job, error) {
	if j.Priority == 0 {
		j.Priority = 5
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	payload := j.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	fp := PayloadFingerprint(payload)

	row := r.db.QueryRow(ctx, `
		INSERT INTO job_queue (job_type, contract_id, priority, payload, payload_fingerprint, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_type, (COALESCE(contract_id, 0)), payload_fingerprint) WHERE status IN ('pending', 'processing')
		DO NOTHING
		RETURNING `+jobColumns,
		j.JobType, j.ContractID, j.Priority, payload, fp, j.MaxAttempts,
	)
	inserted, err := scanJob(row)
	if err == nil {
		return inserted, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	existing, err := scanJob(r.db.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM job_queue
		WHERE job_type = $1 AND COALESCE(contract_id, 0) = COALESCE($2, 0)
		  AND payload_fingerprint = $3 AND status IN ('pending', 'processing')
		LIMIT 1`,
		j.JobType, j.ContractID, fp,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find duplicate job: %w", err)
	}
	return nil, &ErrDuplicateJob{Existing: existing}
}

// RecordFailedJob inserts a job directly in failed state. Discovery uses this
// when it flags a contract: the row surfaces in the failed-jobs list where an
// operator can see it and retry it once the underlying issue is resolved.
func (r *Repository) RecordFailedJob(ctx context.Context, j *models.Job, cause error) (*models.Job, error) {
	if j.Priority == 0 {
		j.Priority = 5
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	payload := j.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO job_queue (job_type, contract_id, priority, payload, payload_fingerprint,
		                       max_attempts, status, attempts, completed_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, 'failed', $6, NOW(), $7)
		RETURNING `+jobColumns,
		j.JobType, j.ContractID, j.Priority, payload, PayloadFingerprint(payload), j.MaxAttempts, msg,
	)
	inserted, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to record failed job: %w", err)
	}
	return inserted, nil
}

// Lease claims up to limit runnable jobs for a worker: pending, retry time
// reached, ordered by priority then age. Attempts increment at lease time, so
// a crash mid-job still consumes an attempt.
func (r *Repository) Lease(ctx context.Context, workerID string, limit int) ([]models.Job, error) {
	rows, err := r.db.Query(ctx, `
		WITH claimed AS (
			SELECT id FROM job_queue
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY priority ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_queue q
		SET status = 'processing', leased_by = $1, started_at = NOW(), attempts = attempts + 1
		FROM claimed
		WHERE q.id = claimed.id
		RETURNING q.id, q.job_type, q.contract_id, q.priority, q.status, q.payload, q.attempts,
		          q.max_attempts, q.created_at, q.started_at, q.completed_at, q.next_retry_at, q.error_message`,
		workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lease jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (r *Repository) CompleteJob(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE job_queue
		SET status = 'completed', completed_at = NOW(), error_message = ''
		WHERE id = $1 AND status = 'processing'`, id)
	return err
}

// RetryBackoff is the delay before a job's next attempt: 30s doubling per
// attempt already consumed, capped at 30 minutes.
func RetryBackoff(attempts int) time.Duration {
	if attempts > 6 {
		attempts = 6
	}
	d := 30 * time.Second << uint(attempts)
	if d > 30*time.Minute {
		d = 30 * time.Minute
	}
	return d
}

// FailJob records a failure. Under max_attempts the job returns to pending
// with a backoff; at the cap it lands in failed for operator attention.
func (r *Repository) FailJob(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := r.db.Exec(ctx, `
		UPDATE job_queue
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    next_retry_at = CASE WHEN attempts >= max_attempts THEN NULL
		                         ELSE NOW() + (interval '30 seconds' * LEAST(power(2, attempts), 60)) END,
		    leased_by = '',
		    error_message = $2
		WHERE id = $1 AND status = 'processing'`,
		id, msg,
	)
	return err
}

// CancelJob cancels a pending or failed job. Processing jobs cannot be
// cancelled; their worker holds the lease. The row is kept as failed with a
// marker rather than deleted, preserving history.
func (r *Repository) CancelJob(ctx context.Context, id int64) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE job_queue
		SET status = 'failed', completed_at = NOW(), error_message = 'cancelled by admin'
		WHERE id = $1 AND status IN ('pending', 'failed')`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// RetryJob resets a failed job to pending with a fresh attempt budget.
func (r *Repository) RetryJob(ctx context.Context, id int64) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE job_queue
		SET status = 'pending', attempts = 0, next_retry_at = NULL,
		    started_at = NULL, completed_at = NULL, error_message = '', leased_by = ''
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ReclaimStuckJobs returns processing rows whose lease went stale (worker
// died) to pending. The janitor runs this periodically.
func (r *Repository) ReclaimStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE job_queue
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		    leased_by = '',
		    error_message = 'lease expired'
		WHERE status = 'processing' AND started_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *Repository) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// ListJobs returns recent jobs, optionally filtered by status.
func (r *Repository) ListJobs(ctx context.Context, status string, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM job_queue`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// PendingJobCount reports the live backlog for one job type; gap-fill uses it
// as its backpressure gauge.
func (r *Repository) PendingJobCount(ctx context.Context, jobType string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_queue
		WHERE job_type = $1 AND status IN ('pending', 'processing')`, jobType).Scan(&n)
	return n, err
}

func (r *Repository) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
