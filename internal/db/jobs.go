package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/models"
)

// ErrJobNotFound is returned when a requested sync job cannot be found.
var ErrJobNotFound = errors.New("sync job not found")

// ErrJobAlreadyQueued is returned when an account already has a pending or
// processing job. At most one job may be active per account at any time.
var ErrJobAlreadyQueued = errors.New("account already has an active sync job")

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

// EnqueueJob inserts a new pending job and populates its ID and timestamps.
// Returns ErrJobAlreadyQueued if the account already has an active job; the
// partial unique index on active jobs backs this check against concurrent
// enqueuers.
func EnqueueJob(ctx context.Context, pool *pgxpool.Pool, job *models.SyncJob) error {
	var active int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_jobs
		WHERE account_id = $1 AND status IN ('pending', 'processing')
	`, job.AccountID).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to check active jobs: %w", err)
	}
	if active > 0 {
		return ErrJobAlreadyQueued
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}
	checkpoint, err := json.Marshal(job.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal job checkpoint: %w", err)
	}

	scheduledFor := job.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = time.Now()
	}

	err = pool.QueryRow(ctx, `
		INSERT INTO sync_jobs (account_id, type, status, payload, checkpoint, scheduled_for)
		VALUES ($1, $2, 'pending', $3, $4, $5)
		RETURNING id, created_at
	`, job.AccountID, job.Type, payload, checkpoint, scheduledFor).Scan(&job.ID, &job.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Lost a race with a concurrent enqueue for the same account.
			return ErrJobAlreadyQueued
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	job.Status = models.JobStatusPending
	job.ScheduledFor = scheduledFor
	return nil
}

// GetJob returns a sync job by its ID.
func GetJob(ctx context.Context, pool *pgxpool.Pool, jobID string) (*models.SyncJob, error) {
	job, err := scanJob(pool.QueryRow(ctx, `
		SELECT id, account_id, type, status, payload, checkpoint, attempts, error,
			scheduled_for, started_at, completed_at, created_at
		FROM sync_jobs
		WHERE id = $1
	`, jobID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// GetActiveJobForAccount returns the pending or processing job for an account,
// or nil if the account has no active job.
func GetActiveJobForAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.SyncJob, error) {
	job, err := scanJob(pool.QueryRow(ctx, `
		SELECT id, account_id, type, status, payload, checkpoint, attempts, error,
			scheduled_for, started_at, completed_at, created_at
		FROM sync_jobs
		WHERE account_id = $1 AND status IN ('pending', 'processing')
	`, accountID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}

	return job, nil
}

// ClaimNextJob claims the oldest eligible job: pending and due, or processing
// with a lease older than leaseTimeout (abandoned by a crashed worker). The
// claim is a conditional update guarded by the previously read status; losing
// the race to another worker just moves on to the next candidate. Returns
// (nil, nil) when no job is eligible.
func ClaimNextJob(ctx context.Context, pool *pgxpool.Pool, leaseTimeout time.Duration) (*models.SyncJob, error) {
	for {
		staleBefore := time.Now().Add(-leaseTimeout)

		var jobID, status string
		err := pool.QueryRow(ctx, `
			SELECT id, status FROM sync_jobs
			WHERE (status = 'pending' AND scheduled_for <= now())
				OR (status = 'processing' AND started_at < $1)
			ORDER BY scheduled_for
			LIMIT 1
		`, staleBefore).Scan(&jobID, &status)

		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claimable job: %w", err)
		}

		tag, err := pool.Exec(ctx, `
			UPDATE sync_jobs
			SET status = 'processing', started_at = now(), attempts = attempts + 1
			WHERE id = $1 AND status = $2
				AND (status = 'pending' OR started_at < $3)
		`, jobID, status, staleBefore)
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}

		if tag.RowsAffected() == 0 {
			// Another worker won this job; try the next candidate.
			continue
		}

		return GetJob(ctx, pool, jobID)
	}
}

// SaveJobCheckpoint persists a job's progress marker. Checkpoints survive
// retries so a resumed job does not re-fetch already-saved UIDs.
func SaveJobCheckpoint(ctx context.Context, pool *pgxpool.Pool, jobID string, checkpoint models.JobCheckpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	_, err = pool.Exec(ctx, `
		UPDATE sync_jobs SET checkpoint = $2 WHERE id = $1
	`, jobID, data)

	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// CompleteJob marks a job as successfully completed.
func CompleteJob(ctx context.Context, pool *pgxpool.Pool, jobID string) error {
	_, err := pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'completed', completed_at = now(), error = ''
		WHERE id = $1
	`, jobID)

	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return nil
}

// RescheduleJob puts a failed attempt back to pending for a later retry,
// keeping the error text and checkpoint.
func RescheduleJob(ctx context.Context, pool *pgxpool.Pool, jobID, errText string, at time.Time) error {
	_, err := pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'pending', error = $2, scheduled_for = $3
		WHERE id = $1
	`, jobID, errText, at)

	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	return nil
}

// FailJob marks a job as terminally failed, retaining the final error text.
func FailJob(ctx context.Context, pool *pgxpool.Pool, jobID, errText string) error {
	_, err := pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'failed', completed_at = now(), error = $2
		WHERE id = $1
	`, jobID, errText)

	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	return nil
}

// DeleteFinishedJobsBefore purges terminal jobs completed before the cutoff.
// Returns the number of purged rows.
func DeleteFinishedJobsBefore(ctx context.Context, pool *pgxpool.Pool, cutoff time.Time) (int64, error) {
	tag, err := pool.Exec(ctx, `
		DELETE FROM sync_jobs
		WHERE status IN ('completed', 'failed') AND completed_at < $1
	`, cutoff)

	if err != nil {
		return 0, fmt.Errorf("failed to purge finished jobs: %w", err)
	}

	return tag.RowsAffected(), nil
}

// scanJob scans one sync_jobs row, decoding the jsonb payload and checkpoint.
func scanJob(row pgx.Row) (*models.SyncJob, error) {
	var job models.SyncJob
	var payload, checkpoint []byte

	err := row.Scan(
		&job.ID,
		&job.AccountID,
		&job.Type,
		&job.Status,
		&payload,
		&checkpoint,
		&job.Attempts,
		&job.Error,
		&job.ScheduledFor,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
		}
	}
	if len(checkpoint) > 0 {
		if err := json.Unmarshal(checkpoint, &job.Checkpoint); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job checkpoint: %w", err)
		}
	}

	return &job, nil
}
