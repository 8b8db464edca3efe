package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dvance/mailroost/internal/models"
	"github.com/dvance/mailroost/internal/testutil"
)

func TestEnqueueJob(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	account := newTestAccount(t, pool, "owner@example.com", "owner@example.com")

	t.Run("enqueues a pending job", func(t *testing.T) {
		job := &models.SyncJob{
			AccountID: account.ID,
			Type:      models.JobTypeInitialSync,
			Payload:   models.JobPayload{FolderName: "INBOX", FetchLimit: 50},
		}

		err := EnqueueJob(ctx, pool, job)
		assert.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, models.JobStatusPending, job.Status)
	})

	t.Run("second active job per account is rejected", func(t *testing.T) {
		job := &models.SyncJob{
			AccountID: account.ID,
			Type:      models.JobTypeIncrementalSync,
		}

		err := EnqueueJob(ctx, pool, job)
		assert.True(t, errors.Is(err, ErrJobAlreadyQueued))
	})

	t.Run("terminal job frees the account slot", func(t *testing.T) {
		active, err := GetActiveJobForAccount(ctx, pool, account.ID)
		assert.NoError(t, err)
		if !assert.NotNil(t, active) {
			return
		}

		assert.NoError(t, CompleteJob(ctx, pool, active.ID))

		job := &models.SyncJob{AccountID: account.ID, Type: models.JobTypeIncrementalSync}
		assert.NoError(t, EnqueueJob(ctx, pool, job))
	})

	t.Run("other accounts queue independently", func(t *testing.T) {
		other := newTestAccount(t, pool, "other@example.com", "other@example.com")

		job := &models.SyncJob{AccountID: other.ID, Type: models.JobTypeInitialSync}
		assert.NoError(t, EnqueueJob(ctx, pool, job))
	})
}

func TestClaimNextJob(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	leaseTimeout := 5 * time.Minute

	t.Run("returns nil when nothing is eligible", func(t *testing.T) {
		job, err := ClaimNextJob(ctx, pool, leaseTimeout)
		assert.NoError(t, err)
		assert.Nil(t, job)
	})

	account := newTestAccount(t, pool, "owner@example.com", "owner@example.com")

	t.Run("claims a due pending job", func(t *testing.T) {
		queued := &models.SyncJob{AccountID: account.ID, Type: models.JobTypeInitialSync}
		assert.NoError(t, EnqueueJob(ctx, pool, queued))

		claimed, err := ClaimNextJob(ctx, pool, leaseTimeout)
		assert.NoError(t, err)
		if !assert.NotNil(t, claimed) {
			return
		}
		assert.Equal(t, queued.ID, claimed.ID)
		assert.Equal(t, models.JobStatusProcessing, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		assert.NotNil(t, claimed.StartedAt)
	})

	t.Run("a processing job within its lease is not reclaimed", func(t *testing.T) {
		job, err := ClaimNextJob(ctx, pool, leaseTimeout)
		assert.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("a stale lease is reclaimed with attempts incremented", func(t *testing.T) {
		// Simulate a worker that died mid-job.
		_, err := pool.Exec(ctx, `
			UPDATE sync_jobs SET started_at = now() - interval '10 minutes'
			WHERE account_id = $1
		`, account.ID)
		assert.NoError(t, err)

		claimed, err := ClaimNextJob(ctx, pool, leaseTimeout)
		assert.NoError(t, err)
		if !assert.NotNil(t, claimed) {
			return
		}
		assert.Equal(t, models.JobStatusProcessing, claimed.Status)
		assert.Equal(t, 2, claimed.Attempts)

		assert.NoError(t, CompleteJob(ctx, pool, claimed.ID))
	})

	t.Run("jobs scheduled in the future are not claimable", func(t *testing.T) {
		future := &models.SyncJob{
			AccountID:    account.ID,
			Type:         models.JobTypeIncrementalSync,
			ScheduledFor: time.Now().Add(time.Hour),
		}
		assert.NoError(t, EnqueueJob(ctx, pool, future))

		job, err := ClaimNextJob(ctx, pool, leaseTimeout)
		assert.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestJobCheckpoint(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	account := newTestAccount(t, pool, "owner@example.com", "owner@example.com")

	job := &models.SyncJob{AccountID: account.ID, Type: models.JobTypeInitialSync}
	assert.NoError(t, EnqueueJob(ctx, pool, job))

	checkpoint := models.JobCheckpoint{
		LastUID:      1042,
		TotalFetched: 50,
		TotalSaved:   47,
		TotalSkipped: 3,
	}
	assert.NoError(t, SaveJobCheckpoint(ctx, pool, job.ID, checkpoint))

	t.Run("checkpoint round trips", func(t *testing.T) {
		stored, err := GetJob(ctx, pool, job.ID)
		assert.NoError(t, err)
		assert.Equal(t, checkpoint, stored.Checkpoint)
	})

	t.Run("checkpoint survives a reschedule", func(t *testing.T) {
		at := time.Now().Add(time.Minute)
		assert.NoError(t, RescheduleJob(ctx, pool, job.ID, "connection_timeout: dial tcp", at))

		stored, err := GetJob(ctx, pool, job.ID)
		assert.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, stored.Status)
		assert.Equal(t, "connection_timeout: dial tcp", stored.Error)
		assert.Equal(t, int64(1042), stored.Checkpoint.LastUID)
	})
}

func TestFailAndPurgeJobs(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	account := newTestAccount(t, pool, "owner@example.com", "owner@example.com")

	job := &models.SyncJob{AccountID: account.ID, Type: models.JobTypeInitialSync}
	assert.NoError(t, EnqueueJob(ctx, pool, job))

	assert.NoError(t, FailJob(ctx, pool, job.ID, "auth_failure: LOGIN failed"))

	stored, err := GetJob(ctx, pool, job.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.True(t, stored.IsTerminal())
	assert.NotNil(t, stored.CompletedAt)

	t.Run("recent terminal jobs are kept", func(t *testing.T) {
		purged, err := DeleteFinishedJobsBefore(ctx, pool, time.Now().Add(-time.Hour))
		assert.NoError(t, err)
		assert.Equal(t, int64(0), purged)
	})

	t.Run("old terminal jobs are purged", func(t *testing.T) {
		purged, err := DeleteFinishedJobsBefore(ctx, pool, time.Now().Add(time.Hour))
		assert.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		_, err = GetJob(ctx, pool, job.ID)
		assert.True(t, errors.Is(err, ErrJobNotFound))
	})
}
