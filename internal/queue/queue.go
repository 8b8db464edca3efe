package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/config"
	"github.com/dvance/mailroost/internal/crypto"
	"github.com/dvance/mailroost/internal/db"
	"github.com/dvance/mailroost/internal/events"
	imapgw "github.com/dvance/mailroost/internal/imap"
	"github.com/dvance/mailroost/internal/ingest"
	"github.com/dvance/mailroost/internal/models"
)

// purgeInterval paces removal of old terminal jobs.
const purgeInterval = 1 * time.Hour

// Queue claims sync jobs from the database and runs them one at a time.
// Multiple queue instances may run against the same database; the claim
// protocol keeps each job on exactly one worker at a time.
type Queue struct {
	pool        *pgxpool.Pool
	coordinator *ingest.Coordinator
	encryptor   *crypto.Encryptor
	hub         *events.Hub
	retry       RetryPolicy
	// workerID distinguishes this instance in logs when several workers
	// share a database.
	workerID string

	pollInterval   time.Duration
	leaseTimeout   time.Duration
	connectTimeout time.Duration
	fetchLimit     int
	jobRetention   time.Duration

	// kick wakes the poll loop early when new work is enqueued.
	kick chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a queue worker. The hub may be nil when no clients listen.
func New(pool *pgxpool.Pool, coordinator *ingest.Coordinator, encryptor *crypto.Encryptor, hub *events.Hub, cfg *config.Config) *Queue {
	return &Queue{
		pool:           pool,
		coordinator:    coordinator,
		encryptor:      encryptor,
		hub:            hub,
		retry:          DefaultRetryPolicy(),
		workerID:       uuid.NewString(),
		pollInterval:   cfg.PollInterval,
		leaseTimeout:   cfg.LeaseTimeout,
		connectTimeout: cfg.ConnectTimeout,
		fetchLimit:     cfg.FetchLimit,
		jobRetention:   cfg.JobRetention,
		kick:           make(chan struct{}, 1),
	}
}

var _ imapgw.SyncTrigger = (*Queue)(nil)

// Enqueue creates a pending job for the account and wakes the worker.
// Returns db.ErrJobAlreadyQueued when the account already has an active job.
func (q *Queue) Enqueue(ctx context.Context, accountID, jobType string, payload models.JobPayload) (*models.SyncJob, error) {
	if payload.FolderName == "" {
		payload.FolderName = "INBOX"
	}
	if payload.FetchLimit <= 0 {
		payload.FetchLimit = q.fetchLimit
	}

	job := &models.SyncJob{
		AccountID: accountID,
		Type:      jobType,
		Payload:   payload,
	}

	if err := db.EnqueueJob(ctx, q.pool, job); err != nil {
		return nil, err
	}

	q.Kick()
	return job, nil
}

// TriggerIncrementalSync enqueues an incremental sync for the account. An
// already-queued job counts as success: the pending sync will pick up the new
// mail anyway.
func (q *Queue) TriggerIncrementalSync(ctx context.Context, accountID string) error {
	_, err := q.Enqueue(ctx, accountID, models.JobTypeIncrementalSync, models.JobPayload{})
	if errors.Is(err, db.ErrJobAlreadyQueued) {
		return nil
	}
	return err
}

// Kick wakes the poll loop without waiting for the next tick.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Start launches the worker loop. Stop shuts it down.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(1)
	go q.run(ctx)
}

// Stop cancels the worker loop and waits for the in-flight job to settle.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	// Jobs settle on their own context: cancellation stops the loop from
	// claiming new work, but the in-flight job runs to a terminal status
	// instead of sitting in processing until lease reclaim.
	jobCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	for {
		// Drain the backlog before sleeping again.
		for {
			claimed, err := q.RunOnce(jobCtx)
			if err != nil {
				log.Printf("Warning: sync job run failed: %v", err)
			}
			if !claimed || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-q.kick:
		case <-ticker.C:
		case <-purge.C:
			q.purgeOldJobs(jobCtx)
		}
	}
}

// RunOnce claims at most one eligible job and processes it to a resolution:
// completed, rescheduled, or failed. It reports whether a job was claimed.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	job, err := db.ClaimNextJob(ctx, q.pool, q.leaseTimeout)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log.Printf("Worker %s claimed %s job %s for account %s (attempt %d)",
		q.workerID, job.Type, job.ID, job.AccountID, job.Attempts)

	q.process(ctx, job)
	return true, nil
}

// process runs one claimed job through ingestion and settles its status.
func (q *Queue) process(ctx context.Context, job *models.SyncJob) {
	account, err := db.GetAccount(ctx, q.pool, job.AccountID)
	if err != nil {
		// A missing account can never succeed; any other lookup error
		// retries like the rest.
		terminal := accountLookupTerminal(err) || q.retry.Exhausted(job.Attempts)
		q.settleFailure(ctx, job, nil, fmt.Sprintf("account unavailable: %v", err), terminal)
		return
	}

	mailbox, err := q.mailboxFor(account)
	if err != nil {
		q.settleFailure(ctx, job, account, fmt.Sprintf("failed to prepare credentials: %v", err), true)
		return
	}

	if err := db.SetAccountSyncStatus(ctx, q.pool, account.ID, models.SyncStatusSyncing, ""); err != nil {
		log.Printf("Warning: failed to mark account %s syncing: %v", account.ID, err)
	}
	q.broadcast(account, events.SyncEvent{Type: events.EventSyncStarted, AccountID: account.ID, JobID: job.ID})

	checkpoint, runErr := q.runBatches(ctx, job, account, mailbox)

	if runErr != nil {
		errText := fmt.Sprintf("%s: %v", imapgw.KindOf(runErr), runErr)
		checkpoint.LastError = errText
		q.saveCheckpoint(ctx, job.ID, checkpoint)
		q.settleFailure(ctx, job, account, errText, q.retry.Exhausted(job.Attempts))
		return
	}

	checkpoint.LastError = ""
	q.saveCheckpoint(ctx, job.ID, checkpoint)

	if err := db.CompleteJob(ctx, q.pool, job.ID); err != nil {
		log.Printf("Warning: failed to complete job %s: %v", job.ID, err)
	}
	if err := db.SetAccountSyncStatus(ctx, q.pool, account.ID, models.SyncStatusIdle, ""); err != nil {
		log.Printf("Warning: failed to mark account %s idle: %v", account.ID, err)
	}

	q.broadcast(account, events.SyncEvent{
		Type:      events.EventSyncCompleted,
		AccountID: account.ID,
		JobID:     job.ID,
		Saved:     checkpoint.TotalSaved,
		Skipped:   checkpoint.TotalSkipped,
	})
	log.Printf("Sync job %s completed for account %s: %d saved, %d skipped",
		job.ID, account.ID, checkpoint.TotalSaved, checkpoint.TotalSkipped)
}

// runBatches drives ingestion windows until the mailbox slice is exhausted,
// persisting the checkpoint after every batch so a retry resumes instead of
// re-fetching. The returned checkpoint reflects everything that landed, even
// when an error cut the run short.
func (q *Queue) runBatches(ctx context.Context, job *models.SyncJob, account *models.Account, mailbox imapgw.Mailbox) (models.JobCheckpoint, error) {
	checkpoint := job.Checkpoint

	for {
		window, err := q.windowFor(ctx, job, checkpoint)
		if err != nil {
			return checkpoint, err
		}

		result, err := q.coordinator.IngestBatch(ctx, account, mailbox, window)
		if result != nil {
			mergeCheckpoint(&checkpoint, result)
			q.saveCheckpoint(ctx, job.ID, checkpoint)
		}
		if err != nil {
			return checkpoint, err
		}

		q.broadcast(account, events.SyncEvent{
			Type:      events.EventSyncProgress,
			AccountID: account.ID,
			JobID:     job.ID,
			Saved:     checkpoint.TotalSaved,
			Skipped:   checkpoint.TotalSkipped,
		})

		// A recent-window pass is the whole initial slice; a range pass is
		// exhausted once it comes back short.
		if window.AfterUID == 0 || result.Fetched < window.Limit {
			return checkpoint, nil
		}

		if ctx.Err() != nil {
			return checkpoint, ctx.Err()
		}
	}
}

// windowFor picks the next slice to ingest. The first pass of an initial sync
// takes the most recent messages; every later pass, and every incremental
// sync, continues strictly above the highest UID already handled.
func (q *Queue) windowFor(ctx context.Context, job *models.SyncJob, checkpoint models.JobCheckpoint) (ingest.Window, error) {
	window := ingest.Window{
		Folder: job.Payload.FolderName,
		Limit:  job.Payload.FetchLimit,
	}
	if window.Limit <= 0 {
		window.Limit = q.fetchLimit
	}

	afterUID := checkpoint.LastUID
	if afterUID == 0 && job.Type == models.JobTypeIncrementalSync {
		maxUID, err := db.GetMaxMessageUID(ctx, q.pool, job.AccountID, window.Folder)
		if err != nil {
			return window, err
		}
		afterUID = maxUID
	}

	window.AfterUID = afterUID
	return window, nil
}

// accountLookupTerminal reports whether an account lookup error can never
// resolve by retrying.
func accountLookupTerminal(err error) bool {
	return errors.Is(err, db.ErrAccountNotFound)
}

// settleFailure reschedules or terminally fails a job after an error.
func (q *Queue) settleFailure(ctx context.Context, job *models.SyncJob, account *models.Account, errText string, terminal bool) {
	if terminal {
		if err := db.FailJob(ctx, q.pool, job.ID, errText); err != nil {
			log.Printf("Warning: failed to mark job %s failed: %v", job.ID, err)
		}
		if account != nil {
			if err := db.SetAccountSyncStatus(ctx, q.pool, account.ID, models.SyncStatusFailed, errText); err != nil {
				log.Printf("Warning: failed to mark account %s failed: %v", account.ID, err)
			}
			q.broadcast(account, events.SyncEvent{
				Type:      events.EventSyncFailed,
				AccountID: account.ID,
				JobID:     job.ID,
				Error:     errText,
			})
		}
		log.Printf("Sync job %s failed permanently after %d attempts: %s", job.ID, job.Attempts, errText)
		return
	}

	delay := q.retry.Delay(job.Attempts)
	at := time.Now().Add(delay)
	if err := db.RescheduleJob(ctx, q.pool, job.ID, errText, at); err != nil {
		log.Printf("Warning: failed to reschedule job %s: %v", job.ID, err)
		return
	}
	if account != nil {
		if err := db.SetAccountSyncStatus(ctx, q.pool, account.ID, models.SyncStatusPending, errText); err != nil {
			log.Printf("Warning: failed to mark account %s pending: %v", account.ID, err)
		}
	}
	log.Printf("Sync job %s attempt %d failed, retrying in %s: %s", job.ID, job.Attempts, delay, errText)
}

// mailboxFor builds connection parameters from the stored account.
func (q *Queue) mailboxFor(account *models.Account) (imapgw.Mailbox, error) {
	password, err := q.encryptor.Decrypt(account.EncryptedIMAPPassword)
	if err != nil {
		return imapgw.Mailbox{}, fmt.Errorf("failed to decrypt mailbox password: %w", err)
	}

	return imapgw.Mailbox{
		Host:           account.IMAPHost,
		Port:           account.IMAPPort,
		Username:       account.IMAPUsername,
		Password:       password,
		UseTLS:         account.UseTLS,
		ConnectTimeout: q.connectTimeout,
	}, nil
}

func (q *Queue) saveCheckpoint(ctx context.Context, jobID string, checkpoint models.JobCheckpoint) {
	if err := db.SaveJobCheckpoint(ctx, q.pool, jobID, checkpoint); err != nil {
		log.Printf("Warning: failed to save checkpoint for job %s: %v", jobID, err)
	}
}

func (q *Queue) broadcast(account *models.Account, event events.SyncEvent) {
	if q.hub == nil {
		return
	}
	q.hub.Broadcast(account.UserID, event)
}

func (q *Queue) purgeOldJobs(ctx context.Context) {
	cutoff := time.Now().Add(-q.jobRetention)
	purged, err := db.DeleteFinishedJobsBefore(ctx, q.pool, cutoff)
	if err != nil {
		log.Printf("Warning: failed to purge old sync jobs: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("Purged %d finished sync jobs older than %s", purged, q.jobRetention)
	}
}

// mergeCheckpoint folds one batch result into the running checkpoint.
func mergeCheckpoint(checkpoint *models.JobCheckpoint, result *ingest.BatchResult) {
	if result.LastUID > checkpoint.LastUID {
		checkpoint.LastUID = result.LastUID
	}
	checkpoint.TotalFetched += result.Fetched
	checkpoint.TotalSaved += result.Saved
	checkpoint.TotalSkipped += result.Skipped
}
