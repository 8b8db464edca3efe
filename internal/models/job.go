package models

import "time"

// Sync job types.
const (
	JobTypeInitialSync     = "initial_sync"
	JobTypeIncrementalSync = "incremental_sync"
)

// Sync job statuses. Completed and failed are terminal.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// JobPayload describes what a sync job should fetch.
type JobPayload struct {
	FolderName string `json:"folder"`
	FetchLimit int    `json:"limit"`
}

// JobCheckpoint is the resumable progress marker for a sync job.
// It survives retries so a resumed job does not re-fetch saved UIDs.
type JobCheckpoint struct {
	LastUID      int64  `json:"last_uid"`
	TotalFetched int    `json:"total_fetched"`
	TotalSaved   int    `json:"total_saved"`
	TotalSkipped int    `json:"total_skipped"`
	LastError    string `json:"last_error,omitempty"`
}

// SyncJob is one unit of background sync work for an account.
// At most one job per account may be pending or processing at a time.
type SyncJob struct {
	ID           string        `json:"id"`
	AccountID    string        `json:"account_id"`
	Type         string        `json:"type"`
	Status       string        `json:"status"`
	Payload      JobPayload    `json:"payload"`
	Checkpoint   JobCheckpoint `json:"checkpoint"`
	Attempts     int           `json:"attempts"`
	Error        string        `json:"error"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	StartedAt    *time.Time    `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at"`
	CreatedAt    time.Time     `json:"created_at"`
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *SyncJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
