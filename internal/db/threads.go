package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// CreateThread inserts a new thread seeded from its first message and
// populates its ID.
func CreateThread(ctx context.Context, pool *pgxpool.Pool, thread *models.Thread) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO threads (
			contact_id, provider_thread_id, subject, email_count, unread_count,
			first_email_date, last_email_date, last_preview, last_from, is_read
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		thread.ContactID,
		thread.ProviderThreadID,
		thread.Subject,
		thread.EmailCount,
		thread.UnreadCount,
		thread.FirstEmailDate,
		thread.LastEmailDate,
		thread.LastPreview,
		thread.LastFrom,
		thread.IsRead,
	).Scan(&thread.ID)

	if err != nil {
		return fmt.Errorf("failed to create thread: %w", err)
	}

	return nil
}

// GetThreadByProviderID returns the thread for (contact_id, provider_thread_id).
func GetThreadByProviderID(ctx context.Context, pool *pgxpool.Pool, contactID, providerThreadID string) (*models.Thread, error) {
	var thread models.Thread

	err := pool.QueryRow(ctx, `
		SELECT id, contact_id, provider_thread_id, subject, email_count, unread_count,
			first_email_date, last_email_date, last_preview, last_from, is_read, updated_at
		FROM threads
		WHERE contact_id = $1 AND provider_thread_id = $2
	`, contactID, providerThreadID).Scan(
		&thread.ID,
		&thread.ContactID,
		&thread.ProviderThreadID,
		&thread.Subject,
		&thread.EmailCount,
		&thread.UnreadCount,
		&thread.FirstEmailDate,
		&thread.LastEmailDate,
		&thread.LastPreview,
		&thread.LastFrom,
		&thread.IsRead,
		&thread.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	return &thread, nil
}

// GetThreadByID returns a thread by its database ID.
func GetThreadByID(ctx context.Context, pool *pgxpool.Pool, threadID string) (*models.Thread, error) {
	var thread models.Thread

	err := pool.QueryRow(ctx, `
		SELECT id, contact_id, provider_thread_id, subject, email_count, unread_count,
			first_email_date, last_email_date, last_preview, last_from, is_read, updated_at
		FROM threads
		WHERE id = $1
	`, threadID).Scan(
		&thread.ID,
		&thread.ContactID,
		&thread.ProviderThreadID,
		&thread.Subject,
		&thread.EmailCount,
		&thread.UnreadCount,
		&thread.FirstEmailDate,
		&thread.LastEmailDate,
		&thread.LastPreview,
		&thread.LastFrom,
		&thread.IsRead,
		&thread.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get thread by ID: %w", err)
	}

	return &thread, nil
}

// ThreadUpdate is one batch-folded delta to apply to an existing thread.
type ThreadUpdate struct {
	EmailCount    int
	UnreadCount   int
	LastEmailDate *time.Time
	LastPreview   string
	LastFrom      string
}

// ApplyThreadUpdate folds a delta into an existing thread. Counters are
// incremented; last-message fields only move when the candidate date is at or
// past the stored last_email_date, so aggregates stay monotonic by timestamp.
func ApplyThreadUpdate(ctx context.Context, pool *pgxpool.Pool, threadID string, update ThreadUpdate) error {
	_, err := pool.Exec(ctx, `
		UPDATE threads
		SET email_count = email_count + $2,
			unread_count = unread_count + $3,
			is_read = (unread_count + $3 = 0),
			last_preview = CASE
				WHEN $4::timestamptz IS NOT NULL AND (last_email_date IS NULL OR $4 >= last_email_date)
				THEN $5 ELSE last_preview END,
			last_from = CASE
				WHEN $4::timestamptz IS NOT NULL AND (last_email_date IS NULL OR $4 >= last_email_date)
				THEN $6 ELSE last_from END,
			last_email_date = CASE
				WHEN $4::timestamptz IS NOT NULL AND (last_email_date IS NULL OR $4 >= last_email_date)
				THEN $4 ELSE last_email_date END,
			updated_at = now()
		WHERE id = $1
	`, threadID, update.EmailCount, update.UnreadCount, update.LastEmailDate, update.LastPreview, update.LastFrom)

	if err != nil {
		return fmt.Errorf("failed to apply thread update: %w", err)
	}

	return nil
}

// CountThreadsForContact returns the number of threads rooted at a contact.
func CountThreadsForContact(ctx context.Context, pool *pgxpool.Pool, contactID string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM threads WHERE contact_id = $1
	`, contactID).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count threads: %w", err)
	}

	return count, nil
}
