package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/models"
)

// ErrContactNotFound is returned when a requested contact cannot be found.
var ErrContactNotFound = errors.New("contact not found")

// UpsertContact inserts or merges a contact keyed on (user_id, email) and
// populates its ID. Merge rules:
//   - the name is only filled when the stored one is empty, never downgraded,
//   - last-contact fields only move forward when the candidate timestamp is
//     strictly newer than the stored one (ties keep the existing values),
//   - has_unread is sticky until something outside this core clears it.
//
// Returns true when a new contact row was created.
func UpsertContact(ctx context.Context, pool *pgxpool.Pool, contact *models.Contact) (bool, error) {
	var inserted bool

	err := pool.QueryRow(ctx, `
		INSERT INTO contacts (user_id, email, name, last_message_id, last_email_preview, last_email_at, has_unread)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, email) DO UPDATE SET
			name = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END,
			last_message_id = CASE
				WHEN EXCLUDED.last_email_at IS NOT NULL
					AND (contacts.last_email_at IS NULL OR EXCLUDED.last_email_at > contacts.last_email_at)
				THEN EXCLUDED.last_message_id ELSE contacts.last_message_id END,
			last_email_preview = CASE
				WHEN EXCLUDED.last_email_at IS NOT NULL
					AND (contacts.last_email_at IS NULL OR EXCLUDED.last_email_at > contacts.last_email_at)
				THEN EXCLUDED.last_email_preview ELSE contacts.last_email_preview END,
			has_unread = contacts.has_unread OR EXCLUDED.has_unread,
			last_email_at = CASE
				WHEN EXCLUDED.last_email_at IS NOT NULL
					AND (contacts.last_email_at IS NULL OR EXCLUDED.last_email_at > contacts.last_email_at)
				THEN EXCLUDED.last_email_at ELSE contacts.last_email_at END,
			updated_at = now()
		RETURNING id, (xmax = 0)
	`,
		contact.UserID,
		contact.Email,
		contact.Name,
		contact.LastMessageID,
		contact.LastEmailPreview,
		contact.LastEmailAt,
		contact.HasUnread,
	).Scan(&contact.ID, &inserted)

	if err != nil {
		return false, fmt.Errorf("failed to upsert contact: %w", err)
	}

	return inserted, nil
}

// GetContactByEmail returns a contact by its email, matched case-insensitively.
func GetContactByEmail(ctx context.Context, pool *pgxpool.Pool, userID, email string) (*models.Contact, error) {
	var contact models.Contact

	err := pool.QueryRow(ctx, `
		SELECT id, user_id, email, name, last_message_id, last_email_preview, last_email_at, has_unread
		FROM contacts
		WHERE user_id = $1 AND email = lower($2)
	`, userID, email).Scan(
		&contact.ID,
		&contact.UserID,
		&contact.Email,
		&contact.Name,
		&contact.LastMessageID,
		&contact.LastEmailPreview,
		&contact.LastEmailAt,
		&contact.HasUnread,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContactNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}

	return &contact, nil
}

// CountContactsForUser returns the number of contacts for a user.
func CountContactsForUser(ctx context.Context, pool *pgxpool.Pool, userID string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM contacts WHERE user_id = $1
	`, userID).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count contacts: %w", err)
	}

	return count, nil
}
