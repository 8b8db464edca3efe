package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// SaveMessage inserts a message keyed on (account_id, message_id) and
// populates its ID. Returns true if a new row was inserted, false if the
// message already existed; an existing row is left untouched so re-ingesting
// the same UID range is a no-op.
func SaveMessage(ctx context.Context, pool *pgxpool.Pool, message *models.Message) (bool, error) {
	err := pool.QueryRow(ctx, `
		INSERT INTO messages (
			account_id,
			uid,
			message_id,
			folder_name,
			subject,
			from_address,
			to_addresses,
			cc_addresses,
			sent_at,
			received_at,
			size_bytes,
			has_attachment,
			is_read,
			body_text,
			preview,
			provider_thread_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (account_id, message_id) DO NOTHING
		RETURNING id
	`,
		message.AccountID,
		message.UID,
		message.MessageID,
		message.FolderName,
		message.Subject,
		message.FromAddress,
		message.ToAddresses,
		message.CCAddresses,
		message.SentAt,
		message.ReceivedAt,
		message.SizeBytes,
		message.HasAttachment,
		message.IsRead,
		message.BodyText,
		message.Preview,
		message.ProviderThreadID,
	).Scan(&message.ID)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: the message is already stored. Resolve its ID so callers
		// can still link contacts and threads to it.
		existing, lookupErr := GetMessageByMessageID(ctx, pool, message.AccountID, message.MessageID)
		if lookupErr != nil {
			return false, lookupErr
		}
		message.ID = existing.ID
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to save message: %w", err)
	}

	return true, nil
}

// GetMessageByMessageID returns a message by its stable message identifier.
func GetMessageByMessageID(ctx context.Context, pool *pgxpool.Pool, accountID, messageID string) (*models.Message, error) {
	var msg models.Message

	err := pool.QueryRow(ctx, `
		SELECT id, account_id, uid, message_id, folder_name, subject, from_address,
			to_addresses, cc_addresses, sent_at, received_at, size_bytes,
			has_attachment, is_read, body_text, preview, provider_thread_id,
			contact_id, thread_id
		FROM messages
		WHERE account_id = $1 AND message_id = $2
	`, accountID, messageID).Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.UID,
		&msg.MessageID,
		&msg.FolderName,
		&msg.Subject,
		&msg.FromAddress,
		&msg.ToAddresses,
		&msg.CCAddresses,
		&msg.SentAt,
		&msg.ReceivedAt,
		&msg.SizeBytes,
		&msg.HasAttachment,
		&msg.IsRead,
		&msg.BodyText,
		&msg.Preview,
		&msg.ProviderThreadID,
		&msg.ContactID,
		&msg.ThreadID,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// GetMessageByUID returns a message by its provider UID and folder.
func GetMessageByUID(ctx context.Context, pool *pgxpool.Pool, accountID, folderName string, uid int64) (*models.Message, error) {
	var msg models.Message

	err := pool.QueryRow(ctx, `
		SELECT id, account_id, uid, message_id, folder_name, subject, from_address,
			to_addresses, cc_addresses, sent_at, received_at, size_bytes,
			has_attachment, is_read, body_text, preview, provider_thread_id,
			contact_id, thread_id
		FROM messages
		WHERE account_id = $1 AND folder_name = $2 AND uid = $3
	`, accountID, folderName, uid).Scan(
		&msg.ID,
		&msg.AccountID,
		&msg.UID,
		&msg.MessageID,
		&msg.FolderName,
		&msg.Subject,
		&msg.FromAddress,
		&msg.ToAddresses,
		&msg.CCAddresses,
		&msg.SentAt,
		&msg.ReceivedAt,
		&msg.SizeBytes,
		&msg.HasAttachment,
		&msg.IsRead,
		&msg.BodyText,
		&msg.Preview,
		&msg.ProviderThreadID,
		&msg.ContactID,
		&msg.ThreadID,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// LinkMessage records which contact and thread a saved message belongs to.
func LinkMessage(ctx context.Context, pool *pgxpool.Pool, messageID string, contactID, threadID *string) error {
	_, err := pool.Exec(ctx, `
		UPDATE messages
		SET contact_id = $2, thread_id = $3, updated_at = now()
		WHERE id = $1
	`, messageID, contactID, threadID)

	if err != nil {
		return fmt.Errorf("failed to link message: %w", err)
	}

	return nil
}

// GetMaxMessageUID returns the highest stored UID for an account folder, or 0
// when the folder has no stored messages.
func GetMaxMessageUID(ctx context.Context, pool *pgxpool.Pool, accountID, folderName string) (int64, error) {
	var maxUID int64
	err := pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(uid), 0) FROM messages
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folderName).Scan(&maxUID)

	if err != nil {
		return 0, fmt.Errorf("failed to get max message UID: %w", err)
	}

	return maxUID, nil
}

// CountMessagesForAccount returns the number of stored messages for an account.
func CountMessagesForAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (int, error) {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE account_id = $1
	`, accountID).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}

	return count, nil
}
