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

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

// CreateAccount inserts a new account and populates its ID.
func CreateAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (user_id, email, imap_host, imap_port, imap_username, encrypted_imap_password, use_tls, sync_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		account.UserID,
		account.Email,
		account.IMAPHost,
		account.IMAPPort,
		account.IMAPUsername,
		account.EncryptedIMAPPassword,
		account.UseTLS,
		models.SyncStatusIdle,
	).Scan(&account.ID)

	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	account.SyncStatus = models.SyncStatusIdle
	return nil
}

// GetAccount returns an account by its ID.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	var account models.Account
	var lastSyncAt *time.Time

	err := pool.QueryRow(ctx, `
		SELECT id, user_id, email, imap_host, imap_port, imap_username, encrypted_imap_password, use_tls, sync_status, last_sync_at, last_sync_error
		FROM accounts
		WHERE id = $1
	`, accountID).Scan(
		&account.ID,
		&account.UserID,
		&account.Email,
		&account.IMAPHost,
		&account.IMAPPort,
		&account.IMAPUsername,
		&account.EncryptedIMAPPassword,
		&account.UseTLS,
		&account.SyncStatus,
		&lastSyncAt,
		&account.LastSyncError,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	account.LastSyncAt = lastSyncAt
	return &account, nil
}

// ListAccounts returns all accounts, oldest first. Used at startup to
// restore mailbox watchers.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, user_id, email, imap_host, imap_port, imap_username, encrypted_imap_password, use_tls, sync_status, last_sync_at, last_sync_error
		FROM accounts
		ORDER BY created_at
	`)

	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		var account models.Account
		if err := rows.Scan(
			&account.ID,
			&account.UserID,
			&account.Email,
			&account.IMAPHost,
			&account.IMAPPort,
			&account.IMAPUsername,
			&account.EncryptedIMAPPassword,
			&account.UseTLS,
			&account.SyncStatus,
			&account.LastSyncAt,
			&account.LastSyncError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// SetAccountSyncStatus updates an account's sync status. A non-empty syncErr
// is recorded as the last sync error; the failed status keeps it, any other
// status clears it. Completed syncs also stamp last_sync_at.
func SetAccountSyncStatus(ctx context.Context, pool *pgxpool.Pool, accountID, status, syncErr string) error {
	_, err := pool.Exec(ctx, `
		UPDATE accounts
		SET sync_status = $2,
			last_sync_error = $3,
			last_sync_at = CASE WHEN $2 = 'idle' THEN now() ELSE last_sync_at END,
			updated_at = now()
		WHERE id = $1
	`, accountID, status, syncErr)

	if err != nil {
		return fmt.Errorf("failed to set account sync status: %w", err)
	}

	return nil
}
