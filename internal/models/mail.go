package models

import "time"

// User owns accounts, contacts, and threads.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Account sync statuses.
const (
	SyncStatusIdle    = "idle"
	SyncStatusPending = "pending"
	SyncStatusSyncing = "syncing"
	SyncStatusFailed  = "failed"
)

// Account holds one mailbox's credentials and sync status.
// The IMAP password is stored encrypted; see crypto.Encryptor.
type Account struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"user_id"`
	Email                 string     `json:"email"`
	IMAPHost              string     `json:"imap_host"`
	IMAPPort              int        `json:"imap_port"`
	IMAPUsername          string     `json:"imap_username"`
	EncryptedIMAPPassword []byte     `json:"-"`
	UseTLS                bool       `json:"use_tls"`
	SyncStatus            string     `json:"sync_status"`
	LastSyncAt            *time.Time `json:"last_sync_at"`
	LastSyncError         string     `json:"last_sync_error"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Message is a normalized email.
// (account_id, message_id) is unique; re-ingesting the same UID range is a no-op.
type Message struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	UID              int64      `json:"uid"`
	MessageID        string     `json:"message_id"`
	FolderName       string     `json:"folder_name"`
	Subject          string     `json:"subject"`
	FromAddress      string     `json:"from_address"`
	ToAddresses      []string   `json:"to_addresses"`
	CCAddresses      []string   `json:"cc_addresses"`
	SentAt           *time.Time `json:"sent_at"`
	ReceivedAt       *time.Time `json:"received_at"`
	SizeBytes        int64      `json:"size_bytes"`
	HasAttachment    bool       `json:"has_attachment"`
	IsRead           bool       `json:"is_read"`
	BodyText         string     `json:"body_text"`
	Preview          string     `json:"preview"`
	ProviderThreadID string     `json:"provider_thread_id,omitempty"`
	ContactID        *string    `json:"contact_id,omitempty"`
	ThreadID         *string    `json:"thread_id,omitempty"`
}

// Contact is a correspondent identity, unique per (user_id, lower(email)).
type Contact struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Email            string     `json:"email"`
	Name             string     `json:"name"`
	LastMessageID    *string    `json:"last_message_id,omitempty"`
	LastEmailPreview string     `json:"last_email_preview"`
	LastEmailAt      *time.Time `json:"last_email_at"`
	HasUnread        bool       `json:"has_unread"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Thread is a conversation rooted at a contact. ProviderThreadID is nil for
// singleton threads created for messages the provider did not group.
type Thread struct {
	ID               string     `json:"id"`
	ContactID        string     `json:"contact_id"`
	ProviderThreadID *string    `json:"provider_thread_id,omitempty"`
	Subject          string     `json:"subject"`
	EmailCount       int        `json:"email_count"`
	UnreadCount      int        `json:"unread_count"`
	FirstEmailDate   *time.Time `json:"first_email_date"`
	LastEmailDate    *time.Time `json:"last_email_date"`
	LastPreview      string     `json:"last_preview"`
	LastFrom         string     `json:"last_from"`
	IsRead           bool       `json:"is_read"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
