package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"

	"github.com/dvance/mailroost/internal/models"
	"github.com/dvance/mailroost/internal/testutil"
)

// newTestAccount creates a user and an account owned by it.
func newTestAccount(t *testing.T, pool *pgxpool.Pool, userEmail, accountEmail string) *models.Account {
	t.Helper()

	ctx := context.Background()

	userID, err := GetOrCreateUser(ctx, pool, userEmail)
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}

	account := &models.Account{
		UserID:                userID,
		Email:                 accountEmail,
		IMAPHost:              "localhost",
		IMAPPort:              143,
		IMAPUsername:          "username",
		EncryptedIMAPPassword: []byte("not-a-real-ciphertext"),
		UseTLS:                false,
	}
	if err := CreateAccount(ctx, pool, account); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	return account
}

func testMessage(accountID, messageID string, uid int64, sentAt time.Time) *models.Message {
	return &models.Message{
		AccountID:   accountID,
		UID:         uid,
		MessageID:   messageID,
		FolderName:  "INBOX",
		Subject:     "Test Subject",
		FromAddress: "sender@example.com",
		ToAddresses: []string{"recipient@example.com"},
		SentAt:      &sentAt,
		Preview:     "Test preview",
	}
}

func TestSaveMessage(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	account := newTestAccount(t, pool, "owner@example.com", "owner@example.com")
	now := time.Now()

	t.Run("inserts new message", func(t *testing.T) {
		msg := testMessage(account.ID, "<first@example.com>", 100, now)

		inserted, err := SaveMessage(ctx, pool, msg)
		assert.NoError(t, err)
		assert.True(t, inserted)
		assert.NotEmpty(t, msg.ID)
	})

	t.Run("duplicate message id is skipped and keeps the stored row", func(t *testing.T) {
		original := testMessage(account.ID, "<dup@example.com>", 200, now)
		inserted, err := SaveMessage(ctx, pool, original)
		assert.NoError(t, err)
		assert.True(t, inserted)

		// Same identity with different content must not overwrite anything.
		duplicate := testMessage(account.ID, "<dup@example.com>", 999, now.Add(time.Hour))
		duplicate.Subject = "Changed Subject"

		inserted, err = SaveMessage(ctx, pool, duplicate)
		assert.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, original.ID, duplicate.ID)

		stored, err := GetMessageByMessageID(ctx, pool, account.ID, "<dup@example.com>")
		assert.NoError(t, err)
		assert.Equal(t, "Test Subject", stored.Subject)
		assert.Equal(t, int64(200), stored.UID)
	})

	t.Run("same message id on another account inserts", func(t *testing.T) {
		other := newTestAccount(t, pool, "other@example.com", "other@example.com")

		msg := testMessage(other.ID, "<dup@example.com>", 10, now)
		inserted, err := SaveMessage(ctx, pool, msg)
		assert.NoError(t, err)
		assert.True(t, inserted)
	})
}

func TestGetMessageByUID(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	account := newTestAccount(t, pool, "owner@example.com", "owner@example.com")

	msg := testMessage(account.ID, "<uid@example.com>", 42, time.Now())
	_, err := SaveMessage(ctx, pool, msg)
	assert.NoError(t, err)

	t.Run("finds stored message", func(t *testing.T) {
		found, err := GetMessageByUID(ctx, pool, account.ID, "INBOX", 42)
		assert.NoError(t, err)
		assert.Equal(t, msg.ID, found.ID)
		assert.Equal(t, "<uid@example.com>", found.MessageID)
	})

	t.Run("returns ErrMessageNotFound for unknown UID", func(t *testing.T) {
		_, err := GetMessageByUID(ctx, pool, account.ID, "INBOX", 4242)
		assert.True(t, errors.Is(err, ErrMessageNotFound))
	})
}

func TestLinkMessage(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	account := newTestAccount(t, pool, "owner@example.com", "owner@example.com")

	msg := testMessage(account.ID, "<link@example.com>", 1, time.Now())
	_, err := SaveMessage(ctx, pool, msg)
	assert.NoError(t, err)

	contact := &models.Contact{UserID: account.UserID, Email: "sender@example.com"}
	_, err = UpsertContact(ctx, pool, contact)
	assert.NoError(t, err)

	thread := &models.Thread{ContactID: contact.ID, Subject: "Test Subject", EmailCount: 1}
	assert.NoError(t, CreateThread(ctx, pool, thread))

	err = LinkMessage(ctx, pool, msg.ID, &contact.ID, &thread.ID)
	assert.NoError(t, err)

	stored, err := GetMessageByMessageID(ctx, pool, account.ID, "<link@example.com>")
	assert.NoError(t, err)
	if assert.NotNil(t, stored.ContactID) {
		assert.Equal(t, contact.ID, *stored.ContactID)
	}
	if assert.NotNil(t, stored.ThreadID) {
		assert.Equal(t, thread.ID, *stored.ThreadID)
	}
}

func TestGetMaxMessageUID(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	account := newTestAccount(t, pool, "owner@example.com", "owner@example.com")

	t.Run("empty folder returns zero", func(t *testing.T) {
		maxUID, err := GetMaxMessageUID(ctx, pool, account.ID, "INBOX")
		assert.NoError(t, err)
		assert.Equal(t, int64(0), maxUID)
	})

	t.Run("returns highest stored UID per folder", func(t *testing.T) {
		now := time.Now()
		for i, uid := range []int64{10, 30, 20} {
			msg := testMessage(account.ID, "<max"+string(rune('a'+i))+"@example.com>", uid, now)
			_, err := SaveMessage(ctx, pool, msg)
			assert.NoError(t, err)
		}

		archived := testMessage(account.ID, "<archived@example.com>", 500, now)
		archived.FolderName = "Archive"
		_, err := SaveMessage(ctx, pool, archived)
		assert.NoError(t, err)

		maxUID, err := GetMaxMessageUID(ctx, pool, account.ID, "INBOX")
		assert.NoError(t, err)
		assert.Equal(t, int64(30), maxUID)
	})
}
