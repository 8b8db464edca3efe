package imap

import (
	"context"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"

	"github.com/dvance/mailroost/internal/testutil"
)

func testMailbox(server *testutil.TestIMAPServer) Mailbox {
	return Mailbox{
		Host:           server.Host(),
		Port:           server.Port(),
		Username:       server.Username(),
		Password:       server.Password(),
		UseTLS:         false,
		ConnectTimeout: 5 * time.Second,
	}
}

func TestVerify(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	gateway := NewGateway()
	ctx := context.Background()

	t.Run("accepts valid credentials", func(t *testing.T) {
		err := gateway.Verify(ctx, testMailbox(server))
		assert.NoError(t, err)
	})

	t.Run("wrong password is an auth failure", func(t *testing.T) {
		mailbox := testMailbox(server)
		mailbox.Password = "wrong"

		err := gateway.Verify(ctx, mailbox)
		assert.Error(t, err)
		assert.Equal(t, KindAuthFailure, KindOf(err))
	})

	t.Run("unreachable host is not an auth failure", func(t *testing.T) {
		mailbox := testMailbox(server)
		mailbox.Port = 1
		mailbox.ConnectTimeout = time.Second

		err := gateway.Verify(ctx, mailbox)
		assert.Error(t, err)
		assert.NotEqual(t, KindAuthFailure, KindOf(err))
	})
}

func TestListAndFetch(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	gateway := NewGateway()
	ctx := context.Background()
	mailbox := testMailbox(server)

	now := time.Now()
	uid1 := server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<list1@test>", Subject: "First", From: "a@test.com", To: "b@test.com", SentAt: now.Add(-time.Hour), Seen: true,
	})
	uid2 := server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<list2@test>", Subject: "Second", From: "a@test.com", To: "b@test.com", SentAt: now,
	})

	t.Run("ListRecent returns ascending UIDs", func(t *testing.T) {
		uids, err := gateway.ListRecent(ctx, mailbox, "INBOX", 100)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, len(uids), 2)
		for i := 1; i < len(uids); i++ {
			assert.Less(t, uids[i-1], uids[i])
		}
		assert.Contains(t, uids, uid1)
		assert.Contains(t, uids, uid2)
	})

	t.Run("ListRecent honors the limit", func(t *testing.T) {
		uids, err := gateway.ListRecent(ctx, mailbox, "INBOX", 1)
		assert.NoError(t, err)
		assert.Equal(t, []uint32{uid2}, uids)
	})

	t.Run("ListRange returns only UIDs above the floor", func(t *testing.T) {
		uids, err := gateway.ListRange(ctx, mailbox, "INBOX", uid1)
		assert.NoError(t, err)
		assert.Equal(t, []uint32{uid2}, uids)
	})

	t.Run("ListRange past the top is empty", func(t *testing.T) {
		uids, err := gateway.ListRange(ctx, mailbox, "INBOX", uid2+1000)
		assert.NoError(t, err)
		assert.Empty(t, uids)
	})

	t.Run("Fetch streams full messages", func(t *testing.T) {
		stream, err := gateway.Fetch(ctx, mailbox, "INBOX", []uint32{uid1, uid2})
		assert.NoError(t, err)
		defer stream.Close()

		byUID := make(map[uint32]*FetchedMessage)
		for {
			fetched, ok := stream.Next()
			if !ok {
				break
			}
			byUID[fetched.UID] = fetched
		}
		assert.NoError(t, stream.Err())
		assert.Len(t, byUID, 2)

		first := byUID[uid1]
		if assert.NotNil(t, first) {
			assert.NotNil(t, first.Message.Envelope)
			assert.Equal(t, "First", first.Message.Envelope.Subject)
		}
	})

	t.Run("Fetch with no UIDs yields an empty stream", func(t *testing.T) {
		stream, err := gateway.Fetch(ctx, mailbox, "INBOX", nil)
		assert.NoError(t, err)
		defer stream.Close()

		_, ok := stream.Next()
		assert.False(t, ok)
		assert.NoError(t, stream.Err())
	})
}

func TestMarkRead(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	gateway := NewGateway()
	ctx := context.Background()
	mailbox := testMailbox(server)

	uid := server.AddMessage(t, "INBOX", testutil.TestMessage{
		MessageID: "<markread@test>", Subject: "Unread", From: "a@test.com", To: "b@test.com",
	})

	err := gateway.MarkRead(ctx, mailbox, "INBOX", uid)
	assert.NoError(t, err)

	stream, err := gateway.Fetch(ctx, mailbox, "INBOX", []uint32{uid})
	assert.NoError(t, err)
	defer stream.Close()

	fetched, ok := stream.Next()
	if assert.True(t, ok) {
		assert.Contains(t, fetched.Message.Flags, goimap.SeenFlag)
	}
	assert.NoError(t, stream.Err())
}
