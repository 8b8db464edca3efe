package ingest

import (
	"strings"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"

	imapgw "github.com/dvance/mailroost/internal/imap"
)

func testEnvelope(messageID string) *goimap.Envelope {
	return &goimap.Envelope{
		Date:      time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Subject:   "Quarterly numbers",
		MessageId: messageID,
		From: []*goimap.Address{
			{PersonalName: "Alice Ames", MailboxName: "alice", HostName: "example.com"},
		},
		To: []*goimap.Address{
			{MailboxName: "bob", HostName: "example.com"},
			{PersonalName: "Carol", MailboxName: "carol", HostName: "example.org"},
		},
		Cc: []*goimap.Address{
			{MailboxName: "dave", HostName: "example.net"},
		},
	}
}

func TestNormalize(t *testing.T) {
	normalizer := NewNormalizer(DefaultPolicy())

	t.Run("maps envelope fields", func(t *testing.T) {
		raw := &goimap.Message{
			Envelope:     testEnvelope("<native@example.com>"),
			Flags:        []string{goimap.SeenFlag},
			InternalDate: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			Size:         2048,
		}
		fetched := &imapgw.FetchedMessage{UID: 77, ProviderThreadID: "1.5", Message: raw}

		msg, err := normalizer.Normalize(fetched, "acct-1", "INBOX")
		assert.NoError(t, err)

		assert.Equal(t, "acct-1", msg.AccountID)
		assert.Equal(t, int64(77), msg.UID)
		assert.Equal(t, "INBOX", msg.FolderName)
		assert.Equal(t, "<native@example.com>", msg.MessageID)
		assert.Equal(t, "Quarterly numbers", msg.Subject)
		assert.Equal(t, "Alice Ames <alice@example.com>", msg.FromAddress)
		assert.Equal(t, []string{"bob@example.com", "Carol <carol@example.org>"}, msg.ToAddresses)
		assert.Equal(t, []string{"dave@example.net"}, msg.CCAddresses)
		assert.True(t, msg.IsRead)
		assert.Equal(t, int64(2048), msg.SizeBytes)
		assert.Equal(t, "1.5", msg.ProviderThreadID)
		if assert.NotNil(t, msg.SentAt) {
			assert.Equal(t, 2026, msg.SentAt.Year())
		}
		assert.NotNil(t, msg.ReceivedAt)
	})

	t.Run("missing seen flag means unread", func(t *testing.T) {
		raw := &goimap.Message{Envelope: testEnvelope("<unread@example.com>")}
		fetched := &imapgw.FetchedMessage{UID: 1, Message: raw}

		msg, err := normalizer.Normalize(fetched, "acct-1", "INBOX")
		assert.NoError(t, err)
		assert.False(t, msg.IsRead)
	})

	t.Run("synthesizes message id when the header is unusable", func(t *testing.T) {
		for _, headerValue := range []string{"", "not-an-id"} {
			raw := &goimap.Message{Envelope: testEnvelope(headerValue)}
			fetched := &imapgw.FetchedMessage{UID: 314, Message: raw}

			msg, err := normalizer.Normalize(fetched, "acct-1", "INBOX")
			assert.NoError(t, err)
			assert.True(t, strings.HasPrefix(msg.MessageID, "<314."))
			assert.True(t, strings.HasSuffix(msg.MessageID, "@local>"))
		}
	})

	t.Run("synthetic ids differ per UID", func(t *testing.T) {
		first := &imapgw.FetchedMessage{UID: 1, Message: &goimap.Message{Envelope: testEnvelope("")}}
		second := &imapgw.FetchedMessage{UID: 2, Message: &goimap.Message{Envelope: testEnvelope("")}}

		m1, err := normalizer.Normalize(first, "acct-1", "INBOX")
		assert.NoError(t, err)
		m2, err := normalizer.Normalize(second, "acct-1", "INBOX")
		assert.NoError(t, err)
		assert.NotEqual(t, m1.MessageID, m2.MessageID)
	})

	t.Run("parses body text and preview", func(t *testing.T) {
		body := "Subject: Quarterly numbers\r\nContent-Type: text/plain\r\n\r\nLine one.\r\n\r\nLine   two.\r\n"
		raw := &goimap.Message{
			Envelope: testEnvelope("<body@example.com>"),
			Body: map[*goimap.BodySectionName]goimap.Literal{
				{}: strings.NewReader(body),
			},
		}
		fetched := &imapgw.FetchedMessage{UID: 5, Message: raw}

		msg, err := normalizer.Normalize(fetched, "acct-1", "INBOX")
		assert.NoError(t, err)
		assert.Contains(t, msg.BodyText, "Line one.")
		assert.Equal(t, "Line one. Line two.", msg.Preview)
	})

	t.Run("detects attachment disposition in the MIME tree", func(t *testing.T) {
		raw := &goimap.Message{
			Envelope: testEnvelope("<attach@example.com>"),
			BodyStructure: &goimap.BodyStructure{
				MIMEType: "multipart",
				Parts: []*goimap.BodyStructure{
					{MIMEType: "text", MIMESubType: "plain"},
					{MIMEType: "application", MIMESubType: "pdf", Disposition: "attachment"},
				},
			},
		}
		fetched := &imapgw.FetchedMessage{UID: 6, Message: raw}

		msg, err := normalizer.Normalize(fetched, "acct-1", "INBOX")
		assert.NoError(t, err)
		assert.True(t, msg.HasAttachment)
	})

	t.Run("rejects message without envelope", func(t *testing.T) {
		fetched := &imapgw.FetchedMessage{UID: 9, Message: &goimap.Message{}}
		_, err := normalizer.Normalize(fetched, "acct-1", "INBOX")
		assert.Error(t, err)
	})
}

func TestMakePreview(t *testing.T) {
	t.Run("collapses whitespace", func(t *testing.T) {
		got := makePreview("  a\n\nb\t c  ", 150)
		assert.Equal(t, "a b c", got)
	})

	t.Run("bounds by runes not bytes", func(t *testing.T) {
		got := makePreview(strings.Repeat("é", 200), 150)
		assert.Equal(t, 150, len([]rune(got)))
	})

	t.Run("short text is untouched", func(t *testing.T) {
		assert.Equal(t, "hello", makePreview("hello", 150))
	})
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  parsedAddress
	}{
		{"name and address", `"Alice Ames" <Alice@Example.com>`, parsedAddress{Name: "Alice Ames", Email: "alice@example.com"}},
		{"bare address", "bob@example.com", parsedAddress{Email: "bob@example.com"}},
		{"unquoted display name", "Alice Ames <alice@example.com>", parsedAddress{Name: "Alice Ames", Email: "alice@example.com"}},
		{"garbage with embedded address", ">>> weird carol@example.org tail", parsedAddress{Email: "carol@example.org"}},
		{"nothing address-like", "not an address", parsedAddress{}},
		{"empty", "", parsedAddress{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseAddress(tt.input))
		})
	}
}

func TestPolicyIsNoReply(t *testing.T) {
	policy := DefaultPolicy()

	assert.True(t, policy.isNoReply("noreply@example.com"))
	assert.True(t, policy.isNoReply("no-reply@billing.example.com"))
	assert.True(t, policy.isNoReply("mailer-daemon@example.com"))
	assert.False(t, policy.isNoReply("alice@example.com"))
	assert.False(t, policy.isNoReply("replies@example.com"))
}
