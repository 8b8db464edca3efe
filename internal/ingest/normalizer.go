package ingest

import (
	"fmt"
	"io"
	"log"
	"net/mail"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"

	imapgw "github.com/dvance/mailroost/internal/imap"
	"github.com/dvance/mailroost/internal/models"
)

// Normalizer converts raw fetched messages into canonical Message records.
type Normalizer struct {
	policy Policy
}

// NewNormalizer creates a normalizer with the given policy tables.
func NewNormalizer(policy Policy) *Normalizer {
	return &Normalizer{policy: policy}
}

// Normalize converts one fetched message into a Message record. A failure
// here is scoped to this single message and never fatal to the batch.
func (n *Normalizer) Normalize(fetched *imapgw.FetchedMessage, accountID, folderName string) (*models.Message, error) {
	if fetched == nil || fetched.Message == nil {
		return nil, fmt.Errorf("fetched message is nil")
	}

	raw := fetched.Message
	if raw.Envelope == nil {
		return nil, fmt.Errorf("message UID %d has no envelope", fetched.UID)
	}

	isRead := false
	for _, flag := range raw.Flags {
		if flag == goimap.SeenFlag {
			isRead = true
		}
	}

	msg := &models.Message{
		AccountID:        accountID,
		UID:              int64(fetched.UID),
		FolderName:       folderName,
		Subject:          raw.Envelope.Subject,
		IsRead:           isRead,
		SizeBytes:        int64(raw.Size),
		ProviderThreadID: fetched.ProviderThreadID,
	}

	if len(raw.Envelope.From) > 0 {
		msg.FromAddress = formatAddress(raw.Envelope.From[0])
	}
	msg.ToAddresses = formatAddressList(raw.Envelope.To)
	msg.CCAddresses = formatAddressList(raw.Envelope.Cc)

	if !raw.Envelope.Date.IsZero() {
		date := raw.Envelope.Date
		msg.SentAt = &date
	}
	if !raw.InternalDate.IsZero() {
		date := raw.InternalDate
		msg.ReceivedAt = &date
	}

	msg.MessageID = n.resolveMessageID(raw.Envelope.MessageId, fetched.UID, msg.SentAt, msg.ReceivedAt)
	msg.HasAttachment = hasAttachmentParts(raw.BodyStructure)

	// The body is optional: header-only fetches still normalize, and a
	// malformed body keeps its headers.
	if body := firstBodySection(raw); body != nil {
		if err := n.parseBody(body, msg); err != nil {
			log.Printf("Warning: failed to parse body of message UID %d: %v", fetched.UID, err)
		}
	}

	return msg, nil
}

// resolveMessageID returns the native Message-ID when it looks usable, and
// otherwise synthesizes a locally-unique identifier from the UID and the
// message timestamp, so every stored message has a non-empty stable key.
func (n *Normalizer) resolveMessageID(native string, uid uint32, sentAt, receivedAt *time.Time) string {
	if strings.Contains(native, "@") {
		return native
	}

	stamp := time.Now()
	if sentAt != nil {
		stamp = *sentAt
	} else if receivedAt != nil {
		stamp = *receivedAt
	}

	return fmt.Sprintf("<%d.%d@%s>", uid, stamp.UnixMilli(), n.policy.SyntheticIDDomain)
}

// parseBody extracts plaintext and preview from the message body.
func (n *Normalizer) parseBody(body io.Reader, msg *models.Message) error {
	envelope, err := enmime.ReadEnvelope(body)
	if err != nil {
		return fmt.Errorf("failed to parse message body: %w", err)
	}

	msg.BodyText = envelope.Text
	msg.Preview = makePreview(envelope.Text, n.policy.PreviewLength)

	if len(envelope.Attachments) > 0 || len(envelope.Inlines) > 0 {
		msg.HasAttachment = true
	}

	return nil
}

// firstBodySection returns the first literal body section of a fetched
// message, or nil when only headers were fetched.
func firstBodySection(raw *goimap.Message) io.Reader {
	for _, literal := range raw.Body {
		if literal != nil {
			return literal
		}
	}
	return nil
}

// hasAttachmentParts walks the MIME structure looking for parts with an
// attachment or inline disposition.
func hasAttachmentParts(bs *goimap.BodyStructure) bool {
	if bs == nil {
		return false
	}

	disposition := strings.ToLower(bs.Disposition)
	if disposition == "attachment" || disposition == "inline" {
		return true
	}

	for _, part := range bs.Parts {
		if hasAttachmentParts(part) {
			return true
		}
	}

	return false
}

// makePreview collapses whitespace and bounds the text to limit runes.
func makePreview(text string, limit int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if limit <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= limit {
		return collapsed
	}
	return strings.TrimSpace(string(runes[:limit]))
}

// formatAddress formats an IMAP address as "Name <local@host>" or
// "local@host".
func formatAddress(address *goimap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}

	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

// formatAddressList formats a list of IMAP addresses, dropping empty ones.
func formatAddressList(addresses []*goimap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if formatted := formatAddress(address); formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}

// parsedAddress is one correspondent extracted from a stored address string.
type parsedAddress struct {
	Name  string
	Email string
}

// parseAddress parses `"Display Name" <addr@host>` and bare `addr@host`
// forms. Unparseable input yields a best-effort token containing "@" with no
// name, or a zero value when nothing address-like is present.
func parseAddress(s string) parsedAddress {
	s = strings.TrimSpace(s)
	if s == "" {
		return parsedAddress{}
	}

	if addr, err := mail.ParseAddress(s); err == nil {
		return parsedAddress{Name: addr.Name, Email: strings.ToLower(addr.Address)}
	}

	// Best effort: pick the first token that looks like an address.
	for _, token := range strings.Fields(s) {
		token = strings.Trim(token, "<>\",;")
		if strings.Contains(token, "@") {
			return parsedAddress{Email: strings.ToLower(token)}
		}
	}

	return parsedAddress{}
}
