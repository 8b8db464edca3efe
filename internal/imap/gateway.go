package imap

import (
	"context"
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// FetchedMessage is one message pulled from the remote mailbox: the raw
// go-imap message plus the provider's conversation identifier for it, when
// the server could supply one.
type FetchedMessage struct {
	UID              uint32
	ProviderThreadID string
	Message          *imap.Message
}

// Gateway is the mailbox capability the ingestion pipeline consumes.
// Implementations must be safe for use from a single worker goroutine;
// every operation opens its own session.
type Gateway interface {
	// Verify checks that the mailbox is reachable and the credentials work.
	Verify(ctx context.Context, mailbox Mailbox) error

	// ListRecent returns the UIDs of the most recent limit messages in the
	// folder, ascending.
	ListRecent(ctx context.Context, mailbox Mailbox, folder string, limit int) ([]uint32, error)

	// ListRange returns the UIDs of all messages with UID strictly greater
	// than afterUID, ascending.
	ListRange(ctx context.Context, mailbox Mailbox, folder string, afterUID uint32) ([]uint32, error)

	// Fetch streams the given messages with headers, body, and structure.
	// The stream is lazy, finite, and non-restartable; the caller must drain
	// or Close it.
	Fetch(ctx context.Context, mailbox Mailbox, folder string, uids []uint32) (*MessageStream, error)

	// MarkRead sets the read flag on one message.
	MarkRead(ctx context.Context, mailbox Mailbox, folder string, uid uint32) error
}

// ClientGateway implements Gateway over go-imap.
type ClientGateway struct{}

// NewGateway creates a gateway for remote IMAP mailboxes.
func NewGateway() *ClientGateway {
	return &ClientGateway{}
}

var _ Gateway = (*ClientGateway)(nil)

// Verify connects, authenticates, and selects INBOX.
func (g *ClientGateway) Verify(_ context.Context, mailbox Mailbox) error {
	c, err := connect(mailbox)
	if err != nil {
		return err
	}
	defer logout(c)

	if _, err := c.Select("INBOX", true); err != nil {
		return &Error{Kind: KindOther, Err: fmt.Errorf("failed to select INBOX: %w", err)}
	}

	return nil
}

// ListRecent returns the UIDs of the most recent limit messages, ascending.
func (g *ClientGateway) ListRecent(_ context.Context, mailbox Mailbox, folder string, limit int) ([]uint32, error) {
	c, err := connect(mailbox)
	if err != nil {
		return nil, err
	}
	defer logout(c)

	mbox, err := c.Select(folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}

	if mbox.Messages == 0 {
		return nil, nil
	}

	from := uint32(1)
	if limit > 0 && mbox.Messages > uint32(limit) {
		from = mbox.Messages - uint32(limit) + 1
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, mbox.Messages)

	return fetchUIDs(c, seqSet, false)
}

// ListRange returns the UIDs of messages above afterUID, ascending.
func (g *ClientGateway) ListRange(_ context.Context, mailbox Mailbox, folder string, afterUID uint32) ([]uint32, error) {
	c, err := connect(mailbox)
	if err != nil {
		return nil, err
	}
	defer logout(c)

	mbox, err := c.Select(folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}

	if mbox.Messages == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(afterUID+1, 0)

	uids, err := fetchUIDs(c, seqSet, true)
	if err != nil {
		return nil, err
	}

	// Some servers interpret an open-ended UID range as including the
	// highest existing UID even when it is at or below afterUID.
	result := uids[:0]
	for _, uid := range uids {
		if uid > afterUID {
			result = append(result, uid)
		}
	}
	return result, nil
}

// Fetch opens a session and streams the requested messages. Provider thread
// identifiers are resolved up front via the THREAD extension when the server
// supports it.
func (g *ClientGateway) Fetch(_ context.Context, mailbox Mailbox, folder string, uids []uint32) (*MessageStream, error) {
	if len(uids) == 0 {
		return emptyStream(), nil
	}

	c, err := connect(mailbox)
	if err != nil {
		return nil, err
	}

	mbox, err := c.Select(folder, true)
	if err != nil {
		logout(c)
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}

	threadIDs := resolveProviderThreadIDs(c, mbox)

	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchBodyStructure,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchInternalDate,
		imap.FetchRFC822Size,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	return &MessageStream{
		messages:  messages,
		done:      done,
		threadIDs: threadIDs,
		client:    c,
	}, nil
}

// MarkRead sets the \Seen flag on one message.
func (g *ClientGateway) MarkRead(_ context.Context, mailbox Mailbox, folder string, uid uint32) error {
	c, err := connect(mailbox)
	if err != nil {
		return err
	}
	defer logout(c)

	if _, err := c.Select(folder, false); err != nil {
		return fmt.Errorf("failed to select folder %s: %w", folder, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := c.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}

	return nil
}

// fetchUIDs fetches only the UID item over the given sequence set and
// returns the UIDs sorted ascending. byUID selects UID FETCH over FETCH.
func fetchUIDs(c *client.Client, seqSet *imap.SeqSet, byUID bool) ([]uint32, error) {
	items := []imap.FetchItem{imap.FetchUid}
	messages := make(chan *imap.Message, 64)
	done := make(chan error, 1)

	go func() {
		if byUID {
			done <- c.UidFetch(seqSet, items, messages)
		} else {
			done <- c.Fetch(seqSet, items, messages)
		}
	}()

	var uids []uint32
	for msg := range messages {
		uids = append(uids, msg.Uid)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch UIDs: %w", err)
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}
