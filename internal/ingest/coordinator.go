package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/db"
	imapgw "github.com/dvance/mailroost/internal/imap"
	"github.com/dvance/mailroost/internal/models"
)

// Window selects which slice of a folder to ingest.
type Window struct {
	Folder string
	// Limit caps how many messages one batch processes.
	Limit int
	// AfterUID, when positive, restricts the batch to UIDs strictly above it.
	// Zero means start from the most recent Limit messages.
	AfterUID int64
}

// BatchResult summarizes one ingestion batch. It is valid even when
// IngestBatch also returns an error: counters cover everything processed
// before the failure, which is what resumption checkpoints are built from.
type BatchResult struct {
	Fetched int
	Saved   int
	Skipped int
	// LastUID is the highest UID processed in this batch, 0 when none.
	LastUID int64
	// Errors holds per-message failures that did not stop the batch.
	Errors []string

	NewContacts int
	NewThreads  int
}

// Coordinator drives one ingestion batch end to end: list, fetch, normalize,
// persist, then resolve contacts and assign threads for what was saved.
type Coordinator struct {
	pool       *pgxpool.Pool
	gateway    imapgw.Gateway
	normalizer *Normalizer
	resolver   *ContactResolver
	assignor   *ThreadAssignor
}

// NewCoordinator wires a coordinator from its parts.
func NewCoordinator(pool *pgxpool.Pool, gateway imapgw.Gateway, policy Policy) *Coordinator {
	return &Coordinator{
		pool:       pool,
		gateway:    gateway,
		normalizer: NewNormalizer(policy),
		resolver:   NewContactResolver(pool, policy),
		assignor:   NewThreadAssignor(pool, policy),
	}
}

// IngestBatch ingests one window of the account's mailbox. Messages are
// processed in ascending UID order so LastUID is a safe resumption point:
// every UID at or below it has been attempted. Per-message failures are
// recorded and skipped; only listing or stream failures abort the batch, and
// even then the partial result is returned alongside the error.
func (c *Coordinator) IngestBatch(ctx context.Context, account *models.Account, mailbox imapgw.Mailbox, window Window) (*BatchResult, error) {
	result := &BatchResult{}

	uids, err := c.listWindow(ctx, mailbox, window)
	if err != nil {
		return result, err
	}
	if len(uids) == 0 {
		return result, nil
	}

	stream, err := c.gateway.Fetch(ctx, mailbox, window.Folder, uids)
	if err != nil {
		return result, err
	}
	defer stream.Close()

	var saved []*models.Message

	for {
		fetched, ok := stream.Next()
		if !ok {
			break
		}

		if int64(fetched.UID) > result.LastUID {
			result.LastUID = int64(fetched.UID)
		}
		result.Fetched++

		msg, err := c.normalizer.Normalize(fetched, account.ID, window.Folder)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("UID %d: %v", fetched.UID, err))
			continue
		}

		inserted, err := db.SaveMessage(ctx, c.pool, msg)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("UID %d: %v", fetched.UID, err))
			continue
		}

		if inserted {
			result.Saved++
			saved = append(saved, msg)
		} else {
			result.Skipped++
		}
	}

	streamErr := stream.Err()

	// Contacts and threads are derived from what landed in this batch.
	// Failures here don't lose mail: the rows are already stored, only
	// their contact and thread links lag.
	c.linkBatch(ctx, account, saved, result)

	if streamErr != nil {
		return result, fmt.Errorf("failed to stream messages: %w", streamErr)
	}

	return result, nil
}

// listWindow resolves the window into a concrete ascending UID list, capped
// at the window limit. For incremental windows the cap keeps the oldest UIDs
// so resumption stays contiguous.
func (c *Coordinator) listWindow(ctx context.Context, mailbox imapgw.Mailbox, window Window) ([]uint32, error) {
	if window.AfterUID > 0 {
		uids, err := c.gateway.ListRange(ctx, mailbox, window.Folder, uint32(window.AfterUID))
		if err != nil {
			return nil, err
		}
		if window.Limit > 0 && len(uids) > window.Limit {
			uids = uids[:window.Limit]
		}
		return uids, nil
	}

	return c.gateway.ListRecent(ctx, mailbox, window.Folder, window.Limit)
}

// linkBatch runs the contact and thread passes over newly saved messages.
func (c *Coordinator) linkBatch(ctx context.Context, account *models.Account, saved []*models.Message, result *BatchResult) {
	if len(saved) == 0 {
		return
	}

	resolved, err := c.resolver.Resolve(ctx, account.UserID, saved)
	if resolved != nil {
		result.NewContacts += resolved.NewContacts
	}
	if err != nil {
		log.Printf("Warning: contact resolution incomplete for account %s: %v", account.ID, err)
		if resolved == nil {
			return
		}
	}

	assigned, err := c.assignor.AssignBatch(ctx, saved, resolved.ContactIDByEmail)
	if assigned != nil {
		result.NewThreads += assigned.NewThreads
	}
	if err != nil {
		log.Printf("Warning: thread assignment incomplete for account %s: %v", account.ID, err)
	}
}
