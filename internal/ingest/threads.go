package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/db"
	"github.com/dvance/mailroost/internal/models"
)

// ThreadAssignor groups messages into conversations rooted at their sender's
// contact, keyed on the provider-assigned thread identifier.
type ThreadAssignor struct {
	pool   *pgxpool.Pool
	policy Policy
}

// NewThreadAssignor creates an assignor backed by the given pool.
func NewThreadAssignor(pool *pgxpool.Pool, policy Policy) *ThreadAssignor {
	return &ThreadAssignor{pool: pool, policy: policy}
}

// AssignResult reports what an AssignBatch pass did.
type AssignResult struct {
	NewThreads     int
	UpdatedThreads int
	LinkedMessages int
}

// threadGroup is the folded per-conversation delta accumulated from a batch
// before it hits the database, so k same-thread messages cost one write.
type threadGroup struct {
	contactID        string
	providerThreadID string // empty for a singleton group
	messages         []*models.Message
	unread           int
	firstAt          *time.Time
	lastAt           *time.Time
	lastMessage      *models.Message
	firstMessage     *models.Message
}

// AssignBatch assigns every message with a resolvable sender contact to a
// thread, creating threads as needed, and persists the contact and thread
// links on the message rows. Messages are folded per conversation first so a
// batch applies one aggregate delta per thread rather than one per message.
func (a *ThreadAssignor) AssignBatch(ctx context.Context, messages []*models.Message, contactIDByEmail map[string]string) (*AssignResult, error) {
	groups := make(map[string]*threadGroup)
	order := make([]string, 0)

	for _, msg := range messages {
		sender := parseAddress(msg.FromAddress)
		contactID, ok := contactIDByEmail[sender.Email]
		if !ok || contactID == "" {
			continue
		}

		key := contactID + "\x00" + msg.ProviderThreadID
		if msg.ProviderThreadID == "" {
			if !a.policy.SingletonThreads {
				// Leave ungrouped messages unthreaded.
				a.linkContactOnly(ctx, msg, contactID)
				continue
			}
			// One thread per ungrouped message.
			key = contactID + "\x00\x00" + msg.MessageID
		}

		group, exists := groups[key]
		if !exists {
			group = &threadGroup{contactID: contactID, providerThreadID: msg.ProviderThreadID}
			groups[key] = group
			order = append(order, key)
		}
		group.add(msg)
	}

	result := &AssignResult{}

	for _, key := range order {
		group := groups[key]
		if err := a.applyGroup(ctx, group, result); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (g *threadGroup) add(msg *models.Message) {
	g.messages = append(g.messages, msg)
	if !msg.IsRead {
		g.unread++
	}

	at := messageTimestamp(msg)
	if at != nil {
		if g.firstAt == nil || at.Before(*g.firstAt) {
			g.firstAt = at
			g.firstMessage = msg
		}
		if g.lastAt == nil || !at.Before(*g.lastAt) {
			g.lastAt = at
			g.lastMessage = msg
		}
	}
	if g.firstMessage == nil {
		g.firstMessage = msg
	}
	if g.lastMessage == nil {
		g.lastMessage = msg
	}
}

// applyGroup writes one conversation's folded delta: an aggregate update when
// the thread already exists, a seeded insert otherwise.
func (a *ThreadAssignor) applyGroup(ctx context.Context, group *threadGroup, result *AssignResult) error {
	var threadID string

	if group.providerThreadID != "" {
		existing, err := db.GetThreadByProviderID(ctx, a.pool, group.contactID, group.providerThreadID)
		switch {
		case err == nil:
			update := db.ThreadUpdate{
				EmailCount:    len(group.messages),
				UnreadCount:   group.unread,
				LastEmailDate: group.lastAt,
				LastPreview:   group.lastMessage.Preview,
				LastFrom:      group.lastMessage.FromAddress,
			}
			if err := db.ApplyThreadUpdate(ctx, a.pool, existing.ID, update); err != nil {
				return fmt.Errorf("failed to update thread %s: %w", existing.ID, err)
			}
			threadID = existing.ID
			result.UpdatedThreads++
		case errors.Is(err, db.ErrThreadNotFound):
			created, err := a.createThread(ctx, group)
			if err != nil {
				return err
			}
			threadID = created
			result.NewThreads++
		default:
			return fmt.Errorf("failed to look up thread: %w", err)
		}
	} else {
		created, err := a.createThread(ctx, group)
		if err != nil {
			return err
		}
		threadID = created
		result.NewThreads++
	}

	for _, msg := range group.messages {
		contactID := group.contactID
		if err := db.LinkMessage(ctx, a.pool, msg.ID, &contactID, &threadID); err != nil {
			return fmt.Errorf("failed to link message %s: %w", msg.ID, err)
		}
		msg.ContactID = &contactID
		msg.ThreadID = &threadID
		result.LinkedMessages++
	}

	return nil
}

func (a *ThreadAssignor) createThread(ctx context.Context, group *threadGroup) (string, error) {
	thread := &models.Thread{
		ContactID:      group.contactID,
		Subject:        group.firstMessage.Subject,
		EmailCount:     len(group.messages),
		UnreadCount:    group.unread,
		FirstEmailDate: group.firstAt,
		LastEmailDate:  group.lastAt,
		LastPreview:    group.lastMessage.Preview,
		LastFrom:       group.lastMessage.FromAddress,
		IsRead:         group.unread == 0,
	}
	if group.providerThreadID != "" {
		id := group.providerThreadID
		thread.ProviderThreadID = &id
	}

	if err := db.CreateThread(ctx, a.pool, thread); err != nil {
		return "", fmt.Errorf("failed to create thread: %w", err)
	}

	return thread.ID, nil
}

// linkContactOnly records the contact link for a message that stays outside
// any thread.
func (a *ThreadAssignor) linkContactOnly(ctx context.Context, msg *models.Message, contactID string) {
	if err := db.LinkMessage(ctx, a.pool, msg.ID, &contactID, nil); err != nil {
		// Linking is best-effort; the message stays stored without a link.
		return
	}
	msg.ContactID = &contactID
}
