package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dvance/mailroost/internal/db"
	"github.com/dvance/mailroost/internal/models"
)

// ContactResolver maintains the per-user contact directory from message
// correspondents.
type ContactResolver struct {
	pool   *pgxpool.Pool
	policy Policy
}

// NewContactResolver creates a resolver backed by the given pool.
func NewContactResolver(pool *pgxpool.Pool, policy Policy) *ContactResolver {
	return &ContactResolver{pool: pool, policy: policy}
}

// ResolveResult reports what a Resolve pass did.
type ResolveResult struct {
	NewContacts    int
	TotalProcessed int
	// ContactIDByEmail maps each resolved lowercase address to its contact
	// id, for linking messages to contacts afterwards.
	ContactIDByEmail map[string]string
}

// candidate is the folded per-address state built from a batch before it is
// written out.
type candidate struct {
	email       string
	name        string
	lastAt      *time.Time
	lastMessage *models.Message
	hasUnread   bool
}

// Resolve extracts every correspondent address from the given messages and
// upserts one contact per distinct address. Existing contact names are never
// overwritten and last-contact info only moves forward in time.
func (r *ContactResolver) Resolve(ctx context.Context, userID string, messages []*models.Message) (*ResolveResult, error) {
	candidates := make(map[string]*candidate)

	for _, msg := range messages {
		msgAt := messageTimestamp(msg)
		addresses := make([]string, 0, 1+len(msg.ToAddresses)+len(msg.CCAddresses))
		addresses = append(addresses, msg.FromAddress)
		addresses = append(addresses, msg.ToAddresses...)
		addresses = append(addresses, msg.CCAddresses...)

		for _, raw := range addresses {
			parsed := parseAddress(raw)
			if parsed.Email == "" || !isPlausibleEmail(parsed.Email) {
				continue
			}
			if r.policy.isNoReply(parsed.Email) {
				continue
			}

			cand, ok := candidates[parsed.Email]
			if !ok {
				cand = &candidate{email: parsed.Email}
				candidates[parsed.Email] = cand
			}
			if cand.name == "" && parsed.Name != "" {
				cand.name = parsed.Name
			}
			// Any unread message from this address marks it unread.
			if !msg.IsRead {
				cand.hasUnread = true
			}
			// The latest message from this address wins the summary slot.
			if msgAt != nil && (cand.lastAt == nil || msgAt.After(*cand.lastAt)) {
				cand.lastAt = msgAt
				cand.lastMessage = msg
			}
		}
	}

	result := &ResolveResult{ContactIDByEmail: make(map[string]string, len(candidates))}

	for email, cand := range candidates {
		contact := &models.Contact{
			UserID:    userID,
			Email:     email,
			Name:      cand.name,
			HasUnread: cand.hasUnread,
		}
		if cand.lastMessage != nil {
			contact.LastEmailPreview = cand.lastMessage.Preview
			contact.LastEmailAt = cand.lastAt
			if cand.lastMessage.ID != "" {
				id := cand.lastMessage.ID
				contact.LastMessageID = &id
			}
		}

		inserted, err := db.UpsertContact(ctx, r.pool, contact)
		if err != nil {
			return result, fmt.Errorf("failed to resolve contact %s: %w", email, err)
		}

		result.ContactIDByEmail[email] = contact.ID
		result.TotalProcessed++
		if inserted {
			result.NewContacts++
		}
	}

	return result, nil
}

// messageTimestamp prefers the sent date and falls back to the server
// receive date.
func messageTimestamp(msg *models.Message) *time.Time {
	if msg.SentAt != nil {
		return msg.SentAt
	}
	return msg.ReceivedAt
}

// isPlausibleEmail is a cheap syntactic gate: one "@" with non-empty local
// part and a dotted domain.
func isPlausibleEmail(email string) bool {
	at := strings.Index(email, "@")
	if at <= 0 || at != strings.LastIndex(email, "@") {
		return false
	}
	domain := email[at+1:]
	if domain == "" || !strings.Contains(domain, ".") {
		return false
	}
	return !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}
