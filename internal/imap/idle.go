package imap

import (
	"context"
	"log"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// watcherRetrySleep is the backoff duration after an error before the
// watcher reconnects.
const watcherRetrySleep = 10 * time.Second

// SyncTrigger is whatever reacts to new mail arriving for an account.
// The job queue implements it by enqueueing an incremental sync job.
type SyncTrigger interface {
	TriggerIncrementalSync(ctx context.Context, accountID string) error
}

// WatchMailbox runs an IMAP IDLE loop on the account's INBOX and fires the
// trigger whenever the message count grows. It blocks until the context is
// canceled, reconnecting with a fixed backoff on errors.
func WatchMailbox(ctx context.Context, accountID string, mailbox Mailbox, trigger SyncTrigger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c, err := connect(mailbox)
		if err != nil {
			log.Printf("Warning: mailbox watcher for account %s could not connect: %v", accountID, err)
			sleepOrDone(ctx, watcherRetrySleep)
			continue
		}

		runWatchLoop(ctx, accountID, c, trigger)
		logout(c)

		sleepOrDone(ctx, watcherRetrySleep)
	}
}

// runWatchLoop idles on INBOX until the connection drops or the context is
// canceled.
func runWatchLoop(ctx context.Context, accountID string, c *imapclient.Client, trigger SyncTrigger) {
	mbox, err := c.Select("INBOX", true)
	if err != nil {
		log.Printf("Warning: mailbox watcher for account %s failed to select INBOX: %v", accountID, err)
		return
	}
	knownCount := mbox.Messages

	idleClient := idle.NewClient(c)

	updates := make(chan imapclient.Update, 10)
	c.Updates = updates

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, 5*time.Second)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return
		case err := <-done:
			if err != nil {
				log.Printf("Warning: idle loop for account %s ended with error: %v", accountID, err)
			}
			return
		case update := <-updates:
			mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
			if !ok || mboxUpdate.Mailbox == nil {
				continue
			}
			if mboxUpdate.Mailbox.Messages <= knownCount {
				continue
			}
			knownCount = mboxUpdate.Mailbox.Messages

			if err := trigger.TriggerIncrementalSync(ctx, accountID); err != nil {
				log.Printf("Warning: failed to trigger incremental sync for account %s: %v", accountID, err)
			}
		}
	}
}

// sleepOrDone sleeps for d unless the context is canceled first.
func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
