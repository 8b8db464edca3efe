package imap

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingTrigger struct {
	calls atomic.Int32
}

func (c *countingTrigger) TriggerIncrementalSync(context.Context, string) error {
	c.calls.Add(1)
	return nil
}

func TestWatchMailbox(t *testing.T) {
	t.Run("returns when the context is already canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		done := make(chan struct{})
		go func() {
			WatchMailbox(ctx, "acct-1", Mailbox{Host: "localhost", Port: 1}, &countingTrigger{})
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("WatchMailbox did not return after cancellation")
		}
	})

	t.Run("survives an unreachable server until canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		trigger := &countingTrigger{}

		done := make(chan struct{})
		go func() {
			WatchMailbox(ctx, "acct-1", Mailbox{
				Host:           "127.0.0.1",
				Port:           1,
				ConnectTimeout: 500 * time.Millisecond,
			}, trigger)
			close(done)
		}()

		// Let it fail at least one connect attempt, then cancel.
		time.Sleep(time.Second)
		cancel()

		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Fatal("WatchMailbox did not stop after cancellation")
		}

		assert.Equal(t, int32(0), trigger.calls.Load())
	})
}
