package queue

import "time"

// RetryPolicy controls how failed sync attempts are rescheduled.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries a job gets, first run included.
	MaxAttempts int
	// Backoff holds the delay before retry n; the last entry repeats when
	// attempts outnumber entries.
	Backoff []time.Duration
}

// DefaultRetryPolicy gives each job three attempts with growing delays.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute},
	}
}

// Exhausted reports whether a job that has made attempts tries is out of
// retries.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Delay returns the backoff before the next attempt, given the number of
// attempts already made.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if len(p.Backoff) == 0 {
		return time.Minute
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}
