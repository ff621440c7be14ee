// Package retry provides a small reusable retry policy for remote calls.
package retry

import (
	"context"
	"time"
)

// Policy describes how an operation is retried: how many attempts are made
// and how long to wait between them.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Linear returns a backoff function that waits base × attempt.
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return base * time.Duration(attempt)
	}
}

// Default is the policy used for portal login: 3 attempts, 1s linear backoff.
var Default = Policy{MaxAttempts: 3, Backoff: Linear(time.Second)}

// Do runs op up to MaxAttempts times, sleeping Backoff(attempt) between
// failures. The last error is returned when all attempts fail. The sleep is
// abandoned when ctx is cancelled.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if delay <= 0 {
			continue
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
