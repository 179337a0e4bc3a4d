// Package retry provides the explicit retry policy passed to every gateway
// call: a fixed attempt budget with exponential backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy is an immutable retry configuration. The zero value is not usable;
// construct with NewPolicy so the backoff bounds are always sane.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return Policy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

func (p Policy) MaxAttempts() int { return p.maxAttempts }

// Backoff returns the delay before the given attempt (1-based). The delay
// doubles per attempt, is capped at maxDelay, and carries up to 50% jitter
// so retries from concurrent workers do not synchronize.
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.baseDelay << uint(attempt-1)
	if d > p.maxDelay || d <= 0 {
		d = p.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

// Do runs fn until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The last error is returned wrapped with the attempt
// count. Cancellation between attempts returns ctx.Err so a shutdown never
// waits out a backoff.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-time.After(p.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", p.maxAttempts, err)
}
