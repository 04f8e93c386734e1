// Package resilience provides the shared retry/backoff primitive used by
// long-running loops that must survive transient failures.
//
// Call sites describe what to retry; the [Backoff] type owns how long to
// wait. Every wait is cancellation-aware so that shutdown is never delayed
// by a pending retry.
package resilience

import (
	"context"
	"time"
)

// Backoff computes exponential retry delays: Initial, doubling on each
// failure up to Max. It is not safe for concurrent use; each retry loop owns
// its own instance.
type Backoff struct {
	// Initial is the delay before the first retry. Default: 1s.
	Initial time.Duration

	// Max caps the delay growth. Default: 16s.
	Max time.Duration

	current time.Duration
}

// Next returns the delay to wait before the upcoming attempt and advances the
// internal state. The first call returns Initial; subsequent calls double the
// delay until Max is reached.
func (b *Backoff) Next() time.Duration {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = 16 * time.Second
	}

	if b.current == 0 {
		b.current = b.Initial
		return b.current
	}

	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset restores the backoff to its initial state. Call after a successful
// attempt so the next failure starts from Initial again.
func (b *Backoff) Reset() {
	b.current = 0
}

// Wait blocks for the next backoff delay or until ctx is cancelled, whichever
// comes first. It returns ctx.Err() when cancelled and nil after a full wait.
func (b *Backoff) Wait(ctx context.Context) error {
	d := b.Next()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
