package backoff

import (
	"context"
	"time"
)

// Backoff implements exponential backoff with configurable parameters.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	currentDelay time.Duration
}

// New creates a new Backoff.
// initialDelay is the delay before the first retry, maxDelay caps the delay,
// and multiplier is the factor applied after each retry.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// Wait waits for the current backoff duration, respecting context cancellation.
// After a successful wait, the delay is increased for the next call.
func (b *Backoff) Wait(ctx context.Context) error {
	select {
	case <-time.After(b.currentDelay):
		b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset resets the backoff to its initial delay.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
}

// CurrentDelay returns the current backoff delay.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}

// DelayForAttempt returns the delay to apply before retry number attempt
// (0-based) without mutating the backoff state. Used to compute the
// scheduled-at time of a queued pending message from its attempt count.
func (b *Backoff) DelayForAttempt(attempt int) time.Duration {
	delay := b.initialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.multiplier)
		if delay >= b.maxDelay {
			return b.maxDelay
		}
	}
	if delay > b.maxDelay {
		delay = b.maxDelay
	}
	return delay
}
