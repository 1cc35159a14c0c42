// Package backoff provides exponential backoff with reset-on-success,
// shared by the event-stream reconnect loop.
package backoff

import (
	"context"
	"time"
)

// Backoff produces exponentially growing delays: each Wait sleeps the current
// delay and doubles it up to the cap. Reset returns to the base delay and is
// called after any successful connection.
type Backoff struct {
	base time.Duration
	cap  time.Duration
	next time.Duration
}

// New creates a Backoff starting at base and capped at cap.
func New(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return &Backoff{base: base, cap: cap, next: base}
}

// Next returns the delay the following Wait would sleep.
func (b *Backoff) Next() time.Duration {
	return b.next
}

// Reset returns the delay to the base value.
func (b *Backoff) Reset() {
	b.next = b.base
}

// Wait sleeps for the current delay, then doubles it (capped).
// It returns early with ctx.Err() when the context is cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	d := b.next
	b.next = min(b.next*2, b.cap)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
