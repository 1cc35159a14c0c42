// Package notify provides one-bit edge-triggered signals for coalescing
// work triggers (rebuild, replay). A latch carries no data, only the fact
// that work should happen; signals raised while the worker is busy collapse
// into a single pending signal.
package notify

// Latch is a one-bit edge-triggered signal backed by a 1-buffered channel.
// Receiving from Wait consumes the pending signal.
type Latch struct {
	ch chan struct{}
}

// NewLatch creates an unsignalled latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{}, 1)}
}

// Signal sets the latch. Signalling an already-set latch is a no-op.
func (l *Latch) Signal() {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// Wait returns the channel to receive the next signal from.
// A receive consumes (clears) the signal.
func (l *Latch) Wait() <-chan struct{} {
	return l.ch
}

// Clear discards a pending signal, if any.
func (l *Latch) Clear() {
	select {
	case <-l.ch:
	default:
	}
}
