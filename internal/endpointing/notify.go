// Package endpointing decides when the user has finished speaking. It
// combines an audio ring buffer, an LLM completeness classifier with an
// idle-timeout fallback, and an output gate that withholds the bot's
// speculative response until the turn is definitively complete.
package endpointing

import "context"

// Notifier is a single-slot wakeup signal. Firing it with no waiter is
// remembered for the next waiter; multiple fires before a wait collapse to
// one wakeup. The completeness check is the only producer; the output gate
// task waits on it.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify fires the signal. Never blocks.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the signal fires or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
