// Package feed holds the pieces shared by the change-notification transports.
package feed

import (
	"sync"
)

// Signal is a coalescing poll.Subscription. Any number of triggers between two
// receives collapse into one, so a slow reader never blocks a publisher and never
// misses that something changed.
type Signal struct {
	ch      chan struct{}
	once    sync.Once
	onClose func() error
	err     error
}

// NewSignal creates a Signal. onClose, if set, runs exactly once on Close and is
// where the transport releases its underlying subscription.
func NewSignal(onClose func() error) *Signal {
	return &Signal{
		ch:      make(chan struct{}, 1),
		onClose: onClose,
	}
}

// Trigger records a change without blocking.
func (s *Signal) Trigger() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the signal channel. It is never closed, so a reader selecting on it
// after Close simply blocks.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Close releases the subscription. It is safe to call more than once.
func (s *Signal) Close() error {
	s.once.Do(func() {
		if s.onClose != nil {
			s.err = s.onClose()
		}
	})
	return s.err
}
