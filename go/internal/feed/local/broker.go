// Package local is the in-process change feed: a Broker fans notifications out to
// every subscriber in the same process. It is the feed for a single-instance server
// and the delivery end of the Postgres and bus transports.
package local

import (
	"context"
	"sync"

	"github.com/mcdev12/pollsync/go/internal/feed"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
)

// Broker implements both poll.Feed and poll.Notifier.
type Broker struct {
	mu   sync.RWMutex
	subs map[models.RecordClass]map[*feed.Signal]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[models.RecordClass]map[*feed.Signal]struct{}),
	}
}

// Subscribe registers a subscriber for class until the subscription is closed.
func (b *Broker) Subscribe(_ context.Context, class models.RecordClass) (poll.Subscription, error) {
	if !class.Valid() {
		return nil, poll.Validation("subscribe", "unknown record class "+string(class))
	}

	var sig *feed.Signal
	sig = feed.NewSignal(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[class], sig)
		if len(b.subs[class]) == 0 {
			delete(b.subs, class)
		}
		return nil
	})

	b.mu.Lock()
	if b.subs[class] == nil {
		b.subs[class] = make(map[*feed.Signal]struct{})
	}
	b.subs[class][sig] = struct{}{}
	b.mu.Unlock()

	return sig, nil
}

// Notify signals every subscriber of class.
func (b *Broker) Notify(_ context.Context, class models.RecordClass) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sig := range b.subs[class] {
		sig.Trigger()
	}
	return nil
}

// NotifyAll signals every subscriber of every class. Used after a transport
// reconnect, when notifications may have been lost.
func (b *Broker) NotifyAll(ctx context.Context) {
	for _, class := range models.AllClasses {
		_ = b.Notify(ctx, class)
	}
}

// Subscribers returns the number of open subscriptions for class.
func (b *Broker) Subscribers(class models.RecordClass) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[class])
}
