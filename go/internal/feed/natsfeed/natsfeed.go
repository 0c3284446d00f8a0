// Package natsfeed carries change notifications over core NATS subjects so that
// several server instances share one feed. Notifications are hints that trigger a
// re-fetch, so at-most-once delivery is enough and no stream is needed.
package natsfeed

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/pollsync/go/internal/feed"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// DefaultSubjectPrefix namespaces the change subjects.
const DefaultSubjectPrefix = "pollsync.changes"

// Connect dials NATS with reconnect handling.
func Connect(natsURL string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("pollsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Subject returns the subject for class under prefix.
func Subject(prefix string, class models.RecordClass) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + string(class)
}

// Publisher implements poll.Notifier by publishing to NATS.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// NewPublisher creates a publisher.
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	return &Publisher{nc: nc, prefix: prefix}
}

func (p *Publisher) Notify(_ context.Context, class models.RecordClass) error {
	if err := p.nc.Publish(Subject(p.prefix, class), nil); err != nil {
		return fmt.Errorf("publish %s change: %w", class, err)
	}
	return nil
}

// Feed implements poll.Feed with one NATS subscription per call.
type Feed struct {
	nc     *nats.Conn
	prefix string
}

// NewFeed creates a feed.
func NewFeed(nc *nats.Conn, prefix string) *Feed {
	return &Feed{nc: nc, prefix: prefix}
}

// Subscribe returns once the server has processed the subscription.
func (f *Feed) Subscribe(_ context.Context, class models.RecordClass) (poll.Subscription, error) {
	if !class.Valid() {
		return nil, poll.Validation("subscribe", "unknown record class "+string(class))
	}

	var sub *nats.Subscription
	sig := feed.NewSignal(func() error { return sub.Unsubscribe() })

	subject := Subject(f.prefix, class)
	sub, err := f.nc.Subscribe(subject, func(*nats.Msg) {
		sig.Trigger()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	if err := f.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}
	return sig, nil
}
