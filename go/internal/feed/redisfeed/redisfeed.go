// Package redisfeed carries change notifications over Redis pub/sub so that several
// server instances share one feed.
package redisfeed

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/pollsync/go/internal/feed"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultPrefix namespaces the pub/sub channels.
const DefaultPrefix = "pollsync:changes"

// NewClient parses redisURL and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return rdb, nil
}

func channel(prefix string, class models.RecordClass) string {
	return prefix + ":" + string(class)
}

// Publisher implements poll.Notifier by publishing to Redis.
type Publisher struct {
	rdb    *redis.Client
	prefix string
}

// NewPublisher creates a publisher. An empty prefix uses DefaultPrefix.
func NewPublisher(rdb *redis.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{rdb: rdb, prefix: prefix}
}

func (p *Publisher) Notify(ctx context.Context, class models.RecordClass) error {
	if err := p.rdb.Publish(ctx, channel(p.prefix, class), "changed").Err(); err != nil {
		return fmt.Errorf("failed to publish %s change: %w", class, err)
	}
	return nil
}

// Feed implements poll.Feed with one Redis subscription per call.
type Feed struct {
	rdb    *redis.Client
	prefix string
}

// NewFeed creates a feed. An empty prefix uses DefaultPrefix.
func NewFeed(rdb *redis.Client, prefix string) *Feed {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Feed{rdb: rdb, prefix: prefix}
}

// Subscribe returns once Redis has confirmed the subscription.
func (f *Feed) Subscribe(ctx context.Context, class models.RecordClass) (poll.Subscription, error) {
	if !class.Valid() {
		return nil, poll.Validation("subscribe", "unknown record class "+string(class))
	}

	name := channel(f.prefix, class)
	ps := f.rdb.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
	}

	sig := feed.NewSignal(ps.Close)
	msgs := ps.Channel()
	go func() {
		for range msgs {
			sig.Trigger()
		}
		log.Debug().Str("channel", name).Msg("redis subscription closed")
	}()

	return sig, nil
}
