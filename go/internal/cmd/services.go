package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pollsync/go/internal/feed/local"
	"github.com/mcdev12/pollsync/go/internal/feed/natsfeed"
	"github.com/mcdev12/pollsync/go/internal/feed/pgnotify"
	"github.com/mcdev12/pollsync/go/internal/feed/redisfeed"
	"github.com/mcdev12/pollsync/go/internal/health"
	"github.com/mcdev12/pollsync/go/internal/metrics"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/chat"
	"github.com/mcdev12/pollsync/go/internal/poll/engine"
	"github.com/mcdev12/pollsync/go/internal/poll/expiry"
	"github.com/mcdev12/pollsync/go/internal/poll/gateway"
	"github.com/mcdev12/pollsync/go/internal/poll/history"
	"github.com/mcdev12/pollsync/go/internal/store/postgres"
	"github.com/rs/zerolog/log"
)

// Services is everything main runs and shuts down.
type Services struct {
	Gateway *gateway.Service
	Health  *health.Checker

	// background loops, started by Run
	listener *pgnotify.Listener
	sweeper  *expiry.Sweeper

	closers []func()
}

// feedWiring is the change feed sessions subscribe to and, for the sqlite store,
// the notifier the store announces its writes to.
type feedWiring struct {
	feed     poll.Feed
	notifier poll.Notifier
	// relay receives Postgres notifications when the store is Postgres.
	relay   poll.Notifier
	check   health.Check
	closers []func()
}

func setupFeed(ctx context.Context, cfg *Config) (*feedWiring, error) {
	switch cfg.Feed.Driver {
	case FeedLocal, FeedPostgres:
		broker := local.NewBroker()
		return &feedWiring{feed: broker, notifier: broker, relay: broker}, nil

	case FeedRedis:
		prefix := cfg.Feed.Prefix
		if prefix == "" {
			prefix = redisfeed.DefaultPrefix
		}
		rdb, err := redisfeed.NewClient(ctx, cfg.Feed.RedisURL)
		if err != nil {
			return nil, err
		}
		pub := redisfeed.NewPublisher(rdb, prefix)
		return &feedWiring{
			feed:     redisfeed.NewFeed(rdb, prefix),
			notifier: pub,
			relay:    pub,
			check:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			closers: []func(){func() {
				if err := rdb.Close(); err != nil {
					log.Error().Err(err).Msg("failed to close redis client")
				}
			}},
		}, nil

	case FeedNATS:
		prefix := cfg.Feed.Prefix
		if prefix == "" {
			prefix = natsfeed.DefaultSubjectPrefix
		}
		nc, err := natsfeed.Connect(cfg.Feed.NATSURL)
		if err != nil {
			return nil, err
		}
		pub := natsfeed.NewPublisher(nc, prefix)
		return &feedWiring{
			feed:     natsfeed.NewFeed(nc, prefix),
			notifier: pub,
			relay:    pub,
			check: func(context.Context) error {
				if !nc.IsConnected() {
					return fmt.Errorf("nats connection %s", nc.Status())
				}
				return nil
			},
			closers: []func(){func() {
				if err := nc.Drain(); err != nil {
					log.Error().Err(err).Msg("failed to drain nats connection")
				}
			}},
		}, nil
	}
	return nil, fmt.Errorf("unknown feed driver %q", cfg.Feed.Driver)
}

// setupServices wires store, feed, apps and gateway.
// Store -> Feed -> Apps -> Gateway
func setupServices(ctx context.Context, cfg *Config, collector metrics.Collector) (*Services, error) {
	fw, err := setupFeed(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up change feed: %w", err)
	}
	services := &Services{
		Health:  health.NewChecker(5 * time.Second),
		closers: fw.closers,
	}
	if fw.check != nil {
		services.Health.Add("feed", fw.check)
	}

	var storeNotifier poll.Notifier
	if cfg.Store.Driver == StoreSQLite {
		storeNotifier = fw.notifier
	}
	store, closeStore, err := setupStore(ctx, cfg.Store, storeNotifier)
	if err != nil {
		services.Close()
		return nil, err
	}
	services.closers = append(services.closers, closeStore)
	services.Health.Add("store", store.Ping)

	if cfg.Store.Driver == StorePostgres {
		lcfg := pgnotify.DefaultListenerConfig()
		lcfg.DatabaseURL = cfg.Store.Postgres.ListenerDSN()
		lcfg.NotifyChannel = postgres.NotifyChannel
		lcfg.FallbackInterval = cfg.Feed.Fallback
		listener, err := pgnotify.NewListener(fw.relay, lcfg, collector)
		if err != nil {
			services.Close()
			return nil, fmt.Errorf("failed to create change listener: %w", err)
		}
		services.listener = listener
		services.Health.Add("listener", health.Running(listener.Active))
	}

	clock := clockwork.NewRealClock()
	if cfg.Expiry.Enabled {
		services.sweeper = expiry.NewSweeper(store, clock, collector, cfg.Expiry.Interval)
	}

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.Engine = engine.Config{
		Limits:          cfg.Poll.Limits,
		TickInterval:    cfg.Poll.TickInterval,
		RefreshInterval: cfg.Poll.RefreshInterval,
	}
	services.Gateway = gateway.NewService(
		gatewayConfig,
		store,
		fw.feed,
		history.NewApp(store),
		chat.NewApp(store, clock),
		engine.WithClock(clock),
		engine.WithMetrics(collector),
	)

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("feed", cfg.Feed.Driver).
		Bool("expiry_sweeper", cfg.Expiry.Enabled).
		Msg("services wired")

	return services, nil
}

// Run starts the background loops. They stop when ctx is done.
func (s *Services) Run(ctx context.Context) {
	if s.listener != nil {
		go func() {
			if err := s.listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("change listener stopped")
			}
		}()
	}
	if s.sweeper != nil {
		go s.sweeper.Run(ctx)
	}
}

// Close releases the store and feed connections, newest first.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
