package main

import (
	"context"
	"fmt"

	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/chat"
	"github.com/mcdev12/pollsync/go/internal/poll/expiry"
	"github.com/mcdev12/pollsync/go/internal/poll/history"
	"github.com/mcdev12/pollsync/go/internal/store/postgres"
	"github.com/mcdev12/pollsync/go/internal/store/sqlite"
	"github.com/rs/zerolog/log"
)

// backingStore is everything the server needs from a store driver.
type backingStore interface {
	poll.Store
	expiry.Expirer
	history.Repository
	chat.Repository
	Ping(ctx context.Context) error
}

// setupStore opens the configured store. The sqlite store announces its own writes
// to notifier; Postgres announces through triggers instead.
func setupStore(ctx context.Context, cfg StoreConfig, notifier poll.Notifier) (backingStore, func(), error) {
	switch cfg.Driver {
	case StorePostgres:
		store, err := postgres.New(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, store.Close, nil

	case StoreSQLite:
		var opts []sqlite.Option
		if notifier != nil {
			opts = append(opts, sqlite.WithNotifier(notifier))
		}
		store, err := sqlite.Open(ctx, cfg.SQLitePath, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return store, func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close sqlite store")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
