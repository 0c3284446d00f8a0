// Package pgnotify turns Postgres LISTEN/NOTIFY traffic from the store's triggers into
// change notifications. The listener forwards each notification to a poll.Notifier:
// an in-process broker for a single server, or a bus publisher to fan out across
// servers.
package pgnotify

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mcdev12/pollsync/go/internal/metrics"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to announce every class in case notifications were missed
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		DatabaseURL:      "",
		NotifyChannel:    "pollsync_changes",
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
	}
}

// source is the part of *pq.Listener the loop uses.
type source interface {
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

type Listener struct {
	src     source
	sink    poll.Notifier
	cfg     ListenerConfig
	clock   clockwork.Clock
	metrics metrics.Collector

	running atomic.Bool
}

// NewListener connects to Postgres and LISTENs on the configured channel.
func NewListener(sink poll.Notifier, cfg ListenerConfig, m metrics.Collector) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	return newListener(l, sink, cfg, clockwork.NewRealClock(), m), nil
}

func newListener(src source, sink poll.Notifier, cfg ListenerConfig, clock clockwork.Clock, m metrics.Collector) *Listener {
	if m == nil {
		m = metrics.NoOpCollector{}
	}
	return &Listener{src: src, sink: sink, cfg: cfg, clock: clock, metrics: m}
}

// Start runs until ctx is done, then closes the connection.
func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("listener started")

	l.running.Store(true)
	defer l.running.Store(false)

	pingTicker := l.clock.NewTicker(l.cfg.PingInterval)
	fallbackTicker := l.clock.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	notes := l.src.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("listener shutting down")
			return l.Stop()
		case note, ok := <-notes:
			if !ok {
				return nil
			}
			if note == nil {
				// The connection was re-established and notifications may have been
				// lost in between.
				log.Warn().Msg("listener reconnected, announcing every class")
				l.announceAll(ctx)
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.Chan():
			l.announceAll(ctx)
		case <-pingTicker.Chan():
			if err := l.src.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

// Active reports whether Start is running.
func (l *Listener) Active() bool {
	return l.running.Load()
}

func (l *Listener) Stop() error {
	return l.src.Close()
}

// handleNotification forwards one notification. Extra is the table name that
// changed.
func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	class := models.RecordClass(extra)
	if !class.Valid() {
		return fmt.Errorf("unknown record class in notification: %q", extra)
	}
	return l.publishWithRetry(ctx, class)
}

func (l *Listener) announceAll(ctx context.Context) {
	for _, class := range models.AllClasses {
		if err := l.publishWithRetry(ctx, class); err != nil {
			log.Error().Err(err).Str("class", string(class)).Msg("failed to announce class")
		}
	}
}

// publishWithRetry forwards class to the sink with a linear backoff.
func (l *Listener) publishWithRetry(ctx context.Context, class models.RecordClass) error {
	var lastErr error

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.clock.After(l.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := l.sink.Notify(ctx, class); err != nil {
			lastErr = err
			l.metrics.RecordNotification(string(class), false)
			log.Error().
				Err(err).
				Int("attempt", attempt+1).
				Str("class", string(class)).
				Msg("failed to forward notification, retrying")
			continue
		}

		l.metrics.RecordNotification(string(class), true)
		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("class", string(class)).
				Msg("forward succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("forward failed after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}
