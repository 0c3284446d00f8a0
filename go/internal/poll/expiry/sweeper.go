// Package expiry ends polls whose countdown has run out, independent of whether a
// coordinator is connected to do it.
package expiry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pollsync/go/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Expirer flips every active poll with ends_at <= now to inactive and reports how
// many rows changed. Implementations announce the change on the polls class.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper periodically expires due polls.
type Sweeper struct {
	store    Expirer
	clock    clockwork.Clock
	metrics  metrics.Collector
	interval time.Duration
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(store Expirer, clock clockwork.Clock, m metrics.Collector, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NoOpCollector{}
	}
	return &Sweeper{
		store:    store,
		clock:    clock,
		metrics:  m,
		interval: interval,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()

	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires due polls and returns how many were ended.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	start := s.clock.Now()

	n, err := s.store.ExpireDue(ctx, start.UTC())
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("expiry sweep failed")
		}
		return 0
	}

	if n > 0 {
		s.metrics.RecordPollsExpired(n)
		log.Info().
			Int64("expired", n).
			Dur("latency", s.clock.Since(start)).
			Msg("expired overdue polls")
	}
	return n
}
