// Package reconcile keeps a client's local projection in step with the durable store.
//
// Notifications are treated as "something changed" hints only: every signal causes a
// wholesale re-fetch of the affected record class, so ordering and loss of
// notifications never corrupt the projection. A periodic safety refresh covers
// notifications that never arrive.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pollsync/go/internal/metrics"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/lifecycle"
	"github.com/rs/zerolog/log"
)

// Terminator ends the active poll. Only coordinator sessions are given one.
type Terminator interface {
	EndPoll(ctx context.Context, s poll.Snapshot) error
}

// Config configures a Reconciler.
type Config struct {
	Role      models.ParticipantRole
	SessionID string
	// TickInterval drives the countdown. Defaults to one second.
	TickInterval time.Duration
	// RefreshInterval is the missed-notification fallback. Zero disables it.
	RefreshInterval time.Duration
}

// Reconciler owns one client's projection, its subscriptions and its countdown.
type Reconciler struct {
	cfg        Config
	reader     poll.Reader
	feed       poll.Feed
	clock      clockwork.Clock
	terminator Terminator
	metrics    metrics.Collector
	countdown  *lifecycle.Countdown

	mu        sync.RWMutex
	snap      poll.Snapshot
	observers []func(poll.Snapshot)

	wakeCh chan struct{}

	lifeMu   sync.Mutex
	opened   bool
	closed   bool
	subs     map[models.RecordClass]poll.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	closeErr error

	// endIssued is the poll this client already terminated. Loop goroutine only.
	endIssued uuid.UUID
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithTerminator lets the reconciler end a poll whose countdown reached zero.
func WithTerminator(t Terminator) Option {
	return func(r *Reconciler) { r.terminator = t }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New creates a reconciler. feed may be nil for a session that only refreshes on
// demand and is never opened.
func New(cfg Config, reader poll.Reader, feed poll.Feed, opts ...Option) *Reconciler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	r := &Reconciler{
		cfg:     cfg,
		reader:  reader,
		feed:    feed,
		clock:   clockwork.NewRealClock(),
		metrics: metrics.NoOpCollector{},
		wakeCh:  make(chan struct{}, 1),
		subs:    make(map[models.RecordClass]poll.Subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.countdown = lifecycle.NewCountdown(r.clock, cfg.TickInterval)
	return r
}

// Open subscribes once per record class, performs the baseline fetch and starts the
// loop. A failed baseline fetch does not fail Open: it is recorded on the snapshot
// and retried by the loop.
func (r *Reconciler) Open(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.closed {
		return errors.New("reconciler is closed")
	}
	if r.opened {
		return nil
	}
	if r.feed == nil {
		return errors.New("reconciler has no feed")
	}

	for _, class := range models.SyncedClasses {
		sub, err := r.feed.Subscribe(ctx, class)
		if err != nil {
			r.releaseSubs()
			return poll.Transient("subscribe", err)
		}
		r.subs[class] = sub
	}

	if err := r.Refresh(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", r.cfg.SessionID).Msg("baseline fetch failed, will retry")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})
	r.opened = true

	go r.run(loopCtx)

	log.Debug().
		Str("session_id", r.cfg.SessionID).
		Str("role", string(r.cfg.Role)).
		Msg("reconciler opened")
	return nil
}

// Close stops the loop, cancels the countdown and releases every subscription. It
// waits for the loop to exit, so no termination write is issued after it returns.
func (r *Reconciler) Close() error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	if r.closed {
		return r.closeErr
	}
	r.closed = true

	if r.opened {
		r.cancel()
		<-r.done
	}
	r.countdown.Stop()
	r.closeErr = r.releaseSubs()

	log.Debug().Str("session_id", r.cfg.SessionID).Msg("reconciler closed")
	return r.closeErr
}

func (r *Reconciler) releaseSubs() error {
	var errs []error
	for class, sub := range r.subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.subs, class)
	}
	return errors.Join(errs...)
}

// Wake asks the loop for a full refresh. It never blocks.
func (r *Reconciler) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current projection.
func (r *Reconciler) Snapshot() poll.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.Clone()
}

// OnChange registers fn to run after each refresh and each countdown tick.
func (r *Reconciler) OnChange(fn func(poll.Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Apply mutates the projection in place for an optimistic local echo. The next
// refresh replaces whatever fn wrote.
func (r *Reconciler) Apply(fn func(*poll.Snapshot)) {
	r.mu.Lock()
	fn(&r.snap)
	r.mu.Unlock()
	r.publish()
}

// Refresh re-fetches the given record classes, or all of them when none are given,
// and replaces the matching parts of the projection.
func (r *Reconciler) Refresh(ctx context.Context, classes ...models.RecordClass) error {
	if len(classes) == 0 {
		classes = models.SyncedClasses
	}

	var wantPolls, wantRoster bool
	for _, c := range classes {
		switch c {
		case models.ClassPolls, models.ClassResponses:
			wantPolls = true
		case models.ClassRoster:
			wantRoster = true
		}
	}

	var errs []error

	if wantPolls {
		start := r.clock.Now()
		p, responses, err := r.fetchPoll(ctx)
		r.metrics.RecordRefresh(string(models.ClassPolls), err == nil, r.clock.Since(start))
		if err != nil {
			errs = append(errs, err)
		} else {
			r.mu.Lock()
			r.snap.Poll = p
			r.snap.Responses = responses
			r.mu.Unlock()
		}
	}

	if wantRoster {
		start := r.clock.Now()
		roster, err := r.reader.Roster(ctx)
		r.metrics.RecordRefresh(string(models.ClassRoster), err == nil, r.clock.Since(start))
		if err != nil {
			errs = append(errs, err)
		} else {
			r.mu.Lock()
			r.snap.Roster = roster
			r.mu.Unlock()
		}
	}

	var err error
	if len(errs) > 0 {
		err = poll.Transient("refresh", errors.Join(errs...))
		log.Error().Err(err).Str("session_id", r.cfg.SessionID).Msg("projection refresh failed")
	}

	r.mu.Lock()
	r.snap.Err = err
	if err == nil {
		r.snap.FetchedAt = r.clock.Now()
	}
	r.mu.Unlock()

	r.publish()
	return err
}

func (r *Reconciler) fetchPoll(ctx context.Context) (*models.Poll, []models.Response, error) {
	p, err := r.reader.ActivePoll(ctx)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, nil
	}
	responses, err := r.reader.ResponsesForPoll(ctx, p.ID)
	if err != nil {
		return nil, nil, err
	}
	return p, responses, nil
}

func (r *Reconciler) publish() {
	r.mu.RLock()
	snap := r.snap.Clone()
	observers := append([]func(poll.Snapshot){}, r.observers...)
	r.mu.RUnlock()

	for _, fn := range observers {
		fn(snap)
	}
}

// run is the single loop goroutine. It owns the countdown.
func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)
	defer r.countdown.Stop()

	var safety <-chan time.Time
	if r.cfg.RefreshInterval > 0 {
		ticker := r.clock.NewTicker(r.cfg.RefreshInterval)
		defer ticker.Stop()
		safety = ticker.Chan()
	}

	pollsCh := r.subs[models.ClassPolls].C()
	responsesCh := r.subs[models.ClassResponses].C()
	rosterCh := r.subs[models.ClassRoster].C()

	r.syncCountdown(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollsCh:
			r.refreshAndSync(ctx, models.ClassPolls)
		case <-responsesCh:
			r.refreshAndSync(ctx, models.ClassResponses)
		case <-rosterCh:
			r.refreshAndSync(ctx, models.ClassRoster)
		case <-r.wakeCh:
			r.refreshAndSync(ctx)
		case <-safety:
			r.refreshAndSync(ctx)
		case <-r.countdown.C():
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) refreshAndSync(ctx context.Context, classes ...models.RecordClass) {
	_ = r.Refresh(ctx, classes...)
	r.syncCountdown(ctx)
}

// syncCountdown starts, keeps or stops the countdown to match the projection.
func (r *Reconciler) syncCountdown(ctx context.Context) {
	r.mu.RLock()
	p := r.snap.ActivePoll()
	r.mu.RUnlock()

	switch {
	case p == nil:
		r.countdown.Stop()
	case lifecycle.Expired(p, r.clock.Now()):
		r.countdown.Stop()
		r.expire(ctx)
	default:
		r.countdown.Start(p.ID)
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	r.publish()

	r.mu.RLock()
	p := r.snap.ActivePoll()
	r.mu.RUnlock()

	if p == nil {
		r.countdown.Stop()
		return
	}
	if lifecycle.Expired(p, r.clock.Now()) {
		r.countdown.Stop()
		r.expire(ctx)
	}
}

// expire handles a local countdown reaching zero. Participants only stop voting,
// which the view derives from the remaining time. A coordinator issues the
// termination write once per poll; a failure is retried on the next refresh.
func (r *Reconciler) expire(ctx context.Context) {
	if r.cfg.Role != models.RoleCoordinator || r.terminator == nil {
		return
	}

	snap := r.Snapshot()
	p := snap.ActivePoll()
	if p == nil || p.ID == r.endIssued {
		return
	}

	if err := r.terminator.EndPoll(ctx, snap); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("poll_id", p.ID.String()).Msg("failed to auto-end expired poll")
		return
	}

	r.endIssued = p.ID
	log.Info().Str("poll_id", p.ID.String()).Msg("auto-ended expired poll")
	r.Wake()
}

// CountdownRunning reports whether the countdown is ticking and for which poll.
func (r *Reconciler) CountdownRunning() (uuid.UUID, bool) {
	return r.countdown.Running()
}
