// Package engine is the poll-session synchronization engine: one Session per client,
// in either role, exposing the four actions and the read projections.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pollsync/go/internal/metrics"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/aggregate"
	"github.com/mcdev12/pollsync/go/internal/poll/lifecycle"
	"github.com/mcdev12/pollsync/go/internal/poll/reconcile"
	"github.com/mcdev12/pollsync/go/internal/poll/roster"
	"github.com/mcdev12/pollsync/go/internal/poll/view"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// NewSessionID returns a fresh locally generated session token.
func NewSessionID() string {
	return "session_" + uuid.NewString()
}

// Config configures a Session.
type Config struct {
	Role      models.ParticipantRole
	SessionID string
	Limits    lifecycle.Limits
	// TickInterval drives the countdown. Defaults to one second.
	TickInterval time.Duration
	// RefreshInterval is the missed-notification fallback. Zero disables it.
	RefreshInterval time.Duration
}

// Session is one client of the poll engine.
type Session struct {
	cfg     Config
	store   poll.Store
	clock   clockwork.Clock
	metrics metrics.Collector

	life   *lifecycle.Manager
	roster *roster.Tracker
	rec    *reconcile.Reconciler

	submits singleflight.Group

	mu          sync.RWMutex
	displayName string
	opened      bool
	closed      bool
}

// Option configures a Session.
type Option func(*options)

type options struct {
	clock   clockwork.Clock
	metrics metrics.Collector
}

// WithClock overrides the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a session. feed may be nil for a stateless session that is never
// opened and refreshes on demand.
func New(cfg Config, store poll.Store, feed poll.Feed, opts ...Option) (*Session, error) {
	if !cfg.Role.Valid() {
		return nil, poll.Validation("new_session", fmt.Sprintf("unknown role %q", cfg.Role))
	}
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	if cfg.SessionID == "" {
		return nil, poll.Validation("new_session", "session id is required")
	}
	if cfg.Limits == (lifecycle.Limits{}) {
		cfg.Limits = lifecycle.DefaultLimits()
	}

	o := options{clock: clockwork.NewRealClock(), metrics: metrics.NoOpCollector{}}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		cfg:     cfg,
		store:   store,
		clock:   o.clock,
		metrics: o.metrics,
		life:    lifecycle.NewManager(store, o.clock, cfg.Limits),
		roster:  roster.NewTracker(store, o.clock),
	}

	recOpts := []reconcile.Option{reconcile.WithClock(o.clock), reconcile.WithMetrics(o.metrics)}
	if cfg.Role == models.RoleCoordinator {
		recOpts = append(recOpts, reconcile.WithTerminator(s.life))
	}
	s.rec = reconcile.New(reconcile.Config{
		Role:            cfg.Role,
		SessionID:       cfg.SessionID,
		TickInterval:    cfg.TickInterval,
		RefreshInterval: cfg.RefreshInterval,
	}, store, feed, recOpts...)

	return s, nil
}

// Role returns the session's role.
func (s *Session) Role() models.ParticipantRole { return s.cfg.Role }

// SessionID returns the session token.
func (s *Session) SessionID() string { return s.cfg.SessionID }

// Open acquires the session's subscriptions and starts its loop.
func (s *Session) Open(ctx context.Context) error {
	if err := s.rec.Open(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		s.opened = true
		s.metrics.RecordSessionOpened(string(s.cfg.Role))
	}
	return nil
}

// Close releases everything Open acquired. It is idempotent.
func (s *Session) Close() error {
	err := s.rec.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened && !s.closed {
		s.closed = true
		s.metrics.RecordSessionClosed(string(s.cfg.Role))
	}
	return err
}

// Refresh re-fetches the whole projection synchronously.
func (s *Session) Refresh(ctx context.Context) error {
	return s.rec.Refresh(ctx)
}

// Wake asks the loop for an authoritative refresh without waiting for it.
func (s *Session) Wake() {
	s.rec.Wake()
}

// Snapshot returns a copy of the local projection.
func (s *Session) Snapshot() poll.Snapshot {
	return s.rec.Snapshot()
}

// OnChange registers fn to run after each refresh and each countdown tick.
func (s *Session) OnChange(fn func(poll.Snapshot)) {
	s.rec.OnChange(fn)
}

// CoordinatorView projects the snapshot for a coordinator.
func (s *Session) CoordinatorView() view.CoordinatorView {
	return view.Coordinator(s.rec.Snapshot(), s.clock.Now())
}

// ParticipantView projects the snapshot for this session's participant.
func (s *Session) ParticipantView() view.ParticipantView {
	v := view.Participant(s.rec.Snapshot(), s.cfg.SessionID, s.clock.Now())
	if name := s.localName(); name != "" && !v.Registered {
		v.Registered = true
		v.DisplayName = name
	}
	return v
}

// Register joins the roster under displayName.
func (s *Session) Register(ctx context.Context, displayName string) (err error) {
	const op = "register"
	defer func() { s.record(op, err) }()

	if s.cfg.Role != models.RoleParticipant {
		return poll.Validation(op, "only participants join the roster")
	}

	entry, err := s.roster.Register(ctx, s.cfg.SessionID, displayName)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.displayName = entry.DisplayName
	s.mu.Unlock()

	s.rec.Apply(func(snap *poll.Snapshot) {
		for i := range snap.Roster {
			if snap.Roster[i].SessionID == entry.SessionID {
				snap.Roster[i].DisplayName = entry.DisplayName
				snap.Roster[i].LastSeenAt = entry.LastSeenAt
				return
			}
		}
		snap.Roster = append(snap.Roster, *entry)
	})
	s.rec.Wake()
	return nil
}

// CreatePoll starts a poll owned by this coordinator. The created poll is echoed into
// the snapshot before the authoritative refresh lands.
func (s *Session) CreatePoll(ctx context.Context, question string, options []string, timeLimitSec int) (_ *models.Poll, err error) {
	const op = "create_poll"
	defer func() { s.record(op, err) }()

	if s.cfg.Role != models.RoleCoordinator {
		return nil, poll.Validation(op, "only the coordinator can create polls")
	}

	p, err := s.life.CreatePoll(ctx, s.rec.Snapshot(), s.cfg.SessionID, question, options, timeLimitSec)
	if err != nil {
		return nil, err
	}

	echo := *p
	s.rec.Apply(func(snap *poll.Snapshot) {
		snap.Poll = &echo
		snap.Responses = nil
	})
	s.rec.Wake()
	return p, nil
}

// SubmitResponse votes for optionIndex on the active poll. Concurrent submits from
// this session for the same poll share one store write; only the caller that made
// the write succeeds, the others get a duplicate-response conflict.
func (s *Session) SubmitResponse(ctx context.Context, optionIndex int) (err error) {
	const op = "submit_response"
	defer func() { s.record(op, err) }()

	if s.cfg.Role != models.RoleParticipant {
		return poll.Validation(op, "only participants can vote")
	}

	snap := s.rec.Snapshot()
	name := s.localName()
	if name == "" {
		if e, ok := roster.Lookup(snap.Roster, s.cfg.SessionID); ok {
			name = e.DisplayName
		}
	}
	if name == "" {
		return poll.Validation(op, "register before voting")
	}

	p := snap.ActivePoll()
	if p == nil {
		return poll.Conflict(op, poll.ErrNoActivePoll)
	}
	if !p.HasOption(optionIndex) {
		return poll.Validation(op, fmt.Sprintf("option %d is out of range", optionIndex))
	}
	now := s.clock.Now().UTC()
	if p.Remaining(now) == 0 {
		return poll.Conflict(op, poll.ErrPollNotActive)
	}
	if aggregate.HasResponded(snap.Responses, p.ID, s.cfg.SessionID) {
		return poll.Conflict(op, poll.ErrDuplicateResponse)
	}

	key := p.ID.String() + "/" + s.cfg.SessionID
	var leader bool
	_, err, shared := s.submits.Do(key, func() (any, error) {
		leader = true
		r := models.Response{
			ID:             uuid.New(),
			PollID:         p.ID,
			SessionID:      s.cfg.SessionID,
			DisplayName:    name,
			SelectedOption: optionIndex,
			SubmittedAt:    now,
		}
		if err := s.store.InsertResponse(ctx, r); err != nil {
			return nil, err
		}
		s.rec.Apply(func(snap *poll.Snapshot) {
			if snap.Poll != nil && snap.Poll.ID == r.PollID &&
				!aggregate.HasResponded(snap.Responses, r.PollID, r.SessionID) {
				snap.Responses = append(snap.Responses, r)
			}
		})
		return r, nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrDuplicateResponse) {
			log.Debug().
				Str("poll_id", p.ID.String()).
				Str("session_id", s.cfg.SessionID).
				Msg("duplicate response rejected by store")
		}
		return poll.Classify(op, err)
	}
	if shared && !leader {
		return poll.Conflict(op, poll.ErrDuplicateResponse)
	}

	log.Info().
		Str("poll_id", p.ID.String()).
		Str("session_id", s.cfg.SessionID).
		Int("option", optionIndex).
		Msg("response submitted")
	s.rec.Wake()
	return nil
}

// EndPoll terminates the active poll.
func (s *Session) EndPoll(ctx context.Context) (err error) {
	const op = "end_poll"
	defer func() { s.record(op, err) }()

	if s.cfg.Role != models.RoleCoordinator {
		return poll.Validation(op, "only the coordinator can end polls")
	}

	snap := s.rec.Snapshot()
	if err := s.life.EndPoll(ctx, snap); err != nil {
		return err
	}

	ended := snap.ActivePoll().ID
	s.rec.Apply(func(snap *poll.Snapshot) {
		if snap.Poll != nil && snap.Poll.ID == ended {
			snap.Poll.Active = false
		}
	})
	s.rec.Wake()
	return nil
}

func (s *Session) localName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

func (s *Session) record(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = poll.KindOf(err).String()
	}
	s.metrics.RecordAction(action, outcome)
}
