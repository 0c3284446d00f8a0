// Package lifecycle owns the poll state machine: creation, termination and the
// countdown derived from a poll's absolute expiry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/aggregate"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of the projected poll.
type State string

const (
	StateNoActivePoll State = "no_active_poll"
	StateActive       State = "active"
	StateEnded        State = "ended"
)

// StateOf derives the lifecycle state from a projected poll.
func StateOf(p *models.Poll) State {
	switch {
	case p == nil:
		return StateNoActivePoll
	case p.Active:
		return StateActive
	default:
		return StateEnded
	}
}

// Expired reports whether p is still active but its countdown has reached zero.
func Expired(p *models.Poll, now time.Time) bool {
	return p != nil && p.Active && p.Remaining(now) == 0
}

// CanCreateNext is the advisory gate for starting another poll: the previous poll is
// not active, or every roster member has answered it.
func CanCreateNext(s poll.Snapshot) bool {
	p := s.ActivePoll()
	if p == nil {
		return true
	}
	return aggregate.AllResponded(s.Roster, s.Responses, p.ID)
}

// Limits bounds what a coordinator may create.
type Limits struct {
	MinTimeLimitSec int `yaml:"min_time_limit_sec"`
	MaxTimeLimitSec int `yaml:"max_time_limit_sec"`
	MinOptions      int `yaml:"min_options"`
	MaxOptions      int `yaml:"max_options"`
}

// DefaultLimits returns the classroom defaults.
func DefaultLimits() Limits {
	return Limits{
		MinTimeLimitSec: 30,
		MaxTimeLimitSec: 300,
		MinOptions:      2,
		MaxOptions:      6,
	}
}

// Writer is what the manager needs from the store.
type Writer interface {
	InsertPoll(ctx context.Context, p models.Poll) error
	DeactivatePoll(ctx context.Context, pollID uuid.UUID) error
}

// Manager issues lifecycle mutations against the store.
type Manager struct {
	store  Writer
	clock  clockwork.Clock
	limits Limits
}

// NewManager creates a lifecycle manager.
func NewManager(store Writer, clock clockwork.Clock, limits Limits) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{store: store, clock: clock, limits: limits}
}

// Limits returns the configured bounds.
func (m *Manager) Limits() Limits {
	return m.limits
}

// ValidateCreate trims and checks poll input. Blank options are dropped before the
// count is checked.
func (m *Manager) ValidateCreate(question string, options []string, timeLimitSec int) (string, []string, error) {
	const op = "create_poll"

	question = strings.TrimSpace(question)
	if question == "" {
		return "", nil, poll.Validation(op, "question is required")
	}

	cleaned := make([]string, 0, len(options))
	for _, o := range options {
		if o = strings.TrimSpace(o); o != "" {
			cleaned = append(cleaned, o)
		}
	}
	if len(cleaned) < m.limits.MinOptions {
		return "", nil, poll.Validation(op, fmt.Sprintf("at least %d non-empty options are required", m.limits.MinOptions))
	}
	if len(cleaned) > m.limits.MaxOptions {
		return "", nil, poll.Validation(op, fmt.Sprintf("at most %d options are allowed", m.limits.MaxOptions))
	}

	if timeLimitSec < m.limits.MinTimeLimitSec || timeLimitSec > m.limits.MaxTimeLimitSec {
		return "", nil, poll.Validation(op, fmt.Sprintf("time limit must be between %d and %d seconds",
			m.limits.MinTimeLimitSec, m.limits.MaxTimeLimitSec))
	}

	return question, cleaned, nil
}

// CreatePoll starts a new poll owned by coordinatorID.
//
// If the snapshot shows an active poll that every roster member has answered, that
// poll is ended first so the coordinator can move on. Any other active poll is a
// conflict. The store's single-active constraint is the final arbiter either way.
func (m *Manager) CreatePoll(ctx context.Context, s poll.Snapshot, coordinatorID, question string, options []string, timeLimitSec int) (*models.Poll, error) {
	const op = "create_poll"

	question, options, err := m.ValidateCreate(question, options, timeLimitSec)
	if err != nil {
		return nil, err
	}

	if prev := s.ActivePoll(); prev != nil {
		if !CanCreateNext(s) {
			return nil, poll.Conflict(op, poll.ErrActivePollExists)
		}
		if err := m.end(ctx, prev.ID); err != nil {
			return nil, poll.Classify(op, err)
		}
		log.Info().
			Str("poll_id", prev.ID.String()).
			Msg("ended fully answered poll before creating the next one")
	}

	now := m.clock.Now().UTC()
	p := models.Poll{
		ID:            uuid.New(),
		Question:      question,
		Options:       options,
		CoordinatorID: coordinatorID,
		Active:        true,
		TimeLimitSec:  timeLimitSec,
		CreatedAt:     now,
		EndsAt:        now.Add(time.Duration(timeLimitSec) * time.Second),
	}

	if err := m.store.InsertPoll(ctx, p); err != nil {
		return nil, poll.Classify(op, err)
	}

	log.Info().
		Str("poll_id", p.ID.String()).
		Int("options", len(p.Options)).
		Int("time_limit_sec", p.TimeLimitSec).
		Time("ends_at", p.EndsAt).
		Msg("poll created")

	return &p, nil
}

// EndPoll terminates the snapshot's active poll. Losing the race to another client
// that already ended it counts as success.
func (m *Manager) EndPoll(ctx context.Context, s poll.Snapshot) error {
	const op = "end_poll"

	p := s.ActivePoll()
	if p == nil {
		return poll.Conflict(op, poll.ErrNoActivePoll)
	}
	if err := m.end(ctx, p.ID); err != nil {
		return poll.Classify(op, err)
	}

	log.Info().Str("poll_id", p.ID.String()).Msg("poll ended")
	return nil
}

func (m *Manager) end(ctx context.Context, pollID uuid.UUID) error {
	err := m.store.DeactivatePoll(ctx, pollID)
	if errors.Is(err, poll.ErrPollAlreadyEnded) {
		log.Debug().Str("poll_id", pollID.String()).Msg("poll already ended by another client")
		return nil
	}
	return err
}
