package poll

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcdev12/pollsync/go/internal/models"
)

// Reader is the read side of the durable store that a client projects.
type Reader interface {
	// ActivePoll returns the newest active poll, or nil when none is active.
	ActivePoll(ctx context.Context) (*models.Poll, error)
	ResponsesForPoll(ctx context.Context, pollID uuid.UUID) ([]models.Response, error)
	// Roster returns every known participant ordered by join time.
	Roster(ctx context.Context) ([]models.RosterEntry, error)
}

// Writer is the mutation side of the durable store. Every write is an insert, an
// upsert keyed by session id, or a single-row flag flip.
type Writer interface {
	// InsertPoll fails with ErrActivePollExists when another poll is active.
	InsertPoll(ctx context.Context, p models.Poll) error
	// DeactivatePoll fails with ErrPollAlreadyEnded when the poll is already inactive.
	DeactivatePoll(ctx context.Context, pollID uuid.UUID) error
	// InsertResponse fails with ErrDuplicateResponse or ErrPollNotActive.
	InsertResponse(ctx context.Context, r models.Response) error
	UpsertRosterEntry(ctx context.Context, e models.RosterEntry) error
}

// Store is the full durable store contract used by an engine session.
type Store interface {
	Reader
	Writer
}

// Subscription delivers opaque "something changed" signals for one record class.
// Signals coalesce: a burst of changes may arrive as a single receive.
type Subscription interface {
	C() <-chan struct{}
	Close() error
}

// Feed is the best-effort change-notification transport.
type Feed interface {
	Subscribe(ctx context.Context, class models.RecordClass) (Subscription, error)
}

// Notifier announces that a record class changed. Stores that cannot emit
// notifications themselves call it after each successful write.
type Notifier interface {
	Notify(ctx context.Context, class models.RecordClass) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, models.RecordClass) error { return nil }
