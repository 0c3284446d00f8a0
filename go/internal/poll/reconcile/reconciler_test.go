package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pollsync/go/internal/feed/local"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/lifecycle"
	"github.com/mcdev12/pollsync/go/internal/poll/reconcile"
	"github.com/mcdev12/pollsync/go/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	poll10  = 10 * time.Millisecond
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *sqlite.Store
	broker *local.Broker
	clock  *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := local.NewBroker()
	store, err := sqlite.Open(context.Background(), sqlite.MemoryDSN, sqlite.WithNotifier(broker))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{store: store, broker: broker, clock: clockwork.NewFakeClockAt(start)}
}

func (f *fixture) insertPoll(t *testing.T, limit int) models.Poll {
	t.Helper()
	now := f.clock.Now()
	p := models.Poll{
		ID:            uuid.New(),
		Question:      "Favorite color?",
		Options:       []string{"Red", "Blue"},
		CoordinatorID: "coord",
		Active:        true,
		TimeLimitSec:  limit,
		CreatedAt:     now,
		EndsAt:        now.Add(time.Duration(limit) * time.Second),
	}
	require.NoError(t, f.store.InsertPoll(context.Background(), p))
	return p
}

func (f *fixture) reconciler(role models.ParticipantRole, opts ...reconcile.Option) *reconcile.Reconciler {
	cfg := reconcile.Config{Role: role, SessionID: "session-" + string(role), TickInterval: time.Second}
	opts = append([]reconcile.Option{reconcile.WithClock(f.clock)}, opts...)
	return reconcile.New(cfg, f.store, f.broker, opts...)
}

type countingTerminator struct {
	calls atomic.Int32
	inner reconcile.Terminator
}

func (c *countingTerminator) EndPoll(ctx context.Context, s poll.Snapshot) error {
	c.calls.Add(1)
	if c.inner == nil {
		return nil
	}
	return c.inner.EndPoll(ctx, s)
}

func TestOpenClose_ReleasesSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := f.reconciler(models.RoleParticipant)
		require.NoError(t, r.Open(ctx))
		for _, class := range models.SyncedClasses {
			assert.Equal(t, 1, f.broker.Subscribers(class), "one subscription per class while open")
		}

		require.NoError(t, r.Close())
		require.NoError(t, r.Close())
		for _, class := range models.SyncedClasses {
			assert.Equal(t, 0, f.broker.Subscribers(class), "no subscription left after close")
		}
	}
}

func TestOpen_BaselineFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.insertPoll(t, 60)
	require.NoError(t, f.store.UpsertRosterEntry(ctx, models.RosterEntry{SessionID: "s1", DisplayName: "Ann", JoinedAt: start, LastSeenAt: start}))

	r := f.reconciler(models.RoleParticipant)
	require.NoError(t, r.Open(ctx))
	defer r.Close()

	snap := r.Snapshot()
	require.NotNil(t, snap.Poll)
	assert.Equal(t, p.ID, snap.Poll.ID)
	assert.Len(t, snap.Roster, 1)
	assert.NoError(t, snap.Err)
}

func TestNotification_RefetchesClass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.reconciler(models.RoleCoordinator)
	require.NoError(t, r.Open(ctx))
	defer r.Close()

	assert.Nil(t, r.Snapshot().Poll)

	p := f.insertPoll(t, 60)
	require.Eventually(t, func() bool {
		s := r.Snapshot()
		return s.Poll != nil && s.Poll.ID == p.ID
	}, waitFor, poll10)

	require.NoError(t, f.store.InsertResponse(ctx, models.Response{
		ID: uuid.New(), PollID: p.ID, SessionID: "s1", DisplayName: "Ann", SelectedOption: 1, SubmittedAt: start,
	}))
	require.Eventually(t, func() bool {
		return len(r.Snapshot().Responses) == 1
	}, waitFor, poll10)

	require.NoError(t, f.store.UpsertRosterEntry(ctx, models.RosterEntry{SessionID: "s1", DisplayName: "Ann", JoinedAt: start, LastSeenAt: start}))
	require.Eventually(t, func() bool {
		return len(r.Snapshot().Roster) == 1
	}, waitFor, poll10)
}

type flakyReader struct {
	poll.Reader
	fail atomic.Bool
}

var errDown = errors.New("store unavailable")

func (f *flakyReader) ActivePoll(ctx context.Context) (*models.Poll, error) {
	if f.fail.Load() {
		return nil, errDown
	}
	return f.Reader.ActivePoll(ctx)
}

func (f *flakyReader) Roster(ctx context.Context) ([]models.RosterEntry, error) {
	if f.fail.Load() {
		return nil, errDown
	}
	return f.Reader.Roster(ctx)
}

func TestRefreshFailure_IsTransientAndRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.insertPoll(t, 60)

	reader := &flakyReader{Reader: f.store}
	r := reconcile.New(reconcile.Config{Role: models.RoleParticipant, SessionID: "s1"}, reader, f.broker, reconcile.WithClock(f.clock))
	require.NoError(t, r.Open(ctx))
	defer r.Close()

	reader.fail.Store(true)
	err := r.Refresh(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, poll.ErrTransient)
	assert.ErrorIs(t, err, errDown)

	// The last good projection survives a failed refresh.
	snap := r.Snapshot()
	require.NotNil(t, snap.Poll)
	assert.Equal(t, p.ID, snap.Poll.ID)
	assert.Error(t, snap.Err)

	reader.fail.Store(false)
	r.Wake()
	require.Eventually(t, func() bool {
		return r.Snapshot().Err == nil
	}, waitFor, poll10)
}

func TestCountdown_MonotonicAndStopsAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.insertPoll(t, 30)

	var (
		mu       sync.Mutex
		observed []int
	)
	r := f.reconciler(models.RoleParticipant)
	r.OnChange(func(s poll.Snapshot) {
		if s.Poll == nil {
			return
		}
		mu.Lock()
		observed = append(observed, s.Poll.RemainingSeconds(f.clock.Now()))
		mu.Unlock()
	})
	require.NoError(t, r.Open(ctx))
	defer r.Close()

	require.Eventually(t, func() bool {
		id, running := r.CountdownRunning()
		return running && id == p.ID
	}, waitFor, poll10)

	require.Eventually(t, func() bool {
		f.clock.Advance(700 * time.Millisecond)
		_, running := r.CountdownRunning()
		return !running
	}, waitFor, poll10)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, observed)
	for i := 1; i < len(observed); i++ {
		assert.LessOrEqual(t, observed[i], observed[i-1])
	}

	// A participant never ends the poll; it only stops counting.
	active, err := f.store.ActivePoll(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 0, r.Snapshot().Poll.RemainingSeconds(f.clock.Now()))
}

func TestCoordinator_AutoEndsExpiredPoll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertPoll(t, 30)

	term := &countingTerminator{inner: lifecycle.NewManager(f.store, f.clock, lifecycle.DefaultLimits())}
	r := f.reconciler(models.RoleCoordinator, reconcile.WithTerminator(term))
	require.NoError(t, r.Open(ctx))
	defer r.Close()

	require.Eventually(t, func() bool {
		f.clock.Advance(time.Second)
		return r.Snapshot().Poll == nil
	}, waitFor, poll10)

	active, err := f.store.ActivePoll(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.EqualValues(t, 1, term.calls.Load())
}

func TestClose_NoTerminationAfterClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertPoll(t, 30)

	term := &countingTerminator{}
	r := f.reconciler(models.RoleCoordinator, reconcile.WithTerminator(term))
	require.NoError(t, r.Open(ctx))
	require.NoError(t, r.Close())

	for i := 0; i < 40; i++ {
		f.clock.Advance(time.Second)
	}
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, term.calls.Load())
	_, running := r.CountdownRunning()
	assert.False(t, running)
}

func TestReconnect_ResyncsFromAbsoluteExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.insertPoll(t, 60)

	first := f.reconciler(models.RoleParticipant)
	require.NoError(t, first.Open(ctx))
	assert.Equal(t, 60, first.Snapshot().Poll.RemainingSeconds(f.clock.Now()))
	require.NoError(t, first.Close())

	f.clock.Advance(25 * time.Second)

	second := f.reconciler(models.RoleParticipant)
	require.NoError(t, second.Open(ctx))
	defer second.Close()

	snap := second.Snapshot()
	require.NotNil(t, snap.Poll)
	assert.Equal(t, p.ID, snap.Poll.ID)
	assert.Equal(t, 35, snap.Poll.RemainingSeconds(f.clock.Now()))
}
