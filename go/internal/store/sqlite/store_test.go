package sqlite_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/pollsync/go/internal/feed/local"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), sqlite.MemoryDSN, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newPoll(createdAt time.Time, limit int) models.Poll {
	return models.Poll{
		ID:            uuid.New(),
		Question:      "Favorite color?",
		Options:       []string{"Red", "Blue", "Green"},
		CoordinatorID: "coord",
		Active:        true,
		TimeLimitSec:  limit,
		CreatedAt:     createdAt,
		EndsAt:        createdAt.Add(time.Duration(limit) * time.Second),
	}
}

func vote(p models.Poll, session string, option int, at time.Time) models.Response {
	return models.Response{
		ID:             uuid.New(),
		PollID:         p.ID,
		SessionID:      session,
		DisplayName:    "name-" + session,
		SelectedOption: option,
		SubmittedAt:    at,
	}
}

func TestStore_PollRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	got, err := s.ActivePoll(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	p := newPoll(base, 60)
	require.NoError(t, s.InsertPoll(ctx, p))

	got, err = s.ActivePoll(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p, *got)
}

func TestStore_SingleActivePoll(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	first := newPoll(base, 60)
	require.NoError(t, s.InsertPoll(ctx, first))

	err := s.InsertPoll(ctx, newPoll(base.Add(time.Second), 60))
	assert.ErrorIs(t, err, poll.ErrActivePollExists)

	require.NoError(t, s.DeactivatePoll(ctx, first.ID))
	require.NoError(t, s.InsertPoll(ctx, newPoll(base.Add(2*time.Second), 60)))
}

func TestStore_DeactivateTwiceIsRaceLoss(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newPoll(base, 60)
	require.NoError(t, s.InsertPoll(ctx, p))
	require.NoError(t, s.DeactivatePoll(ctx, p.ID))

	assert.ErrorIs(t, s.DeactivatePoll(ctx, p.ID), poll.ErrPollAlreadyEnded)
	assert.ErrorIs(t, s.DeactivatePoll(ctx, uuid.New()), poll.ErrNoActivePoll)
}

func TestStore_OneResponsePerSession(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newPoll(base, 60)
	require.NoError(t, s.InsertPoll(ctx, p))

	require.NoError(t, s.InsertResponse(ctx, vote(p, "s1", 0, base.Add(time.Second))))
	err := s.InsertResponse(ctx, vote(p, "s1", 1, base.Add(2*time.Second)))
	assert.ErrorIs(t, err, poll.ErrDuplicateResponse)

	responses, err := s.ResponsesForPoll(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 0, responses[0].SelectedOption)
}

func TestStore_ConcurrentDuplicateSubmits(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newPoll(base, 60)
	require.NoError(t, s.InsertPoll(ctx, p))

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InsertResponse(ctx, vote(p, "same-session", i%3, base.Add(time.Duration(i)*time.Millisecond)))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, poll.ErrDuplicateResponse)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	responses, err := s.ResponsesForPoll(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, responses, 1)
}

func TestStore_ResponseRequiresActivePoll(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newPoll(base, 60)
	require.NoError(t, s.InsertPoll(ctx, p))
	require.NoError(t, s.DeactivatePoll(ctx, p.ID))

	err := s.InsertResponse(ctx, vote(p, "s1", 0, base))
	assert.ErrorIs(t, err, poll.ErrPollNotActive)
}

func TestStore_RosterUpsertKeepsJoinedAt(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.UpsertRosterEntry(ctx, models.RosterEntry{
		SessionID: "s2", DisplayName: "Bo", JoinedAt: base.Add(time.Second), LastSeenAt: base.Add(time.Second),
	}))
	require.NoError(t, s.UpsertRosterEntry(ctx, models.RosterEntry{
		SessionID: "s1", DisplayName: "Ann", JoinedAt: base, LastSeenAt: base,
	}))
	require.NoError(t, s.UpsertRosterEntry(ctx, models.RosterEntry{
		SessionID: "s1", DisplayName: "Annie", JoinedAt: base.Add(time.Minute), LastSeenAt: base.Add(time.Minute),
	}))

	roster, err := s.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, roster, 2)

	assert.Equal(t, "s1", roster[0].SessionID)
	assert.Equal(t, "Annie", roster[0].DisplayName)
	assert.Equal(t, base, roster[0].JoinedAt)
	assert.Equal(t, base.Add(time.Minute), roster[0].LastSeenAt)
	assert.Equal(t, "s2", roster[1].SessionID)
}

func TestStore_ExpireDue(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	p := newPoll(base, 30)
	require.NoError(t, s.InsertPoll(ctx, p))

	n, err := s.ExpireDue(ctx, base.Add(29*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ExpireDue(ctx, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	active, err := s.ActivePoll(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestStore_EndedPollsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		p := newPoll(base.Add(time.Duration(i)*time.Minute), 30)
		require.NoError(t, s.InsertPoll(ctx, p))
		require.NoError(t, s.DeactivatePoll(ctx, p.ID))
		ids = append(ids, p.ID)
	}
	require.NoError(t, s.InsertPoll(ctx, newPoll(base.Add(time.Hour), 30)))

	ended, err := s.EndedPolls(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ended, 3)
	assert.Equal(t, ids[2], ended[0].ID)
	assert.Equal(t, ids[0], ended[2].ID)
	assert.False(t, ended[0].Active)
}

func TestStore_RecentChatMessages(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertChatMessage(ctx, models.ChatMessage{
			ID:         uuid.New(),
			SenderName: "Ann",
			SenderRole: models.RoleParticipant,
			Text:       fmt.Sprintf("msg %d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.RecentChatMessages(ctx, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "msg 2", msgs[0].Text)
	assert.Equal(t, "msg 4", msgs[2].Text)
	assert.Equal(t, models.RoleParticipant, msgs[0].SenderRole)
}

func TestStore_NotifiesAfterWrites(t *testing.T) {
	ctx := context.Background()
	broker := local.NewBroker()
	s := openStore(t, sqlite.WithNotifier(broker))

	sub, err := broker.Subscribe(ctx, models.ClassResponses)
	require.NoError(t, err)
	defer sub.Close()

	p := newPoll(base, 60)
	require.NoError(t, s.InsertPoll(ctx, p))
	select {
	case <-sub.C():
		t.Fatal("responses subscriber signalled for a poll insert")
	default:
	}

	require.NoError(t, s.InsertResponse(ctx, vote(p, "s1", 0, base)))
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatal("expected a responses notification")
	}

	// A rejected write announces nothing.
	_ = s.InsertResponse(ctx, vote(p, "s1", 1, base))
	select {
	case <-sub.C():
		t.Fatal("unexpected notification for a rejected write")
	default:
	}
}
