package pgnotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	notes  chan *pq.Notification
	closed chan struct{}
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{notes: make(chan *pq.Notification, 8), closed: make(chan struct{})}
}

func (f *fakeSource) NotificationChannel() <-chan *pq.Notification { return f.notes }
func (f *fakeSource) Ping() error                                  { return nil }
func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	classes []models.RecordClass
	failN   int
}

func (r *recordingSink) Notify(_ context.Context, class models.RecordClass) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return errors.New("bus unavailable")
	}
	r.classes = append(r.classes, class)
	return nil
}

func (r *recordingSink) got() []models.RecordClass {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RecordClass(nil), r.classes...)
}

func testConfig() ListenerConfig {
	cfg := DefaultListenerConfig()
	cfg.RetryDelay = 0
	return cfg
}

func TestListener_ForwardsNotifications(t *testing.T) {
	src := newFakeSource()
	sink := &recordingSink{}
	l := newListener(src, sink, testConfig(), clockwork.NewFakeClock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	assert.False(t, l.Active())
	go func() { done <- l.Start(ctx) }()
	require.Eventually(t, l.Active, time.Second, 5*time.Millisecond)

	src.notes <- &pq.Notification{Channel: "pollsync_changes", Extra: "poll_responses"}
	src.notes <- &pq.Notification{Channel: "pollsync_changes", Extra: "grades"}
	src.notes <- &pq.Notification{Channel: "pollsync_changes", Extra: "students"}

	require.Eventually(t, func() bool { return len(sink.got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.RecordClass{models.ClassResponses, models.ClassRoster}, sink.got())

	cancel()
	require.NoError(t, <-done)
	assert.False(t, l.Active())
	select {
	case <-src.closed:
	default:
		t.Fatal("listener connection not closed on shutdown")
	}
}

func TestListener_ReconnectAnnouncesEveryClass(t *testing.T) {
	src := newFakeSource()
	sink := &recordingSink{}
	l := newListener(src, sink, testConfig(), clockwork.NewFakeClock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Start(ctx)

	src.notes <- nil

	require.Eventually(t, func() bool { return len(sink.got()) == 4 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t,
		[]models.RecordClass{models.ClassPolls, models.ClassResponses, models.ClassRoster, models.ClassChat},
		sink.got())
}

func TestPublishWithRetry(t *testing.T) {
	sink := &recordingSink{failN: 2}
	l := newListener(newFakeSource(), sink, testConfig(), clockwork.NewRealClock(), nil)

	require.NoError(t, l.publishWithRetry(context.Background(), models.ClassPolls))
	assert.Equal(t, []models.RecordClass{models.ClassPolls}, sink.got())

	sink.failN = 100
	err := l.publishWithRetry(context.Background(), models.ClassPolls)
	assert.ErrorContains(t, err, "forward failed after 6 attempts")
}
