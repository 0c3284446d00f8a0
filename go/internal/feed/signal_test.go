package feed_test

import (
	"errors"
	"testing"

	"github.com/mcdev12/pollsync/go/internal/feed"
	"github.com/stretchr/testify/assert"
)

func TestSignal_Coalesces(t *testing.T) {
	s := feed.NewSignal(nil)

	for i := 0; i < 10; i++ {
		s.Trigger()
	}

	<-s.C()
	select {
	case <-s.C():
		t.Fatal("expected triggers to coalesce into one signal")
	default:
	}
}

func TestSignal_CloseRunsOnce(t *testing.T) {
	calls := 0
	s := feed.NewSignal(func() error {
		calls++
		return errors.New("boom")
	})

	assert.EqualError(t, s.Close(), "boom")
	assert.EqualError(t, s.Close(), "boom")
	assert.Equal(t, 1, calls)
}
