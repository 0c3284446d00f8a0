package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_AllUp(t *testing.T) {
	c := NewChecker(0)
	c.Add("store", func(context.Context) error { return nil })
	c.Add("listener", Running(func() bool { return true }))

	status := c.Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, map[string]string{"store": "up", "listener": "up"}, status.Checks)
	assert.Empty(t, status.Errors)
}

func TestChecker_ServeHTTP(t *testing.T) {
	c := NewChecker(0)
	c.Add("store", func(context.Context) error { return nil })
	c.Add("feed", func(context.Context) error { return errors.New("connection refused") })
	c.Add("listener", Running(func() bool { return false }))

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.False(t, status.Healthy)
	assert.Equal(t, "up", status.Checks["store"])
	assert.Equal(t, "down", status.Checks["feed"])
	assert.Equal(t, []string{"feed: connection refused", "listener: not running"}, status.Errors)
}

func TestChecker_Empty(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker(0).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
