// Package health reports whether the server's dependencies are reachable.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

type Status struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
	Errors  []string          `json:"errors"`
}

// Checker runs every registered check on demand.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{checks: make(map[string]Check), timeout: timeout}
}

// Add registers check under name, replacing any previous one.
func (c *Checker) Add(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Check runs all checks concurrently.
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = checks[name](ctx)
		}()
	}
	wg.Wait()

	status := Status{
		Healthy: true,
		Checks:  make(map[string]string, len(names)),
		Errors:  []string{},
	}
	for i, name := range names {
		if err := results[i]; err != nil {
			status.Healthy = false
			status.Checks[name] = "down"
			status.Errors = append(status.Errors, name+": "+err.Error())
			continue
		}
		status.Checks[name] = "up"
	}
	return status
}

// ServeHTTP answers 200 when healthy and 503 otherwise, with the status as JSON.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	status := c.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}

// ErrInactive is returned by Running when the probed loop is not running.
var ErrInactive = errors.New("not running")

// Running adapts an is-running probe into a Check.
func Running(active func() bool) Check {
	return func(context.Context) error {
		if !active() {
			return ErrInactive
		}
		return nil
	}
}
