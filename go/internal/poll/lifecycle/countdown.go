package lifecycle

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Countdown is the per-client tick that drives remaining-time recomputation for the
// active poll. At most one ticker exists at a time and it is stopped, not abandoned,
// when the poll leaves Active.
type Countdown struct {
	clock    clockwork.Clock
	interval time.Duration

	mu     sync.Mutex
	ticker clockwork.Ticker
	pollID uuid.UUID
}

// NewCountdown creates a stopped countdown that ticks every interval once started.
func NewCountdown(clock clockwork.Clock, interval time.Duration) *Countdown {
	if interval <= 0 {
		interval = time.Second
	}
	return &Countdown{clock: clock, interval: interval}
}

// Start begins ticking for pollID. Starting for the poll already being tracked is a
// no-op; starting for a different poll replaces the old ticker.
func (c *Countdown) Start(pollID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ticker != nil && c.pollID == pollID {
		return
	}
	if c.ticker != nil {
		c.ticker.Stop()
	}
	c.ticker = c.clock.NewTicker(c.interval)
	c.pollID = pollID
}

// Stop cancels the ticker if one is running.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.pollID = uuid.Nil
}

// C returns the tick channel, or nil when stopped so a select on it blocks.
func (c *Countdown) C() <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ticker == nil {
		return nil
	}
	return c.ticker.Chan()
}

// Running reports which poll is being counted down, if any.
func (c *Countdown) Running() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollID, c.ticker != nil
}
