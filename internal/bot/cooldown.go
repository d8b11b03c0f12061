package bot

import (
	"sync"
	"time"
)

// Cooldown rate-limits replies per user. A user's timestamp advances only
// when a request is allowed, so rejected attempts do not extend the wait.
type Cooldown struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[int64]time.Time
	now      func() time.Time
}

// NewCooldown creates a cooldown gate. A non-positive interval disables
// gating entirely.
func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{
		interval: interval,
		last:     make(map[int64]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether userID may receive a reply now, and records the
// attempt when it may.
func (c *Cooldown) Allow(userID int64) bool {
	if c.interval <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if last, ok := c.last[userID]; ok && now.Sub(last) < c.interval {
		return false
	}
	c.last[userID] = now
	return true
}

// Remaining returns how long userID must still wait, zero when clear.
func (c *Cooldown) Remaining(userID int64) time.Duration {
	if c.interval <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.last[userID]
	if !ok {
		return 0
	}
	remaining := c.interval - c.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
