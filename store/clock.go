package store

import (
	"sync"
	"time"
)

// Clock hands out adapter-assigned timestamps. Readings are UTC, truncated to
// microseconds (the coarsest precision among the backends) and strictly
// increasing for one Clock, so checkpoints written through one adapter
// instance never share a created_at.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock reading the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockFunc returns a Clock reading now, mostly for tests.
func NewClockFunc(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the next timestamp.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
