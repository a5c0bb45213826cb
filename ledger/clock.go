package ledger

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Ledger timestamps
// =============================================================================

type Clock interface {
	Now() time.Time
}

// MonotonicClock never returns a time earlier than one it already returned,
// even if the wall clock steps backwards. Times are UTC and truncated to the
// microsecond, the finest precision every store keeps.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{now: time.Now}
}

// NewClockFrom builds a MonotonicClock over a custom time source (tests).
func NewClockFrom(now func() time.Time) *MonotonicClock {
	return &MonotonicClock{now: now}
}

func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
