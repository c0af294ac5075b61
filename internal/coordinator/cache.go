package coordinator

import (
	"time"
)

// connectionCache memoizes the last detection result. It is owned by the
// Coordinator, which serializes all access; reads hand out the stored
// slice and callers copy before returning it to the outside.
type connectionCache struct {
	entries    []Connection
	capturedAt time.Time
	ttl        time.Duration
	now        func() time.Time
}

func newConnectionCache(ttl time.Duration) *connectionCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &connectionCache{
		ttl: ttl,
		now: time.Now,
	}
}

// get returns the memoized entries and true while they are fresh.
func (c *connectionCache) get() ([]Connection, bool) {
	if c.capturedAt.IsZero() || c.now().Sub(c.capturedAt) > c.ttl {
		return nil, false
	}
	return c.entries, true
}

// put replaces the snapshot and restarts the ttl clock.
func (c *connectionCache) put(entries []Connection) {
	c.entries = entries
	c.capturedAt = c.now()
}

// invalidate drops the snapshot so the next read re-probes.
func (c *connectionCache) invalidate() {
	c.entries = nil
	c.capturedAt = time.Time{}
}
