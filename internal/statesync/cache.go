package statesync

import (
	"time"

	"github.com/banshee-data/posesync/internal/wire"
)

// frameCache holds the serialized states computed for exactly one time. A
// lookup at a different time discards the whole cache first.
type frameCache struct {
	time    time.Time
	valid   bool
	entries map[string]*wire.EntityState

	hits   uint64
	misses uint64
}

// CacheStats reports frame cache activity since the synchronizer was created.
type CacheStats struct {
	Time    time.Time
	Entries int
	Hits    uint64
	Misses  uint64
}

func (c *frameCache) at(t time.Time) {
	if c.valid && c.time.Equal(t) {
		return
	}
	c.time = t
	c.valid = true
	c.entries = make(map[string]*wire.EntityState)
}

// invalidate forces the next lookup to recompute, even at the same time.
func (c *frameCache) invalidate() {
	c.valid = false
}

// get returns the cached state for id at t, computing and storing it on a miss.
// The stored value may be nil.
func (c *frameCache) get(t time.Time, id string, compute func(string) *wire.EntityState) *wire.EntityState {
	c.at(t)
	if st, ok := c.entries[id]; ok {
		c.hits++
		return st
	}
	c.misses++
	st := compute(id)
	c.entries[id] = st
	return st
}

func (c *frameCache) stats() CacheStats {
	return CacheStats{Time: c.time, Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
