// Package dbcache bounds how long the cleaner holds database metadata
// resident: the Classifier needs a DBInfo lookup for nearly every LN it
// inspects, but holding every database open for the cleaning run's whole
// duration would defeat the store's own database handle accounting. DbCache
// is a small, short-lived cache that periodically releases everything it
// holds, forcing a fresh collab.DBResolver lookup on the next access.
package dbcache

import (
	"sync"
	"time"

	"github.com/dittodb/cleaner/internal/collab"
)

// entry pairs a resolved DBInfo with the time it was fetched.
type entry struct {
	info     collab.DBInfo
	fetchedAt time.Time
}

// DbCache wraps a collab.DBResolver with a bounded, time-released cache.
type DbCache struct {
	resolver collab.DBResolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[uint32]entry
}

// New creates a DbCache backed by resolver, releasing entries older than
// ttl. now is injectable for tests; production callers pass time.Now.
func New(resolver collab.DBResolver, ttl time.Duration, now func() time.Time) *DbCache {
	if now == nil {
		now = time.Now
	}
	return &DbCache{resolver: resolver, ttl: ttl, now: now, entries: make(map[uint32]entry)}
}

// Get returns dbID's info, resolving and caching it on miss or expiry.
func (c *DbCache) Get(dbID uint32) (collab.DBInfo, error) {
	c.mu.Lock()
	if e, ok := c.entries[dbID]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e.info, nil
	}
	c.mu.Unlock()

	info, err := c.resolver.GetDBInfo(dbID)
	if err != nil {
		return collab.DBInfo{}, err
	}

	c.mu.Lock()
	c.entries[dbID] = entry{info: info, fetchedAt: c.now()}
	c.mu.Unlock()
	return info, nil
}

// ReleaseExpired drops every entry older than ttl. The orchestrator does not
// call it; its per-file loop releases the whole cache through ReleaseAll.
func (c *DbCache) ReleaseExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl {
			delete(c.entries, id)
		}
	}
}

// ReleaseAll drops every cached entry unconditionally, called between files
// during a cleaning run and every DbCacheClearCount entries within a file.
func (c *DbCache) ReleaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint32]entry)
}

// Len reports how many entries are currently cached, for tests and metrics.
func (c *DbCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
