// Package caches holds the task- and inode-keyed decision memoizations
// consulted before stalling. Entries are only hints: a miss stalls, a hit
// reuses the prior response without involving the agent. Both caches are
// cleared on every enforcement-mode transition so memoized results from a
// different mode are never replayed.
package caches

import (
	"sync"
	"time"

	"github.com/opgate/opgate/pkg/types"
)

// TaskKey identifies a cached decision for one thread.
type TaskKey struct {
	TID uint32
}

// InodeKey identifies a cached decision for one file object.
type InodeKey struct {
	Dev uint64
	Ino uint64
}

type entry struct {
	response  types.Response
	expiresAt time.Time
}

// Cache is a bounded TTL map from K to a decision response. When full,
// inserts evict expired entries first and reject otherwise; a rejected
// insert just means the next lookup stalls again.
type Cache[K comparable] struct {
	mu      sync.RWMutex
	entries map[K]entry
	max     int
	ttl     time.Duration
}

func New[K comparable](max int, ttl time.Duration) *Cache[K] {
	if max <= 0 {
		max = 4096
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache[K]{entries: make(map[K]entry), max: max, ttl: ttl}
}

// Get returns the memoized response for key, if present and fresh.
func (c *Cache[K]) Get(key K) (types.Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return 0, false
	}
	return e.response, true
}

// Put memoizes a decided response for key.
func (c *Cache[K]) Put(key K, resp types.Response) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.max {
			return
		}
	}
	c.entries[key] = entry{response: resp, expiresAt: now.Add(c.ttl)}
}

// Clear drops every entry. Invoked by the config manager on stall-mode
// transitions.
func (c *Cache[K]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry)
}

// Len reports the current entry count.
func (c *Cache[K]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
