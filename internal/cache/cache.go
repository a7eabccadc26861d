// UMP is an OGC API Processes federation gateway.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package cache provides the two TTL caches of the discovery layer: the
// per-provider process list cache and the per-process descriptor cache.
// Entries expire lazily on read; there is no cross-entry consistency
// guarantee.
package cache

import (
	"sync"
	"time"

	"ump/pkg/ogc"
)

type listEntry struct {
	value   []ogc.ProcessSummary
	expires time.Time
}

// ListCache caches upstream process lists keyed by provider name.
type ListCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]listEntry
}

// NewListCache builds a list cache with the given TTL. A zero TTL disables
// caching (every read misses).
func NewListCache(ttl time.Duration) *ListCache {
	return &ListCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]listEntry),
	}
}

// Get returns a fresh cached list, or nil, false.
func (c *ListCache) Get(provider string) ([]ogc.ProcessSummary, bool) {
	c.mu.RLock()
	e, ok := c.entries[provider]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		// Re-check under the write lock; a Put may have raced us.
		if cur, ok := c.entries[provider]; ok && c.now().After(cur.expires) {
			delete(c.entries, provider)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Put stores a list for the provider.
func (c *ListCache) Put(provider string, list []ogc.ProcessSummary) {
	c.mu.Lock()
	c.entries[provider] = listEntry{value: list, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops the entry for a provider.
func (c *ListCache) Invalidate(provider string) {
	c.mu.Lock()
	delete(c.entries, provider)
	c.mu.Unlock()
}

type descEntry struct {
	value   *ogc.ProcessDescription
	bare    string
	expires time.Time
}

// DescriptorCache caches process descriptions keyed by canonical id, with a
// secondary index from bare id to the canonical ids that carry it. Both
// views of an entry are written and evicted together so a canonical and a
// bare lookup can never disagree.
type DescriptorCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]descEntry           // canonical id → entry
	byBare  map[string]map[string]struct{} // bare id → set of canonical ids
}

// NewDescriptorCache builds a descriptor cache with the given TTL.
func NewDescriptorCache(ttl time.Duration) *DescriptorCache {
	return &DescriptorCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]descEntry),
		byBare:  make(map[string]map[string]struct{}),
	}
}

// Put stores a descriptor under its canonical id and indexes the bare id.
func (c *DescriptorCache) Put(canonical, bare string, d *ogc.ProcessDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[canonical] = descEntry{value: d, bare: bare, expires: c.now().Add(c.ttl)}
	set, ok := c.byBare[bare]
	if !ok {
		set = make(map[string]struct{})
		c.byBare[bare] = set
	}
	set[canonical] = struct{}{}
}

// Get serves canonical ids directly and bare ids through the secondary
// index. When several providers expose the same bare id, the
// lexicographically first canonical id wins, matching registry order.
func (c *DescriptorCache) Get(key string) (*ogc.ProcessDescription, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		if c.now().After(e.expires) {
			c.evict(key)
			return nil, false
		}
		return e.value, true
	}

	c.mu.RLock()
	var best string
	for canonical := range c.byBare[key] {
		if best == "" || canonical < best {
			best = canonical
		}
	}
	c.mu.RUnlock()
	if best == "" {
		return nil, false
	}
	return c.Get(best)
}

// evict removes the canonical entry together with its bare index.
func (c *DescriptorCache) evict(canonical string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[canonical]
	if !ok {
		return
	}
	if !c.now().After(e.expires) {
		// Refreshed by a concurrent Put; keep it.
		return
	}
	delete(c.entries, canonical)
	if set, ok := c.byBare[e.bare]; ok {
		delete(set, canonical)
		if len(set) == 0 {
			delete(c.byBare, e.bare)
		}
	}
}
