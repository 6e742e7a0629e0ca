// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"sync"
	"time"
)

// introspectionCache is the bounded per-process cache of introspection
// results, keyed on (token digest, requesting client). Entries evict on
// TTL and, when full, on insertion order.
type introspectionCache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
	order   []cacheKey
	max     int
	ttl     time.Duration
}

type cacheKey struct {
	tokenHash string
	clientID  string
}

type cacheEntry struct {
	result    *Introspection
	expiresAt time.Time
}

func newIntrospectionCache(max int, ttl time.Duration) *introspectionCache {
	return &introspectionCache{
		entries: make(map[cacheKey]cacheEntry, max),
		max:     max,
		ttl:     ttl,
	}
}

func (c *introspectionCache) get(tokenHash, clientID string) (*Introspection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{tokenHash, clientID}
	e, ok := c.entries[k]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, k)
		return nil, false
	}
	return e.result, true
}

func (c *introspectionCache) put(tokenHash, clientID string, result *Introspection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{tokenHash, clientID}
	if _, exists := c.entries[k]; !exists {
		if len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, k)
	}
	c.entries[k] = cacheEntry{result: result, expiresAt: time.Now().Add(c.ttl)}
}
