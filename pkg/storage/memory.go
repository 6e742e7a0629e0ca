// SPDX-FileCopyrightText: Copyright 2026 Authrim Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *timedEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryKV implements KV with an in-process map. Thread-safe; suitable for
// development, tests, and single-node deployments.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]*timedEntry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryKVOption configures a MemoryKV instance.
type MemoryKVOption func(*MemoryKV)

// WithCleanupInterval sets how often expired entries are swept.
func WithCleanupInterval(interval time.Duration) MemoryKVOption {
	return func(s *MemoryKV) {
		s.cleanupInterval = interval
	}
}

// NewMemoryKV creates a MemoryKV and starts its background sweeper.
func NewMemoryKV(opts ...MemoryKVOption) *MemoryKV {
	s := &MemoryKV{
		entries:         make(map[string]*timedEntry),
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s
}

// Get implements KV.
func (s *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return nil, false, nil
	}
	// Copy so callers cannot mutate the stored value.
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// Put implements KV.
func (s *MemoryKV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	entry := &timedEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// Delete implements KV.
func (s *MemoryKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// List implements KV. Keys are returned in lexical order.
func (s *MemoryKV) List(_ context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	now := time.Now()

	s.mu.RLock()
	var keys []string
	for key, entry := range s.entries {
		if strings.HasPrefix(key, prefix) && !entry.expired(now) && key > cursor {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	next := ""
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

// Close stops the background sweeper.
func (s *MemoryKV) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryKV) cleanupLoop() {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, entry := range s.entries {
				if entry.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
