// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statestore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultHotTTL bounds how stale a cached read can be after a write that
// raced the cache.
const DefaultHotTTL = 30 * time.Second

// defaultHotMaxEntries bounds the cache; one entry per student aggregate in
// the active read set is small, this is a runaway guard.
const defaultHotMaxEntries = 16384

// HotCache fronts Store.Get for the read-heavy current-mastery keys.
//
// Entries live for a fixed TTL and writers invalidate affected keys before
// acknowledging, so a reader sees either the pre-write value within the TTL
// window or the fresh one. Concurrent misses for the same key collapse into
// one store read via singleflight.
//
// Only hot keys (IsHotKey) are cached; everything else passes through.
// Not-found reads are cached too: a student with no mastery data yet is a
// common and repeated query.
//
// # Thread Safety
//
// Safe for concurrent use.
type HotCache struct {
	store      Store
	ttl        time.Duration
	maxEntries int

	flight singleflight.Group

	mu      sync.RWMutex
	entries map[string]*hotEntry

	hits    atomic.Int64
	misses  atomic.Int64
	evicted atomic.Int64

	// now is replaceable in tests.
	now func() time.Time
}

type hotEntry struct {
	value    []byte
	notFound bool
	expires  time.Time
}

// CacheStats is the counters snapshot exposed to metrics.
type CacheStats struct {
	Hits    int64
	Misses  int64
	Evicted int64
	Entries int
}

// NewHotCache wraps store with a read cache. ttl <= 0 selects
// DefaultHotTTL.
func NewHotCache(store Store, ttl time.Duration) *HotCache {
	if ttl <= 0 {
		ttl = DefaultHotTTL
	}
	return &HotCache{
		store:      store,
		ttl:        ttl,
		maxEntries: defaultHotMaxEntries,
		entries:    make(map[string]*hotEntry),
		now:        time.Now,
	}
}

// Get reads through the cache for hot keys and straight from the store for
// everything else.
func (c *HotCache) Get(ctx context.Context, key string) ([]byte, error) {
	if !IsHotKey(key) {
		return c.store.Get(ctx, key)
	}

	if value, found, err := c.lookup(key); found {
		c.hits.Add(1)
		return value, err
	}
	c.misses.Add(1)

	result, err, _ := c.flight.Do(key, func() (interface{}, error) {
		value, err := c.store.Get(ctx, key)
		if err == nil {
			c.put(key, value, false)
			return value, nil
		}
		if errors.Is(err, ErrNotFound) {
			c.put(key, nil, true)
		}
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Invalidate drops the entries for the given keys and forgets any inflight
// fetches, so the next read goes to the store. Writers call this after
// committing and before acknowledging the write upward.
func (c *HotCache) Invalidate(keys ...string) {
	c.mu.Lock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.flight.Forget(key)
	}
}

// InvalidateStudent drops every cached entry for one student. The erase
// path uses it since it cannot enumerate keys cheaply.
func (c *HotCache) InvalidateStudent(studentID string) {
	prefix := StudentPrefix(studentID)

	c.mu.Lock()
	for key := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
			c.flight.Forget(key)
		}
	}
	c.mu.Unlock()
}

// Stats returns a counters snapshot.
func (c *HotCache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Evicted: c.evicted.Load(),
		Entries: entries,
	}
}

// Sweep removes expired entries. The owning service runs it on a ticker;
// expired entries are also skipped at read time, so sweeping only reclaims
// memory.
func (c *HotCache) Sweep() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

// lookup returns (value, found, err) for a live cache entry. Cached
// not-found entries report found with ErrNotFound.
func (c *HotCache) lookup(key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expires) {
		return nil, false, nil
	}
	if entry.notFound {
		return nil, true, ErrNotFound
	}
	return entry.value, true, nil
}

func (c *HotCache) put(key string, value []byte, notFound bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		// Approximate pressure relief: drop the entry closest to expiry.
		var oldestKey string
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.expires.Before(oldest) {
				oldestKey, oldest = k, e.expires
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
			c.evicted.Add(1)
		}
	}

	c.entries[key] = &hotEntry{
		value:    value,
		notFound: notFound,
		expires:  c.now().Add(c.ttl),
	}
}
