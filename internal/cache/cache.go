// Casaflow - Real-Estate Marketplace Client Sync Engine
// Copyright 2026 Casaflow contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casaflow/casaflow

// Package cache provides the TTL response cache behind the request
// coordinator. Entries are keyed by request fingerprints (see GenerateKey),
// expire lazily on read, and are swept periodically in the background.
// Mutations of the underlying resources invalidate entries explicitly via
// Delete or DeletePrefix.
package cache

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/casaflow/casaflow/internal/metrics"
)

// Entry represents a cached item with expiration.
type Entry struct {
	Data      interface{}
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Store provides a thread-safe in-memory cache with TTL support.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration

	stopOnce sync.Once
	stopChan chan struct{}

	stats Stats
}

// Stats tracks cache performance counters.
type Stats struct {
	mu        sync.RWMutex
	Hits      int64
	Misses    int64
	Evictions int64
	TotalKeys int64
}

// New creates a thread-safe in-memory cache with the given default TTL.
// A background goroutine sweeps expired entries every cleanupInterval;
// call Stop to shut it down.
//
// Example:
//
//	store := cache.New(5*time.Minute, 5*time.Minute)
//	defer store.Stop()
//	store.Set("key", value)
//	if data, ok := store.Get("key"); ok {
//	    // Use cached data
//	}
func New(ttl, cleanupInterval time.Duration) *Store {
	c := &Store{
		entries:  make(map[string]Entry),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}

	go c.cleanupLoop(cleanupInterval)

	return c
}

// Get retrieves a value by key. An expired entry is treated as absent but
// stays in the map until the next sweep, so a conditional revalidation that
// comes back 304 can resurrect it via Touch instead of refetching the body.
//
// Returns (nil, false) if the key doesn't exist or has expired, and
// (data, true) for a valid entry.
func (c *Store) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists || time.Now().After(entry.ExpiresAt) {
		c.recordMiss()
		return nil, false
	}

	c.recordHit()
	return entry.Data, true
}

// Set stores a value with the default TTL configured at creation.
func (c *Store) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL, overwriting any prior entry.
func (c *Store) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	c.entries[key] = Entry{
		Data:      value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	total := int64(len(c.entries))
	c.mu.Unlock()

	c.stats.mu.Lock()
	c.stats.TotalKeys = total
	c.stats.mu.Unlock()
}

// Touch extends the TTL of an existing entry without replacing its data.
// Used for 304 Not Modified responses: the server attested the entry is
// still current, so its freshness window restarts. An expired entry that
// the sweep has not yet removed is resurrected; an absent entry is a no-op.
func (c *Store) Touch(key string, ttl time.Duration) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return false
	}

	entry.ExpiresAt = now.Add(ttl)
	c.entries[key] = entry
	return true
}

// Delete removes a specific entry by key. Safe to call for absent keys.
func (c *Store) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	c.recordEvictions(1)
}

// DeletePrefix removes every entry whose key starts with prefix. Mutation
// paths use this to invalidate a whole namespace, e.g. "listings:".
func (c *Store) DeletePrefix(prefix string) int {
	c.mu.Lock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	total := int64(len(c.entries))
	c.mu.Unlock()

	c.stats.mu.Lock()
	c.stats.TotalKeys = total
	c.stats.mu.Unlock()
	c.recordEvictions(int64(removed))

	return removed
}

// Clear removes all entries in a single atomic operation.
func (c *Store) Clear() {
	c.mu.Lock()
	evictions := int64(len(c.entries))
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	c.stats.mu.Lock()
	c.stats.TotalKeys = 0
	c.stats.mu.Unlock()
	c.recordEvictions(evictions)
}

// Stop terminates the background cleanup goroutine. Safe to call twice.
func (c *Store) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

// GetStats returns a snapshot of current cache counters.
func (c *Store) GetStats() Stats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()

	return Stats{
		Hits:      c.stats.Hits,
		Misses:    c.stats.Misses,
		Evictions: c.stats.Evictions,
		TotalKeys: c.stats.TotalKeys,
	}
}

// cleanupLoop periodically removes expired entries until Stop is called.
func (c *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// cleanup removes all expired entries.
func (c *Store) cleanup() {
	now := time.Now()

	c.mu.Lock()
	evictions := int64(0)
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			evictions++
		}
	}
	total := int64(len(c.entries))
	c.mu.Unlock()

	c.stats.mu.Lock()
	c.stats.TotalKeys = total
	c.stats.mu.Unlock()
	c.recordEvictions(evictions)
}

func (c *Store) recordHit() {
	c.stats.mu.Lock()
	c.stats.Hits++
	c.stats.mu.Unlock()
	metrics.CacheHits.Inc()
}

func (c *Store) recordMiss() {
	c.stats.mu.Lock()
	c.stats.Misses++
	c.stats.mu.Unlock()
	metrics.CacheMisses.Inc()
}

func (c *Store) recordEvictions(n int64) {
	if n == 0 {
		return
	}
	c.stats.mu.Lock()
	c.stats.Evictions += n
	c.stats.mu.Unlock()
	metrics.CacheEvictions.Add(float64(n))
}

// GenerateKey creates a cache key from an endpoint name and its parameters.
// The same endpoint with the same parameters always yields the same key, so
// it doubles as the request fingerprint for single-flight coordination.
// The endpoint stays in clear text so prefix invalidation works per resource.
func GenerateKey(endpoint string, params interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		// Fallback to simple string key
		return fmt.Sprintf("%s:%v", endpoint, params)
	}

	hash := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", endpoint, hash[:16])
}
