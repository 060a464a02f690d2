// Package cache provides a byte-budgeted, least-recently-used in-memory cache
// for decoded blob values.
//
// Every entry carries the number of bytes it is accounted for. When a Set pushes
// the running total above the configured maximum, the oldest entries are
// evicted until the total falls to the configured minimum. The gap between the
// two bounds keeps purges from running on every insert.
package cache

import (
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMaxBytes is the running total that triggers a purge.
	DefaultMaxBytes int64 = 100 << 20

	// DefaultMinBytes is the running total a purge reduces the cache to.
	DefaultMinBytes int64 = 50 << 20
)

// PurgeStats describes the effect of a single purge pass.
type PurgeStats struct {
	FromCount int
	FromBytes int64
	ToCount   int
	ToBytes   int64
}

// Evicted returns the number of entries removed by the purge.
func (s PurgeStats) Evicted() int {
	return s.FromCount - s.ToCount
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Bytes     int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type config struct {
	maxBytes int64
	minBytes int64
	now      func() time.Time
	onPurge  func(PurgeStats)
}

// Option configures a Cache.
type Option func(*config)

// WithMaxBytes sets the byte total above which a purge runs.
func WithMaxBytes(n int64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// WithMinBytes sets the byte total a purge evicts down to.
// It must be strictly less than the maximum.
func WithMinBytes(n int64) Option {
	return func(c *config) {
		c.minBytes = n
	}
}

// WithClock overrides the time source used for access timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPurgeHook registers fn to be called after every purge that evicted at
// least one entry. fn is called without the cache lock held.
func WithPurgeHook(fn func(PurgeStats)) Option {
	return func(c *config) {
		c.onPurge = fn
	}
}

type entry[V any] struct {
	value      V
	size       int64
	lastAccess time.Time
	tick       uint64
}

// Cache is a least-recently-used cache bounded by total entry size.
//
// Cache is safe for concurrent use; all state is guarded by a single mutex.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	entries   map[K]*entry[V]
	bytes     int64
	tick      uint64
	hits      uint64
	misses    uint64
	evictions uint64

	maxBytes int64
	minBytes int64
	now      func() time.Time
	onPurge  func(PurgeStats)
}

// New creates an empty cache.
func New[K comparable, V any](opts ...Option) (*Cache[K, V], error) {
	cfg := config{
		maxBytes: DefaultMaxBytes,
		minBytes: DefaultMinBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxBytes <= 0 {
		return nil, errors.New("max bytes must be > 0")
	}
	if cfg.minBytes < 0 {
		return nil, errors.New("min bytes must be >= 0")
	}
	if cfg.minBytes >= cfg.maxBytes {
		return nil, errors.New("min bytes must be less than max bytes")
	}
	return &Cache[K, V]{
		entries:  make(map[K]*entry[V]),
		maxBytes: cfg.maxBytes,
		minBytes: cfg.minBytes,
		now:      cfg.now,
		onPurge:  cfg.onPurge,
	}, nil
}

// Get returns the cached value for key and marks it as recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.touch(e)
	return e.value, true
}

// Contains reports whether key is cached without refreshing its access time.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Set inserts or replaces the value for key, accounted as size bytes, then
// purges if the cache is over budget. Negative sizes are treated as zero.
func (c *Cache[K, V]) Set(key K, value V, size int64) {
	if size < 0 {
		size = 0
	}

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.bytes -= old.size
	}
	e := &entry[V]{value: value, size: size}
	c.touch(e)
	c.entries[key] = e
	c.bytes += size
	stats, purged := c.purgeLocked(key, true)
	hook := c.onPurge
	c.mu.Unlock()

	if purged && hook != nil {
		hook(stats)
	}
}

// Remove deletes key if present.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Purge evicts least recently used entries if the cache is above its maximum.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	var zero K
	stats, purged := c.purgeLocked(zero, false)
	hook := c.onPurge
	c.mu.Unlock()

	if purged && hook != nil {
		hook(stats)
	}
}

// InvalidateAll removes every entry and resets the byte total.
func (c *Cache[K, V]) InvalidateAll() PurgeStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := PurgeStats{FromCount: len(c.entries), FromBytes: c.bytes}
	c.entries = make(map[K]*entry[V])
	c.bytes = 0
	return stats
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes returns the running byte total.
func (c *Cache[K, V]) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// MaxBytes returns the configured purge threshold.
func (c *Cache[K, V]) MaxBytes() int64 {
	return c.maxBytes
}

// MinBytes returns the configured purge target.
func (c *Cache[K, V]) MinBytes() int64 {
	return c.minBytes
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Bytes:     c.bytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *Cache[K, V]) touch(e *entry[V]) {
	c.tick++
	e.tick = c.tick
	e.lastAccess = c.now()
}

func (c *Cache[K, V]) removeLocked(key K) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	c.bytes -= e.size
	return true
}

type victim[K comparable] struct {
	key        K
	lastAccess time.Time
	tick       uint64
}

// purgeLocked evicts oldest entries until the total is at or below minBytes.
// When protect is set, fresh is considered last and is only evicted if it
// alone still exceeds maxBytes.
func (c *Cache[K, V]) purgeLocked(fresh K, protect bool) (PurgeStats, bool) {
	if c.bytes <= c.maxBytes {
		return PurgeStats{}, false
	}
	stats := PurgeStats{FromCount: len(c.entries), FromBytes: c.bytes}

	victims := make([]victim[K], 0, len(c.entries))
	for k, e := range c.entries {
		if protect && k == fresh {
			continue
		}
		victims = append(victims, victim[K]{key: k, lastAccess: e.lastAccess, tick: e.tick})
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].lastAccess.Equal(victims[j].lastAccess) {
			return victims[i].tick < victims[j].tick
		}
		return victims[i].lastAccess.Before(victims[j].lastAccess)
	})

	for _, v := range victims {
		if c.bytes <= c.minBytes {
			break
		}
		if c.removeLocked(v.key) {
			c.evictions++
		}
	}
	if protect && c.bytes > c.maxBytes && c.removeLocked(fresh) {
		c.evictions++
	}

	stats.ToCount = len(c.entries)
	stats.ToBytes = c.bytes
	return stats, stats.Evicted() > 0
}
