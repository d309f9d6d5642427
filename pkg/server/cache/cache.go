// Package cache bounds how stale a served price can ever be.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/metrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

const (
	// MaxCurrentTTL is the ceiling on any current-space entry's life.
	// The effective TTL is always min(requested, MaxCurrentTTL); this
	// clamp is what bounds staleness for the whole pipeline, so it is an
	// invariant, not a default.
	MaxCurrentTTL = 1000 * time.Millisecond

	// DefaultByRoundTTL keeps per-round snapshots around for replay.
	DefaultByRoundTTL = 5 * time.Minute

	// DefaultCapacity bounds the total entry count across both spaces.
	DefaultCapacity = 1024

	spaceCurrent = "current"
	spaceByRound = "by_round"
)

// Config holds the cache parameters.
type Config struct {
	Capacity   int
	ByRoundTTL time.Duration

	// Now is the expiry clock. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.ByRoundTTL <= 0 {
		c.ByRoundTTL = DefaultByRoundTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats is a snapshot of cache activity since start.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Expirations   uint64
	Evictions     uint64
	Invalidations uint64
}

type entryKey struct {
	space string
	key   feed.Key
	round uint32
}

type entry struct {
	value     feed.AggregatedPrice
	writeTime time.Time
	ttl       time.Duration
	elem      *list.Element
}

// PriceCache is the freshness-bounded fused-price store. The current
// space holds one live entry per feed, clamped to MaxCurrentTTL and
// superseded continuously; the by-round space holds write-once snapshots
// keyed by (feed, voting round) on a longer TTL. Capacity eviction is
// least-recently-accessed: reads refresh recency, not just writes.
type PriceCache struct {
	cfg Config

	mu      sync.Mutex
	entries map[entryKey]*entry
	lru     *list.List
	stats   Stats
}

// New creates a price cache.
func New(cfg Config) *PriceCache {
	return &PriceCache{
		cfg:     cfg.withDefaults(),
		entries: make(map[entryKey]*entry),
		lru:     list.New(),
	}
}

// SetCurrent writes a feed's live fused price. requestedTTL is clamped to
// MaxCurrentTTL; zero or negative means the full clamp window.
func (c *PriceCache) SetCurrent(key feed.Key, value feed.AggregatedPrice, requestedTTL time.Duration) {
	ttl := requestedTTL
	if ttl <= 0 || ttl > MaxCurrentTTL {
		ttl = MaxCurrentTTL
	}
	c.set(entryKey{space: spaceCurrent, key: key}, value, ttl)
}

// GetCurrent returns the feed's live entry if it is still within TTL.
func (c *PriceCache) GetCurrent(key feed.Key) (feed.AggregatedPrice, bool) {
	return c.get(entryKey{space: spaceCurrent, key: key})
}

// SetByRound snapshots a fused price for a voting round. Rounds are
// write-once: if a live snapshot already exists for (key, round), the
// write is dropped and SetByRound reports false.
func (c *PriceCache) SetByRound(key feed.Key, round uint32, value feed.AggregatedPrice) bool {
	ek := entryKey{space: spaceByRound, key: key, round: round}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[ek]; ok && !c.expired(e, c.cfg.Now()) {
		return false
	}
	c.setLocked(ek, value, c.cfg.ByRoundTTL)
	return true
}

// GetByRound returns the round snapshot if it is still within TTL.
func (c *PriceCache) GetByRound(key feed.Key, round uint32) (feed.AggregatedPrice, bool) {
	return c.get(entryKey{space: spaceByRound, key: key, round: round})
}

// Invalidate removes the feed's current-space entry, leaving by-round
// snapshots untouched. Called synchronously by the window store when a
// fresher update is admitted.
func (c *PriceCache) Invalidate(key feed.Key) {
	ek := entryKey{space: spaceCurrent, key: key}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[ek]; ok {
		c.removeLocked(ek, e)
		c.stats.Invalidations++
		metrics.RecordCacheEviction(spaceCurrent, "invalidation")
	}
}

// Stats returns a snapshot of the cache counters.
func (c *PriceCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the number of live plus not-yet-collected entries.
func (c *PriceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *PriceCache) get(ek entryKey) (feed.AggregatedPrice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ek]
	if !ok {
		c.stats.Misses++
		metrics.RecordCacheRequest(ek.space, "miss")
		return feed.AggregatedPrice{}, false
	}
	if c.expired(e, c.cfg.Now()) {
		c.removeLocked(ek, e)
		c.stats.Expirations++
		c.stats.Misses++
		metrics.RecordCacheEviction(ek.space, "expired")
		metrics.RecordCacheRequest(ek.space, "miss")
		return feed.AggregatedPrice{}, false
	}

	c.lru.MoveToFront(e.elem)
	c.stats.Hits++
	metrics.RecordCacheRequest(ek.space, "hit")
	return e.value, true
}

func (c *PriceCache) set(ek entryKey, value feed.AggregatedPrice, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(ek, value, ttl)
}

func (c *PriceCache) setLocked(ek entryKey, value feed.AggregatedPrice, ttl time.Duration) {
	now := c.cfg.Now()

	if e, ok := c.entries[ek]; ok {
		e.value = value
		e.writeTime = now
		e.ttl = ttl
		c.lru.MoveToFront(e.elem)
		return
	}

	for len(c.entries) >= c.cfg.Capacity {
		c.evictOldestLocked()
	}
	c.entries[ek] = &entry{
		value:     value,
		writeTime: now,
		ttl:       ttl,
		elem:      c.lru.PushFront(ek),
	}
}

func (c *PriceCache) evictOldestLocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	ek := back.Value.(entryKey)
	if e, ok := c.entries[ek]; ok {
		c.removeLocked(ek, e)
		c.stats.Evictions++
		metrics.RecordCacheEviction(ek.space, "capacity")
	}
}

func (c *PriceCache) removeLocked(ek entryKey, e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, ek)
}

func (c *PriceCache) expired(e *entry, now time.Time) bool {
	return now.Sub(e.writeTime) > e.ttl
}
