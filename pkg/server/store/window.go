// Package store holds each feed's latest admitted update per source.
package store

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

const (
	// DefaultMaxAge is the staleness threshold beyond which a window
	// entry no longer feeds aggregation.
	DefaultMaxAge = feed.DefaultMaxUpdateAge

	// DefaultShards spreads feed keys over independent locks.
	DefaultShards = 16
)

// Gate decides whether an update may enter the window. Satisfied by
// feed.Validator.
type Gate interface {
	Validate(key feed.Key, u feed.PriceUpdate) (bool, feed.RejectReason)
}

// InvalidateFunc is called synchronously after an admitted write, before
// Admit returns, so no reader can see a cache entry staler than the
// newest admitted update.
type InvalidateFunc func(key feed.Key)

// Config holds the window store parameters.
type Config struct {
	MaxAge time.Duration
	Shards int

	// Now is the staleness clock. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// WindowStore is the per-feed, per-source latest-update table. Many
// connection actors write concurrently; query handlers read concurrently.
// Keys are sharded over independent locks.
type WindowStore struct {
	cfg        Config
	gate       Gate
	invalidate InvalidateFunc
	logger     *logging.Logger
	shards     []*windowShard
}

type windowShard struct {
	mu    sync.Mutex
	feeds map[feed.Key]map[string]feed.PriceUpdate
}

// New creates a window store. gate may be nil (every update admitted);
// invalidate may be nil (no cache coupling).
func New(cfg Config, gate Gate, invalidate InvalidateFunc, logger *logging.Logger) *WindowStore {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	shards := make([]*windowShard, cfg.Shards)
	for i := range shards {
		shards[i] = &windowShard{feeds: make(map[feed.Key]map[string]feed.PriceUpdate)}
	}
	return &WindowStore{
		cfg:        cfg,
		gate:       gate,
		invalidate: invalidate,
		logger:     logger,
		shards:     shards,
	}
}

// Admit runs the update through the gate and, if admitted, replaces the
// source's window entry and synchronously invalidates the feed's current
// cache entry before returning.
func (s *WindowStore) Admit(key feed.Key, u feed.PriceUpdate) (bool, feed.RejectReason) {
	if s.gate != nil {
		if ok, reason := s.gate.Validate(key, u); !ok {
			return false, reason
		}
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	window := sh.feeds[key]
	if window == nil {
		window = make(map[string]feed.PriceUpdate)
		sh.feeds[key] = window
	}
	window[u.Source] = u
	sh.mu.Unlock()

	if s.invalidate != nil {
		s.invalidate(key)
	}
	return true, feed.RejectNone
}

// FreshEntries returns the feed's entries younger than the staleness
// threshold, purging expired ones as it reads.
func (s *WindowStore) FreshEntries(key feed.Key) []feed.PriceUpdate {
	now := s.cfg.Now()

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	window := sh.feeds[key]
	if len(window) == 0 {
		return nil
	}

	fresh := make([]feed.PriceUpdate, 0, len(window))
	for source, u := range window {
		if now.Sub(u.Timestamp) > s.cfg.MaxAge {
			delete(window, source)
			continue
		}
		fresh = append(fresh, u)
	}
	if len(window) == 0 {
		delete(sh.feeds, key)
	}
	return fresh
}

// Sources returns how many unexpired entries the feed currently holds.
func (s *WindowStore) Sources(key feed.Key) int {
	return len(s.FreshEntries(key))
}

// Sweep purges expired entries across all feeds and drops feeds whose
// windows emptied out, so a feed with no traffic does not linger. Runs on
// the coordinator's maintenance ticker.
func (s *WindowStore) Sweep() (entries, feeds int) {
	now := s.cfg.Now()

	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, window := range sh.feeds {
			for source, u := range window {
				if now.Sub(u.Timestamp) > s.cfg.MaxAge {
					delete(window, source)
					entries++
				}
			}
			if len(window) == 0 {
				delete(sh.feeds, key)
				feeds++
			}
		}
		sh.mu.Unlock()
	}

	if entries > 0 || feeds > 0 {
		s.logger.Debug("Window sweep", "expired_entries", entries, "removed_feeds", feeds)
	}
	return entries, feeds
}

// Len returns the number of feeds with at least one entry, expired or
// not.
func (s *WindowStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.feeds)
		sh.mu.Unlock()
	}
	return n
}

func (s *WindowStore) shardFor(key feed.Key) *windowShard {
	h := fnv.New32a()
	h.Write([]byte{byte(key.Category)})
	h.Write([]byte(key.Symbol))
	return s.shards[int(h.Sum32())%len(s.shards)]
}
