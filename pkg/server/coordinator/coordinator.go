// Package coordinator wires sources, the admission gate, the update
// window, the consensus aggregator and the price cache into the query
// pipeline the API serves from. It owns the ingest loop, the warm-up
// latch and the layered read path: cache, then fresh-window fusion,
// then a bounded on-demand fetch.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/metrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/store"
)

const (
	// DefaultFetchTimeout bounds the on-demand fallback fetch so a query
	// stays well inside the end-to-end latency target.
	DefaultFetchTimeout = 80 * time.Millisecond

	// DefaultSweepInterval is the cadence of the window maintenance sweep
	// and the source health poll.
	DefaultSweepInterval = 30 * time.Second

	// DefaultUpdateBuffer is the capacity of the shared ingest channel.
	DefaultUpdateBuffer = 512
)

// Config carries the coordinator's own knobs. Feeds is the full set of
// configured feeds with their per-feed limits; queries for anything
// else fail with ErrUnknownFeed.
type Config struct {
	Feeds         map[feed.Key]feed.Limits
	CacheTTL      time.Duration
	FetchTimeout  time.Duration
	SweepInterval time.Duration
	UpdateBuffer  int
	Readiness     ReadinessConfig
	Cache         cache.Config
	Gate          feed.GateConfig
	Aggregation   aggregator.Config
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = DefaultUpdateBuffer
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Deps are the pipeline collaborators. Any nil dependency except
// Sources is constructed with defaults, wired to the others: the gate
// checks deviation against the cache's current median, the window
// invalidates the cache on admission, the warm-up latch publishes on
// the event bus.
type Deps struct {
	Sources   []sources.Source
	Validator *feed.Validator
	Window    *store.WindowStore
	Cache     *cache.PriceCache
	Consensus *aggregator.Consensus
	Rounds    *feed.RoundClock
	Readiness *Readiness
	Events    *EventBus
}

// SourceStatus is one source's health as seen by the coordinator.
type SourceStatus struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Healthy    bool      `json:"healthy"`
	Score      int       `json:"score"`
	LastUpdate time.Time `json:"last_update,omitempty"`
}

// Coordinator runs the ingest loop and serves layered price queries.
type Coordinator struct {
	cfg    Config
	logger *logging.Logger

	sources   []sources.Source
	validator *feed.Validator
	window    *store.WindowStore
	cache     *cache.PriceCache
	consensus *aggregator.Consensus
	rounds    *feed.RoundClock
	readiness *Readiness
	events    *EventBus

	// bySymbol maps a unified symbol to every configured feed it serves;
	// candidates maps a feed to the sources able to fetch it on demand.
	// Both are built once at construction and never mutated.
	bySymbol   map[string][]feed.Key
	candidates map[feed.Key][]sources.Source

	updates chan sources.Update
	done    chan struct{}
	wg      sync.WaitGroup

	mu          sync.Mutex
	started     bool
	closed      bool
	lastHealthy map[string]bool
}

// New assembles a coordinator. Missing Deps fields are built with
// defaults and cross-wired; pass explicit instances to override clocks
// or parameters.
func New(cfg Config, deps Deps, logger *logging.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if deps.Events == nil {
		deps.Events = NewEventBus()
	}
	if deps.Cache == nil {
		ccfg := cfg.Cache
		if ccfg.Now == nil {
			ccfg.Now = cfg.Now
		}
		deps.Cache = cache.New(ccfg)
	}
	if deps.Rounds == nil {
		deps.Rounds = feed.NewRoundClock(time.Time{}, 0)
	}
	if deps.Consensus == nil {
		acfg := cfg.Aggregation
		if acfg.Now == nil {
			acfg.Now = cfg.Now
		}
		deps.Consensus = aggregator.New(acfg, logger)
	}
	if deps.Validator == nil {
		gcfg := cfg.Gate
		if gcfg.Now == nil {
			gcfg.Now = cfg.Now
		}
		deps.Validator = feed.NewValidator(gcfg, cfg.Feeds, medianFromCache(deps.Cache), logger)
	}
	if deps.Window == nil {
		deps.Window = store.New(store.Config{Now: cfg.Now}, deps.Validator, deps.Cache.Invalidate, logger)
	}
	if deps.Readiness == nil {
		events := deps.Events
		now := cfg.Now
		rcfg := cfg.Readiness
		if rcfg.ExpectedFeeds <= 0 {
			rcfg.ExpectedFeeds = len(cfg.Feeds)
		}
		if rcfg.Now == nil {
			rcfg.Now = now
		}
		deps.Readiness = NewReadiness(
			rcfg,
			logger,
			func(reason string) {
				events.Publish(Event{Type: EventWarmedUp, Detail: reason, At: now()})
			})
	}

	bySymbol := make(map[string][]feed.Key, len(cfg.Feeds))
	for key := range cfg.Feeds {
		sym := sources.NormalizeSymbol(key.Symbol)
		bySymbol[sym] = append(bySymbol[sym], key)
	}
	candidates := make(map[feed.Key][]sources.Source)
	for _, src := range deps.Sources {
		for _, sym := range src.Symbols() {
			for _, key := range bySymbol[sources.NormalizeSymbol(sym)] {
				candidates[key] = append(candidates[key], src)
			}
		}
	}

	return &Coordinator{
		cfg:         cfg,
		logger:      logger,
		sources:     deps.Sources,
		validator:   deps.Validator,
		window:      deps.Window,
		cache:       deps.Cache,
		consensus:   deps.Consensus,
		rounds:      deps.Rounds,
		readiness:   deps.Readiness,
		events:      deps.Events,
		bySymbol:    bySymbol,
		candidates:  candidates,
		updates:     make(chan sources.Update, cfg.UpdateBuffer),
		done:        make(chan struct{}),
		lastHealthy: make(map[string]bool, len(deps.Sources)),
	}
}

// Start subscribes to every source and launches the ingest and
// maintenance loops. Sources must already be started by the caller.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.readiness.Start()
	for _, src := range c.sources {
		if err := src.Subscribe(c.updates); err != nil {
			c.logger.Warn("Failed to subscribe to source", "source", src.Name(), "error", err.Error())
		}
	}

	c.wg.Add(2)
	go c.ingestLoop(ctx)
	go c.maintenanceLoop(ctx)

	c.logger.Info("Coordinator started",
		"feeds", len(c.cfg.Feeds),
		"sources", len(c.sources))
	return nil
}

func (c *Coordinator) ingestLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case u := <-c.updates:
			c.ingest(u)
		}
	}
}

// ingest routes one source batch through the admission gate into the
// per-feed windows. A rejected update leaves no trace beyond its
// counter and event.
func (c *Coordinator) ingest(u sources.Update) {
	if u.Error != nil {
		c.logger.Warn("Source reported error", "source", u.Source, "error", u.Error.Error())
		c.events.Publish(Event{Type: EventSourceError, Source: u.Source, Err: u.Error, At: c.cfg.Now()})
		return
	}
	for sym, pu := range u.Prices {
		keys := c.bySymbol[sym]
		if len(keys) == 0 {
			keys = c.bySymbol[sources.NormalizeSymbol(sym)]
		}
		for _, key := range keys {
			admitted, reason := c.window.Admit(key, pu)
			if admitted {
				c.readiness.MarkFeed(key)
				c.events.Publish(Event{Type: EventUpdateAdmitted, Source: pu.Source, Feed: key, At: c.cfg.Now()})
				continue
			}
			c.events.Publish(Event{Type: EventUpdateRejected, Source: pu.Source, Feed: key, Reason: reason, At: c.cfg.Now()})
		}
	}
}

func (c *Coordinator) maintenanceLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.window.Sweep()
			c.pollSourceHealth()
		}
	}
}

// pollSourceHealth publishes a connection event whenever a source
// crosses the healthy/unhealthy boundary.
func (c *Coordinator) pollSourceHealth() {
	for _, src := range c.sources {
		healthy := src.IsHealthy()
		c.mu.Lock()
		prev, seen := c.lastHealthy[src.Name()]
		c.lastHealthy[src.Name()] = healthy
		c.mu.Unlock()
		if seen && prev == healthy {
			continue
		}
		detail := "unhealthy"
		if healthy {
			detail = "healthy"
		}
		c.events.Publish(Event{
			Type:   EventConnectionState,
			Source: src.Name(),
			Detail: fmt.Sprintf("%s_score_%d", detail, src.HealthScore()),
			At:     c.cfg.Now(),
		})
		if !healthy {
			c.logger.Warn("Source became unhealthy", "source", src.Name(), "score", src.HealthScore())
		}
	}
}

// GetCurrentPrice answers one feed query through the layered read path:
// cache hit, fresh-window fusion, then a bounded on-demand fetch. Every
// miss on the final layer surfaces as ErrFeedUnavailable for that feed
// alone.
func (c *Coordinator) GetCurrentPrice(ctx context.Context, key feed.Key) (feed.AggregatedPrice, error) {
	if c.isShuttingDown() {
		return feed.AggregatedPrice{}, ErrShuttingDown
	}
	start := time.Now()
	defer func() { metrics.RecordQuery("current_price", time.Since(start)) }()

	limits, ok := c.cfg.Feeds[key]
	if !ok {
		return feed.AggregatedPrice{}, fmt.Errorf("%w: %s", ErrUnknownFeed, key)
	}

	if v, ok := c.cache.GetCurrent(key); ok {
		return v, nil
	}

	v, err := c.fuse(key, limits)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, aggregator.ErrInsufficientSources) {
		c.logger.Debug("fusion failed", "feed", key.String(), "error", err.Error())
	}

	v, err = c.fallbackFetch(ctx, key, limits)
	if err != nil {
		c.events.Publish(Event{Type: EventAggregationFailed, Feed: key, Err: err, At: c.cfg.Now()})
		c.logger.Warn("Feed unavailable", "feed", key.String(), "error", err.Error())
		return feed.AggregatedPrice{}, fmt.Errorf("%w: %s", ErrFeedUnavailable, key)
	}
	return v, nil
}

// GetCurrentPrices answers a batch concurrently. Unavailable feeds are
// simply absent from the result; only shutdown fails the whole batch.
func (c *Coordinator) GetCurrentPrices(ctx context.Context, keys []feed.Key) (map[feed.Key]feed.AggregatedPrice, error) {
	if c.isShuttingDown() {
		return nil, ErrShuttingDown
	}

	results := make(map[feed.Key]feed.AggregatedPrice, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k feed.Key) {
			defer wg.Done()
			v, err := c.GetCurrentPrice(ctx, k)
			if err != nil {
				c.logger.Debug("batch query miss", "feed", k.String(), "error", err.Error())
				return
			}
			mu.Lock()
			results[k] = v
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return results, nil
}

// GetRoundPrice answers a query pinned to a voting round. A snapshot
// taken when the round was current wins; otherwise the feed is computed
// now, tagged with the requested round and snapshotted write-once.
func (c *Coordinator) GetRoundPrice(ctx context.Context, round uint32, key feed.Key) (feed.AggregatedPrice, error) {
	if c.isShuttingDown() {
		return feed.AggregatedPrice{}, ErrShuttingDown
	}
	start := time.Now()
	defer func() { metrics.RecordQuery("round_price", time.Since(start)) }()

	if v, ok := c.cache.GetByRound(key, round); ok {
		return v, nil
	}

	v, err := c.GetCurrentPrice(ctx, key)
	if err != nil {
		return feed.AggregatedPrice{}, err
	}
	v.VotingRound = round
	if c.cache.SetByRound(key, round, v) {
		return v, nil
	}
	// Lost a write-once race; the stored snapshot is authoritative.
	if stored, ok := c.cache.GetByRound(key, round); ok {
		return stored, nil
	}
	return v, nil
}

// GetRoundPrices is the batch form of GetRoundPrice.
func (c *Coordinator) GetRoundPrices(ctx context.Context, round uint32, keys []feed.Key) (map[feed.Key]feed.AggregatedPrice, error) {
	if c.isShuttingDown() {
		return nil, ErrShuttingDown
	}

	results := make(map[feed.Key]feed.AggregatedPrice, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k feed.Key) {
			defer wg.Done()
			v, err := c.GetRoundPrice(ctx, round, k)
			if err != nil {
				c.logger.Debug("batch round query miss",
					"feed", k.String(),
					"round", round,
					"error", err.Error())
				return
			}
			mu.Lock()
			results[k] = v
			mu.Unlock()
		}(key)
	}
	wg.Wait()
	return results, nil
}

// fuse aggregates the feed's fresh window entries, tags the result with
// the current voting round and writes it through to both cache spaces.
func (c *Coordinator) fuse(key feed.Key, limits feed.Limits) (feed.AggregatedPrice, error) {
	entries := c.window.FreshEntries(key)
	agg, err := c.consensus.Aggregate(key, entries, limits)
	if err != nil {
		return feed.AggregatedPrice{}, err
	}
	agg.VotingRound = c.rounds.Current()
	c.cache.SetCurrent(key, agg, c.cfg.CacheTTL)
	c.cache.SetByRound(key, agg.VotingRound, agg)
	return agg, nil
}

// fallbackFetch performs the bounded on-demand path: for each capable
// source, healthiest first, consult its in-memory stream snapshot and
// then its request/response endpoint for an observation the gate will
// admit. If the window still lacks quorum after admission, the single
// observation is served as a degraded answer with zero consensus score
// and coverage-scaled confidence.
func (c *Coordinator) fallbackFetch(ctx context.Context, key feed.Key, limits feed.Limits) (feed.AggregatedPrice, error) {
	candidates := c.orderedCandidates(key)
	if len(candidates) == 0 {
		return feed.AggregatedPrice{}, fmt.Errorf("no sources serve %s", key)
	}
	limits = limits.WithDefaults()

	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	sym := sources.NormalizeSymbol(key.Symbol)
	var lastErr error
	for _, src := range candidates {
		// The snapshot costs no network round trip; the gate still decides
		// whether it is fresh enough to serve.
		if snap, err := src.GetPrices(fctx); err == nil {
			if u, ok := snap[sym]; ok {
				if v, _, ok := c.admitObservation(key, limits, u); ok {
					return v, nil
				}
			}
		}

		prices, err := src.FetchPrices(fctx)
		if err != nil {
			lastErr = err
			c.logger.Debug("fallback fetch failed", "source", src.Name(), "error", err.Error())
			continue
		}
		u, ok := prices[sym]
		if !ok {
			continue
		}
		v, reason, ok := c.admitObservation(key, limits, u)
		if !ok {
			lastErr = fmt.Errorf("fetched update rejected: %s", reason)
			continue
		}
		return v, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate returned %s", key)
	}
	return feed.AggregatedPrice{}, lastErr
}

// admitObservation pushes one on-demand observation through the gate and
// serves the best answer it enables: full fusion when the window reaches
// quorum, otherwise the observation alone as a degraded answer.
func (c *Coordinator) admitObservation(key feed.Key, limits feed.Limits, u feed.PriceUpdate) (feed.AggregatedPrice, feed.RejectReason, bool) {
	admitted, reason := c.window.Admit(key, u)
	if !admitted {
		return feed.AggregatedPrice{}, reason, false
	}
	c.readiness.MarkFeed(key)

	if v, err := c.fuse(key, limits); err == nil {
		return v, feed.RejectNone, true
	}

	coverage := 1.0 / float64(limits.ExpectedSources)
	v := feed.AggregatedPrice{
		Symbol:      key.Symbol,
		Price:       u.Price,
		Timestamp:   c.cfg.Now(),
		Sources:     []string{u.Source},
		Confidence:  u.Confidence * coverage,
		VotingRound: c.rounds.Current(),
	}
	c.cache.SetCurrent(key, v, c.cfg.CacheTTL)
	c.logger.Debug("serving degraded single-source answer",
		"feed", key.String(),
		"source", u.Source)
	return v, feed.RejectNone, true
}

// orderedCandidates returns the sources able to fetch a feed, healthiest
// first.
func (c *Coordinator) orderedCandidates(key feed.Key) []sources.Source {
	base := c.candidates[key]
	if len(base) == 0 {
		return nil
	}
	out := make([]sources.Source, len(base))
	copy(out, base)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].HealthScore() > out[j].HealthScore()
	})
	return out
}

// Feeds returns the configured feed keys in stable order.
func (c *Coordinator) Feeds() []feed.Key {
	keys := make([]feed.Key, 0, len(c.cfg.Feeds))
	for k := range c.cfg.Feeds {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Category != keys[j].Category {
			return keys[i].Category < keys[j].Category
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}

// KnownFeed reports whether key is configured.
func (c *Coordinator) KnownFeed(key feed.Key) bool {
	_, ok := c.cfg.Feeds[key]
	return ok
}

// Ready reports whether warm-up has completed.
func (c *Coordinator) Ready() bool {
	return c.readiness.Ready()
}

// ReadinessStats snapshots warm-up progress.
func (c *Coordinator) ReadinessStats() ReadinessStats {
	return c.readiness.Stats()
}

// CacheStats snapshots cache counters.
func (c *Coordinator) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// AggregationStats snapshots aggregator counters.
func (c *Coordinator) AggregationStats() aggregator.Stats {
	return c.consensus.Stats()
}

// GateStats snapshots admission counters.
func (c *Coordinator) GateStats() feed.GateStats {
	return c.validator.Stats()
}

// Events returns the coordinator's event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// SourceStatuses reports the health of every attached source.
func (c *Coordinator) SourceStatuses() []SourceStatus {
	statuses := make([]SourceStatus, 0, len(c.sources))
	for _, src := range c.sources {
		statuses = append(statuses, SourceStatus{
			Name:       src.Name(),
			Type:       string(src.Type()),
			Healthy:    src.IsHealthy(),
			Score:      src.HealthScore(),
			LastUpdate: src.LastUpdate(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Shutdown stops the loops, the sources and the event bus. Queries
// issued after Shutdown begins fail with ErrShuttingDown. Idempotent.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	for _, src := range c.sources {
		if err := src.Stop(); err != nil {
			c.logger.Warn("Error stopping source", "source", src.Name(), "error", err.Error())
		}
	}
	c.readiness.Stop()
	c.wg.Wait()
	c.events.Close()
	c.logger.Info("Coordinator stopped")
}

func (c *Coordinator) isShuttingDown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// medianFromCache adapts the cache's current space into the gate's
// median lookup.
func medianFromCache(pc *cache.PriceCache) feed.MedianLookup {
	return func(key feed.Key) (decimal.Decimal, bool) {
		v, ok := pc.GetCurrent(key)
		if !ok {
			return decimal.Decimal{}, false
		}
		return v.Price, true
	}
}
