package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/metrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

const (
	DefaultNearFraction    = 0.95
	DefaultNearAfter       = 30 * time.Second
	DefaultPartialFraction = 0.90
	DefaultPartialAfter    = 60 * time.Second
	DefaultWarmupCeiling   = 2 * time.Minute
	DefaultCheckInterval   = time.Second
)

// ReadinessConfig controls when the warm-up latch trips. The latch
// completes as soon as any condition holds: every expected feed has
// data, NearFraction of them after NearAfter, PartialFraction after
// PartialAfter, or unconditionally once Ceiling has elapsed.
type ReadinessConfig struct {
	ExpectedFeeds   int
	NearFraction    float64
	NearAfter       time.Duration
	PartialFraction float64
	PartialAfter    time.Duration
	Ceiling         time.Duration
	CheckInterval   time.Duration
	Now             func() time.Time
}

func (c ReadinessConfig) withDefaults() ReadinessConfig {
	if c.NearFraction <= 0 {
		c.NearFraction = DefaultNearFraction
	}
	if c.NearAfter <= 0 {
		c.NearAfter = DefaultNearAfter
	}
	if c.PartialFraction <= 0 {
		c.PartialFraction = DefaultPartialFraction
	}
	if c.PartialAfter <= 0 {
		c.PartialAfter = DefaultPartialAfter
	}
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultWarmupCeiling
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ReadinessStats is a point-in-time snapshot of warm-up progress.
type ReadinessStats struct {
	Expected   int                        `json:"expected"`
	WithData   int                        `json:"with_data"`
	Ready      bool                       `json:"ready"`
	Reason     string                     `json:"reason,omitempty"`
	Elapsed    time.Duration              `json:"elapsed"`
	TimeToData map[feed.Key]time.Duration `json:"time_to_data,omitempty"`
}

// Readiness is the warm-up latch. Feeds report their first admitted
// update through MarkFeed; once a completion condition holds the latch
// trips exactly once and never resets.
type Readiness struct {
	cfg     ReadinessConfig
	logger  *logging.Logger
	onReady func(reason string)

	mu        sync.Mutex
	started   time.Time
	firstData map[feed.Key]time.Duration
	ready     bool
	reason    string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewReadiness builds the latch. onReady, if non-nil, runs exactly once
// when the latch trips, outside the latch's own lock.
func NewReadiness(cfg ReadinessConfig, logger *logging.Logger, onReady func(reason string)) *Readiness {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Readiness{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		onReady:   onReady,
		firstData: make(map[feed.Key]time.Duration),
		stop:      make(chan struct{}),
	}
}

// Start stamps the beginning of warm-up and launches the periodic
// evaluation loop that handles the time-based conditions.
func (r *Readiness) Start() {
	r.mu.Lock()
	if !r.started.IsZero() {
		r.mu.Unlock()
		return
	}
	r.started = r.cfg.Now()
	r.mu.Unlock()

	metrics.RecordReadiness(false)
	go r.loop()
}

func (r *Readiness) loop() {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if r.Evaluate() {
				return
			}
		}
	}
}

// MarkFeed records that key received its first admitted update. Repeat
// calls for the same feed are no-ops. Each new feed re-evaluates the
// completion conditions.
func (r *Readiness) MarkFeed(key feed.Key) {
	r.mu.Lock()
	if _, seen := r.firstData[key]; seen {
		r.mu.Unlock()
		return
	}
	start := r.started
	if start.IsZero() {
		start = r.cfg.Now()
		r.started = start
	}
	r.firstData[key] = r.cfg.Now().Sub(start)
	n := len(r.firstData)
	r.mu.Unlock()

	metrics.RecordActiveFeeds(n)
	r.Evaluate()
}

// Evaluate checks the completion conditions and trips the latch when
// one holds. Returns the latch state after the check.
func (r *Readiness) Evaluate() bool {
	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()
		return true
	}
	if r.started.IsZero() {
		r.mu.Unlock()
		return false
	}

	n := len(r.firstData)
	elapsed := r.cfg.Now().Sub(r.started)
	reason := r.completionReason(n, elapsed)
	if reason == "" {
		r.mu.Unlock()
		return false
	}

	r.ready = true
	r.reason = reason
	onReady := r.onReady
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })
	metrics.RecordReadiness(true)
	r.logger.Info("Provider warmed up",
		"reason", reason,
		"feeds", n,
		"expected", r.cfg.ExpectedFeeds,
		"elapsed", elapsed.String())
	if onReady != nil {
		onReady(reason)
	}
	return true
}

func (r *Readiness) completionReason(withData int, elapsed time.Duration) string {
	expected := r.cfg.ExpectedFeeds
	if expected <= 0 || withData >= expected {
		return "all_feeds"
	}
	fraction := float64(withData) / float64(expected)
	switch {
	case fraction >= r.cfg.NearFraction && elapsed >= r.cfg.NearAfter:
		return fmt.Sprintf("near_full_%d_of_%d", withData, expected)
	case fraction >= r.cfg.PartialFraction && elapsed >= r.cfg.PartialAfter:
		return fmt.Sprintf("partial_%d_of_%d", withData, expected)
	case elapsed >= r.cfg.Ceiling:
		return "warmup_ceiling"
	}
	return ""
}

// Ready reports whether warm-up has completed.
func (r *Readiness) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Stats snapshots warm-up progress including per-feed time to first
// data.
func (r *Readiness) Stats() ReadinessStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	ttd := make(map[feed.Key]time.Duration, len(r.firstData))
	for k, d := range r.firstData {
		ttd[k] = d
	}
	var elapsed time.Duration
	if !r.started.IsZero() {
		elapsed = r.cfg.Now().Sub(r.started)
	}
	return ReadinessStats{
		Expected:   r.cfg.ExpectedFeeds,
		WithData:   len(r.firstData),
		Ready:      r.ready,
		Reason:     r.reason,
		Elapsed:    elapsed,
		TimeToData: ttd,
	}
}

// Stop halts the evaluation loop without tripping the latch. Used on
// shutdown before warm-up has completed.
func (r *Readiness) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
