package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/metrics"
)

const (
	// DefaultMaxUpdateAge is the admission staleness window.
	DefaultMaxUpdateAge = 2000 * time.Millisecond

	// DefaultFutureTolerance absorbs small clock skew between the provider
	// and a source's observation timestamps.
	DefaultFutureTolerance = 500 * time.Millisecond

	maxPastDrift   = 5 * time.Minute
	maxFutureDrift = time.Minute
)

// RejectReason labels why the gate refused an update.
type RejectReason string

const (
	RejectNone       RejectReason = ""
	RejectMalformed  RejectReason = "malformed"
	RejectStale      RejectReason = "stale"
	RejectFuture     RejectReason = "future_timestamp"
	RejectOutOfRange RejectReason = "out_of_range"
	RejectDeviation  RejectReason = "deviation"
)

// MedianLookup returns the current consensus median for a feed, if one
// exists. Injected by the coordinator so the gate can check cross-source
// deviation without depending on the cache.
type MedianLookup func(key Key) (decimal.Decimal, bool)

// GateConfig configures the validation gate.
type GateConfig struct {
	MaxUpdateAge    time.Duration
	FutureTolerance time.Duration

	// Now is the clock used for staleness checks. Defaults to time.Now.
	Now func() time.Time
}

// GateStats counts admissions and rejections by reason.
type GateStats struct {
	Admitted uint64                  `json:"admitted"`
	Rejected uint64                  `json:"rejected"`
	ByReason map[RejectReason]uint64 `json:"by_reason"`
}

// Validator decides admit/reject for one PriceUpdate before it can reach
// any feed's window. Rejections are counted, never raised as errors.
type Validator struct {
	cfg    GateConfig
	limits map[Key]Limits
	median MedianLookup
	logger *logging.Logger

	mu    sync.Mutex
	stats GateStats
}

// NewValidator creates the gate. limits may be nil; feeds without an entry
// use the package defaults. median may be nil to skip the deviation check.
func NewValidator(cfg GateConfig, limits map[Key]Limits, median MedianLookup, logger *logging.Logger) *Validator {
	if cfg.MaxUpdateAge <= 0 {
		cfg.MaxUpdateAge = DefaultMaxUpdateAge
	}
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = DefaultFutureTolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	withDefaults := make(map[Key]Limits, len(limits))
	for k, l := range limits {
		withDefaults[k] = l.WithDefaults()
	}
	return &Validator{
		cfg:    cfg,
		limits: withDefaults,
		median: median,
		logger: logger,
		stats:  GateStats{ByReason: make(map[RejectReason]uint64)},
	}
}

// Limits returns the admission limits for a feed, defaulted if the feed
// has no explicit entry.
func (v *Validator) Limits(key Key) Limits {
	if l, ok := v.limits[key]; ok {
		return l
	}
	return Limits{}.WithDefaults()
}

// Validate runs the admission checks in order, short-circuiting on the
// first failure. It never returns an error; the caller simply does not
// admit the update when ok is false.
func (v *Validator) Validate(key Key, u PriceUpdate) (ok bool, reason RejectReason) {
	if reason := v.check(key, u); reason != RejectNone {
		v.record(reason)
		metrics.RecordRejection(u.Source, string(reason))
		v.logger.Debug("rejected update",
			"feed", key.String(),
			"source", u.Source,
			"reason", string(reason))
		return false, reason
	}
	v.record(RejectNone)
	return true, RejectNone
}

func (v *Validator) check(key Key, u PriceUpdate) RejectReason {
	now := v.cfg.Now()

	// Structural validity.
	if u.Symbol == "" || u.Source == "" {
		return RejectMalformed
	}
	if !u.Price.IsPositive() {
		return RejectMalformed
	}
	if u.Confidence < 0 || u.Confidence > 1 {
		return RejectMalformed
	}
	if u.Timestamp.IsZero() ||
		u.Timestamp.Before(now.Add(-maxPastDrift)) ||
		u.Timestamp.After(now.Add(maxFutureDrift)) {
		return RejectMalformed
	}

	// Staleness.
	age := now.Sub(u.Timestamp)
	if age > v.cfg.MaxUpdateAge {
		return RejectStale
	}
	if age < -v.cfg.FutureTolerance {
		return RejectFuture
	}

	// Absolute range bounds, when configured.
	limits := v.Limits(key)
	if !limits.MinPrice.IsZero() && u.Price.LessThan(limits.MinPrice) {
		return RejectOutOfRange
	}
	if !limits.MaxPrice.IsZero() && u.Price.GreaterThan(limits.MaxPrice) {
		return RejectOutOfRange
	}

	// Cross-source deviation against the current consensus median.
	if v.median != nil {
		if median, exists := v.median(key); exists && median.IsPositive() {
			deviationPct := u.Price.Sub(median).Abs().Div(median).Mul(decimal.NewFromInt(100))
			if deviationPct.GreaterThan(decimal.NewFromFloat(limits.MaxDeviationPct)) {
				return RejectDeviation
			}
		}
	}

	return RejectNone
}

func (v *Validator) record(reason RejectReason) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reason == RejectNone {
		v.stats.Admitted++
		return
	}
	v.stats.Rejected++
	v.stats.ByReason[reason]++
}

// Stats returns a copy of the gate counters.
func (v *Validator) Stats() GateStats {
	v.mu.Lock()
	defer v.mu.Unlock()
	byReason := make(map[RejectReason]uint64, len(v.stats.ByReason))
	for k, c := range v.stats.ByReason {
		byReason[k] = c
	}
	return GateStats{
		Admitted: v.stats.Admitted,
		Rejected: v.stats.Rejected,
		ByReason: byReason,
	}
}
