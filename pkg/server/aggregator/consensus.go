// Package aggregator fuses one feed's fresh source updates into a single
// consensus price with agreement and confidence scores.
package aggregator

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/metrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

const (
	// DefaultDecayConstant is the exponential time-decay constant for
	// observation weights. An update this old keeps ~37% of its weight.
	DefaultDecayConstant = time.Second

	// minWeight keeps a zero-confidence update from vanishing entirely,
	// so source counts and ordering stay well defined.
	minWeight = 1e-9
)

// Config holds the consensus parameters shared by all feeds.
type Config struct {
	// DecayConstant controls how fast older observations lose weight.
	DecayConstant time.Duration

	// SourceWeights are static per-source multipliers from configuration
	// (1.0 = standard). Sources not listed weigh 1.0.
	SourceWeights map[string]float64

	// Now is the clock used for decay weighting. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.DecayConstant <= 0 {
		c.DecayConstant = DefaultDecayConstant
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats is a snapshot of aggregation outcomes since start.
type Stats struct {
	Aggregations     uint64
	Insufficient     uint64
	OutliersRejected uint64
}

// Consensus fuses updates into a weighted-median price. Aggregate is a
// deterministic function of (updates, limits, now): neither input order
// nor equal-price ties change the result.
type Consensus struct {
	cfg    Config
	logger *logging.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a consensus aggregator.
func New(cfg Config, logger *logging.Logger) *Consensus {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Consensus{
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

type weightedUpdate struct {
	update feed.PriceUpdate
	weight float64
}

// Aggregate fuses one feed's fresh window entries.
//
// Updates are weighted by exp(-age/decay) x confidence x static source
// weight, fused to the weighted median (the smallest price whose
// cumulative weight reaches half the total), then passed through an
// outlier rejection pass against that median. ErrInsufficientSources is
// an expected outcome whenever fewer than the feed's minimum survive; it
// signals the caller to fall back, not a failure worth logging.
func (c *Consensus) Aggregate(key feed.Key, updates []feed.PriceUpdate, limits feed.Limits) (feed.AggregatedPrice, error) {
	start := time.Now()
	defer func() {
		metrics.RecordAggregation("consensus", time.Since(start))
	}()

	limits = limits.WithDefaults()
	if len(updates) < limits.MinSources {
		c.record(func(s *Stats) { s.Insufficient++ })
		return feed.AggregatedPrice{}, fmt.Errorf("%w: %s has %d of %d required sources",
			ErrInsufficientSources, key, len(updates), limits.MinSources)
	}

	now := c.cfg.Now()
	weighted := make([]weightedUpdate, 0, len(updates))
	for _, u := range updates {
		weighted = append(weighted, weightedUpdate{update: u, weight: c.weightOf(u, now)})
	}
	sortByPrice(weighted)

	median := weightedMedian(weighted)
	surviving, rejected := c.rejectOutliers(key, weighted, median, limits.OutlierThresholdPct)
	if len(surviving) < limits.MinSources {
		c.record(func(s *Stats) {
			s.Insufficient++
			s.OutliersRejected += uint64(rejected)
		})
		return feed.AggregatedPrice{}, fmt.Errorf("%w: %s has %d of %d required sources after outlier rejection",
			ErrInsufficientSources, key, len(surviving), limits.MinSources)
	}
	if rejected > 0 {
		median = weightedMedian(surviving)
	}

	score := consensusScore(surviving, median)
	confidence := fusedConfidence(surviving, len(surviving), limits.ExpectedSources)

	sourceIDs := make([]string, 0, len(surviving))
	for _, w := range surviving {
		sourceIDs = append(sourceIDs, w.update.Source)
	}
	sort.Strings(sourceIDs)

	c.record(func(s *Stats) {
		s.Aggregations++
		s.OutliersRejected += uint64(rejected)
	})
	metrics.RecordConsensusScore(key.String(), score)

	return feed.AggregatedPrice{
		Symbol:         key.Symbol,
		Price:          median,
		Timestamp:      now,
		Sources:        sourceIDs,
		Confidence:     confidence,
		ConsensusScore: score,
	}, nil
}

// Stats returns a snapshot of the aggregation counters.
func (c *Consensus) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Consensus) record(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// weightOf combines time decay, the update's own confidence, and the
// static source weight. Future-stamped updates decay as if current.
func (c *Consensus) weightOf(u feed.PriceUpdate, now time.Time) float64 {
	age := now.Sub(u.Timestamp)
	if age < 0 {
		age = 0
	}
	decay := math.Exp(-float64(age) / float64(c.cfg.DecayConstant))

	static := 1.0
	if w, ok := c.cfg.SourceWeights[u.Source]; ok && w > 0 {
		static = w
	}

	weight := static * decay * u.Confidence
	if weight < minWeight {
		weight = minWeight
	}
	return weight
}

// rejectOutliers drops updates deviating from the median by more than
// thresholdPct percent.
func (c *Consensus) rejectOutliers(key feed.Key, ups []weightedUpdate, median decimal.Decimal, thresholdPct float64) ([]weightedUpdate, int) {
	threshold := decimal.NewFromFloat(thresholdPct)
	hundred := decimal.NewFromInt(100)

	surviving := make([]weightedUpdate, 0, len(ups))
	rejected := 0
	for _, w := range ups {
		deviationPct := w.update.Price.Sub(median).Abs().Div(median).Mul(hundred)
		if deviationPct.GreaterThan(threshold) {
			c.logger.Debug("Rejecting outlier from consensus",
				"feed", key.String(),
				"source", w.update.Source,
				"price", w.update.Price.String(),
				"median", median.String(),
				"deviation_pct", deviationPct.StringFixed(2))
			metrics.RecordOutlierRejection(key.String())
			rejected++
			continue
		}
		surviving = append(surviving, w)
	}
	return surviving, rejected
}

// sortByPrice orders updates ascending by price, breaking equal prices by
// source id so the fusion result is independent of input order.
func sortByPrice(ups []weightedUpdate) {
	sort.Slice(ups, func(i, j int) bool {
		if ups[i].update.Price.Equal(ups[j].update.Price) {
			return ups[i].update.Source < ups[j].update.Source
		}
		return ups[i].update.Price.LessThan(ups[j].update.Price)
	})
}

// weightedMedian returns the smallest price whose cumulative weight
// reaches half the total weight. Input must be sorted by price.
func weightedMedian(ups []weightedUpdate) decimal.Decimal {
	if len(ups) == 0 {
		return decimal.Zero
	}

	total := 0.0
	for _, w := range ups {
		total += w.weight
	}
	target := total / 2

	cumulative := 0.0
	for _, w := range ups {
		cumulative += w.weight
		if cumulative >= target {
			return w.update.Price
		}
	}
	return ups[len(ups)-1].update.Price
}

// consensusScore maps the weighted mean absolute deviation around the
// median, normalized by the median, to (0, 1]: perfect agreement is 1,
// wider spread approaches 0.
func consensusScore(ups []weightedUpdate, median decimal.Decimal) float64 {
	if len(ups) == 0 || median.IsZero() {
		return 0
	}

	spread := decimal.Zero
	total := 0.0
	for _, w := range ups {
		dev := w.update.Price.Sub(median).Abs().Mul(decimal.NewFromFloat(w.weight))
		spread = spread.Add(dev)
		total += w.weight
	}
	if total <= 0 {
		return 0
	}

	spreadRatio := spread.
		Div(decimal.NewFromFloat(total)).
		Div(median).
		InexactFloat64()
	return 1 / (1 + spreadRatio)
}

// fusedConfidence is the weighted mean of surviving confidences, scaled
// down when coverage is thin relative to the feed's expected sources.
func fusedConfidence(ups []weightedUpdate, surviving, expected int) float64 {
	if len(ups) == 0 {
		return 0
	}

	sum := 0.0
	total := 0.0
	for _, w := range ups {
		sum += w.update.Confidence * w.weight
		total += w.weight
	}
	if total <= 0 {
		return 0
	}
	confidence := sum / total

	if expected > 0 && surviving < expected {
		confidence *= float64(surviving) / float64(expected)
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}
