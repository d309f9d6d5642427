// Package feed defines the oracle feed domain model: feed keys, price
// updates, aggregated values, the voting round clock and the validation
// gate that admits updates into the system.
package feed

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the FTSO feed category byte.
type Category uint8

const (
	CategoryNone      Category = 0
	CategoryCrypto    Category = 1
	CategoryFX        Category = 2
	CategoryCommodity Category = 3
	CategoryStock     Category = 4
)

// String returns the lowercase category name.
func (c Category) String() string {
	switch c {
	case CategoryCrypto:
		return "crypto"
	case CategoryFX:
		return "fx"
	case CategoryCommodity:
		return "commodity"
	case CategoryStock:
		return "stock"
	default:
		return "none"
	}
}

// ParseCategory accepts a category name or its numeric value.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crypto", "1":
		return CategoryCrypto, nil
	case "fx", "forex", "2":
		return CategoryFX, nil
	case "commodity", "3":
		return CategoryCommodity, nil
	case "stock", "equity", "4":
		return CategoryStock, nil
	case "none", "0", "":
		return CategoryNone, nil
	default:
		return CategoryNone, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
}

// Key identifies one oracle feed by category and unified symbol.
type Key struct {
	Category Category
	Symbol   string
}

// NewKey builds a feed key for a unified symbol like "BTC/USD".
func NewKey(category Category, symbol string) Key {
	return Key{Category: category, Symbol: symbol}
}

// String renders the key as "crypto:BTC/USD".
func (k Key) String() string {
	return k.Category.String() + ":" + k.Symbol
}

// MarshalText renders the key in its String form, so keys work as JSON
// map keys in stats payloads.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a key from its String form.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey parses a "category:SYMBOL" string produced by Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	cat, err := ParseCategory(parts[0])
	if err != nil {
		return Key{}, err
	}
	return Key{Category: cat, Symbol: parts[1]}, nil
}

// PriceUpdate is one price observation from a source. Immutable once
// constructed; Timestamp is the observation time, not the receipt time.
type PriceUpdate struct {
	Symbol     string          `json:"symbol"`
	Source     string          `json:"source"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Confidence float64         `json:"confidence"`
}

// AggregatedPrice is the fused output for one feed. Recomputed on demand,
// never mutated after construction.
type AggregatedPrice struct {
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	Timestamp      time.Time       `json:"timestamp"`
	Sources        []string        `json:"sources"`
	Confidence     float64         `json:"confidence"`
	ConsensusScore float64         `json:"consensusScore"`
	VotingRound    uint32          `json:"votingRound,omitempty"`
}

// Limits carries the per-feed admission and fusion parameters. Zero price
// bounds mean unbounded. MaxDeviationPct bounds an incoming update's
// deviation from the consensus median at the admission gate;
// OutlierThresholdPct bounds a surviving update's deviation from the
// fused median inside the aggregator.
type Limits struct {
	MinSources          int
	ExpectedSources     int
	MaxDeviationPct     float64
	OutlierThresholdPct float64
	MinPrice            decimal.Decimal
	MaxPrice            decimal.Decimal
}

const (
	// DefaultMinSources is the fusion minimum when a feed configures none.
	DefaultMinSources = 2

	// DefaultMaxDeviationPct is the gate deviation threshold when a feed
	// configures none.
	DefaultMaxDeviationPct = 10.0

	// DefaultOutlierThresholdPct is the fusion outlier threshold when a
	// feed configures none.
	DefaultOutlierThresholdPct = 10.0
)

// WithDefaults fills unset limit fields with the package defaults.
func (l Limits) WithDefaults() Limits {
	if l.MinSources <= 0 {
		l.MinSources = DefaultMinSources
	}
	if l.MaxDeviationPct <= 0 {
		l.MaxDeviationPct = DefaultMaxDeviationPct
	}
	if l.OutlierThresholdPct <= 0 {
		l.OutlierThresholdPct = DefaultOutlierThresholdPct
	}
	if l.ExpectedSources < l.MinSources {
		l.ExpectedSources = l.MinSources
	}
	return l
}

// ParseRoundID parses a voting round path segment.
func ParseRoundID(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRound, s)
	}
	return uint32(n), nil
}
