package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

// Validate checks configuration for errors.
func Validate(cfg *Config) error {
	if len(cfg.Feeds) == 0 {
		return ErrNoFeedsConfigured
	}
	seen := make(map[feed.Key]bool, len(cfg.Feeds))
	for i, fc := range cfg.Feeds {
		key, err := validateFeedConfig(&fc)
		if err != nil {
			return fmt.Errorf("feed %d (%s/%s): %w", i, fc.Category, fc.Symbol, err)
		}
		if seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateFeed, key)
		}
		seen[key] = true
	}

	if len(cfg.Sources) == 0 {
		return ErrNoSourcesConfigured
	}
	enabled := 0
	for i, source := range cfg.Sources {
		if err := validateSourceConfig(&source); err != nil {
			return fmt.Errorf("source %d (%s.%s): %w", i, source.Type, source.Name, err)
		}
		if source.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return ErrNoSourcesEnabled
	}

	if err := validateReadinessConfig(&cfg.Readiness); err != nil {
		return fmt.Errorf("readiness config: %w", err)
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func validateFeedConfig(fc *FeedConfig) (feed.Key, error) {
	if strings.TrimSpace(fc.Symbol) == "" {
		return feed.Key{}, ErrFeedSymbolRequired
	}
	cat, err := feed.ParseCategory(fc.Category)
	if err != nil {
		return feed.Key{}, fmt.Errorf("%w: %s", ErrInvalidCategory, fc.Category)
	}
	if fc.MinSources < 0 || fc.MaxDeviationPct < 0 || fc.OutlierThresholdPct < 0 ||
		fc.PriceMin < 0 || fc.PriceMax < 0 {
		return feed.Key{}, ErrNegativeLimit
	}
	if fc.PriceMax > 0 && fc.PriceMin > fc.PriceMax {
		return feed.Key{}, ErrInvalidPriceBounds
	}
	return feed.NewKey(cat, fc.Symbol), nil
}

func validateSourceConfig(cfg *SourceConfig) error {
	if strings.ToLower(cfg.Type) != "cex" {
		return fmt.Errorf("%w: %s", ErrUnknownSourceType, cfg.Type)
	}
	if cfg.Name == "" {
		return ErrSourceNameRequired
	}
	if cfg.Weight < 0 {
		return ErrNegativeWeight
	}
	return nil
}

func validateReadinessConfig(cfg *ReadinessConfig) error {
	for _, f := range []float64{cfg.NearFraction, cfg.PartialFraction} {
		if f < 0 || f > 1 {
			return fmt.Errorf("%w: %v", ErrInvalidFraction, f)
		}
	}
	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, l := range validLevels {
		if strings.ToLower(cfg.Level) == l {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("%w: %s (must be one of: %s)", ErrInvalidLogLevel, cfg.Level, strings.Join(validLevels, ", "))
	}

	format := strings.ToLower(cfg.Format)
	if format != "json" && format != "text" {
		return fmt.Errorf("%w: %s (must be 'json' or 'text')", ErrInvalidLogFormat, cfg.Format)
	}

	return nil
}

// Key returns the feed key a feed config describes. Call Validate first;
// an invalid category degrades to CategoryNone here.
func (fc *FeedConfig) Key() feed.Key {
	cat, _ := feed.ParseCategory(fc.Category)
	return feed.NewKey(cat, fc.Symbol)
}

// Limits converts a feed config into the per-feed admission and fusion
// parameters, with package defaults filled in.
func (fc *FeedConfig) Limits(expectedSources int) feed.Limits {
	l := feed.Limits{
		MinSources:          fc.MinSources,
		ExpectedSources:     expectedSources,
		MaxDeviationPct:     fc.MaxDeviationPct,
		OutlierThresholdPct: fc.OutlierThresholdPct,
	}
	if fc.PriceMin > 0 {
		l.MinPrice = decimal.NewFromFloat(fc.PriceMin)
	}
	if fc.PriceMax > 0 {
		l.MaxPrice = decimal.NewFromFloat(fc.PriceMax)
	}
	return l.WithDefaults()
}
