package config

import "time"

// Config is the root configuration structure.
type Config struct {
	Provider   ProviderConfig   `yaml:"provider"`
	Feeds      []FeedConfig     `yaml:"feeds"`
	Sources    []SourceConfig   `yaml:"sources"`
	Validation ValidationConfig `yaml:"validation"`
	Readiness  ReadinessConfig  `yaml:"readiness"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ProviderConfig configures the serving surface and the caching/round
// parameters of the provider.
type ProviderConfig struct {
	HTTP          HTTPConfig `yaml:"http"`
	WebSocket     WSConfig   `yaml:"websocket"`
	CacheTTL      Duration   `yaml:"cache_ttl"`
	ByRoundTTL    Duration   `yaml:"by_round_ttl"`
	CacheCapacity int        `yaml:"cache_capacity"`
	EpochStart    int64      `yaml:"epoch_start_unix"`
	RoundDuration Duration   `yaml:"round_duration"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// WSConfig configures the streaming WebSocket server.
type WSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// FeedConfig configures one oracle feed. Zero price bounds mean the
// sanity range check is disabled for the feed.
type FeedConfig struct {
	Category            string  `yaml:"category"`
	Symbol              string  `yaml:"symbol"`
	MinSources          int     `yaml:"min_sources"`
	MaxDeviationPct     float64 `yaml:"max_deviation_pct"`
	OutlierThresholdPct float64 `yaml:"outlier_threshold_pct"`
	PriceMin            float64 `yaml:"price_min"`
	PriceMax            float64 `yaml:"price_max"`
}

// SourceConfig configures a price source.
type SourceConfig struct {
	Type    string                 `yaml:"type"`
	Name    string                 `yaml:"name"`
	Enabled bool                   `yaml:"enabled"`
	Weight  float64                `yaml:"weight"`
	Config  map[string]interface{} `yaml:"config"`
}

// ValidationConfig configures the admission gate.
type ValidationConfig struct {
	MaxAge          Duration `yaml:"max_age"`
	FutureTolerance Duration `yaml:"future_tolerance"`
}

// ReadinessConfig configures the warm-up latch. ExpectedFeeds defaults
// to the number of configured feeds.
type ReadinessConfig struct {
	ExpectedFeeds   int      `yaml:"expected_feeds"`
	NearFraction    float64  `yaml:"near_fraction"`
	NearAfter       Duration `yaml:"near_after"`
	PartialFraction float64  `yaml:"partial_fraction"`
	PartialAfter    Duration `yaml:"partial_after"`
	Ceiling         Duration `yaml:"ceiling"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a wrapper around time.Duration for YAML parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(td)
	return nil
}

// ToDuration converts Duration to time.Duration.
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}
