// Package config provides configuration loading and validation for the
// feed value provider.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

// Load loads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	// Validate and sanitize path
	cleanPath := filepath.Clean(path)
	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	// Read config file
	data, err := os.ReadFile(absPath) // #nosec G304 -- Path sanitized with filepath.Clean and filepath.Abs
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in YAML
	expanded := os.ExpandEnv(string(data))

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	// Provider defaults
	if cfg.Provider.HTTP.Addr == "" {
		cfg.Provider.HTTP.Addr = ":8080"
	}
	if cfg.Provider.CacheTTL.ToDuration() == 0 {
		cfg.Provider.CacheTTL = Duration(time.Second)
	}
	if cfg.Provider.ByRoundTTL.ToDuration() == 0 {
		cfg.Provider.ByRoundTTL = Duration(5 * time.Minute)
	}
	if cfg.Provider.CacheCapacity == 0 {
		cfg.Provider.CacheCapacity = 4096
	}
	if cfg.Provider.RoundDuration.ToDuration() == 0 {
		cfg.Provider.RoundDuration = Duration(90 * time.Second)
	}
	if cfg.Provider.EpochStart == 0 {
		cfg.Provider.EpochStart = feed.DefaultEpochStartUnix
	}

	// Validation defaults
	if cfg.Validation.MaxAge.ToDuration() == 0 {
		cfg.Validation.MaxAge = Duration(2 * time.Second)
	}
	if cfg.Validation.FutureTolerance.ToDuration() == 0 {
		cfg.Validation.FutureTolerance = Duration(time.Minute)
	}

	// Readiness defaults; the remaining thresholds default inside the
	// coordinator so the latch works the same for embedded users.
	if cfg.Readiness.ExpectedFeeds == 0 {
		cfg.Readiness.ExpectedFeeds = len(cfg.Feeds)
	}

	// Metrics defaults
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9091"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}
