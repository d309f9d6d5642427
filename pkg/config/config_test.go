package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

const sampleConfig = `
provider:
  http:
    addr: ":8089"
  websocket:
    enabled: true
    addr: ":8090"
  by_round_ttl: "3m"
feeds:
  - category: crypto
    symbol: BTC/USD
    min_sources: 2
    outlier_threshold_pct: 5
  - category: crypto
    symbol: ETH/USD
sources:
  - type: cex
    name: binance
    enabled: true
    config:
      pairs:
        BTC/USD: BTCUSDT
        ETH/USD: ETHUSDT
  - type: cex
    name: kraken
    enabled: false
    config: {}
validation:
  max_age: "1500ms"
logging:
  level: debug
  format: text
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, ":8089", cfg.Provider.HTTP.Addr)
	assert.Equal(t, time.Second, cfg.Provider.CacheTTL.ToDuration())
	assert.Equal(t, 3*time.Minute, cfg.Provider.ByRoundTTL.ToDuration())
	assert.Equal(t, 90*time.Second, cfg.Provider.RoundDuration.ToDuration())
	assert.Equal(t, 1500*time.Millisecond, cfg.Validation.MaxAge.ToDuration())
	assert.Equal(t, time.Minute, cfg.Validation.FutureTolerance.ToDuration())
	assert.Equal(t, 2, cfg.Readiness.ExpectedFeeds)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_HTTP_ADDR", ":9999")
	body := `
provider:
  http:
    addr: "${TEST_HTTP_ADDR}"
metrics:
  enabled: true
`

	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Provider.HTTP.Addr)
	assert.Equal(t, ":9091", cfg.Metrics.Addr)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr error
	}{
		{"no feeds", func(c *Config) { c.Feeds = nil }, ErrNoFeedsConfigured},
		{"bad category", func(c *Config) { c.Feeds[0].Category = "bonds" }, ErrInvalidCategory},
		{"empty symbol", func(c *Config) { c.Feeds[0].Symbol = " " }, ErrFeedSymbolRequired},
		{"duplicate feed", func(c *Config) { c.Feeds[1] = c.Feeds[0] }, ErrDuplicateFeed},
		{"inverted bounds", func(c *Config) { c.Feeds[0].PriceMin = 10; c.Feeds[0].PriceMax = 1 }, ErrInvalidPriceBounds},
		{"no sources", func(c *Config) { c.Sources = nil }, ErrNoSourcesConfigured},
		{"none enabled", func(c *Config) { c.Sources[0].Enabled = false }, ErrNoSourcesEnabled},
		{"bad source type", func(c *Config) { c.Sources[0].Type = "dex" }, ErrUnknownSourceType},
		{"unnamed source", func(c *Config) { c.Sources[0].Name = "" }, ErrSourceNameRequired},
		{"negative weight", func(c *Config) { c.Sources[0].Weight = -1 }, ErrNegativeWeight},
		{"bad fraction", func(c *Config) { c.Readiness.NearFraction = 1.5 }, ErrInvalidFraction},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, ErrInvalidLogLevel},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, ErrInvalidLogFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorIs(t, Validate(cfg), tt.wantErr)
		})
	}
}

func TestFeedConfigLimits(t *testing.T) {
	fc := FeedConfig{
		Category:            "crypto",
		Symbol:              "BTC/USD",
		MinSources:          3,
		OutlierThresholdPct: 5,
		PriceMax:            1000000,
	}

	assert.Equal(t, feed.NewKey(feed.CategoryCrypto, "BTC/USD"), fc.Key())

	l := fc.Limits(4)
	assert.Equal(t, 3, l.MinSources)
	assert.Equal(t, 4, l.ExpectedSources)
	assert.Equal(t, 5.0, l.OutlierThresholdPct)
	assert.Equal(t, feed.DefaultMaxDeviationPct, l.MaxDeviationPct)
	assert.True(t, l.MinPrice.IsZero())
	assert.Equal(t, "1000000", l.MaxPrice.String())
}
