package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/config"
)

func TestStaticSourceWeights(t *testing.T) {
	weights := staticSourceWeights([]config.SourceConfig{
		{Type: "cex", Name: "binance", Enabled: true, Weight: 2.0},
		{Type: "cex", Name: "kraken", Enabled: true},
		{Type: "cex", Name: "okx", Enabled: false, Weight: 3.0},
		{Type: "cex", Name: "coinbase", Enabled: true, Weight: -1},
	})

	// Only enabled sources with a positive explicit weight are passed on;
	// everything else falls back to the aggregator's implicit 1.0.
	assert.Equal(t, map[string]float64{"binance": 2.0}, weights)
}
