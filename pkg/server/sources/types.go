package sources

import (
	"context"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

// SourceType represents the type of price source
type SourceType string

const (
	SourceTypeCEX SourceType = "cex"
)

const (
	// DefaultConfidence is assigned to updates from a source that does not
	// configure its own confidence.
	DefaultConfidence = 0.95

	// DegradedConfidenceFactor scales confidence for updates produced over
	// the request/response fallback path instead of the stream.
	DegradedConfidenceFactor = 0.85
)

// Update is one batch of observations emitted by a source, keyed by
// unified symbol.
type Update struct {
	Source string
	Prices map[string]feed.PriceUpdate
	Error  error
}

// Source defines the interface that all price sources must implement
type Source interface {
	// Initialize prepares the source for operation
	Initialize(ctx context.Context) error

	// Start begins streaming or polling prices
	Start(ctx context.Context) error

	// Stop halts the source and cleans up resources
	Stop() error

	// GetPrices returns the current in-memory prices for all symbols
	GetPrices(ctx context.Context) (map[string]feed.PriceUpdate, error)

	// FetchPrices performs one on-demand request/response fetch, bypassing
	// the stream. Used as the degraded-mode and query-fallback path.
	FetchPrices(ctx context.Context) (map[string]feed.PriceUpdate, error)

	// Subscribe allows other components to receive price updates
	Subscribe(updates chan<- Update) error

	// Name returns the unique name of this source
	Name() string

	// Type returns the type of this source
	Type() SourceType

	// Symbols returns the list of unified symbols this source provides
	Symbols() []string

	// IsHealthy returns whether the source is currently healthy
	IsHealthy() bool

	// HealthScore returns the connection health score, 0-100
	HealthScore() int

	// LastUpdate returns the timestamp of the last successful update
	LastUpdate() time.Time
}

// SourceFactory is a function that creates a new Source instance
type SourceFactory func(config map[string]interface{}) (Source, error)
