package sources

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/metrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

// BaseSource provides common functionality for all price sources
type BaseSource struct {
	name          string
	sourcetype    SourceType
	symbols       []string
	pairs         map[string]string // unified symbol -> source-specific symbol mapping
	confidence    float64
	prices        map[string]feed.PriceUpdate
	pricesMu      sync.RWMutex
	lastUpdate    time.Time
	updateMu      sync.RWMutex
	healthy       bool
	healthScore   int
	healthMu      sync.RWMutex
	subscribers   []chan<- Update
	subscribersMu sync.RWMutex
	stopChan      chan struct{}
	logger        *logging.Logger
}

// NewBaseSource creates a new base source with pair mappings
// pairs: map of unified symbol (e.g., "BTC/USD") -> source-specific symbol (e.g., "BTCUSDT")
func NewBaseSource(name string, sourcetype SourceType, pairs map[string]string, confidence float64, logger *logging.Logger) *BaseSource {
	symbols := make([]string, 0, len(pairs))
	for unifiedSymbol := range pairs {
		symbols = append(symbols, unifiedSymbol)
	}
	if confidence <= 0 || confidence > 1 {
		confidence = DefaultConfidence
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	return &BaseSource{
		name:        name,
		sourcetype:  sourcetype,
		symbols:     symbols,
		pairs:       pairs,
		confidence:  confidence,
		prices:      make(map[string]feed.PriceUpdate),
		subscribers: make([]chan<- Update, 0),
		stopChan:    make(chan struct{}),
		logger:      logger,
		healthy:     false,
		healthScore: 100,
	}
}

// Name returns the source name
func (b *BaseSource) Name() string {
	return b.name
}

// Type returns the source type
func (b *BaseSource) Type() SourceType {
	return b.sourcetype
}

// Symbols returns the unified symbols this source provides
func (b *BaseSource) Symbols() []string {
	return b.symbols
}

// Confidence returns the configured base confidence for this source
func (b *BaseSource) Confidence() float64 {
	return b.confidence
}

// IsHealthy returns the health status
func (b *BaseSource) IsHealthy() bool {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthy
}

// SetHealthy sets the health status
func (b *BaseSource) SetHealthy(healthy bool) {
	b.healthMu.Lock()
	defer b.healthMu.Unlock()
	b.healthy = healthy
}

// HealthScore returns the connection health score, 0-100
func (b *BaseSource) HealthScore() int {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthScore
}

// SetHealthScore sets the health score, clamped to 0-100
func (b *BaseSource) SetHealthScore(score int) {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	b.healthMu.Lock()
	b.healthScore = score
	b.healthMu.Unlock()
	metrics.RecordSourceHealth(b.name, string(b.sourcetype), float64(score))
}

// LastUpdate returns the time of the last successful price update
func (b *BaseSource) LastUpdate() time.Time {
	b.updateMu.RLock()
	defer b.updateMu.RUnlock()
	return b.lastUpdate
}

// SetLastUpdate sets the last update time
func (b *BaseSource) SetLastUpdate(t time.Time) {
	b.updateMu.Lock()
	defer b.updateMu.Unlock()
	b.lastUpdate = t
}

// GetPrice returns a single price by unified symbol
func (b *BaseSource) GetPrice(symbol string) (feed.PriceUpdate, bool) {
	b.pricesMu.RLock()
	defer b.pricesMu.RUnlock()
	price, ok := b.prices[symbol]
	return price, ok
}

// SetPrice stores a price for a symbol and notifies subscribers. The update
// carries the source's configured confidence.
func (b *BaseSource) SetPrice(symbol string, price decimal.Decimal, timestamp time.Time) {
	b.Publish(feed.PriceUpdate{
		Symbol:     symbol,
		Source:     b.name,
		Price:      price,
		Timestamp:  timestamp,
		Confidence: b.confidence,
	})
}

// Publish stores a fully-formed update and notifies subscribers. Source is
// forced to this source's name.
func (b *BaseSource) Publish(u feed.PriceUpdate) {
	u.Source = b.name

	b.pricesMu.Lock()
	b.prices[u.Symbol] = u
	b.pricesMu.Unlock()

	metrics.RecordSourceUpdate(b.name, u.Symbol)

	b.notifySubscribers(Update{
		Source: b.name,
		Prices: map[string]feed.PriceUpdate{u.Symbol: u},
	})
}

// GetAllPrices returns a copy of all prices
func (b *BaseSource) GetAllPrices() map[string]feed.PriceUpdate {
	b.pricesMu.RLock()
	defer b.pricesMu.RUnlock()

	prices := make(map[string]feed.PriceUpdate, len(b.prices))
	for k, v := range b.prices {
		prices[k] = v
	}
	return prices
}

// AddSubscriber adds a price update subscriber
func (b *BaseSource) AddSubscriber(ch chan<- Update) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()
	b.subscribers = append(b.subscribers, ch)
}

// RemoveSubscriber removes a price update subscriber
func (b *BaseSource) RemoveSubscriber(ch chan<- Update) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	for i, subscriber := range b.subscribers {
		if subscriber == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
}

// notifySubscribers sends price updates to all subscribers without ever
// blocking the emitting path.
func (b *BaseSource) notifySubscribers(update Update) {
	b.subscribersMu.RLock()
	defer b.subscribersMu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- update:
		default:
			// Channel full, skip
			b.logger.Warn("Subscriber channel full, skipping update",
				"source", b.name)
		}
	}
}

// StopChan returns the stop channel
func (b *BaseSource) StopChan() <-chan struct{} {
	return b.stopChan
}

// Close closes the stop channel
func (b *BaseSource) Close() {
	select {
	case <-b.stopChan:
		// Already closed
	default:
		close(b.stopChan)
	}
}

// Logger returns the logger
func (b *BaseSource) Logger() *logging.Logger {
	return b.logger
}

// GetSourceSymbol converts unified symbol to source-specific symbol
// Returns empty string if not found
func (b *BaseSource) GetSourceSymbol(unifiedSymbol string) string {
	return b.pairs[unifiedSymbol]
}

// GetUnifiedSymbol finds the unified symbol for a source-specific symbol
// Returns empty string if not found
func (b *BaseSource) GetUnifiedSymbol(sourceSymbol string) string {
	for unified, source := range b.pairs {
		if source == sourceSymbol {
			return unified
		}
	}
	return ""
}

// GetAllPairs returns a copy of the pair mappings
func (b *BaseSource) GetAllPairs() map[string]string {
	pairs := make(map[string]string, len(b.pairs))
	for k, v := range b.pairs {
		pairs[k] = v
	}
	return pairs
}
