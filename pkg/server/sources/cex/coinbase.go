package cex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources"
	ws "github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources/websocket"
)

const (
	coinbaseAPIURL = "https://api.exchange.coinbase.com"
	coinbaseWSURL  = "wss://ws-feed.exchange.coinbase.com"
)

// CoinbaseSource streams the ticker channel of the Coinbase Exchange
// feed. The REST fallback reads per-product tickers, one request each.
type CoinbaseSource struct {
	*sources.BaseSource

	apiURL string
	ws     *ws.Client
	rest   *restFetcher
}

// coinbaseMessage covers every feed frame we care about; Type
// discriminates tickers from acks and errors.
type coinbaseMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

type coinbaseTicker struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
	Time   string `json:"time"`
}

// NewCoinbaseSource creates a Coinbase source. pairs maps unified
// symbols to Coinbase product ids ("BTC/USD" -> "BTC-USD").
func NewCoinbaseSource(config map[string]interface{}) (sources.Source, error) {
	logger := sources.GetLoggerFromConfig(config)

	pairs, err := sources.ParsePairsFromMap(config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pairs: %w", err)
	}

	apiURL := coinbaseAPIURL
	if url, ok := config["api_url"].(string); ok && url != "" {
		apiURL = url
	}
	wsURL := coinbaseWSURL
	if url, ok := config["websocket_url"].(string); ok && url != "" {
		wsURL = url
	}

	base := sources.NewBaseSource("coinbase", sources.SourceTypeCEX, pairs, sources.ConfidenceFromConfig(config), logger)
	s := &CoinbaseSource{
		BaseSource: base,
		apiURL:     apiURL,
		rest:       newRESTFetcher(),
	}

	s.ws = ws.NewClient(ws.Config{
		Name:        "coinbase",
		URL:         wsURL,
		Subscribe:   s.sendSubscribe,
		Unsubscribe: s.sendUnsubscribe,
		Logger:      logger.ZerologLogger(),
	})
	s.ws.SetHandlers(s.handleMessage, s.handleConnect, s.handleDisconnect)

	return s, nil
}

// Initialize prepares the source for operation
func (s *CoinbaseSource) Initialize(ctx context.Context) error {
	s.Logger().Info("Initializing Coinbase source", "pairs", len(s.Symbols()))
	return nil
}

// Start begins streaming ticker updates.
func (s *CoinbaseSource) Start(ctx context.Context) error {
	s.Logger().Info("Starting Coinbase source")
	if err := s.ws.Subscribe(s.products()); err != nil {
		return err
	}
	return s.ws.Start(ctx)
}

// Stop halts the source and cleans up resources
func (s *CoinbaseSource) Stop() error {
	s.Logger().Info("Stopping Coinbase source")
	s.ws.Close()
	s.Close()
	return nil
}

// GetPrices returns the latest in-memory prices
func (s *CoinbaseSource) GetPrices(ctx context.Context) (map[string]feed.PriceUpdate, error) {
	return s.GetAllPrices(), nil
}

// FetchPrices reads the per-product REST tickers. Each product is one
// request, all under the shared limiter.
func (s *CoinbaseSource) FetchPrices(ctx context.Context) (map[string]feed.PriceUpdate, error) {
	headers := map[string]string{"User-Agent": "ftso-feed-value-provider"}
	out := make(map[string]feed.PriceUpdate)

	for unified, product := range s.GetAllPairs() {
		var ticker coinbaseTicker
		url := fmt.Sprintf("%s/products/%s/ticker", s.apiURL, product)
		if err := s.rest.getJSON(ctx, url, headers, &ticker); err != nil {
			s.Logger().Debug("Ticker fetch failed", "product", product, "error", err.Error())
			continue
		}
		price, err := decimal.NewFromString(ticker.Price)
		if err != nil {
			s.Logger().Warn("Failed to parse price", "product", product, "price", ticker.Price)
			continue
		}
		ts := time.Now()
		if parsed, err := time.Parse(time.RFC3339Nano, ticker.Time); err == nil {
			ts = parsed
		}
		out[unified] = feed.PriceUpdate{
			Symbol:     unified,
			Source:     s.Name(),
			Price:      price,
			Timestamp:  ts,
			Confidence: s.Confidence() * sources.DegradedConfidenceFactor,
		}
	}
	if len(out) == 0 {
		return nil, sources.ErrNoPricesExtracted
	}
	return out, nil
}

// Subscribe allows other components to receive price updates
func (s *CoinbaseSource) Subscribe(updates chan<- sources.Update) error {
	s.AddSubscriber(updates)
	return nil
}

// IsHealthy reflects the streaming connection state.
func (s *CoinbaseSource) IsHealthy() bool {
	return s.ws.IsConnected() && !s.ws.Unstable()
}

// HealthScore reflects the streaming connection health.
func (s *CoinbaseSource) HealthScore() int {
	return s.ws.HealthScore()
}

func (s *CoinbaseSource) products() []string {
	pairs := s.GetAllPairs()
	products := make([]string, 0, len(pairs))
	for _, product := range pairs {
		products = append(products, product)
	}
	return products
}

func (s *CoinbaseSource) sendSubscribe(products []string) error {
	return s.ws.SendJSON(map[string]interface{}{
		"type": "subscribe",
		"channels": []map[string]interface{}{
			{"name": "ticker", "product_ids": products},
		},
	})
}

func (s *CoinbaseSource) sendUnsubscribe(products []string) error {
	return s.ws.SendJSON(map[string]interface{}{
		"type": "unsubscribe",
		"channels": []map[string]interface{}{
			{"name": "ticker", "product_ids": products},
		},
	})
}

func (s *CoinbaseSource) handleConnect() {
	s.SetHealthy(true)
}

func (s *CoinbaseSource) handleDisconnect(err error) {
	s.SetHealthy(false)
}

// handleMessage processes one feed frame.
func (s *CoinbaseSource) handleMessage(message []byte) {
	var msg coinbaseMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.Logger().Warn("Failed to unmarshal feed message", "error", err.Error())
		return
	}

	switch msg.Type {
	case "ticker":
	case "error":
		s.Logger().Warn("Coinbase feed error", "message", msg.Message, "reason", msg.Reason)
		return
	default:
		// subscriptions ack, heartbeat and friends
		return
	}

	unified := s.GetUnifiedSymbol(msg.ProductID)
	if unified == "" {
		return
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		s.Logger().Warn("Failed to parse price", "product", msg.ProductID, "price", msg.Price)
		return
	}
	volume := decimal.Zero
	if msg.Volume24h != "" {
		if v, err := decimal.NewFromString(msg.Volume24h); err == nil {
			volume = v
		}
	}
	ts := time.Now()
	if msg.Time != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
			ts = parsed
		}
	}

	s.Publish(feed.PriceUpdate{
		Symbol:     unified,
		Price:      price,
		Volume:     volume,
		Timestamp:  ts,
		Confidence: s.Confidence(),
	})
	s.SetLastUpdate(time.Now())
}

func init() {
	sources.Register("cex.coinbase", NewCoinbaseSource)
}
