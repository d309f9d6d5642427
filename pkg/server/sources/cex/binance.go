package cex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources"
	ws "github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources/websocket"
)

const (
	binanceAPIURL   = "https://api.binance.com"
	binanceWSURL    = "wss://stream.binance.com:9443/stream"
	binancePollRate = 15 * time.Second
)

// BinanceSource streams mini-ticker updates over the combined stream
// endpoint and falls back to the REST ticker snapshot.
type BinanceSource struct {
	*sources.BaseSource

	useWebSocket bool
	apiURL       string
	ws           *ws.Client
	rest         *restFetcher
	requestID    atomic.Int64
}

// binanceStreamMessage is the combined-stream envelope around a
// miniTicker payload. Subscription acks arrive on the same socket with
// an empty data object and are ignored by symbol lookup.
type binanceStreamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
	} `json:"data"`
}

type binanceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewBinanceSource creates a Binance source. pairs maps unified symbols
// to Binance trading symbols ("BTC/USD" -> "BTCUSDT").
func NewBinanceSource(config map[string]interface{}) (sources.Source, error) {
	logger := sources.GetLoggerFromConfig(config)

	pairs, err := sources.ParsePairsFromMap(config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pairs: %w", err)
	}

	useWebSocket := true
	if useWS, ok := config["use_websocket"].(bool); ok {
		useWebSocket = useWS
	}
	apiURL := binanceAPIURL
	if url, ok := config["api_url"].(string); ok && url != "" {
		apiURL = url
	}
	wsURL := binanceWSURL
	if url, ok := config["websocket_url"].(string); ok && url != "" {
		wsURL = url
	}

	base := sources.NewBaseSource("binance", sources.SourceTypeCEX, pairs, sources.ConfidenceFromConfig(config), logger)
	s := &BinanceSource{
		BaseSource:   base,
		useWebSocket: useWebSocket,
		apiURL:       apiURL,
		rest:         newRESTFetcher(),
	}

	if useWebSocket {
		s.ws = ws.NewClient(ws.Config{
			Name:        "binance",
			URL:         wsURL,
			Subscribe:   s.sendSubscribe,
			Unsubscribe: s.sendUnsubscribe,
			Logger:      logger.ZerologLogger(),
		})
		s.ws.SetHandlers(s.handleMessage, s.handleConnect, s.handleDisconnect)
	}

	return s, nil
}

// Initialize prepares the source for operation
func (s *BinanceSource) Initialize(ctx context.Context) error {
	s.Logger().Info("Initializing Binance source", "pairs", len(s.Symbols()))
	return nil
}

// Start begins streaming, or polling when websocket mode is disabled.
func (s *BinanceSource) Start(ctx context.Context) error {
	if s.useWebSocket {
		s.Logger().Info("Starting Binance source", "mode", "websocket")
		if err := s.ws.Subscribe(s.streams()); err != nil {
			return err
		}
		return s.ws.Start(ctx)
	}

	s.Logger().Info("Starting Binance source", "mode", "rest")
	go s.pollLoop(ctx)
	return nil
}

// Stop halts the source and cleans up resources
func (s *BinanceSource) Stop() error {
	s.Logger().Info("Stopping Binance source")
	if s.ws != nil {
		s.ws.Close()
	}
	s.Close()
	return nil
}

// GetPrices returns the latest in-memory prices
func (s *BinanceSource) GetPrices(ctx context.Context) (map[string]feed.PriceUpdate, error) {
	return s.GetAllPrices(), nil
}

// FetchPrices performs one rate-limited REST snapshot fetch. Updates
// carry degraded confidence because they bypass the stream.
func (s *BinanceSource) FetchPrices(ctx context.Context) (map[string]feed.PriceUpdate, error) {
	var tickers []binanceTicker
	if err := s.rest.getJSON(ctx, s.apiURL+"/api/v3/ticker/price", nil, &tickers); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make(map[string]feed.PriceUpdate)
	for _, t := range tickers {
		unified := s.GetUnifiedSymbol(strings.ToUpper(t.Symbol))
		if unified == "" {
			continue
		}
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			s.Logger().Warn("Failed to parse price", "symbol", t.Symbol, "price", t.Price)
			continue
		}
		out[unified] = feed.PriceUpdate{
			Symbol:     unified,
			Source:     s.Name(),
			Price:      price,
			Timestamp:  now,
			Confidence: s.Confidence() * sources.DegradedConfidenceFactor,
		}
	}
	if len(out) == 0 {
		return nil, sources.ErrNoMatchingSymbols
	}
	return out, nil
}

// Subscribe allows other components to receive price updates
func (s *BinanceSource) Subscribe(updates chan<- sources.Update) error {
	s.AddSubscriber(updates)
	return nil
}

// IsHealthy reflects the streaming connection when websocket mode is on.
func (s *BinanceSource) IsHealthy() bool {
	if s.ws != nil {
		return s.ws.IsConnected() && !s.ws.Unstable()
	}
	return s.BaseSource.IsHealthy()
}

// HealthScore reflects the streaming connection when websocket mode is on.
func (s *BinanceSource) HealthScore() int {
	if s.ws != nil {
		return s.ws.HealthScore()
	}
	return s.BaseSource.HealthScore()
}

// streams returns the stream names for all configured pairs. Binance
// expects lowercase symbols.
func (s *BinanceSource) streams() []string {
	pairs := s.GetAllPairs()
	streams := make([]string, 0, len(pairs))
	for _, binanceSymbol := range pairs {
		streams = append(streams, strings.ToLower(binanceSymbol)+"@miniTicker")
	}
	return streams
}

func (s *BinanceSource) sendSubscribe(streams []string) error {
	return s.ws.SendJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     s.requestID.Add(1),
	})
}

func (s *BinanceSource) sendUnsubscribe(streams []string) error {
	return s.ws.SendJSON(map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": streams,
		"id":     s.requestID.Add(1),
	})
}

func (s *BinanceSource) handleConnect() {
	s.SetHealthy(true)
}

func (s *BinanceSource) handleDisconnect(err error) {
	s.SetHealthy(false)
}

// handleMessage processes one combined-stream frame.
func (s *BinanceSource) handleMessage(message []byte) {
	var msg binanceStreamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.Logger().Warn("Failed to unmarshal stream message", "error", err.Error())
		return
	}
	if msg.Data.Symbol == "" {
		// Subscription ack or unrelated control payload.
		return
	}

	unified := s.GetUnifiedSymbol(strings.ToUpper(msg.Data.Symbol))
	if unified == "" {
		return
	}
	price, err := decimal.NewFromString(msg.Data.Close)
	if err != nil {
		s.Logger().Warn("Failed to parse price",
			"symbol", msg.Data.Symbol,
			"price", msg.Data.Close)
		return
	}
	volume := decimal.Zero
	if msg.Data.Volume != "" {
		if v, err := decimal.NewFromString(msg.Data.Volume); err == nil {
			volume = v
		}
	}
	ts := time.Now()
	if msg.Data.EventTime > 0 {
		ts = time.UnixMilli(msg.Data.EventTime)
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

// REST polling mode

func (s *BinanceSource) pollLoop(ctx context.Context) {
	// Prime immediately so queries have data before the first tick.
	s.pollOnce(ctx)

	ticker := time.NewTicker(binancePollRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.StopChan():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *BinanceSource) pollOnce(ctx context.Context) {
	prices, err := s.FetchPrices(ctx)
	if err != nil {
		s.Logger().Error("Failed to fetch prices", "error", err.Error())
		s.SetHealthy(false)
		return
	}
	for _, u := range prices {
		// Polling is this mode's primary path, not a degraded fallback.
		u.Confidence = s.Confidence()
		s.Publish(u)
	}
	s.SetHealthy(true)
	s.SetLastUpdate(time.Now())
}

func init() {
	sources.Register("cex.binance", NewBinanceSource)
}
