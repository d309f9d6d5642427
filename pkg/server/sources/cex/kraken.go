package cex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources"
	ws "github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources/websocket"
)

const (
	krakenAPIURL = "https://api.kraken.com"
	krakenWSURL  = "wss://ws.kraken.com"
)

// krakenAssetAliases maps Kraken's legacy asset codes to the tickers
// used in unified symbols.
var krakenAssetAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// KrakenSource streams the v1 ticker channel. The REST fallback uses
// the public Ticker endpoint, whose response keys come back in Kraken's
// classic X/Z-prefixed form and need canonicalization to match.
type KrakenSource struct {
	*sources.BaseSource

	apiURL string
	ws     *ws.Client
	rest   *restFetcher
}

// krakenWSTicker is the payload element of a v1 ticker frame.
type krakenWSTicker struct {
	C []string `json:"c"` // last trade [price, lot volume]
	V []string `json:"v"` // volume [today, 24h]
}

type krakenRESTResponse struct {
	Error  []string                  `json:"error"`
	Result map[string]krakenWSTicker `json:"result"`
}

// NewKrakenSource creates a Kraken source. pairs maps unified symbols
// to Kraken websocket pair names ("BTC/USD" -> "XBT/USD").
func NewKrakenSource(config map[string]interface{}) (sources.Source, error) {
	logger := sources.GetLoggerFromConfig(config)

	pairs, err := sources.ParsePairsFromMap(config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pairs: %w", err)
	}

	apiURL := krakenAPIURL
	if url, ok := config["api_url"].(string); ok && url != "" {
		apiURL = url
	}
	wsURL := krakenWSURL
	if url, ok := config["websocket_url"].(string); ok && url != "" {
		wsURL = url
	}

	base := sources.NewBaseSource("kraken", sources.SourceTypeCEX, pairs, sources.ConfidenceFromConfig(config), logger)
	s := &KrakenSource{
		BaseSource: base,
		apiURL:     apiURL,
		rest:       newRESTFetcher(),
	}

	s.ws = ws.NewClient(ws.Config{
		Name:        "kraken",
		URL:         wsURL,
		Subscribe:   s.sendSubscribe,
		Unsubscribe: s.sendUnsubscribe,
		Logger:      logger.ZerologLogger(),
	})
	s.ws.SetHandlers(s.handleMessage, s.handleConnect, s.handleDisconnect)

	return s, nil
}

// Initialize prepares the source for operation
func (s *KrakenSource) Initialize(ctx context.Context) error {
	s.Logger().Info("Initializing Kraken source", "pairs", len(s.Symbols()))
	return nil
}

// Start begins streaming ticker updates.
func (s *KrakenSource) Start(ctx context.Context) error {
	s.Logger().Info("Starting Kraken source")
	if err := s.ws.Subscribe(s.wsPairs()); err != nil {
		return err
	}
	return s.ws.Start(ctx)
}

// Stop halts the source and cleans up resources
func (s *KrakenSource) Stop() error {
	s.Logger().Info("Stopping Kraken source")
	s.ws.Close()
	s.Close()
	return nil
}

// GetPrices returns the latest in-memory prices
func (s *KrakenSource) GetPrices(ctx context.Context) (map[string]feed.PriceUpdate, error) {
	return s.GetAllPrices(), nil
}

// FetchPrices reads the public Ticker endpoint for all configured pairs
// in one request.
func (s *KrakenSource) FetchPrices(ctx context.Context) (map[string]feed.PriceUpdate, error) {
	pairs := s.GetAllPairs()
	requested := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		requested = append(requested, strings.ReplaceAll(pair, "/", ""))
	}

	var response krakenRESTResponse
	reqURL := fmt.Sprintf("%s/0/public/Ticker?pair=%s", s.apiURL, url.QueryEscape(strings.Join(requested, ",")))
	if err := s.rest.getJSON(ctx, reqURL, nil, &response); err != nil {
		return nil, err
	}
	if len(response.Error) > 0 {
		return nil, fmt.Errorf("%w: %v", sources.ErrAPIError, response.Error)
	}

	now := time.Now()
	out := make(map[string]feed.PriceUpdate)
	for responseKey, ticker := range response.Result {
		unified := s.matchTicker(responseKey)
		if unified == "" {
			s.Logger().Debug("Unmatched Kraken symbol", "symbol", responseKey)
			continue
		}
		if len(ticker.C) == 0 || ticker.C[0] == "" {
			continue
		}
		price, err := decimal.NewFromString(ticker.C[0])
		if err != nil {
			s.Logger().Warn("Failed to parse price", "symbol", responseKey, "price", ticker.C[0])
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
func (s *KrakenSource) Subscribe(updates chan<- sources.Update) error {
	s.AddSubscriber(updates)
	return nil
}

// IsHealthy reflects the streaming connection state.
func (s *KrakenSource) IsHealthy() bool {
	return s.ws.IsConnected() && !s.ws.Unstable()
}

// HealthScore reflects the streaming connection health.
func (s *KrakenSource) HealthScore() int {
	return s.ws.HealthScore()
}

func (s *KrakenSource) wsPairs() []string {
	pairs := s.GetAllPairs()
	out := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		out = append(out, pair)
	}
	return out
}

func (s *KrakenSource) sendSubscribe(pairs []string) error {
	return s.ws.SendJSON(map[string]interface{}{
		"event":        "subscribe",
		"pair":         pairs,
		"subscription": map[string]string{"name": "ticker"},
	})
}

func (s *KrakenSource) sendUnsubscribe(pairs []string) error {
	return s.ws.SendJSON(map[string]interface{}{
		"event":        "unsubscribe",
		"pair":         pairs,
		"subscription": map[string]string{"name": "ticker"},
	})
}

func (s *KrakenSource) handleConnect() {
	s.SetHealthy(true)
}

func (s *KrakenSource) handleDisconnect(err error) {
	s.SetHealthy(false)
}

// handleMessage processes one v1 frame. Event messages are objects;
// channel payloads are arrays of [channelID, payload, channel, pair].
func (s *KrakenSource) handleMessage(message []byte) {
	trimmed := strings.TrimSpace(string(message))
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] == '{' {
		s.handleEvent(message)
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		s.Logger().Warn("Failed to unmarshal channel frame", "error", err.Error())
		return
	}
	if len(frame) < 4 {
		return
	}

	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || !strings.HasPrefix(channel, "ticker") {
		return
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return
	}
	unified := s.GetUnifiedSymbol(pair)
	if unified == "" {
		return
	}

	var ticker krakenWSTicker
	if err := json.Unmarshal(frame[1], &ticker); err != nil {
		s.Logger().Warn("Failed to unmarshal ticker payload", "pair", pair, "error", err.Error())
		return
	}
	if len(ticker.C) == 0 || ticker.C[0] == "" {
		return
	}
	price, err := decimal.NewFromString(ticker.C[0])
	if err != nil {
		s.Logger().Warn("Failed to parse price", "pair", pair, "price", ticker.C[0])
		return
	}
	volume := decimal.Zero
	if len(ticker.V) >= 2 && ticker.V[1] != "" {
		if v, err := decimal.NewFromString(ticker.V[1]); err == nil {
			volume = v
		}
	}

	// v1 ticker frames carry no timestamp; receipt time is the best
	// observation time available.
	now := time.Now()
	s.Publish(feed.PriceUpdate{
		Symbol:     unified,
		Price:      price,
		Volume:     volume,
		Timestamp:  now,
		Confidence: s.Confidence(),
	})
	s.SetLastUpdate(now)
}

func (s *KrakenSource) handleEvent(message []byte) {
	var ev struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		Pair         string `json:"pair"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(message, &ev); err != nil {
		return
	}
	switch ev.Event {
	case "subscriptionStatus":
		if ev.Status == "error" {
			s.Logger().Warn("Kraken subscription error", "pair", ev.Pair, "error", ev.ErrorMessage)
		}
	case "systemStatus":
		s.Logger().Debug("Kraken system status", "status", ev.Status)
	}
	// heartbeats need no handling; any inbound frame refreshes keepalive
}

// matchTicker maps a REST response key to a configured unified symbol.
// Exact pair-name matches win; otherwise both sides are canonicalized.
func (s *KrakenSource) matchTicker(responseKey string) string {
	if unified := s.GetUnifiedSymbol(responseKey); unified != "" {
		return unified
	}
	clean := canonicalKrakenPair(responseKey)
	for unified, pair := range s.GetAllPairs() {
		if canonicalKrakenPair(pair) == clean {
			return unified
		}
	}
	return ""
}

// canonicalKrakenPair strips separators and Kraken's classic X/Z asset
// class prefixes, then applies legacy aliases: "XXBTZUSD" -> "BTCUSD".
func canonicalKrakenPair(pair string) string {
	p := strings.ToUpper(pair)
	p = strings.ReplaceAll(p, "/", "")
	p = strings.ReplaceAll(p, "-", "")
	if len(p) == 8 && p[0] == 'X' && p[4] == 'Z' {
		p = p[1:4] + p[5:]
	}
	for legacy, modern := range krakenAssetAliases {
		p = strings.ReplaceAll(p, legacy, modern)
	}
	return p
}

func init() {
	sources.Register("cex.kraken", NewKrakenSource)
}
