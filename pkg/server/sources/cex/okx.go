package cex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources"
	ws "github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources/websocket"
)

const (
	okxAPIURL = "https://www.okx.com"
	okxWSURL  = "wss://ws.okx.com:8443/ws/v5/public"
)

// OKXSource streams the v5 tickers channel. The REST fallback reads the
// full SPOT ticker snapshot in one request.
type OKXSource struct {
	*sources.BaseSource

	apiURL string
	ws     *ws.Client
	rest   *restFetcher
}

type okxTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	Vol24h string `json:"vol24h"`
	Ts     string `json:"ts"`
}

// okxWSMessage is either an event ack or a data frame; Event and Data
// discriminate.
type okxWSMessage struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []okxTicker `json:"data"`
}

type okxRESTResponse struct {
	Code string      `json:"code"`
	Msg  string      `json:"msg"`
	Data []okxTicker `json:"data"`
}

// NewOKXSource creates an OKX source. pairs maps unified symbols to OKX
// instrument ids ("BTC/USD" -> "BTC-USDT").
func NewOKXSource(config map[string]interface{}) (sources.Source, error) {
	logger := sources.GetLoggerFromConfig(config)

	pairs, err := sources.ParsePairsFromMap(config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pairs: %w", err)
	}

	apiURL := okxAPIURL
	if url, ok := config["api_url"].(string); ok && url != "" {
		apiURL = url
	}
	wsURL := okxWSURL
	if url, ok := config["websocket_url"].(string); ok && url != "" {
		wsURL = url
	}

	base := sources.NewBaseSource("okx", sources.SourceTypeCEX, pairs, sources.ConfidenceFromConfig(config), logger)
	s := &OKXSource{
		BaseSource: base,
		apiURL:     apiURL,
		rest:       newRESTFetcher(),
	}

	s.ws = ws.NewClient(ws.Config{
		Name:        "okx",
		URL:         wsURL,
		Subscribe:   s.sendSubscribe,
		Unsubscribe: s.sendUnsubscribe,
		Logger:      logger.ZerologLogger(),
	})
	s.ws.SetHandlers(s.handleMessage, s.handleConnect, s.handleDisconnect)

	return s, nil
}

// Initialize prepares the source for operation
func (s *OKXSource) Initialize(ctx context.Context) error {
	s.Logger().Info("Initializing OKX source", "pairs", len(s.Symbols()))
	return nil
}

// Start begins streaming ticker updates.
func (s *OKXSource) Start(ctx context.Context) error {
	s.Logger().Info("Starting OKX source")
	if err := s.ws.Subscribe(s.instruments()); err != nil {
		return err
	}
	return s.ws.Start(ctx)
}

// Stop halts the source and cleans up resources
func (s *OKXSource) Stop() error {
	s.Logger().Info("Stopping OKX source")
	s.ws.Close()
	s.Close()
	return nil
}

// GetPrices returns the latest in-memory prices
func (s *OKXSource) GetPrices(ctx context.Context) (map[string]feed.PriceUpdate, error) {
	return s.GetAllPrices(), nil
}

// FetchPrices reads the full SPOT ticker snapshot in one request.
func (s *OKXSource) FetchPrices(ctx context.Context) (map[string]feed.PriceUpdate, error) {
	var response okxRESTResponse
	url := s.apiURL + "/api/v5/market/tickers?instType=SPOT"
	if err := s.rest.getJSON(ctx, url, nil, &response); err != nil {
		return nil, err
	}
	if response.Code != "0" {
		return nil, fmt.Errorf("%w: %s - %s", sources.ErrAPIError, response.Code, response.Msg)
	}

	out := make(map[string]feed.PriceUpdate)
	for _, ticker := range response.Data {
		unified := s.GetUnifiedSymbol(ticker.InstID)
		if unified == "" {
			continue
		}
		u, ok := s.tickerToUpdate(unified, ticker, sources.DegradedConfidenceFactor)
		if !ok {
			continue
		}
		out[unified] = u
	}
	if len(out) == 0 {
		return nil, sources.ErrNoMatchingSymbols
	}
	return out, nil
}

// Subscribe allows other components to receive price updates
func (s *OKXSource) Subscribe(updates chan<- sources.Update) error {
	s.AddSubscriber(updates)
	return nil
}

// IsHealthy reflects the streaming connection state.
func (s *OKXSource) IsHealthy() bool {
	return s.ws.IsConnected() && !s.ws.Unstable()
}

// HealthScore reflects the streaming connection health.
func (s *OKXSource) HealthScore() int {
	return s.ws.HealthScore()
}

func (s *OKXSource) instruments() []string {
	pairs := s.GetAllPairs()
	out := make([]string, 0, len(pairs))
	for _, instID := range pairs {
		out = append(out, instID)
	}
	return out
}

func (s *OKXSource) sendSubscribe(instruments []string) error {
	return s.ws.SendJSON(okxSubscribeFrame("subscribe", instruments))
}

func (s *OKXSource) sendUnsubscribe(instruments []string) error {
	return s.ws.SendJSON(okxSubscribeFrame("unsubscribe", instruments))
}

func okxSubscribeFrame(op string, instruments []string) map[string]interface{} {
	args := make([]map[string]string, 0, len(instruments))
	for _, instID := range instruments {
		args = append(args, map[string]string{"channel": "tickers", "instId": instID})
	}
	return map[string]interface{}{"op": op, "args": args}
}

func (s *OKXSource) handleConnect() {
	s.SetHealthy(true)
}

func (s *OKXSource) handleDisconnect(err error) {
	s.SetHealthy(false)
}

// handleMessage processes one v5 frame.
func (s *OKXSource) handleMessage(message []byte) {
	var msg okxWSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.Logger().Warn("Failed to unmarshal stream message", "error", err.Error())
		return
	}

	if msg.Event != "" {
		if msg.Event == "error" {
			s.Logger().Warn("OKX stream error", "code", msg.Code, "message", msg.Msg)
		}
		return
	}
	if msg.Arg.Channel != "tickers" {
		return
	}

	for _, ticker := range msg.Data {
		unified := s.GetUnifiedSymbol(ticker.InstID)
		if unified == "" {
			continue
		}
		u, ok := s.tickerToUpdate(unified, ticker, 1.0)
		if !ok {
			continue
		}
		s.Publish(u)
	}
	s.SetLastUpdate(time.Now())
}

// tickerToUpdate converts one OKX ticker into a price update;
// confidenceFactor scales the source confidence for the fallback path.
func (s *OKXSource) tickerToUpdate(unified string, ticker okxTicker, confidenceFactor float64) (feed.PriceUpdate, bool) {
	price, err := decimal.NewFromString(ticker.Last)
	if err != nil {
		s.Logger().Warn("Failed to parse price", "instId", ticker.InstID, "price", ticker.Last)
		return feed.PriceUpdate{}, false
	}
	volume := decimal.Zero
	if ticker.Vol24h != "" {
		if v, err := decimal.NewFromString(ticker.Vol24h); err == nil {
			volume = v
		}
	}
	ts := time.Now()
	if ms, err := strconv.ParseInt(ticker.Ts, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms)
	}
	return feed.PriceUpdate{
		Symbol:     unified,
		Source:     s.Name(),
		Price:      price,
		Volume:     volume,
		Timestamp:  ts,
		Confidence: s.Confidence() * confidenceFactor,
	}, true
}

func init() {
	sources.Register("cex.okx", NewOKXSource)
}
