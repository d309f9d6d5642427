package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/client"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/api"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/coordinator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/sources"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/store"
)

var btcKey = feed.NewKey(feed.CategoryCrypto, "BTC/USD")

// stubSource satisfies sources.Source without any transport.
type stubSource struct {
	name    string
	symbols []string

	mu  sync.Mutex
	out chan<- sources.Update
}

func (s *stubSource) Initialize(context.Context) error { return nil }
func (s *stubSource) Start(context.Context) error      { return nil }
func (s *stubSource) Stop() error                      { return nil }

func (s *stubSource) GetPrices(context.Context) (map[string]feed.PriceUpdate, error) {
	return nil, sources.ErrNoMatchingSymbols
}

func (s *stubSource) FetchPrices(context.Context) (map[string]feed.PriceUpdate, error) {
	return nil, sources.ErrNoMatchingSymbols
}

func (s *stubSource) Subscribe(updates chan<- sources.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = updates
	return nil
}

func (s *stubSource) Name() string             { return s.name }
func (s *stubSource) Type() sources.SourceType { return sources.SourceTypeCEX }
func (s *stubSource) Symbols() []string        { return s.symbols }
func (s *stubSource) IsHealthy() bool          { return true }
func (s *stubSource) HealthScore() int         { return 100 }
func (s *stubSource) LastUpdate() time.Time    { return time.Time{} }

type fixture struct {
	coord  *coordinator.Coordinator
	window *store.WindowStore
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewNoopLogger()
	feeds := map[feed.Key]feed.Limits{
		btcKey: {MinSources: 2, ExpectedSources: 3},
	}

	// Build the shared pipeline pieces explicitly so tests can admit
	// observations into the window synchronously.
	priceCache := cache.New(cache.Config{})
	validator := feed.NewValidator(feed.GateConfig{}, feeds, nil, logger)
	window := store.New(store.Config{}, validator, priceCache.Invalidate, logger)

	coord := coordinator.New(
		coordinator.Config{Feeds: feeds},
		coordinator.Deps{
			Sources:   []sources.Source{&stubSource{name: "stub", symbols: []string{"BTC/USD"}}},
			Validator: validator,
			Window:    window,
			Cache:     priceCache,
		},
		logger)

	srv := httptest.NewServer(api.NewServer("", coord, logger).Handler())
	t.Cleanup(srv.Close)
	return &fixture{coord: coord, window: window, server: srv}
}

func (f *fixture) admit(t *testing.T, source string, price float64) {
	t.Helper()
	admitted, reason := f.window.Admit(btcKey, feed.PriceUpdate{
		Symbol:     "BTC/USD",
		Source:     source,
		Price:      decimal.NewFromFloat(price),
		Timestamp:  time.Now(),
		Confidence: 0.95,
	})
	require.True(t, admitted, "update rejected: %s", reason)
}

func TestFeedValuesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "binance", 50000)
	f.admit(t, "kraken", 50010)
	f.admit(t, "coinbase", 49995)

	c := client.New(f.server.URL, time.Second)
	values, err := c.GetFeedValues(context.Background(), []api.FeedID{{Category: 1, Name: "BTC/USD"}})
	require.NoError(t, err)
	require.Len(t, values, 1)

	v := values[0]
	assert.Equal(t, "BTC/USD", v.Feed.Name)
	price, err := decimal.NewFromString(v.Value)
	require.NoError(t, err)
	assert.True(t, price.GreaterThanOrEqual(decimal.NewFromInt(49995)))
	assert.True(t, price.LessThanOrEqual(decimal.NewFromInt(50010)))
	assert.Greater(t, v.Confidence, 0.8)
	assert.ElementsMatch(t, []string{"binance", "kraken", "coinbase"}, v.Sources)
}

func TestFeedValuesEmptyBodyServesAllFeeds(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "binance", 50000)
	f.admit(t, "kraken", 50010)

	resp, err := http.Post(f.server.URL+"/feed-values", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFeedValuesOmitsUnknownAndUnavailableFeeds(t *testing.T) {
	f := newFixture(t)

	c := client.New(f.server.URL, time.Second)
	values, err := c.GetFeedValues(context.Background(), []api.FeedID{
		{Category: 1, Name: "BTC/USD"},  // known but no data
		{Category: 1, Name: "DOGE/XYZ"}, // not configured
	})
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestRoundFeedValuesSnapshotIsStable(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "binance", 50000)
	f.admit(t, "kraken", 50010)

	c := client.New(f.server.URL, time.Second)
	first, err := c.GetRoundFeedValues(context.Background(), 42, []api.FeedID{{Category: 1, Name: "BTC/USD"}})
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A later admission must not change the round 42 snapshot.
	f.admit(t, "okx", 51000)
	second, err := c.GetRoundFeedValues(context.Background(), 42, []api.FeedID{{Category: 1, Name: "BTC/USD"}})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].Value, second[0].Value)
}

func TestRoundFeedValuesRejectsBadRound(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.server.URL+"/feed-values/not-a-round", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	c := client.New(f.server.URL, time.Second)
	ready, err := c.Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, ready, "cold provider must not report ready")
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
