package coordinator

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func cryptoKeys(symbols ...string) []feed.Key {
	keys := make([]feed.Key, len(symbols))
	for i, s := range symbols {
		keys[i] = feed.NewKey(feed.CategoryCrypto, s)
	}
	return keys
}

func newTestReadiness(t *testing.T, expected int, clock *fakeClock, onReady func(string)) *Readiness {
	t.Helper()
	return NewReadiness(ReadinessConfig{
		ExpectedFeeds: expected,
		Now:           clock.Now,
	}, logging.NewNoopLogger(), onReady)
}

func TestReadiness_AllFeedsTripsLatch(t *testing.T) {
	clock := newFakeClock()
	r := newTestReadiness(t, 2, clock, nil)

	r.MarkFeed(feed.NewKey(feed.CategoryCrypto, "BTC/USD"))
	require.False(t, r.Ready())

	r.MarkFeed(feed.NewKey(feed.CategoryCrypto, "ETH/USD"))
	require.True(t, r.Ready())
	assert.Equal(t, "all_feeds", r.Stats().Reason)
}

func TestReadiness_LatchIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	completions := 0
	r := newTestReadiness(t, 1, clock, func(string) { completions++ })

	key := feed.NewKey(feed.CategoryCrypto, "BTC/USD")
	r.MarkFeed(key)
	require.True(t, r.Ready())

	// Re-triggering completion in every available way must not fire the
	// callback again or flip the latch back.
	r.MarkFeed(key)
	r.MarkFeed(feed.NewKey(feed.CategoryCrypto, "ETH/USD"))
	for i := 0; i < 10; i++ {
		require.True(t, r.Evaluate())
	}
	r.Stop()
	r.Stop()

	assert.Equal(t, 1, completions)
	assert.True(t, r.Ready())
}

func TestReadiness_NearFullAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	r := newTestReadiness(t, 20, clock, nil)

	for _, key := range cryptoKeys(
		"BTC/USD", "ETH/USD", "XRP/USD", "ADA/USD", "DOGE/USD",
		"SOL/USD", "DOT/USD", "AVAX/USD", "LINK/USD", "LTC/USD",
		"ATOM/USD", "XLM/USD", "ALGO/USD", "FIL/USD", "NEAR/USD",
		"APT/USD", "ARB/USD", "OP/USD", "INJ/USD",
	) {
		r.MarkFeed(key)
	}
	require.False(t, r.Ready(), "19 of 20 must wait for the time threshold")

	clock.Advance(29 * time.Second)
	require.False(t, r.Evaluate())

	clock.Advance(time.Second)
	require.True(t, r.Evaluate())
	assert.True(t, strings.HasPrefix(r.Stats().Reason, "near_full"), "reason %q", r.Stats().Reason)
}

func TestReadiness_PartialAfterLongerWait(t *testing.T) {
	clock := newFakeClock()
	r := newTestReadiness(t, 10, clock, nil)

	for _, key := range cryptoKeys(
		"BTC/USD", "ETH/USD", "XRP/USD", "ADA/USD", "DOGE/USD",
		"SOL/USD", "DOT/USD", "AVAX/USD", "LINK/USD",
	) {
		r.MarkFeed(key)
	}

	// 90% coverage does not satisfy the 95% tier at 30s.
	clock.Advance(30 * time.Second)
	require.False(t, r.Evaluate())

	clock.Advance(30 * time.Second)
	require.True(t, r.Evaluate())
	assert.True(t, strings.HasPrefix(r.Stats().Reason, "partial"), "reason %q", r.Stats().Reason)
}

func TestReadiness_CeilingServesWhatExists(t *testing.T) {
	clock := newFakeClock()
	r := newTestReadiness(t, 10, clock, nil)

	r.MarkFeed(feed.NewKey(feed.CategoryCrypto, "BTC/USD"))
	clock.Advance(2*time.Minute - time.Second)
	require.False(t, r.Evaluate())

	clock.Advance(time.Second)
	require.True(t, r.Evaluate())
	assert.Equal(t, "warmup_ceiling", r.Stats().Reason)

	stats := r.Stats()
	assert.Equal(t, 10, stats.Expected)
	assert.Equal(t, 1, stats.WithData)
}

func TestReadiness_TimeToFirstData(t *testing.T) {
	clock := newFakeClock()
	r := newTestReadiness(t, 3, clock, nil)
	btc := feed.NewKey(feed.CategoryCrypto, "BTC/USD")
	eth := feed.NewKey(feed.CategoryCrypto, "ETH/USD")

	r.MarkFeed(btc)
	clock.Advance(7 * time.Second)
	r.MarkFeed(eth)
	// A repeat report must not overwrite the first-data stamp.
	clock.Advance(5 * time.Second)
	r.MarkFeed(btc)

	ttd := r.Stats().TimeToData
	assert.Equal(t, time.Duration(0), ttd[btc])
	assert.Equal(t, 7*time.Second, ttd[eth])
}

func TestReadiness_ZeroExpectedIsImmediatelyReady(t *testing.T) {
	clock := newFakeClock()
	r := newTestReadiness(t, 0, clock, nil)
	r.Start()
	defer r.Stop()

	require.True(t, r.Evaluate())
	assert.Equal(t, "all_feeds", r.Stats().Reason)
}

func TestReadiness_StopBeforeReadyLeavesLatchOpen(t *testing.T) {
	clock := newFakeClock()
	r := newTestReadiness(t, 5, clock, nil)
	r.Start()
	r.MarkFeed(feed.NewKey(feed.CategoryCrypto, "BTC/USD"))
	r.Stop()

	assert.False(t, r.Ready())
}
