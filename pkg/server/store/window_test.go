package store

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

var btcKey = feed.NewKey(feed.CategoryCrypto, "BTC/USD")

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type rejectAllGate struct{ calls int }

func (g *rejectAllGate) Validate(feed.Key, feed.PriceUpdate) (bool, feed.RejectReason) {
	g.calls++
	return false, feed.RejectStale
}

func windowUpdate(source string, price int64, ts time.Time) feed.PriceUpdate {
	return feed.PriceUpdate{
		Symbol:     "BTC/USD",
		Source:     source,
		Price:      decimal.NewFromInt(price),
		Timestamp:  ts,
		Confidence: 0.95,
	}
}

func TestWindow_SingleEntryPerSource(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{Now: clock.Now}, nil, nil, nil)

	ok, _ := s.Admit(btcKey, windowUpdate("binance", 50000, clock.Now()))
	require.True(t, ok)
	ok, _ = s.Admit(btcKey, windowUpdate("binance", 50100, clock.Now()))
	require.True(t, ok)

	entries := s.FreshEntries(btcKey)
	require.Len(t, entries, 1, "a source's second update must replace its first")
	assert.True(t, entries[0].Price.Equal(decimal.NewFromInt(50100)))
}

func TestWindow_StalenessPurge(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{MaxAge: 2000 * time.Millisecond, Now: clock.Now}, nil, nil, nil)

	s.Admit(btcKey, windowUpdate("old", 50000, clock.Now().Add(-2500*time.Millisecond)))
	s.Admit(btcKey, windowUpdate("edge", 50010, clock.Now().Add(-2000*time.Millisecond)))
	s.Admit(btcKey, windowUpdate("fresh", 50020, clock.Now()))

	entries := s.FreshEntries(btcKey)
	sources := make([]string, 0, len(entries))
	for _, e := range entries {
		sources = append(sources, e.Source)
	}
	assert.ElementsMatch(t, []string{"edge", "fresh"}, sources,
		"2500ms-old entry excluded; exactly-threshold entry still counts")
}

func TestWindow_ExpiredEntriesPurgedOnRead(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{MaxAge: 2 * time.Second, Now: clock.Now}, nil, nil, nil)

	s.Admit(btcKey, windowUpdate("binance", 50000, clock.Now()))
	require.Len(t, s.FreshEntries(btcKey), 1)

	clock.Advance(3 * time.Second)
	assert.Empty(t, s.FreshEntries(btcKey))
	assert.Zero(t, s.Len(), "a feed whose window emptied is removed entirely")
}

func TestWindow_InvalidateRunsBeforeAdmitReturns(t *testing.T) {
	clock := newFakeClock()

	var order []string
	s := New(Config{Now: clock.Now}, nil, func(key feed.Key) {
		order = append(order, "invalidate:"+key.String())
	}, nil)

	s.Admit(btcKey, windowUpdate("binance", 50000, clock.Now()))
	order = append(order, "returned")

	require.Equal(t, []string{"invalidate:crypto:BTC/USD", "returned"}, order)
}

func TestWindow_RejectedUpdateLeavesNoTrace(t *testing.T) {
	clock := newFakeClock()
	gate := &rejectAllGate{}

	invalidated := 0
	s := New(Config{Now: clock.Now}, gate, func(feed.Key) { invalidated++ }, nil)

	ok, reason := s.Admit(btcKey, windowUpdate("binance", 50000, clock.Now()))
	assert.False(t, ok)
	assert.Equal(t, feed.RejectStale, reason)
	assert.Equal(t, 1, gate.calls)
	assert.Zero(t, invalidated, "rejected updates must not invalidate the cache")
	assert.Empty(t, s.FreshEntries(btcKey))
}

func TestWindow_SweepDropsEmptyFeeds(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{MaxAge: 2 * time.Second, Now: clock.Now}, nil, nil, nil)

	ethKey := feed.NewKey(feed.CategoryCrypto, "ETH/USD")
	s.Admit(btcKey, windowUpdate("binance", 50000, clock.Now()))
	s.Admit(btcKey, windowUpdate("kraken", 50010, clock.Now()))
	s.Admit(ethKey, windowUpdate("binance", 3000, clock.Now()))
	require.Equal(t, 2, s.Len())

	clock.Advance(3 * time.Second)
	s.Admit(btcKey, windowUpdate("okx", 50020, clock.Now()))

	entries, feeds := s.Sweep()
	assert.Equal(t, 3, entries, "both stale btc entries and the eth entry expire")
	assert.Equal(t, 1, feeds, "only the emptied eth feed is dropped")
	assert.Equal(t, 1, s.Len())
	assert.Len(t, s.FreshEntries(btcKey), 1)
}

func TestWindow_ConcurrentAdmits(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{Now: clock.Now}, nil, nil, nil)

	var wg sync.WaitGroup
	sources := []string{"binance", "coinbase", "kraken", "okx"}
	for _, src := range sources {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				s.Admit(btcKey, windowUpdate(src, 50000+i, clock.Now()))
			}
		}(src)
	}
	wg.Wait()

	entries := s.FreshEntries(btcKey)
	assert.Len(t, entries, len(sources), "one surviving entry per source")
}
