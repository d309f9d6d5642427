package sources

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/server/feed"
)

func newTestBase(t *testing.T) *BaseSource {
	t.Helper()
	pairs := map[string]string{
		"BTC/USD": "BTCUSDT",
		"ETH/USD": "ETHUSDT",
	}
	return NewBaseSource("testsource", SourceTypeCEX, pairs, 0.9, logging.NewNoopLogger())
}

func TestBaseSource_PublishNotifiesSubscribers(t *testing.T) {
	base := newTestBase(t)

	updates := make(chan Update, 4)
	base.AddSubscriber(updates)

	now := time.Now()
	base.SetPrice("BTC/USD", decimal.NewFromInt(50000), now)

	select {
	case u := <-updates:
		require.Equal(t, "testsource", u.Source)
		price, ok := u.Prices["BTC/USD"]
		require.True(t, ok)
		assert.True(t, price.Price.Equal(decimal.NewFromInt(50000)))
		assert.Equal(t, 0.9, price.Confidence)
		assert.Equal(t, "testsource", price.Source)
	default:
		t.Fatal("expected an update on the subscriber channel")
	}

	stored, ok := base.GetPrice("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, now, stored.Timestamp)
}

func TestBaseSource_PublishForcesSourceName(t *testing.T) {
	base := newTestBase(t)

	base.Publish(feed.PriceUpdate{
		Symbol:     "ETH/USD",
		Source:     "spoofed",
		Price:      decimal.NewFromInt(3000),
		Timestamp:  time.Now(),
		Confidence: 0.5,
	})

	stored, ok := base.GetPrice("ETH/USD")
	require.True(t, ok)
	assert.Equal(t, "testsource", stored.Source)
	assert.Equal(t, 0.5, stored.Confidence)
}

func TestBaseSource_FullSubscriberDoesNotBlock(t *testing.T) {
	base := newTestBase(t)

	full := make(chan Update) // no capacity, never drained
	base.AddSubscriber(full)

	done := make(chan struct{})
	go func() {
		base.SetPrice("BTC/USD", decimal.NewFromInt(50000), time.Now())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestBaseSource_HealthScoreClamped(t *testing.T) {
	base := newTestBase(t)
	assert.Equal(t, 100, base.HealthScore())

	base.SetHealthScore(250)
	assert.Equal(t, 100, base.HealthScore())

	base.SetHealthScore(-10)
	assert.Equal(t, 0, base.HealthScore())

	base.SetHealthScore(42)
	assert.Equal(t, 42, base.HealthScore())
}

func TestBaseSource_SymbolMapping(t *testing.T) {
	base := newTestBase(t)

	assert.Equal(t, "BTCUSDT", base.GetSourceSymbol("BTC/USD"))
	assert.Equal(t, "BTC/USD", base.GetUnifiedSymbol("BTCUSDT"))
	assert.Equal(t, "", base.GetUnifiedSymbol("DOGEUSDT"))
	assert.ElementsMatch(t, []string{"BTC/USD", "ETH/USD"}, base.Symbols())
}

func TestBaseSource_CloseIdempotent(t *testing.T) {
	base := newTestBase(t)

	base.Close()
	base.Close() // second close must not panic

	select {
	case <-base.StopChan():
	default:
		t.Fatal("stop channel should be closed")
	}
}

func TestBaseSource_ConfidenceDefaulted(t *testing.T) {
	pairs := map[string]string{"BTC/USD": "BTCUSDT"}
	base := NewBaseSource("x", SourceTypeCEX, pairs, 0, logging.NewNoopLogger())
	assert.Equal(t, DefaultConfidence, base.Confidence())

	base = NewBaseSource("x", SourceTypeCEX, pairs, 1.7, logging.NewNoopLogger())
	assert.Equal(t, DefaultConfidence, base.Confidence())
}

func TestRegistry_CreateUnknown(t *testing.T) {
	_, err := Create("cex", "doesnotexist", nil)
	assert.ErrorIs(t, err, ErrUnknownSource)
}
