package feed

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
)

var testKey = NewKey(CategoryCrypto, "BTC/USD")

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func validUpdate(at time.Time) PriceUpdate {
	return PriceUpdate{
		Symbol:     "BTC/USD",
		Source:     "binance",
		Price:      decimal.NewFromInt(50000),
		Timestamp:  at,
		Confidence: 0.95,
	}
}

func TestValidator_AdmitsValidUpdate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := NewValidator(GateConfig{Now: fixedClock(now)}, nil, nil, logging.NewNoopLogger())

	ok, reason := v.Validate(testKey, validUpdate(now))
	assert.True(t, ok)
	assert.Equal(t, RejectNone, reason)

	stats := v.Stats()
	assert.Equal(t, uint64(1), stats.Admitted)
	assert.Equal(t, uint64(0), stats.Rejected)
}

func TestValidator_RejectsMalformed(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := NewValidator(GateConfig{Now: fixedClock(now)}, nil, nil, logging.NewNoopLogger())

	u := validUpdate(now)
	u.Symbol = ""
	ok, reason := v.Validate(testKey, u)
	assert.False(t, ok)
	assert.Equal(t, RejectMalformed, reason)

	u = validUpdate(now)
	u.Source = ""
	ok, _ = v.Validate(testKey, u)
	assert.False(t, ok)

	u = validUpdate(now)
	u.Price = decimal.Zero
	ok, _ = v.Validate(testKey, u)
	assert.False(t, ok)

	u = validUpdate(now)
	u.Price = decimal.NewFromInt(-1)
	ok, _ = v.Validate(testKey, u)
	assert.False(t, ok)

	u = validUpdate(now)
	u.Confidence = 1.5
	ok, _ = v.Validate(testKey, u)
	assert.False(t, ok)

	// Timestamps more than 5 minutes back or 1 minute forward are
	// structurally invalid, before the staleness check even runs.
	u = validUpdate(now.Add(-6 * time.Minute))
	ok, reason = v.Validate(testKey, u)
	assert.False(t, ok)
	assert.Equal(t, RejectMalformed, reason)

	u = validUpdate(now.Add(2 * time.Minute))
	ok, reason = v.Validate(testKey, u)
	assert.False(t, ok)
	assert.Equal(t, RejectMalformed, reason)

	stats := v.Stats()
	assert.Equal(t, uint64(7), stats.Rejected)
	assert.Equal(t, uint64(7), stats.ByReason[RejectMalformed])
}

func TestValidator_RejectsStale(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := NewValidator(GateConfig{Now: fixedClock(now)}, nil, nil, logging.NewNoopLogger())

	// 2500ms old against the default 2000ms window.
	ok, reason := v.Validate(testKey, validUpdate(now.Add(-2500*time.Millisecond)))
	assert.False(t, ok)
	assert.Equal(t, RejectStale, reason)

	// Exactly at the window edge is still fresh.
	ok, _ = v.Validate(testKey, validUpdate(now.Add(-2000*time.Millisecond)))
	assert.True(t, ok)
}

func TestValidator_FutureTolerance(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := NewValidator(GateConfig{Now: fixedClock(now)}, nil, nil, logging.NewNoopLogger())

	// Small skew ahead of our clock is tolerated.
	ok, _ := v.Validate(testKey, validUpdate(now.Add(300*time.Millisecond)))
	assert.True(t, ok)

	// Beyond the tolerance is not.
	ok, reason := v.Validate(testKey, validUpdate(now.Add(900*time.Millisecond)))
	assert.False(t, ok)
	assert.Equal(t, RejectFuture, reason)
}

func TestValidator_RangeBounds(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limits := map[Key]Limits{
		testKey: {
			MinPrice: decimal.NewFromInt(1000),
			MaxPrice: decimal.NewFromInt(100000),
		},
	}
	v := NewValidator(GateConfig{Now: fixedClock(now)}, limits, nil, logging.NewNoopLogger())

	ok, _ := v.Validate(testKey, validUpdate(now))
	assert.True(t, ok)

	u := validUpdate(now)
	u.Price = decimal.NewFromInt(500)
	ok, reason := v.Validate(testKey, u)
	assert.False(t, ok)
	assert.Equal(t, RejectOutOfRange, reason)

	u = validUpdate(now)
	u.Price = decimal.NewFromInt(200000)
	ok, reason = v.Validate(testKey, u)
	assert.False(t, ok)
	assert.Equal(t, RejectOutOfRange, reason)
}

func TestValidator_CrossSourceDeviation(t *testing.T) {
	now := time.Unix(1700000000, 0)
	median := decimal.NewFromInt(50000)
	lookup := func(key Key) (decimal.Decimal, bool) {
		return median, true
	}
	limits := map[Key]Limits{
		testKey: {MaxDeviationPct: 5},
	}
	v := NewValidator(GateConfig{Now: fixedClock(now)}, limits, lookup, logging.NewNoopLogger())

	// Within 5% of the median.
	u := validUpdate(now)
	u.Price = decimal.NewFromInt(51000)
	ok, _ := v.Validate(testKey, u)
	assert.True(t, ok)

	// 20% off the median.
	u.Price = decimal.NewFromInt(60000)
	ok, reason := v.Validate(testKey, u)
	assert.False(t, ok)
	assert.Equal(t, RejectDeviation, reason)
}

func TestValidator_NoMedianSkipsDeviationCheck(t *testing.T) {
	now := time.Unix(1700000000, 0)
	lookup := func(key Key) (decimal.Decimal, bool) {
		return decimal.Zero, false
	}
	v := NewValidator(GateConfig{Now: fixedClock(now)}, nil, lookup, logging.NewNoopLogger())

	u := validUpdate(now)
	u.Price = decimal.NewFromInt(999999)
	ok, _ := v.Validate(testKey, u)
	assert.True(t, ok)
}

func TestValidator_StatsSnapshotIsolated(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := NewValidator(GateConfig{Now: fixedClock(now)}, nil, nil, logging.NewNoopLogger())

	v.Validate(testKey, validUpdate(now))
	stats := v.Stats()
	stats.ByReason[RejectStale] = 99

	fresh := v.Stats()
	require.Equal(t, uint64(0), fresh.ByReason[RejectStale])
}
