package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	cat, err := ParseCategory("crypto")
	require.NoError(t, err)
	assert.Equal(t, CategoryCrypto, cat)

	cat, err = ParseCategory("1")
	require.NoError(t, err)
	assert.Equal(t, CategoryCrypto, cat)

	cat, err = ParseCategory("FX")
	require.NoError(t, err)
	assert.Equal(t, CategoryFX, cat)

	cat, err = ParseCategory("")
	require.NoError(t, err)
	assert.Equal(t, CategoryNone, cat)

	_, err = ParseCategory("bonds")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestKey_String(t *testing.T) {
	key := NewKey(CategoryCrypto, "BTC/USD")
	assert.Equal(t, "crypto:BTC/USD", key.String())

	parsed, err := ParseKey("crypto:BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, key, parsed)
}

func TestParseKey_Invalid(t *testing.T) {
	_, err := ParseKey("BTC/USD")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKey("crypto:")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKey("bonds:BTC/USD")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestLimits_WithDefaults(t *testing.T) {
	limits := Limits{}.WithDefaults()
	assert.Equal(t, DefaultMinSources, limits.MinSources)
	assert.Equal(t, DefaultMaxDeviationPct, limits.MaxDeviationPct)
	assert.Equal(t, DefaultOutlierThresholdPct, limits.OutlierThresholdPct)
	assert.Equal(t, limits.MinSources, limits.ExpectedSources)

	custom := Limits{MinSources: 3, ExpectedSources: 5, MaxDeviationPct: 2.5, OutlierThresholdPct: 5}.WithDefaults()
	assert.Equal(t, 3, custom.MinSources)
	assert.Equal(t, 5, custom.ExpectedSources)
	assert.Equal(t, 2.5, custom.MaxDeviationPct)
	assert.Equal(t, 5.0, custom.OutlierThresholdPct)
}

func TestRoundClock_RoundOf(t *testing.T) {
	epoch := time.Unix(1658430000, 0)
	clock := NewRoundClock(epoch, 90*time.Second)

	round, err := clock.RoundOf(epoch)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), round)

	round, err = clock.RoundOf(epoch.Add(89 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), round)

	round, err = clock.RoundOf(epoch.Add(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), round)

	round, err = clock.RoundOf(epoch.Add(100 * 90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, uint32(100), round)

	_, err = clock.RoundOf(epoch.Add(-time.Second))
	assert.ErrorIs(t, err, ErrRoundBeforeEpoch)
}

func TestRoundClock_StartEnd(t *testing.T) {
	epoch := time.Unix(1658430000, 0)
	clock := NewRoundClock(epoch, 90*time.Second)

	assert.Equal(t, epoch, clock.StartOf(0))
	assert.Equal(t, epoch.Add(90*time.Second), clock.StartOf(1))
	assert.Equal(t, clock.StartOf(1), clock.EndOf(0))

	// Round boundary times land in the later round.
	round, err := clock.RoundOf(clock.StartOf(7))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), round)
}

func TestRoundClock_Defaults(t *testing.T) {
	clock := NewRoundClock(time.Time{}, 0)
	assert.Equal(t, DefaultRoundDuration, clock.Duration())
	assert.Equal(t, time.Unix(DefaultEpochStartUnix, 0), clock.StartOf(0))
}
