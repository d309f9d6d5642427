package websocket

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestHealth(clock *testClock) *Health {
	return NewHealth(HealthConfig{
		Window:               5 * time.Minute,
		UnstableThreshold:    3,
		DisconnectPenalty:    15,
		RecoveryStep:         5,
		RecoveryAfter:        30 * time.Second,
		MaxInstabilityFactor: 3.0,
		Now:                  clock.Now,
	})
}

func TestHealth_StartsAtFullScore(t *testing.T) {
	h := newTestHealth(newTestClock())

	assert.Equal(t, 100, h.Score())
	assert.False(t, h.Unstable())
	assert.Equal(t, 1.0, h.InstabilityFactor())
}

func TestHealth_DisconnectPenalty(t *testing.T) {
	h := newTestHealth(newTestClock())

	h.RecordDisconnect()
	assert.Equal(t, 85, h.Score())

	h.RecordDisconnect()
	assert.Equal(t, 70, h.Score())
}

func TestHealth_ScoreNeverGoesNegative(t *testing.T) {
	clock := newTestClock()
	h := newTestHealth(clock)

	for i := 0; i < 10; i++ {
		h.RecordDisconnect()
		clock.Advance(time.Second)
	}
	assert.Equal(t, 0, h.Score())
}

func TestHealth_WindowPruning(t *testing.T) {
	clock := newTestClock()
	h := newTestHealth(clock)

	h.RecordDisconnect()
	h.RecordDisconnect()
	h.RecordDisconnect()
	require.Equal(t, 3, h.DisconnectsInWindow())
	require.True(t, h.Unstable())

	clock.Advance(5*time.Minute + time.Second)

	assert.Equal(t, 0, h.DisconnectsInWindow())
	assert.False(t, h.Unstable())
	assert.Equal(t, 1.0, h.InstabilityFactor())
}

func TestHealth_RecoveryNeedsQuietPeriod(t *testing.T) {
	clock := newTestClock()
	h := newTestHealth(clock)

	h.RecordDisconnect()
	require.Equal(t, 85, h.Score())

	// Too soon after the disconnect: no recovery yet.
	clock.Advance(10 * time.Second)
	h.Sweep()
	assert.Equal(t, 85, h.Score())

	clock.Advance(25 * time.Second)
	h.Sweep()
	assert.Equal(t, 90, h.Score())

	for i := 0; i < 5; i++ {
		clock.Advance(30 * time.Second)
		h.Sweep()
	}
	assert.Equal(t, 100, h.Score())
}

func TestHealth_InstabilityFactor(t *testing.T) {
	clock := newTestClock()
	h := newTestHealth(clock)

	h.RecordDisconnect()
	h.RecordDisconnect()
	assert.Equal(t, 1.0, h.InstabilityFactor(), "below the threshold the schedule is untouched")

	h.RecordDisconnect()
	assert.Equal(t, 2.0, h.InstabilityFactor())

	h.RecordDisconnect()
	h.RecordDisconnect()
	h.RecordDisconnect()
	assert.Equal(t, 3.0, h.InstabilityFactor())

	// The factor is capped no matter how bad the window gets.
	for i := 0; i < 10; i++ {
		h.RecordDisconnect()
	}
	assert.Equal(t, 3.0, h.InstabilityFactor())
}

func TestHealth_KeepaliveStamps(t *testing.T) {
	clock := newTestClock()
	h := newTestHealth(clock)

	require.True(t, h.LastMessage().IsZero())
	require.True(t, h.LastPong().IsZero())

	h.RecordMessage()
	first := clock.Now()
	assert.Equal(t, first, h.LastMessage())
	assert.True(t, h.LastPong().IsZero())

	clock.Advance(time.Second)
	h.RecordPong()
	assert.Equal(t, clock.Now(), h.LastPong())
	assert.Equal(t, clock.Now(), h.LastMessage())
}
