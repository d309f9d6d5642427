package websocket

import (
	"sync"
	"time"
)

const (
	// DefaultHealthWindow is the rolling window for disconnect tracking.
	DefaultHealthWindow = 5 * time.Minute
	// DefaultUnstableThreshold is the disconnect count in the window at
	// which a connection is considered unstable.
	DefaultUnstableThreshold = 3
	// DefaultDisconnectPenalty is the score decrement per disconnect.
	DefaultDisconnectPenalty = 15
	// DefaultRecoveryStep is the score increment per quiet sweep.
	DefaultRecoveryStep = 5
	// DefaultRecoveryAfter is how long a connection must stay up before
	// sweeps start restoring the score.
	DefaultRecoveryAfter = 30 * time.Second
	// DefaultMaxInstabilityFactor caps the backoff multiplier applied to
	// unstable connections.
	DefaultMaxInstabilityFactor = 3.0
)

// HealthConfig configures connection health scoring.
type HealthConfig struct {
	Window               time.Duration
	UnstableThreshold    int
	DisconnectPenalty    int
	RecoveryStep         int
	RecoveryAfter        time.Duration
	MaxInstabilityFactor float64

	// Now is the clock used for window pruning. Defaults to time.Now.
	Now func() time.Time
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.Window <= 0 {
		c.Window = DefaultHealthWindow
	}
	if c.UnstableThreshold <= 0 {
		c.UnstableThreshold = DefaultUnstableThreshold
	}
	if c.DisconnectPenalty <= 0 {
		c.DisconnectPenalty = DefaultDisconnectPenalty
	}
	if c.RecoveryStep <= 0 {
		c.RecoveryStep = DefaultRecoveryStep
	}
	if c.RecoveryAfter <= 0 {
		c.RecoveryAfter = DefaultRecoveryAfter
	}
	if c.MaxInstabilityFactor <= 1 {
		c.MaxInstabilityFactor = DefaultMaxInstabilityFactor
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Health tracks one connection's health score (0-100, starts at 100), a
// rolling window of recent disconnects, and keepalive timestamps.
type Health struct {
	cfg HealthConfig

	mu          sync.Mutex
	score       int
	disconnects []time.Time
	lastMessage time.Time
	lastPong    time.Time
}

// NewHealth creates a health tracker starting at full score.
func NewHealth(cfg HealthConfig) *Health {
	return &Health{
		cfg:   cfg.withDefaults(),
		score: 100,
	}
}

// RecordDisconnect notes a disconnection and decrements the score.
func (h *Health) RecordDisconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.cfg.Now()
	h.disconnects = append(h.disconnects, now)
	h.pruneLocked(now)

	h.score -= h.cfg.DisconnectPenalty
	if h.score < 0 {
		h.score = 0
	}
}

// RecordMessage notes inbound traffic for keepalive accounting.
func (h *Health) RecordMessage() {
	h.mu.Lock()
	h.lastMessage = h.cfg.Now()
	h.mu.Unlock()
}

// RecordPong notes a keepalive pong.
func (h *Health) RecordPong() {
	h.mu.Lock()
	now := h.cfg.Now()
	h.lastPong = now
	h.lastMessage = now
	h.mu.Unlock()
}

// Sweep prunes the disconnect window and, when the connection has been
// quiet long enough, restores part of the score. Called periodically by
// the client's health ticker.
func (h *Health) Sweep() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.cfg.Now()
	h.pruneLocked(now)

	if n := len(h.disconnects); n > 0 {
		if now.Sub(h.disconnects[n-1]) < h.cfg.RecoveryAfter {
			return
		}
	}
	h.score += h.cfg.RecoveryStep
	if h.score > 100 {
		h.score = 100
	}
}

func (h *Health) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.cfg.Window)
	i := 0
	for i < len(h.disconnects) && h.disconnects[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		h.disconnects = append(h.disconnects[:0], h.disconnects[i:]...)
	}
}

// Score returns the current health score, 0-100.
func (h *Health) Score() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.score
}

// DisconnectsInWindow returns the number of disconnects in the rolling
// window.
func (h *Health) DisconnectsInWindow() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(h.cfg.Now())
	return len(h.disconnects)
}

// Unstable reports whether disconnects in the window reached the
// configured threshold.
func (h *Health) Unstable() bool {
	return h.DisconnectsInWindow() >= h.cfg.UnstableThreshold
}

// InstabilityFactor returns the multiplier applied to backoff delays:
// 1.0 while stable, growing with the disconnect count and capped.
func (h *Health) InstabilityFactor() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(h.cfg.Now())

	n := len(h.disconnects)
	if n < h.cfg.UnstableThreshold {
		return 1.0
	}
	factor := 1.0 + float64(n)/float64(h.cfg.UnstableThreshold)
	if factor > h.cfg.MaxInstabilityFactor {
		factor = h.cfg.MaxInstabilityFactor
	}
	return factor
}

// LastMessage returns the time of the last inbound traffic.
func (h *Health) LastMessage() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastMessage
}

// LastPong returns the time of the last keepalive pong.
func (h *Health) LastPong() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPong
}
