package websocket

import (
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultGenericBase is the starting delay for generic errors.
	DefaultGenericBase = 500 * time.Millisecond
	// DefaultNetworkBase is the starting delay for network and timeout
	// errors, which get the more patient schedule.
	DefaultNetworkBase = 2 * time.Second
	// DefaultGenericMultiplier grows the generic schedule.
	DefaultGenericMultiplier = 2.0
	// DefaultNetworkMultiplier grows the network schedule.
	DefaultNetworkMultiplier = 2.5
	// DefaultMaxDelay is the hard ceiling for any reconnect delay.
	DefaultMaxDelay = 2 * time.Minute
	// DefaultJitter is the jitter ratio applied to computed delays.
	DefaultJitter = 0.2
)

// BackoffConfig holds the categorized reconnection schedule.
type BackoffConfig struct {
	GenericBase       time.Duration
	NetworkBase       time.Duration
	GenericMultiplier float64
	NetworkMultiplier float64
	MaxDelay          time.Duration
	Jitter            float64
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.GenericBase <= 0 {
		c.GenericBase = DefaultGenericBase
	}
	if c.NetworkBase <= 0 {
		c.NetworkBase = DefaultNetworkBase
	}
	if c.GenericMultiplier <= 1 {
		c.GenericMultiplier = DefaultGenericMultiplier
	}
	if c.NetworkMultiplier <= 1 {
		c.NetworkMultiplier = DefaultNetworkMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = DefaultJitter
	}
	return c
}

func (c BackoffConfig) schedule(class ErrorClass) (time.Duration, float64) {
	switch class {
	case ClassNetwork, ClassTimeout:
		return c.NetworkBase, c.NetworkMultiplier
	default:
		return c.GenericBase, c.GenericMultiplier
	}
}

// Backoff computes categorized exponential reconnect delays:
// min(base(class) * multiplier(class)^attempt, maxDelay), optionally
// multiplied by an instability factor and jittered. The attempt counter
// is shared across classes and reset on successful connect.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
	rand    func() float64
}

// NewBackoff creates a backoff calculator with defaults filled in.
func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg:  cfg.withDefaults(),
		rand: rand.Float64,
	}
}

// Next returns the delay before the next reconnect attempt and advances
// the attempt counter. instability multiplies the delay when > 1; the
// result never exceeds the configured ceiling before jitter.
func (b *Backoff) Next(class ErrorClass, instability float64) time.Duration {
	delay := b.Peek(class, instability)
	b.attempt++
	return b.applyJitter(delay)
}

// Peek computes the delay for the current attempt without advancing the
// counter or applying jitter.
func (b *Backoff) Peek(class ErrorClass, instability float64) time.Duration {
	base, multiplier := b.cfg.schedule(class)

	delay := float64(base) * math.Pow(multiplier, float64(b.attempt))
	if instability > 1 {
		delay *= instability
	}
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func (b *Backoff) applyJitter(delay time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return delay
	}
	factor := 1.0 + (b.rand()*2-1)*b.cfg.Jitter
	return time.Duration(float64(delay) * factor)
}

// Reset clears the attempt counter after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of consecutive failures so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// MaxDelay returns the configured ceiling.
func (b *Backoff) MaxDelay() time.Duration {
	return b.cfg.MaxDelay
}
