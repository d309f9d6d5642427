package feed

import "time"

const (
	// DefaultEpochStartUnix is the first voting round start timestamp on
	// Flare mainnet.
	DefaultEpochStartUnix int64 = 1658430000

	// DefaultRoundDuration is the voting epoch duration.
	DefaultRoundDuration = 90 * time.Second
)

// RoundClock maps timestamps to voting round ids from a configured epoch
// start and round duration.
type RoundClock struct {
	epochStart    time.Time
	roundDuration time.Duration
	now           func() time.Time
}

// NewRoundClock creates a round clock. A non-positive duration falls back
// to the default epoch duration.
func NewRoundClock(epochStart time.Time, roundDuration time.Duration) *RoundClock {
	if roundDuration <= 0 {
		roundDuration = DefaultRoundDuration
	}
	if epochStart.IsZero() {
		epochStart = time.Unix(DefaultEpochStartUnix, 0)
	}
	return &RoundClock{
		epochStart:    epochStart,
		roundDuration: roundDuration,
		now:           time.Now,
	}
}

// RoundOf returns the voting round containing t.
func (c *RoundClock) RoundOf(t time.Time) (uint32, error) {
	if t.Before(c.epochStart) {
		return 0, ErrRoundBeforeEpoch
	}
	return uint32(t.Sub(c.epochStart) / c.roundDuration), nil
}

// Current returns the round containing the present moment, or 0 before
// the epoch start.
func (c *RoundClock) Current() uint32 {
	round, err := c.RoundOf(c.now())
	if err != nil {
		return 0
	}
	return round
}

// StartOf returns the start time of a round.
func (c *RoundClock) StartOf(round uint32) time.Time {
	return c.epochStart.Add(time.Duration(round) * c.roundDuration)
}

// EndOf returns the exclusive end time of a round.
func (c *RoundClock) EndOf(round uint32) time.Time {
	return c.StartOf(round + 1)
}

// Duration returns the configured round duration.
func (c *RoundClock) Duration() time.Duration {
	return c.roundDuration
}
