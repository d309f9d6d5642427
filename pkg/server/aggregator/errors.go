package aggregator

import "errors"

// ErrInsufficientSources indicates fewer fresh sources than the feed's
// minimum, before or after outlier rejection. It is an expected outcome
// under thin coverage; callers fall back rather than treat it as a
// failure.
var ErrInsufficientSources = errors.New("insufficient sources for consensus")
