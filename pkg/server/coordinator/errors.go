package coordinator

import "errors"

var (
	// ErrFeedUnavailable indicates the whole fallback chain failed for
	// one feed: no fresh cache entry, no fusible window, no reachable
	// on-demand source. The only error a query caller sees for data
	// problems, always scoped to a single feed.
	ErrFeedUnavailable = errors.New("feed unavailable")
	// ErrShuttingDown fails queries fast once shutdown has begun.
	ErrShuttingDown = errors.New("provider shutting down")
	// ErrUnknownFeed indicates a query for a feed that was never
	// configured.
	ErrUnknownFeed = errors.New("unknown feed")
	// ErrAlreadyStarted indicates a second Start call.
	ErrAlreadyStarted = errors.New("coordinator already started")
)
