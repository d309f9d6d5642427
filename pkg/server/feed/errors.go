package feed

import "errors"

var (
	// ErrUnknownCategory indicates an unrecognized feed category name.
	ErrUnknownCategory = errors.New("unknown feed category")

	// ErrInvalidKey indicates a feed key string that could not be parsed.
	ErrInvalidKey = errors.New("invalid feed key")

	// ErrInvalidRound indicates a voting round id that could not be parsed.
	ErrInvalidRound = errors.New("invalid voting round")

	// ErrRoundBeforeEpoch indicates a time before the configured epoch start.
	ErrRoundBeforeEpoch = errors.New("time before voting epoch start")
)
