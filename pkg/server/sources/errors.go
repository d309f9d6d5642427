// Package sources provides price source interfaces and implementations.
package sources

import "errors"

var (
	// ErrNoPricesAvailable indicates that no prices are available from the source.
	ErrNoPricesAvailable = errors.New("no prices available")
	// ErrUnexpectedStatus indicates an unexpected HTTP status code.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status code")
	// ErrRateLimitExceeded indicates that a rate limit has been exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrAPIError indicates an API error.
	ErrAPIError = errors.New("API error")
	// ErrInvalidResponse indicates an invalid response from the source.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrSourceStopped indicates that the source has been stopped.
	ErrSourceStopped = errors.New("source stopped")
	// ErrInvalidConfig indicates that the source configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoMatchingSymbols indicates that no matching symbols are found in response.
	ErrNoMatchingSymbols = errors.New("no matching symbols found in response")
	// ErrNoPricesExtracted indicates that no prices are extracted from response.
	ErrNoPricesExtracted = errors.New("no prices extracted from response")
	// ErrNoPairsConfigured indicates that no valid pairs are configured.
	ErrNoPairsConfigured = errors.New("no pairs configured")
	// ErrUnknownSource indicates a source name with no registered factory.
	ErrUnknownSource = errors.New("unknown source")
	// ErrInvalidSymbolFormat indicates that the symbol format is invalid.
	ErrInvalidSymbolFormat = errors.New("symbol must be in BASE/QUOTE format")
	// ErrEmptyBaseCurrency indicates that the symbol BASE currency cannot be empty.
	ErrEmptyBaseCurrency = errors.New("symbol BASE currency cannot be empty")
	// ErrEmptyQuoteCurrency indicates that the symbol QUOTE currency cannot be empty.
	ErrEmptyQuoteCurrency = errors.New("symbol QUOTE currency cannot be empty")
)
