// Package config provides configuration loading and validation for the
// feed value provider.
package config

import "errors"

var (
	// ErrNoFeedsConfigured indicates that no feeds are configured.
	ErrNoFeedsConfigured = errors.New("at least one feed must be configured")
	// ErrInvalidCategory indicates an unknown feed category.
	ErrInvalidCategory = errors.New("invalid feed category")
	// ErrFeedSymbolRequired indicates that a feed symbol is missing.
	ErrFeedSymbolRequired = errors.New("feed symbol must be specified")
	// ErrDuplicateFeed indicates that the same feed is configured twice.
	ErrDuplicateFeed = errors.New("duplicate feed")
	// ErrInvalidPriceBounds indicates that price_min exceeds price_max.
	ErrInvalidPriceBounds = errors.New("price_min must not exceed price_max")
	// ErrNegativeLimit indicates a negative feed limit value.
	ErrNegativeLimit = errors.New("feed limits must be >= 0")
	// ErrNoSourcesConfigured indicates that no price sources are configured.
	ErrNoSourcesConfigured = errors.New("at least one price source must be configured")
	// ErrNoSourcesEnabled indicates that no sources are enabled.
	ErrNoSourcesEnabled = errors.New("no sources enabled")
	// ErrSourceTypeRequired indicates that source type is required.
	ErrSourceTypeRequired = errors.New("source type is required")
	// ErrSourceNameRequired indicates that source name is required.
	ErrSourceNameRequired = errors.New("source name is required")
	// ErrUnknownSourceType indicates that the source type is unknown.
	ErrUnknownSourceType = errors.New("unknown source type")
	// ErrNegativeWeight indicates that source weight must be >= 0.
	ErrNegativeWeight = errors.New("weight must be >= 0")
	// ErrInvalidFraction indicates a readiness fraction outside (0,1].
	ErrInvalidFraction = errors.New("readiness fractions must be in (0,1]")
	// ErrInvalidLogLevel indicates that the log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidLogFormat indicates that the log format is invalid.
	ErrInvalidLogFormat = errors.New("invalid log format")
)
