// Package sources provides price source interfaces and implementations.
package sources

import (
	"fmt"
	"strings"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub004/pkg/logging"
)

// GetLoggerFromConfig extracts the logger from the config map or returns a
// noop logger so sources never dereference a nil logger.
func GetLoggerFromConfig(config map[string]interface{}) *logging.Logger {
	if loggerInterface, ok := config["logger"]; ok {
		if logger, ok := loggerInterface.(*logging.Logger); ok {
			return logger
		}
	}

	return logging.NewNoopLogger()
}

// ParsePairsFromMap extracts pair mappings from config where pairs is a map.
// Expected format: pairs: { "BTC/USD": "BTCUSDT", "ETH/USD": "ETHUSDT" }.
// Keys are unified symbols, values are the source-specific symbols.
func ParsePairsFromMap(config map[string]interface{}) (map[string]string, error) {
	pairsRaw, ok := config["pairs"]
	if !ok {
		return nil, fmt.Errorf("%w: 'pairs' key", ErrInvalidConfig)
	}

	pairsMap, ok := pairsRaw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: pairs must be map[string]string", ErrInvalidConfig)
	}

	pairs := make(map[string]string, len(pairsMap))
	for unified, sourceRaw := range pairsMap {
		source, ok := sourceRaw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %T", ErrInvalidConfig, unified, sourceRaw)
		}
		if err := ValidateSymbolFormat(unified); err != nil {
			return nil, fmt.Errorf("unified symbol: %w", err)
		}
		pairs[unified] = source
	}

	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w", ErrNoPairsConfigured)
	}

	return pairs, nil
}

// ConfidenceFromConfig reads the configured base confidence for a source,
// falling back to the package default. Values outside (0,1] are ignored.
func ConfidenceFromConfig(config map[string]interface{}) float64 {
	raw, ok := config["confidence"]
	if !ok {
		return DefaultConfidence
	}
	var conf float64
	switch v := raw.(type) {
	case float64:
		conf = v
	case int:
		conf = float64(v)
	default:
		return DefaultConfidence
	}
	if conf <= 0 || conf > 1 {
		return DefaultConfidence
	}
	return conf
}

// ValidateSymbolFormat checks if a symbol is in valid BASE/QUOTE format
// Valid formats:
//   - "BTC/USD", "BTC/USDT" (crypto pairs)
//   - "EUR/USD" (fiat pairs)
//
// Invalid formats:
//   - "BTC" (no quote currency)
//   - "BTCUSDT" (no separator)
//   - "" (empty).
func ValidateSymbolFormat(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("%w", ErrInvalidSymbolFormat)
	}

	parts := strings.Split(symbol, "/")
	if len(parts) != 2 {
		return fmt.Errorf("%w: %s", ErrInvalidSymbolFormat, symbol)
	}

	base := strings.TrimSpace(parts[0])
	quote := strings.TrimSpace(parts[1])

	if base == "" {
		return fmt.Errorf("%w: %s", ErrEmptyBaseCurrency, symbol)
	}
	if quote == "" {
		return fmt.Errorf("%w: %s", ErrEmptyQuoteCurrency, symbol)
	}

	return nil
}
