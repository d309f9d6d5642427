package sources

import (
	"strings"
)

// Symbol normalization maps exchange trading pairs to oracle canonical pairs
// so that BTC/USDT, BTC/USD and BTC/USDC all feed the same oracle feed.

// Stablecoin aliases - all considered equivalent to USD
var stablecoinAliases = map[string]string{
	"USDT": "USD",
	"USDC": "USD",
	"BUSD": "USD",
	"DAI":  "USD",
	"TUSD": "USD",
	"USDD": "USD",
	"USDP": "USD",
}

// Base currency aliases
var baseCurrencyAliases = map[string]string{
	"WBTC":  "BTC",
	"WETH":  "ETH",
	"STETH": "ETH",
	"WFLR":  "FLR",
}

// NormalizeSymbol converts a trading pair symbol to its canonical oracle form
// Examples:
//   - BTC/USDT -> BTC/USD
//   - WETH/USDC -> ETH/USD
//   - EUR/USD -> EUR/USD (no change)
func NormalizeSymbol(symbol string) string {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 {
		return symbol
	}

	base := strings.ToUpper(parts[0])
	quote := strings.ToUpper(parts[1])

	if normalized, ok := baseCurrencyAliases[base]; ok {
		base = normalized
	}

	if normalized, ok := stablecoinAliases[quote]; ok {
		quote = normalized
	}

	return base + "/" + quote
}

// IsEquivalentSymbol checks if two symbols are equivalent after normalization
func IsEquivalentSymbol(symbol1, symbol2 string) bool {
	return NormalizeSymbol(symbol1) == NormalizeSymbol(symbol2)
}
