package sources

import (
	"testing"
)

func TestParsePairsFromMap_Valid(t *testing.T) {
	tests := []struct {
		name     string
		config   map[string]interface{}
		expected map[string]string
	}{
		{
			name: "simple pairs",
			config: map[string]interface{}{
				"pairs": map[string]interface{}{
					"BTC/USDT": "BTCUSDT",
					"ETH/USDT": "ETHUSDT",
				},
			},
			expected: map[string]string{
				"BTC/USDT": "BTCUSDT",
				"ETH/USDT": "ETHUSDT",
			},
		},
		{
			name: "exchange-specific formats",
			config: map[string]interface{}{
				"pairs": map[string]interface{}{
					"BTC/USD": "XBT/USD", // Kraken format
					"XRP/USD": "XRP/USD",
				},
			},
			expected: map[string]string{
				"BTC/USD": "XBT/USD",
				"XRP/USD": "XRP/USD",
			},
		},
		{
			name: "dash-separated formats",
			config: map[string]interface{}{
				"pairs": map[string]interface{}{
					"BTC/USD": "BTC-USD", // Coinbase format
					"FLR/USD": "FLR-USD",
				},
			},
			expected: map[string]string{
				"BTC/USD": "BTC-USD",
				"FLR/USD": "FLR-USD",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParsePairsFromMap(tt.config)
			if err != nil {
				t.Fatalf("ParsePairsFromMap failed: %v", err)
			}

			if len(result) != len(tt.expected) {
				t.Errorf("Expected %d pairs, got %d", len(tt.expected), len(result))
			}

			for unifiedSymbol, sourceSymbol := range tt.expected {
				got, ok := result[unifiedSymbol]
				if !ok {
					t.Errorf("Missing pair %s", unifiedSymbol)
					continue
				}
				if got != sourceSymbol {
					t.Errorf("For %s: expected %s, got %s", unifiedSymbol, sourceSymbol, got)
				}
			}
		})
	}
}

func TestParsePairsFromMap_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		config    map[string]interface{}
		expectErr bool
	}{
		{
			name:      "missing pairs key",
			config:    map[string]interface{}{},
			expectErr: true,
		},
		{
			name: "pairs is not a map",
			config: map[string]interface{}{
				"pairs": "invalid",
			},
			expectErr: true,
		},
		{
			name: "pairs is array instead of map",
			config: map[string]interface{}{
				"pairs": []interface{}{"BTC/USDT", "ETH/USDT"},
			},
			expectErr: true,
		},
		{
			name: "empty pairs map",
			config: map[string]interface{}{
				"pairs": map[string]interface{}{},
			},
			expectErr: true,
		},
		{
			name: "unified symbol without quote",
			config: map[string]interface{}{
				"pairs": map[string]interface{}{
					"BTCUSDT": "BTCUSDT",
				},
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParsePairsFromMap(tt.config)
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				if result != nil {
					t.Errorf("Expected nil result on error, got %v", result)
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
				}
			}
		})
	}
}

func TestConfidenceFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		config   map[string]interface{}
		expected float64
	}{
		{
			name:     "missing key uses default",
			config:   map[string]interface{}{},
			expected: DefaultConfidence,
		},
		{
			name:     "valid float",
			config:   map[string]interface{}{"confidence": 0.9},
			expected: 0.9,
		},
		{
			name:     "integer one",
			config:   map[string]interface{}{"confidence": 1},
			expected: 1.0,
		},
		{
			name:     "zero rejected",
			config:   map[string]interface{}{"confidence": 0.0},
			expected: DefaultConfidence,
		},
		{
			name:     "above one rejected",
			config:   map[string]interface{}{"confidence": 1.5},
			expected: DefaultConfidence,
		},
		{
			name:     "wrong type rejected",
			config:   map[string]interface{}{"confidence": "high"},
			expected: DefaultConfidence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConfidenceFromConfig(tt.config)
			if got != tt.expected {
				t.Errorf("Expected %f, got %f", tt.expected, got)
			}
		})
	}
}

func TestValidateSymbolFormat(t *testing.T) {
	valid := []string{"BTC/USD", "BTC/USDT", "EUR/USD", "XAU/USD"}
	for _, symbol := range valid {
		if err := ValidateSymbolFormat(symbol); err != nil {
			t.Errorf("Expected %s to be valid, got %v", symbol, err)
		}
	}

	invalid := []string{"", "BTC", "BTCUSDT", "/USD", "BTC/", "BTC/USD/EUR"}
	for _, symbol := range invalid {
		if err := ValidateSymbolFormat(symbol); err == nil {
			t.Errorf("Expected %s to be invalid", symbol)
		}
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"BTC/USDT", "BTC/USD"},
		{"BTC/USDC", "BTC/USD"},
		{"btc/usdt", "BTC/USD"},
		{"WETH/USDT", "ETH/USD"},
		{"WFLR/USD", "FLR/USD"},
		{"EUR/USD", "EUR/USD"},
		{"BTCUSDT", "BTCUSDT"}, // not a pair, unchanged
	}

	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in); got != tt.expected {
			t.Errorf("NormalizeSymbol(%s) = %s, expected %s", tt.in, got, tt.expected)
		}
	}

	if !IsEquivalentSymbol("BTC/USDT", "BTC/USDC") {
		t.Error("Expected BTC/USDT and BTC/USDC to be equivalent")
	}
	if IsEquivalentSymbol("BTC/USD", "ETH/USD") {
		t.Error("Expected BTC/USD and ETH/USD to differ")
	}
}
