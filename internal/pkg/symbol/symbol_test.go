package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"btcusdt":       "BTC/USDT",
		"BTC/USDT":      "BTC/USDT",
		"eth-usd":       "ETH/USD",
		"BTC/USDT:USDT": "BTC/USDT",
		" spy ":         "SPY",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestNormalizeListDedup(t *testing.T) {
	got := NormalizeList([]string{"btcusdt", "BTC/USDT", "", "spy"})
	assert.Equal(t, []string{"BTC/USDT", "SPY"}, got)
}
