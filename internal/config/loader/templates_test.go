package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTemplates = `
templates:
  - type: iv_crush_short
    direction: short
    instruments: [btc-usdt]
    min_confidence: 0.7
    conditions:
      - indicator: iv_rank
        min: 80
        max: 100
        weight: 2
      - pattern: regime
        sub_type: high_volatility
  - type: oversold_bounce
    direction: long
    enabled: false
    stop:
      pct: 0.03
    conditions:
      - indicator: rsi
        max: 30
`

func TestParseTemplatesAppliesDefaults(t *testing.T) {
	tpls, err := ParseTemplates([]byte(validTemplates))
	require.NoError(t, err)
	require.Len(t, tpls, 2)

	a := tpls[0]
	assert.Equal(t, "iv_crush_short", a.Type)
	assert.True(t, a.IsEnabled())
	assert.Equal(t, []string{"BTC/USDT"}, a.Instruments)
	assert.True(t, a.AppliesTo("BTC/USDT", "1h"))
	assert.False(t, a.AppliesTo("ETH/USDT", "1h"))
	assert.Equal(t, 0.7, a.MinConfidence)
	assert.Equal(t, DefaultRewardRatio, a.RewardRatio)
	assert.Equal(t, DefaultATRMultiple, a.Stop.ATRMultiple)
	assert.Equal(t, 2.0, a.Conditions[0].Weight)
	assert.Equal(t, 1.0, a.Conditions[1].Weight)
	assert.Equal(t, "regime/high_volatility", a.Conditions[1].Label())

	b := tpls[1]
	assert.False(t, b.IsEnabled())
	assert.Zero(t, b.Stop.ATRMultiple)
	assert.Equal(t, 0.03, b.Stop.Pct)
}

func TestParseTemplatesRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field": "templates:\n  - type: a\n    direction: long\n    conditions: [{indicator: rsi}]\n    colour: red\n",
		"bad direction": "templates:\n  - type: a\n    direction: up\n    conditions: [{indicator: rsi}]\n",
		"no conditions": "templates:\n  - type: a\n    direction: long\n    conditions: []\n",
		"both kinds":    "templates:\n  - type: a\n    direction: long\n    conditions: [{indicator: rsi, pattern: wyckoff}]\n",
		"duplicate": "templates:\n  - {type: a, direction: long, conditions: [{indicator: rsi}]}\n" +
			"  - {type: a, direction: short, conditions: [{indicator: rsi}]}\n",
		"min above max": "templates:\n  - type: a\n    direction: long\n    conditions: [{indicator: rsi, min: 70, max: 30}]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTemplates([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestRegistryReloadKeepsLastGood(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validTemplates), 0o644))

	reg, err := NewTemplateRegistry(path, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reg.Snapshot().Version)

	got := make(chan Snapshot, 1)
	reg.Subscribe(func(s Snapshot) { got <- s })

	require.NoError(t, os.WriteFile(path, []byte("templates:\n  - {type: x, direction: long, conditions: [{pattern: wyckoff}]}\n"), 0o644))
	require.NoError(t, reg.Reload())
	select {
	case snap := <-got:
		require.Len(t, snap.Templates, 1)
		assert.EqualValues(t, 2, snap.Version)
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}

	require.NoError(t, os.WriteFile(path, []byte("templates: [{type: broken}]\n"), 0o644))
	assert.Error(t, reg.Reload())
	snap := reg.Snapshot()
	assert.EqualValues(t, 2, snap.Version)
	assert.Equal(t, "x", snap.Templates[0].Type)
}

func TestStaticRegistry(t *testing.T) {
	reg, err := NewStaticRegistry(Template{Type: "t", Direction: "LONG", Conditions: []Condition{{Indicator: "rsi"}}})
	require.NoError(t, err)
	snap := reg.Snapshot()
	require.Len(t, snap.Templates, 1)
	assert.Equal(t, "long", snap.Templates[0].Direction)
}
