package indicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsflow/internal/market"
	"optionsflow/internal/pkg/cache"
	"optionsflow/internal/types"
)

var testKey = market.StreamKey{Instrument: "BTC/USDT", Timeframe: "1h"}

func buildSnapshot(closes []float64, withOptions func(i int) *market.OptionsChain) market.Snapshot {
	samples := make([]market.Sample, len(closes))
	base := time.Unix(1_700_000_000, 0).UTC()
	for i, c := range closes {
		samples[i] = market.Sample{
			Instrument: testKey.Instrument,
			Timeframe:  testKey.Timeframe,
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			Open:       c,
			High:       c + 1,
			Low:        c - 1,
			Close:      c,
			Volume:     100,
		}
		if withOptions != nil {
			samples[i].Options = withOptions(i)
		}
	}
	return market.Snapshot{Key: testKey, Samples: samples}
}

func linear(n int, start float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)
	}
	return out
}

func find(t *testing.T, values []types.IndicatorValue, name string) types.IndicatorValue {
	t.Helper()
	for _, v := range values {
		if v.Name == name {
			return v
		}
	}
	t.Fatalf("indicator %s not found", name)
	return types.IndicatorValue{}
}

func TestStaleWhenLookbackInsufficient(t *testing.T) {
	eng, err := NewEngine(NewRSI(14), NewSMA(20))
	require.NoError(t, err)

	values, err := eng.Compute(context.Background(), buildSnapshot(linear(10, 100), nil), nil)
	require.NoError(t, err)
	rsi := find(t, values, "rsi")
	assert.True(t, rsi.Stale)
	assert.Equal(t, 50.0, rsi.Value)
	sma := find(t, values, "sma_20")
	assert.True(t, sma.Stale)
	assert.Equal(t, 0.0, sma.Value)
}

func TestPriceIndicatorsComputed(t *testing.T) {
	eng, err := NewEngine(NewSMA(20), NewEMA(9), NewRSI(14), NewMACD(12, 26, 9), NewMomentum(9),
		NewBollinger(20, 2), NewATR(14), NewVWAP(20), NewHistoricalVolatility(20))
	require.NoError(t, err)

	values, err := eng.Compute(context.Background(), buildSnapshot(linear(60, 1), nil), nil)
	require.NoError(t, err)
	require.Len(t, values, 9)
	for _, v := range values {
		assert.False(t, v.Stale, v.Name)
		assert.Equal(t, testKey.Instrument, v.Instrument)
	}
	// closes 41..60 的均值
	assert.InDelta(t, 50.5, find(t, values, "sma_20").Value, 1e-9)
	// 单边上涨，RSI 饱和
	assert.InDelta(t, 100, find(t, values, "rsi").Value, 1e-6)
	assert.InDelta(t, 2.0, find(t, values, "atr").Value, 1e-6)
	assert.InDelta(t, 50.5, find(t, values, "vwap").Value, 1e-9)
	assert.Contains(t, find(t, values, "macd").Payload, "histogram")
	assert.Greater(t, find(t, values, "historical_volatility").Value, 0.0)
}

// 52 个递增的周度 IV 样本，当前值为最大值，排名应为 100。
func TestIVRankMonotonicSeries(t *testing.T) {
	closes := linear(52, 100)
	eng, err := NewEngine(NewIVRank(52), NewIVPercentile(52))
	require.NoError(t, err)

	snap := buildSnapshot(closes, func(i int) *market.OptionsChain {
		return &market.OptionsChain{ATMIV: 20 + float64(i)}
	})
	values, err := eng.Compute(context.Background(), snap, nil)
	require.NoError(t, err)

	rank := find(t, values, "iv_rank")
	assert.False(t, rank.Stale)
	assert.Equal(t, 100.0, rank.Value)
	pct := find(t, values, "iv_percentile")
	assert.InDelta(t, 100*51.0/52.0, pct.Value, 1e-3)
	for _, v := range values {
		assert.GreaterOrEqual(t, v.Value, 0.0)
		assert.LessOrEqual(t, v.Value, 100.0)
	}
}

func TestIVRankStaleWithShortHistory(t *testing.T) {
	eng, err := NewEngine(NewIVRank(52))
	require.NoError(t, err)
	snap := buildSnapshot(linear(10, 100), func(i int) *market.OptionsChain {
		return &market.OptionsChain{ATMIV: 30}
	})
	values, err := eng.Compute(context.Background(), snap, nil)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.True(t, values[0].Stale)
}

func TestOptionsIndicatorsSkippedWithoutChain(t *testing.T) {
	eng, err := NewEngine(NewSMA(5), NewIVRank(5), NewMaxPain(), NewPutCallRatio())
	require.NoError(t, err)
	values, err := eng.Compute(context.Background(), buildSnapshot(linear(10, 100), nil), nil)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "sma_5", values[0].Name)
}

func chainFixture() *market.OptionsChain {
	return &market.OptionsChain{
		ATMIV: 50,
		Expiries: []market.ExpiryIV{
			{DaysToExpiry: 30, ATMIV: 55},
			{DaysToExpiry: 7, ATMIV: 48},
		},
		Contracts: []market.OptionContract{
			{Strike: 90, Kind: market.OptionPut, IV: 60, Gamma: 0.01, OpenInterest: 100, Volume: 30},
			{Strike: 100, Kind: market.OptionPut, IV: 52, Gamma: 0.02, OpenInterest: 50, Volume: 10},
			{Strike: 100, Kind: market.OptionCall, IV: 50, Gamma: 0.02, OpenInterest: 50, Volume: 20},
			{Strike: 110, Kind: market.OptionCall, IV: 45, Gamma: 0.01, OpenInterest: 200, Volume: 40},
		},
	}
}

func TestChainIndicators(t *testing.T) {
	eng, err := NewEngine(NewTermStructure(), NewSkew(0.2), NewGammaExposure(), NewPutCallRatio(),
		NewOpenInterest(), NewMaxPain())
	require.NoError(t, err)
	closes := []float64{100}
	values, err := eng.Compute(context.Background(), buildSnapshot(closes, func(int) *market.OptionsChain { return chainFixture() }), nil)
	require.NoError(t, err)

	assert.InDelta(t, 7.0, find(t, values, "term_structure").Value, 1e-9)
	assert.InDelta(t, 15.0, find(t, values, "skew").Value, 1e-9)
	assert.InDelta(t, 40.0, find(t, values, "put_call_ratio").Value, 1e-9)
	assert.InDelta(t, 400.0, find(t, values, "open_interest").Value, 1e-9)
	// gamma: calls (0.02*50 + 0.01*200) = 3, puts (0.01*100 + 0.02*50) = 2 -> 1 * 100^2 * 0.01
	assert.InDelta(t, 100.0, find(t, values, "gamma_exposure").Value, 1e-6)
	// 90 与 110 处的总赔付均为 500，100 处为 0
	assert.Equal(t, 100.0, find(t, values, "max_pain").Value)
}

func TestComputeTimeoutMarksRemainingStale(t *testing.T) {
	eng, err := NewEngine(NewSMA(5), NewEMA(5))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	values, err := eng.Compute(ctx, buildSnapshot(linear(30, 1), nil), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrComputationTimeout))
	require.Len(t, values, 2)
	for _, v := range values {
		assert.True(t, v.Stale)
	}
}

func TestComputeDeterministic(t *testing.T) {
	eng, err := NewEngine(NewSMA(20), NewRSI(14), NewBollinger(20, 2))
	require.NoError(t, err)
	snap := buildSnapshot(linear(40, 10), nil)
	a, err := eng.Compute(context.Background(), snap, nil)
	require.NoError(t, err)
	b, err := eng.Compute(context.Background(), snap, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCacheReusesWithinDuration(t *testing.T) {
	eng, err := NewEngine(NewSMA(5))
	require.NoError(t, err)
	memo := cache.NewTTLCache[types.IndicatorValue](3 * time.Hour)

	first, err := eng.Compute(context.Background(), buildSnapshot(linear(10, 1), nil), memo)
	require.NoError(t, err)
	second, err := eng.Compute(context.Background(), buildSnapshot(linear(11, 1), nil), memo)
	require.NoError(t, err)
	assert.Equal(t, first[0], second[0])

	third, err := eng.Compute(context.Background(), buildSnapshot(linear(14, 1), nil), memo)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].Timestamp, third[0].Timestamp)
}

func TestDuplicateIndicatorRejected(t *testing.T) {
	_, err := NewEngine(NewSMA(20), NewSMA(20))
	assert.Error(t, err)
}
