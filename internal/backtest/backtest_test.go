package backtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsflow/internal/market"
	"optionsflow/internal/types"
)

type collectSink struct {
	mu     sync.Mutex
	got    []market.Sample
	reject func(market.Sample) error
}

func (c *collectSink) Ingest(_ context.Context, s market.Sample) error {
	if c.reject != nil {
		if err := c.reject(s); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.got = append(c.got, s)
	c.mu.Unlock()
	return nil
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sampleAt(inst string, hour int, closePx float64) market.Sample {
	return market.Sample{
		Instrument: inst,
		Timeframe:  "1h",
		Timestamp:  base.Add(time.Duration(hour) * time.Hour),
		Open:       closePx - 1,
		High:       closePx + 1,
		Low:        closePx - 2,
		Close:      closePx,
		Volume:     10,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreRoundTripAndManifest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	withOptions := sampleAt("BTC/USDT", 1, 101)
	withOptions.Options = &market.OptionsChain{
		ATMIV:     55,
		Contracts: []market.OptionContract{{Strike: 100, Kind: market.OptionPut, OpenInterest: 12}},
	}
	n, err := st.InsertSamples(ctx, "btc-usdt", "1H", []market.Sample{sampleAt("BTC/USDT", 0, 100), withOptions, sampleAt("BTC/USDT", 2, 102)})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// 重复时间戳覆盖
	_, err = st.InsertSamples(ctx, "BTC/USDT", "1h", []market.Sample{sampleAt("BTC/USDT", 2, 105)})
	require.NoError(t, err)

	list, err := st.RangeSamples(ctx, "BTC/USDT", "1h", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "BTC/USDT", list[0].Instrument)
	assert.Equal(t, "1h", list[0].Timeframe)
	assert.Equal(t, base, list[0].Timestamp)
	assert.Equal(t, 105.0, list[2].Close)
	require.NotNil(t, list[1].Options)
	assert.Equal(t, 55.0, list[1].Options.ATMIV)
	assert.Nil(t, list[0].Options)

	part, err := st.RangeSamples(ctx, "BTC/USDT", "1h", base.Add(time.Hour).UnixMilli(), base.Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	require.Len(t, part, 1)

	m, err := st.Manifest(ctx, "BTC/USDT", "1h")
	require.NoError(t, err)
	assert.EqualValues(t, 3, m.Rows)
	assert.Equal(t, base.UnixMilli(), m.MinTime)
	assert.Equal(t, base.Add(2*time.Hour).UnixMilli(), m.MaxTime)
	assert.Contains(t, m.Path, "BTC-USDT")
}

func TestReplayMergesInstrumentsByTime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.InsertSamples(ctx, "BTC/USDT", "1h", []market.Sample{sampleAt("BTC/USDT", 0, 100), sampleAt("BTC/USDT", 2, 102)})
	require.NoError(t, err)
	_, err = st.InsertSamples(ctx, "ETH/USDT", "1h", []market.Sample{sampleAt("ETH/USDT", 0, 10), sampleAt("ETH/USDT", 1, 11)})
	require.NoError(t, err)

	src := NewReplaySource(st, []string{"BTC/USDT", "ETH/USDT"}, "1h", 0, 0)
	sink := &collectSink{}
	require.NoError(t, src.Run(ctx, sink))

	var order []string
	for _, s := range sink.got {
		order = append(order, s.Key().String()+"#"+s.Timestamp.Format("15"))
	}
	assert.Equal(t, []string{"BTC/USDT@1h#00", "ETH/USDT@1h#00", "ETH/USDT@1h#01", "BTC/USDT@1h#02"}, order)
	assert.EqualValues(t, 4, src.Stats().Emitted)
}

func TestReplayCountsRejectedAndStopsOnFatal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.InsertSamples(ctx, "BTC/USDT", "1h", []market.Sample{sampleAt("BTC/USDT", 0, 100), sampleAt("BTC/USDT", 1, 101)})
	require.NoError(t, err)

	sink := &collectSink{reject: func(s market.Sample) error {
		if s.Close == 100 {
			return &types.SampleError{Instrument: s.Instrument, Timeframe: s.Timeframe, Reason: "test", Err: types.ErrIncompleteSample}
		}
		return nil
	}}
	src := NewReplaySource(st, []string{"BTC/USDT"}, "1h", 0, 0)
	require.NoError(t, src.Run(ctx, sink))
	stats := src.Stats()
	assert.EqualValues(t, 1, stats.Emitted)
	assert.EqualValues(t, 1, stats.Rejected)
	assert.NotEmpty(t, stats.LastErr)

	boom := errors.New("boom")
	fatal := &collectSink{reject: func(market.Sample) error { return boom }}
	err = NewReplaySource(st, []string{"BTC/USDT"}, "1h", 0, 0).Run(ctx, fatal)
	assert.ErrorIs(t, err, boom)
}

func TestRecordingSinkStoresAcceptedOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	inner := &collectSink{reject: func(s market.Sample) error {
		if s.Close == 101 {
			return &types.SampleError{Instrument: s.Instrument, Timeframe: s.Timeframe, Reason: "late", Err: types.ErrOutOfOrderSample}
		}
		return nil
	}}
	rec := NewRecordingSink(inner, st)

	require.NoError(t, rec.Ingest(ctx, sampleAt("BTC/USDT", 0, 100)))
	err := rec.Ingest(ctx, sampleAt("BTC/USDT", 1, 101))
	assert.ErrorIs(t, err, types.ErrOutOfOrderSample)

	list, err := st.RangeSamples(ctx, "BTC/USDT", "1h", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 100.0, list[0].Close)
}
