package market

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsflow/internal/types"
)

func sampleAt(i int) Sample {
	return Sample{
		Instrument: "BTC/USDT",
		Timeframe:  "1h",
		Timestamp:  time.Unix(int64(1_700_000_000+i*3600), 0).UTC(),
		Open:       100,
		High:       101,
		Low:        99,
		Close:      100.5,
		Volume:     10,
	}
}

func TestWindowFIFOEviction(t *testing.T) {
	const capacity = 5
	w := NewWindow(capacity)
	for i := 0; i < 12; i++ {
		evicted, ok := w.Push(sampleAt(i))
		if i < capacity {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok)
		assert.Equal(t, sampleAt(i-capacity).Timestamp, evicted.Timestamp)
	}
	assert.Equal(t, capacity, w.Len())
	got := w.Samples()
	require.Len(t, got, capacity)
	for i, s := range got {
		assert.Equal(t, sampleAt(7+i).Timestamp, s.Timestamp)
	}
	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, sampleAt(11).Timestamp, last.Timestamp)
}

func TestWindowSnapshotIsCopy(t *testing.T) {
	w := NewWindow(3)
	w.Push(sampleAt(0))
	snap := w.Snapshot(StreamKey{Instrument: "BTC/USDT", Timeframe: "1h"})
	w.Push(sampleAt(1))
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 2, w.Len())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(sampleAt(0)))

	missing := sampleAt(0)
	missing.Close = math.NaN()
	err := Validate(missing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrIncompleteSample))
	assert.Contains(t, err.Error(), "Close")

	inverted := sampleAt(0)
	inverted.High, inverted.Low = 98, 99
	assert.True(t, errors.Is(Validate(inverted), types.ErrIncompleteSample))

	noTs := sampleAt(0)
	noTs.Timestamp = time.Time{}
	assert.True(t, errors.Is(Validate(noTs), types.ErrIncompleteSample))

	inf := sampleAt(0)
	inf.Volume = math.Inf(1)
	assert.True(t, errors.Is(Validate(inf), types.ErrIncompleteSample))
}

func TestDecodeSample(t *testing.T) {
	raw := `{"instrument":"btcusdt","timeframe":"1H","timestamp":1700000000000,
		"open":1,"high":2,"low":0.5,"close":1.5,"volume":100,
		"options":{"atm_iv":55.5,"expiries":[{"days_to_expiry":7,"atm_iv":50},{"days_to_expiry":30,"atm_iv":55}],
		"contracts":[{"strike":1,"kind":"CALL","iv":50,"gamma":0.1,"open_interest":10,"volume":3},{"strike":1,"kind":"bogus"}]}}`
	s, err := DecodeSample([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", s.Instrument)
	assert.Equal(t, "1h", s.Timeframe)
	assert.Equal(t, int64(1700000000), s.Timestamp.Unix())
	require.NotNil(t, s.Options)
	assert.True(t, s.HasOptions())
	assert.Len(t, s.Options.Expiries, 2)
	require.Len(t, s.Options.Contracts, 1)
	assert.Equal(t, OptionCall, s.Options.Contracts[0].Kind)
	assert.NoError(t, Validate(s))
}

func TestDecodeSampleMissingFieldIsNaN(t *testing.T) {
	s, err := DecodeSample([]byte(`{"instrument":"SPY","timeframe":"5m","timestamp":"2024-01-02T15:04:05Z","open":1,"high":1,"low":1,"volume":3}`))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(s.Close))
	assert.True(t, errors.Is(Validate(s), types.ErrIncompleteSample))

	_, err = DecodeSample([]byte(`{not json`))
	assert.Error(t, err)
}

type recordingSink struct {
	mu      sync.Mutex
	samples []Sample
	reject  func(Sample) error
}

func (r *recordingSink) Ingest(_ context.Context, s Sample) error {
	if r.reject != nil {
		if err := r.reject(s); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func TestFeedSourceSkipsBadLines(t *testing.T) {
	input := strings.Join([]string{
		`{"instrument":"SPY","timeframe":"5m","timestamp":1700000000,"open":1,"high":1,"low":1,"close":1,"volume":1}`,
		`# comment`,
		``,
		`garbage`,
		`{"instrument":"SPY","timeframe":"5m","timestamp":1700000300,"open":1,"high":1,"low":1,"close":1,"volume":1}`,
		`{"instrument":"SPY","timeframe":"5m","timestamp":1700000600,"open":1,"high":1,"low":1,"volume":1}`,
	}, "\n")
	sink := &recordingSink{reject: func(s Sample) error { return Validate(s) }}
	src := NewReaderSource("test", strings.NewReader(input))
	require.NoError(t, src.Run(context.Background(), sink))

	assert.Len(t, sink.samples, 2)
	stats := src.Stats()
	assert.Equal(t, int64(2), stats.Emitted)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(1), stats.Decoding)
}
