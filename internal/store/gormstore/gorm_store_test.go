package gormstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsflow/internal/types"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	st, err := NewGormStore(filepath.Join(t.TempDir(), "db", "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testSuggestion(i int, inst string) types.TradeSuggestion {
	return types.TradeSuggestion{
		ID:          fmt.Sprintf("sug-%d", i),
		Timestamp:   time.Date(2024, 3, 1, 0, i, 0, 0, time.UTC),
		Type:        "oversold_bounce",
		Instrument:  inst,
		Timeframe:   "1h",
		Direction:   types.DirectionLong,
		Confidence:  0.8,
		CandidateID: fmt.Sprintf("%s|1h|%d|oversold_bounce", inst, i),
		Outcome:     types.OutcomeAccepted,
		Entry:       types.PriceLevel{Price: 100, Rationale: "rsi_14"},
		Exit:        types.ExitLevels{TakeProfit: 106, StopLoss: 97},
		RiskMetrics: types.RiskMetrics{PositionSize: 0.1, RiskAmount: 0.3, RiskReward: 2},
		IndicatorsTriggered: []string{"rsi_14"},
	}
}

func TestAppendSuggestionIsIdempotentOnCandidate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	inserted, err := st.AppendSuggestion(ctx, testSuggestion(1, "BTC/USDT"))
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := testSuggestion(1, "BTC/USDT")
	dup.ID = "another-id"
	inserted, err = st.AppendSuggestion(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, ok, err := st.SuggestionByCandidate(ctx, dup.CandidateID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sug-1", got.ID)
	assert.Equal(t, []string{"rsi_14"}, got.IndicatorsTriggered)

	total, err := st.CountSuggestions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestListSuggestionsCursor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		inst := "BTC/USDT"
		if i%2 == 0 {
			inst = "ETH/USDT"
		}
		_, err := st.AppendSuggestion(ctx, testSuggestion(i, inst))
		require.NoError(t, err)
	}

	first, err := st.ListSuggestions(ctx, "", 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "sug-1", first[0].Suggestion.ID)
	assert.Equal(t, "sug-2", first[1].Suggestion.ID)

	rest, err := st.ListSuggestions(ctx, "", first[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "sug-3", rest[0].Suggestion.ID)
	assert.Greater(t, rest[0].Seq, first[1].Seq)

	eth, err := st.ListSuggestions(ctx, "ETH/USDT", 0, 10)
	require.NoError(t, err)
	require.Len(t, eth, 2)
	for _, rec := range eth {
		assert.Equal(t, "ETH/USDT", rec.Suggestion.Instrument)
	}
}

func TestSaveDecisionKeepsFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cand := types.CandidateStrategy{ID: "ETH/USDT|1h|7|breakout", Instrument: "ETH/USDT", Timeframe: "1h", Type: "breakout"}
	rejected := types.RiskDecision{
		Candidate: cand,
		Outcome:   types.OutcomeRejected,
		Reasons:   []types.ReasonCode{types.ReasonRiskRewardTooLow},
		DecidedAt: time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.SaveDecision(ctx, rejected))

	again := rejected
	again.Outcome = types.OutcomeAccepted
	require.NoError(t, st.SaveDecision(ctx, again))

	got, err := st.ListDecisions(ctx, "ETH/USDT", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.OutcomeRejected, got[0].Outcome)
	assert.Equal(t, []types.ReasonCode{types.ReasonRiskRewardTooLow}, got[0].Reasons)

	none, err := st.ListDecisions(ctx, "BTC/USDT", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNewGormStoreRequiresPath(t *testing.T) {
	_, err := NewGormStore("  ")
	assert.Error(t, err)
}
