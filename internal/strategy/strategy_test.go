package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsflow/internal/config/loader"
	"optionsflow/internal/types"
)

func ptr(v float64) *float64 { return &v }

var eventTime = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

func event(seq uint64, rsi, atr float64, stale bool) types.ObservationEvent {
	return types.ObservationEvent{
		Instrument: "BTC/USDT",
		Timeframe:  "1h",
		Timestamp:  eventTime,
		Seq:        seq,
		LastClose:  100,
		Indicators: []types.IndicatorValue{
			{Name: "atr", Value: atr, Stale: stale},
			{Name: "macd", Value: 0.4, Payload: map[string]float64{"histogram": 0.2}},
			{Name: "rsi", Value: rsi},
		},
		Patterns: []types.PatternDetection{
			{Type: "order_blocks", SubType: "bullish", Confidence: 0.9, Levels: []float64{99, 100.5}},
			{Type: "order_blocks", SubType: "bullish", Confidence: 0.7, Levels: []float64{95, 96}},
		},
	}
}

func registry(t *testing.T, templates ...loader.Template) *loader.TemplateRegistry {
	t.Helper()
	reg, err := loader.NewStaticRegistry(templates...)
	require.NoError(t, err)
	return reg
}

func oversoldBounce() loader.Template {
	return loader.Template{
		Type:      "oversold_bounce",
		Direction: "long",
		Conditions: []loader.Condition{
			{Indicator: "rsi", Max: ptr(30)},
			{Pattern: "order_blocks", SubType: "bullish", MinConfidence: 0.6},
		},
		Stop: loader.StopRule{ATRMultiple: 1.5},
	}
}

func TestEvaluateOversoldBounce(t *testing.T) {
	snap := registry(t, oversoldBounce()).Snapshot()
	cands := Evaluate(event(7, 15, 2, false), snap.Templates)
	require.Len(t, cands, 1)
	c := cands[0]
	assert.Equal(t, "BTC/USDT|1h|7|oversold_bounce", c.ID)
	assert.Equal(t, types.DirectionLong, c.Direction)
	// rsi: 0.5 + 0.5*(30-15)/30 = 0.75；形态取最强的 0.9
	assert.InDelta(t, 0.825, c.Confidence, 1e-9)
	assert.Equal(t, 100.0, c.Entry)
	assert.InDelta(t, 97, c.StopLoss, 1e-9)
	assert.InDelta(t, 106, c.TakeProfit, 1e-9)
	assert.Equal(t, loader.DefaultPositionSize, c.PositionSize)
	assert.Equal(t, uint64(7), c.EventSeq)
	assert.Equal(t, eventTime, c.CreatedAt)
	require.Len(t, c.Triggers, 2)
	assert.Equal(t, "rsi", c.Triggers[0].Label())
	assert.Equal(t, "pattern:order_blocks/bullish", c.Triggers[1].Label())
	assert.True(t, c.LevelsValid())
}

func TestEvaluateIsDeterministic(t *testing.T) {
	snap := registry(t, oversoldBounce()).Snapshot()
	evt := event(3, 12, 2, false)
	assert.Equal(t, Evaluate(evt, snap.Templates), Evaluate(evt, snap.Templates))
}

func TestEvaluateRejectsUnmetCondition(t *testing.T) {
	snap := registry(t, oversoldBounce()).Snapshot()
	assert.Empty(t, Evaluate(event(1, 45, 2, false), snap.Templates))

	noPattern := event(1, 15, 2, false)
	noPattern.Patterns = nil
	assert.Empty(t, Evaluate(noPattern, snap.Templates))
}

func TestEvaluateBelowMinConfidence(t *testing.T) {
	tpl := oversoldBounce()
	tpl.MinConfidence = 0.9
	snap := registry(t, tpl).Snapshot()
	assert.Empty(t, Evaluate(event(1, 15, 2, false), snap.Templates))
}

func TestStaleIndicatorCountsAsAbsent(t *testing.T) {
	tpl := loader.Template{
		Type:       "atr_breakout",
		Direction:  "long",
		Conditions: []loader.Condition{{Indicator: "atr", Min: ptr(1)}},
	}
	snap := registry(t, tpl).Snapshot()
	assert.Empty(t, Evaluate(event(1, 50, 2, true), snap.Templates))
	assert.Len(t, Evaluate(event(1, 50, 2, false), snap.Templates), 1)
}

func TestStopFallsBackToPctWhenATRStale(t *testing.T) {
	tpl := oversoldBounce()
	tpl.Stop = loader.StopRule{ATRMultiple: 1.5, Pct: 0.03}
	snap := registry(t, tpl).Snapshot()
	cands := Evaluate(event(1, 15, 2, true), snap.Templates)
	require.Len(t, cands, 1)
	assert.InDelta(t, 97, cands[0].StopLoss, 1e-9)
	assert.InDelta(t, 106, cands[0].TakeProfit, 1e-9)
}

func TestMultipleTemplatesEmitIndependently(t *testing.T) {
	momentum := loader.Template{
		Type:        "macd_momentum",
		Direction:   "short",
		RewardRatio: 3,
		Conditions:  []loader.Condition{{Indicator: "macd", Field: "histogram", Min: ptr(0.1), Max: ptr(0.3)}},
		Stop:        loader.StopRule{Pct: 0.01},
	}
	snap := registry(t, oversoldBounce(), momentum).Snapshot()
	cands := Evaluate(event(9, 15, 2, false), snap.Templates)
	require.Len(t, cands, 2)
	assert.Equal(t, "BTC/USDT|1h|9|macd_momentum", cands[1].ID)
	assert.Equal(t, types.DirectionShort, cands[1].Direction)
	// histogram 0.2 位于区间中心
	assert.InDelta(t, 1.0, cands[1].Confidence, 1e-9)
	assert.InDelta(t, 101, cands[1].StopLoss, 1e-9)
	assert.InDelta(t, 97, cands[1].TakeProfit, 1e-9)
	assert.Equal(t, "macd.histogram", cands[1].Triggers[0].Label())
}

func TestTemplateScopeFilters(t *testing.T) {
	tpl := oversoldBounce()
	tpl.Instruments = []string{"ETHUSDT"}
	snap := registry(t, tpl).Snapshot()
	assert.Empty(t, Evaluate(event(1, 15, 2, false), snap.Templates))

	disabled := oversoldBounce()
	off := false
	disabled.Enabled = &off
	snap = registry(t, disabled).Snapshot()
	assert.Empty(t, Evaluate(event(1, 15, 2, false), snap.Templates))
}

func TestRangeStrength(t *testing.T) {
	s, ok := rangeStrength(30, ptr(20), ptr(40))
	require.True(t, ok)
	assert.InDelta(t, 1.0, s, 1e-9)
	s, _ = rangeStrength(20, ptr(20), ptr(40))
	assert.InDelta(t, 0.5, s, 1e-9)
	_, ok = rangeStrength(41, ptr(20), ptr(40))
	assert.False(t, ok)
	s, _ = rangeStrength(5, ptr(0), nil)
	assert.InDelta(t, 1.0, s, 1e-9)
	s, _ = rangeStrength(3, nil, nil)
	assert.Equal(t, 1.0, s)
}

func TestLevels(t *testing.T) {
	stop, tp, ok := Levels(types.DirectionShort, 50, 2, 2)
	require.True(t, ok)
	assert.Equal(t, 52.0, stop)
	assert.Equal(t, 46.0, tp)

	_, _, ok = Levels(types.DirectionLong, 10, 12, 2)
	assert.False(t, ok)
	_, _, ok = Levels(types.DirectionShort, 10, 4, 3)
	assert.False(t, ok)
	_, _, ok = Levels("flat", 10, 1, 2)
	assert.False(t, ok)
}

type collectingEmitter struct {
	mu    sync.Mutex
	cands []types.CandidateStrategy
	err   error
}

func (c *collectingEmitter) Emit(_ context.Context, cand types.CandidateStrategy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.cands = append(c.cands, cand)
	return nil
}

func TestAgentStateMachine(t *testing.T) {
	out := &collectingEmitter{}
	agent, err := NewAgent(registry(t, oversoldBounce()), out, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, StateIdle, agent.State("BTC/USDT"))
	require.NoError(t, agent.Handle(ctx, event(1, 15, 2, false)))
	assert.Equal(t, StateEmitted, agent.State("BTC/USDT"))
	require.Len(t, out.cands, 1)

	// 挂起的候选不影响后续事件再次产生候选
	require.NoError(t, agent.Handle(ctx, event(2, 10, 2, false)))
	assert.Equal(t, StateEmitted, agent.State("BTC/USDT"))
	require.Len(t, out.cands, 2)
	assert.NotEqual(t, out.cands[0].ID, out.cands[1].ID)

	require.NoError(t, agent.Handle(ctx, event(3, 55, 2, false)))
	assert.Equal(t, StateIdle, agent.State("BTC/USDT"))

	statuses := agent.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, uint64(3), statuses[0].LastSeq)
	assert.EqualValues(t, 2, statuses[0].EmittedTotal)
}

func TestAgentEmitFailureReturnsError(t *testing.T) {
	out := &collectingEmitter{err: errors.New("bus full")}
	agent, err := NewAgent(registry(t, oversoldBounce()), out, nil)
	require.NoError(t, err)
	err = agent.Handle(context.Background(), event(1, 15, 2, false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BTC/USDT|1h|1|oversold_bounce")
	assert.Equal(t, StateIdle, agent.State("BTC/USDT"))
}
