package indicator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"optionsflow/internal/market"
	"optionsflow/internal/pkg/cache"
	"optionsflow/internal/types"
)

// Indicator 是注册表中的一个指标变体。
// Lookback 对价格类指标是样本数，对期权类指标是携带期权数据的样本数。
type Indicator interface {
	Name() string
	Lookback() int
	RequiresOptions() bool
	Neutral() float64
	Compute(snap market.Snapshot) (value float64, payload map[string]float64, ok bool)
}

// Engine 按注册顺序计算一组指标，注册表在启动时构建一次。
type Engine struct {
	indicators []Indicator
}

// NewEngine 过滤 nil 并拒绝重名。
func NewEngine(indicators ...Indicator) (*Engine, error) {
	seen := make(map[string]bool, len(indicators))
	list := make([]Indicator, 0, len(indicators))
	for _, ind := range indicators {
		if ind == nil {
			continue
		}
		if seen[ind.Name()] {
			return nil, fmt.Errorf("duplicate indicator: %s", ind.Name())
		}
		seen[ind.Name()] = true
		list = append(list, ind)
	}
	return &Engine{indicators: list}, nil
}

// Names 返回已注册的指标名。
func (e *Engine) Names() []string {
	out := make([]string, 0, len(e.indicators))
	for _, ind := range e.indicators {
		out = append(out, ind.Name())
	}
	return out
}

// MaxLookback 返回所有价格类指标中最大的回看需求。
func (e *Engine) MaxLookback() int {
	maxL := 0
	for _, ind := range e.indicators {
		if !ind.RequiresOptions() && ind.Lookback() > maxL {
			maxL = ind.Lookback()
		}
	}
	return maxL
}

// CheckLookback 回看需求超过窗口容量的指标永远不会就绪，启动时直接报错。
// 期权类指标按携带期权数据的样本数计，同样受容量限制。
func (e *Engine) CheckLookback(capacity int) error {
	var over []string
	for _, ind := range e.indicators {
		if ind.Lookback() > capacity {
			over = append(over, fmt.Sprintf("%s(%d)", ind.Name(), ind.Lookback()))
		}
	}
	if len(over) > 0 {
		return fmt.Errorf("%w: max_lookback=%d < %s", types.ErrInsufficientLookback, capacity, strings.Join(over, ", "))
	}
	return nil
}

// Compute 计算快照上的全部指标。
// ctx 结束时剩余指标以 stale 输出，并返回 ErrComputationTimeout。
// 窗口内没有期权数据时，期权类指标被跳过（既不计算也不标记 stale）。
func (e *Engine) Compute(ctx context.Context, snap market.Snapshot, memo *cache.TTLCache[types.IndicatorValue]) ([]types.IndicatorValue, error) {
	if snap.Len() == 0 {
		return nil, nil
	}
	last := snap.Last()
	optionsCount := len(snap.OptionsSamples())
	out := make([]types.IndicatorValue, 0, len(e.indicators))
	var timedOut bool
	for _, ind := range e.indicators {
		if ind.RequiresOptions() && optionsCount == 0 {
			continue
		}
		if !timedOut && ctx.Err() != nil {
			timedOut = true
		}
		if timedOut {
			out = append(out, staleValue(ind, snap.Key, last.Timestamp))
			continue
		}
		if cached, ok := memo.Get(ind.Name(), last.Timestamp); ok && !cached.Stale {
			out = append(out, cached)
			continue
		}
		val := e.computeOne(ind, snap, optionsCount)
		if !val.Stale {
			memo.Set(ind.Name(), val, val.Timestamp)
		}
		out = append(out, val)
	}
	if timedOut {
		return out, fmt.Errorf("indicators %s: %w", snap.Key, types.ErrComputationTimeout)
	}
	return out, nil
}

func (e *Engine) computeOne(ind Indicator, snap market.Snapshot, optionsCount int) types.IndicatorValue {
	last := snap.Last()
	available := snap.Len()
	if ind.RequiresOptions() {
		available = optionsCount
	}
	if available < ind.Lookback() {
		return staleValue(ind, snap.Key, last.Timestamp)
	}
	value, payload, ok := ind.Compute(snap)
	if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
		return staleValue(ind, snap.Key, last.Timestamp)
	}
	return types.IndicatorValue{
		Name:       ind.Name(),
		Instrument: snap.Key.Instrument,
		Timeframe:  snap.Key.Timeframe,
		Timestamp:  last.Timestamp,
		Value:      round4(value),
		Payload:    payload,
	}
}

func staleValue(ind Indicator, key market.StreamKey, ts time.Time) types.IndicatorValue {
	return types.IndicatorValue{
		Name:       ind.Name(),
		Instrument: key.Instrument,
		Timeframe:  key.Timeframe,
		Timestamp:  ts,
		Value:      ind.Neutral(),
		Stale:      true,
	}
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func lastValid(series []float64) (float64, bool) {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i], true
		}
	}
	return 0, false
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func tail(series []float64, n int) []float64 {
	if n <= 0 || n >= len(series) {
		return series
	}
	return series[len(series)-n:]
}
