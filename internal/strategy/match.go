package strategy

import (
	"math"

	"optionsflow/internal/config/loader"
	"optionsflow/internal/types"
)

// conditionResult 单个条件的匹配结果。
type conditionResult struct {
	ok      bool
	trigger types.Trigger
}

// Evaluate 把事件与模板逐一匹配，返回所有达到置信度门槛的候选策略。
// 纯函数：相同事件与模板集合总是得到相同结果。
func Evaluate(evt types.ObservationEvent, templates []loader.Template) []types.CandidateStrategy {
	var out []types.CandidateStrategy
	for _, tpl := range templates {
		cand, ok := evaluateTemplate(evt, tpl)
		if ok {
			out = append(out, cand)
		}
	}
	return out
}

func evaluateTemplate(evt types.ObservationEvent, tpl loader.Template) (types.CandidateStrategy, bool) {
	if !tpl.IsEnabled() || !tpl.AppliesTo(evt.Instrument, evt.Timeframe) || len(tpl.Conditions) == 0 {
		return types.CandidateStrategy{}, false
	}
	triggers := make([]types.Trigger, 0, len(tpl.Conditions))
	var weighted, weights float64
	for _, cond := range tpl.Conditions {
		res := matchCondition(evt, cond)
		if !res.ok {
			return types.CandidateStrategy{}, false
		}
		w := cond.Weight
		if w <= 0 {
			w = 1
		}
		weighted += w * res.trigger.Strength
		weights += w
		triggers = append(triggers, res.trigger)
	}
	confidence := round6(weighted / weights)
	if confidence < tpl.MinConfidence {
		return types.CandidateStrategy{}, false
	}
	dir := types.Direction(tpl.Direction)
	entry := evt.LastClose
	stop, tp, ok := Levels(dir, entry, stopDistance(evt, entry, tpl.Stop), tpl.RewardRatio)
	if !ok {
		return types.CandidateStrategy{}, false
	}
	return types.CandidateStrategy{
		ID:           types.CandidateID(evt.Instrument, evt.Timeframe, evt.Seq, tpl.Type),
		Type:         tpl.Type,
		Instrument:   evt.Instrument,
		Timeframe:    evt.Timeframe,
		Direction:    dir,
		Confidence:   confidence,
		Entry:        entry,
		StopLoss:     stop,
		TakeProfit:   tp,
		PositionSize: tpl.PositionSize,
		Triggers:     triggers,
		EventSeq:     evt.Seq,
		CreatedAt:    evt.Timestamp,
	}, true
}

func matchCondition(evt types.ObservationEvent, cond loader.Condition) conditionResult {
	if cond.IsPattern() {
		return matchPattern(evt, cond)
	}
	return matchIndicator(evt, cond)
}

// matchPattern 取满足最低置信度的最强检测结果，强度即其置信度。
func matchPattern(evt types.ObservationEvent, cond loader.Condition) conditionResult {
	best := -1.0
	for _, det := range evt.PatternsOf(cond.Pattern, cond.SubType) {
		if det.Confidence < cond.MinConfidence {
			continue
		}
		if det.Confidence > best {
			best = det.Confidence
		}
	}
	if best < 0 {
		return conditionResult{}
	}
	return conditionResult{ok: true, trigger: types.Trigger{
		Kind:     "pattern",
		Name:     cond.Label(),
		Value:    best,
		Strength: best,
	}}
}

// matchIndicator stale 指标视为不存在；Field 非空时取 payload 中的分量。
func matchIndicator(evt types.ObservationEvent, cond loader.Condition) conditionResult {
	iv, ok := evt.Indicator(cond.Indicator)
	if !ok {
		return conditionResult{}
	}
	value := iv.Value
	if cond.Field != "" {
		v, ok := iv.Payload[cond.Field]
		if !ok {
			return conditionResult{}
		}
		value = v
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return conditionResult{}
	}
	strength, ok := rangeStrength(value, cond.Min, cond.Max)
	if !ok {
		return conditionResult{}
	}
	return conditionResult{ok: true, trigger: types.Trigger{
		Kind:     "indicator",
		Name:     cond.Label(),
		Value:    value,
		Strength: strength,
	}}
}

// rangeStrength 区间条件的满足程度：边界处 0.5，区间中心 1.0。
// 单侧边界时以边界绝对值（为 0 时取 1）为尺度，距离达到一个尺度即为 1.0；无边界视为存在即满足。
func rangeStrength(v float64, lo, hi *float64) (float64, bool) {
	if lo != nil && v < *lo {
		return 0, false
	}
	if hi != nil && v > *hi {
		return 0, false
	}
	switch {
	case lo != nil && hi != nil:
		half := (*hi - *lo) / 2
		if half <= 0 {
			return 1, true
		}
		centre := *lo + half
		return 1 - 0.5*math.Abs(v-centre)/half, true
	case lo != nil:
		return oneSided(v-*lo, *lo), true
	case hi != nil:
		return oneSided(*hi-v, *hi), true
	default:
		return 1, true
	}
}

func oneSided(dist, bound float64) float64 {
	scale := math.Abs(bound)
	if scale == 0 {
		scale = 1
	}
	return 0.5 + 0.5*math.Min(1, dist/scale)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
