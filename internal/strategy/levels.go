package strategy

import (
	"math"

	"optionsflow/internal/config/loader"
	"optionsflow/internal/types"
)

// stopDistance ATR 可用时取 ATR × 倍数，否则退回入场价百分比。
func stopDistance(evt types.ObservationEvent, entry float64, rule loader.StopRule) float64 {
	if rule.ATRMultiple > 0 {
		if atr, ok := evt.Indicator("atr"); ok && atr.Value > 0 && !math.IsNaN(atr.Value) {
			return atr.Value * rule.ATRMultiple
		}
	}
	pct := rule.Pct
	if pct <= 0 {
		pct = loader.DefaultStopPct
	}
	return entry * pct
}

// Levels 由入场价、止损距离与盈亏比计算止损/止盈。
// 多头止损在下方、止盈在上方，空头相反；止损价必须为正。
func Levels(dir types.Direction, entry, distance, rewardRatio float64) (stop, takeProfit float64, ok bool) {
	if entry <= 0 || distance <= 0 || rewardRatio <= 0 || math.IsNaN(entry) {
		return 0, 0, false
	}
	switch dir {
	case types.DirectionLong:
		stop = entry - distance
		takeProfit = entry + rewardRatio*distance
	case types.DirectionShort:
		stop = entry + distance
		takeProfit = entry - rewardRatio*distance
	default:
		return 0, 0, false
	}
	if stop <= 0 || takeProfit <= 0 {
		return 0, 0, false
	}
	return roundPrice(stop), roundPrice(takeProfit), true
}

func roundPrice(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
