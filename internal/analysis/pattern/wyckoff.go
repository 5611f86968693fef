package pattern

import (
	"math"

	"optionsflow/internal/market"
	"optionsflow/internal/types"
)

const (
	wyckoffTrendSlope  = 0.001 // 每根 K 线 0.1%
	wyckoffMaxRangePct = 0.25
	wyckoffTestBars    = 5
)

// WyckoffConfig 威科夫识别参数。
type WyckoffConfig struct {
	MinPatternLength int
	ConfidenceFloor  float64
}

type wyckoffDetector struct {
	baseDetector
	minLen int
}

// NewWyckoff 需要至少 MinPatternLength 个连续样本。
func NewWyckoff(cfg WyckoffConfig) Detector {
	minLen := cfg.MinPatternLength
	if minLen <= 0 {
		minLen = 30
	}
	return &wyckoffDetector{
		baseDetector: baseDetector{name: "wyckoff", floor: floorOrDefault(cfg.ConfidenceFloor)},
		minLen:       minLen,
	}
}

// Detect 将窗口拆为前置趋势段与交易区间段：
// 前置段决定吸筹/派发倾向，区间段内识别高潮量(A)、区间(B)、弹簧/上冲(C)、强弱信号(D)与突破(E)。
func (w *wyckoffDetector) Detect(snap market.Snapshot, _ []types.IndicatorValue) []types.PatternDetection {
	samples := snap.Samples
	if len(samples) < w.minLen {
		return nil
	}
	if len(samples) > 2*w.minLen {
		samples = samples[len(samples)-2*w.minLen:]
	}
	split := len(samples) / 3
	prior, rng := samples[:split], samples[split:]
	if len(rng) <= wyckoffTestBars+1 {
		return nil
	}
	body := rng[:len(rng)-wyckoffTestBars]
	recent := rng[len(rng)-wyckoffTestBars:]

	support, resistance := math.MaxFloat64, -math.MaxFloat64
	for _, s := range body {
		support = math.Min(support, s.Low)
		resistance = math.Max(resistance, s.High)
	}
	mid := (support + resistance) / 2
	if mid <= 0 || (resistance-support)/mid > wyckoffMaxRangePct {
		return nil
	}

	trend := relativeSlope(closes(prior))
	vols := volumes(rng)
	avgVol := mean(vols)
	last := rng[len(rng)-1]

	climaxVol, climaxIdx := maxWithIndex(volumes(body))
	hasClimax := avgVol > 0 && climaxVol >= 1.5*avgVol && climaxIdx < len(body)/2

	var spring, upthrust bool
	for i, s := range recent {
		if s.Low < support && closesAbove(recent[i:], support) {
			spring = true
		}
		if s.High > resistance && closesBelow(recent[i:], resistance) {
			upthrust = true
		}
	}

	var out []types.PatternDetection
	if trend < -wyckoffTrendSlope || spring {
		phase := "B"
		conf := 0.3
		if trend < -wyckoffTrendSlope {
			conf += 0.2
		}
		if hasClimax {
			conf += 0.2
			phase = "A"
		}
		if spring {
			conf += 0.2
			phase = "C"
			if last.Close > mid && last.Volume > avgVol {
				conf += 0.1
				phase = "D"
			}
		}
		if last.Close > resistance {
			phase = "E"
			conf += 0.1
		}
		out = append(out, types.PatternDetection{
			Type:       "wyckoff",
			SubType:    "accumulation",
			Confidence: conf,
			Levels:     []float64{round4(support), round4(resistance)},
			Attributes: map[string]string{"phase": phase, "event": eventName(spring, "spring")},
		})
	}
	if trend > wyckoffTrendSlope || upthrust {
		phase := "B"
		conf := 0.3
		if trend > wyckoffTrendSlope {
			conf += 0.2
		}
		if hasClimax {
			conf += 0.2
			phase = "A"
		}
		if upthrust {
			conf += 0.2
			phase = "C"
			if last.Close < mid && last.Volume > avgVol {
				conf += 0.1
				phase = "D"
			}
		}
		if last.Close < support {
			phase = "E"
			conf += 0.1
		}
		out = append(out, types.PatternDetection{
			Type:       "wyckoff",
			SubType:    "distribution",
			Confidence: conf,
			Levels:     []float64{round4(support), round4(resistance)},
			Attributes: map[string]string{"phase": phase, "event": eventName(upthrust, "upthrust")},
		})
	}
	return out
}

func closesAbove(samples []market.Sample, level float64) bool {
	for _, s := range samples {
		if s.Close > level {
			return true
		}
	}
	return false
}

func closesBelow(samples []market.Sample, level float64) bool {
	for _, s := range samples {
		if s.Close < level {
			return true
		}
	}
	return false
}

func eventName(ok bool, name string) string {
	if ok {
		return name
	}
	return "none"
}
