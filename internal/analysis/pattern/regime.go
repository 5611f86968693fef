package pattern

import (
	"fmt"
	"math"

	"optionsflow/internal/market"
	"optionsflow/internal/types"
)

// RegimeConfig 市场状态识别参数。
type RegimeConfig struct {
	VolWindow          int     // 滚动波动率窗口
	AvgPeriod          int     // 均量窗口
	MajorEventMultiple float64 // 放量倍数阈值
	TrendWindow        int
	TrendSlope         float64
	ConfidenceFloor    float64
}

type regimeDetector struct {
	baseDetector
	cfg RegimeConfig
}

// NewRegime 识别 high_volatility / low_volatility / trend_transition / major_events 四类状态。
func NewRegime(cfg RegimeConfig) Detector {
	if cfg.VolWindow <= 0 {
		cfg.VolWindow = 30
	}
	if cfg.AvgPeriod <= 0 {
		cfg.AvgPeriod = 20
	}
	if cfg.MajorEventMultiple <= 0 {
		cfg.MajorEventMultiple = 2.5
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = 40
	}
	if cfg.TrendSlope <= 0 {
		cfg.TrendSlope = 0.0005
	}
	return &regimeDetector{
		baseDetector: baseDetector{name: "regime", floor: floorOrDefault(cfg.ConfidenceFloor)},
		cfg:          cfg,
	}
}

func (r *regimeDetector) Detect(snap market.Snapshot, _ []types.IndicatorValue) []types.PatternDetection {
	var out []types.PatternDetection
	if det, ok := r.majorEvent(snap.Samples); ok {
		out = append(out, det)
	}
	out = append(out, r.volatility(snap.Samples)...)
	if det, ok := r.trendTransition(snap.Samples); ok {
		out = append(out, det)
	}
	return out
}

// majorEvent 最新样本成交量相对此前均量的放大倍数。
func (r *regimeDetector) majorEvent(samples []market.Sample) (types.PatternDetection, bool) {
	n := len(samples)
	vols := volumes(samples)
	avg, ok := trailingAverage(vols, n-1, r.cfg.AvgPeriod)
	if !ok || avg <= 0 {
		return types.PatternDetection{}, false
	}
	ratio := vols[n-1] / avg
	if ratio < r.cfg.MajorEventMultiple {
		return types.PatternDetection{}, false
	}
	return types.PatternDetection{
		Type:       "regime",
		SubType:    "major_events",
		Confidence: 0.5 + 0.5*math.Min(1, (ratio-r.cfg.MajorEventMultiple)/r.cfg.MajorEventMultiple),
		Levels:     []float64{round4(samples[n-1].Close)},
		Attributes: map[string]string{"volume_ratio": fmt.Sprintf("%.2f", ratio)},
	}, true
}

// volatility 最新滚动波动率偏离其历史均值一个标准差以上。
func (r *regimeDetector) volatility(samples []market.Sample) []types.PatternDetection {
	cl := closes(samples)
	if len(cl) < r.cfg.VolWindow+3 {
		return nil
	}
	returns := make([]float64, 0, len(cl)-1)
	for i := 1; i < len(cl); i++ {
		if cl[i-1] <= 0 {
			return nil
		}
		returns = append(returns, cl[i]/cl[i-1]-1)
	}
	rolling := make([]float64, 0, len(returns)-r.cfg.VolWindow+1)
	for i := r.cfg.VolWindow; i <= len(returns); i++ {
		rolling = append(rolling, stddev(returns[i-r.cfg.VolWindow:i]))
	}
	if len(rolling) < 3 {
		return nil
	}
	m, sd := mean(rolling), stddev(rolling)
	if sd == 0 {
		return nil
	}
	cur := rolling[len(rolling)-1]
	z := (cur - m) / sd
	attrs := map[string]string{"z_score": fmt.Sprintf("%.2f", z), "rolling_vol": fmt.Sprintf("%.6f", cur)}
	switch {
	case z > 1:
		return []types.PatternDetection{{
			Type: "regime", SubType: "high_volatility",
			Confidence: 0.5 + 0.25*(z-1), Attributes: attrs,
		}}
	case z < -1:
		return []types.PatternDetection{{
			Type: "regime", SubType: "low_volatility",
			Confidence: 0.5 + 0.25*(-z-1), Attributes: attrs,
		}}
	}
	return nil
}

// trendTransition 前后两半窗口的回归斜率方向相反且都足够显著。
func (r *regimeDetector) trendTransition(samples []market.Sample) (types.PatternDetection, bool) {
	if len(samples) < r.cfg.TrendWindow {
		return types.PatternDetection{}, false
	}
	cl := closes(samples[len(samples)-r.cfg.TrendWindow:])
	half := len(cl) / 2
	s1, s2 := relativeSlope(cl[:half]), relativeSlope(cl[half:])
	if math.Abs(s1) < r.cfg.TrendSlope || math.Abs(s2) < r.cfg.TrendSlope || (s1 > 0) == (s2 > 0) {
		return types.PatternDetection{}, false
	}
	dir := "bearish_to_bullish"
	if s1 > 0 {
		dir = "bullish_to_bearish"
	}
	strength := math.Min(math.Abs(s1), math.Abs(s2)) / math.Max(math.Abs(s1), math.Abs(s2))
	return types.PatternDetection{
		Type:       "regime",
		SubType:    "trend_transition",
		Confidence: 0.5 + 0.5*strength,
		Attributes: map[string]string{"direction": dir},
	}, true
}
