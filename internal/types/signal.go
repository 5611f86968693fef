package types

import (
	"sort"
	"time"
)

// IndicatorValue 是单个指标在某个样本时间点的不可变结果。
// Stale=true 时 Value 为中性哨兵值，不是计算结果。
type IndicatorValue struct {
	Name       string             `json:"name"`
	Instrument string             `json:"instrument"`
	Timeframe  string             `json:"timeframe"`
	Timestamp  time.Time          `json:"timestamp"`
	Value      float64            `json:"value"`
	Payload    map[string]float64 `json:"payload,omitempty"`
	Stale      bool               `json:"stale"`
}

// PatternDetection 是形态识别结果，Confidence 位于 [0,1]。
type PatternDetection struct {
	Type       string            `json:"type"`
	SubType    string            `json:"sub_type,omitempty"`
	Instrument string            `json:"instrument"`
	Timeframe  string            `json:"timeframe"`
	Confidence float64           `json:"confidence"`
	Levels     []float64         `json:"levels,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ObservationEvent 每个 (instrument,timeframe) 窗口推进后发布一次。
type ObservationEvent struct {
	Instrument string             `json:"instrument"`
	Timeframe  string             `json:"timeframe"`
	Timestamp  time.Time          `json:"timestamp"`
	Seq        uint64             `json:"seq"`
	Indicators []IndicatorValue   `json:"indicators"`
	Patterns   []PatternDetection `json:"patterns"`
	LastClose  float64            `json:"last_close"`
	Degraded   bool               `json:"degraded"`
	Warnings   []string           `json:"warnings,omitempty"`
}

// Indicator 按名称查找指标，stale 指标视为不存在。
func (e ObservationEvent) Indicator(name string) (IndicatorValue, bool) {
	for _, iv := range e.Indicators {
		if iv.Name == name {
			return iv, !iv.Stale
		}
	}
	return IndicatorValue{}, false
}

// PatternsOf 返回指定类型（可选子类型）的检测结果。
func (e ObservationEvent) PatternsOf(kind, subType string) []PatternDetection {
	var out []PatternDetection
	for _, p := range e.Patterns {
		if p.Type != kind {
			continue
		}
		if subType != "" && p.SubType != subType {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SortIndicators 按名称排序，保证发布内容稳定。
func SortIndicators(values []IndicatorValue) {
	sort.SliceStable(values, func(i, j int) bool { return values[i].Name < values[j].Name })
}

// SortPatterns 按类型/子类型/首个价位/置信度排序，使并行检测结果与执行顺序无关。
func SortPatterns(items []PatternDetection) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.SubType != b.SubType {
			return a.SubType < b.SubType
		}
		la, lb := firstLevel(a.Levels), firstLevel(b.Levels)
		if la != lb {
			return la < lb
		}
		return a.Confidence > b.Confidence
	})
}

func firstLevel(levels []float64) float64 {
	if len(levels) == 0 {
		return 0
	}
	return levels[0]
}
