package pipeline

import (
	"strings"
	"sync"
	"time"

	"optionsflow/internal/market"
	"optionsflow/internal/pkg/cache"
	"optionsflow/internal/types"
)

// AnalysisContext 表示某个 (instrument, timeframe) 在一次 Pipeline 执行过程中的上下文。
// Snapshot 在创建后只读；中间件通过 Set* 写入结果。
type AnalysisContext struct {
	Key       market.StreamKey
	Snapshot  market.Snapshot
	StartedAt time.Time

	// 由观察器按流持有，跨多次执行复用；为 nil 时不缓存。
	IndicatorMemo *cache.TTLCache[types.IndicatorValue]
	PatternMemo   *cache.TTLCache[[]types.PatternDetection]

	mu         sync.RWMutex
	indicators []types.IndicatorValue
	patterns   []types.PatternDetection
	warnings   []string
	degraded   bool
}

// NewContext 初始化上下文。
func NewContext(snap market.Snapshot) *AnalysisContext {
	return &AnalysisContext{
		Key:       snap.Key,
		Snapshot:  snap,
		StartedAt: time.Now(),
	}
}

func (ac *AnalysisContext) SetIndicators(vals []types.IndicatorValue) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.indicators = append([]types.IndicatorValue(nil), vals...)
}

// Indicators 返回指标结果副本。
func (ac *AnalysisContext) Indicators() []types.IndicatorValue {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return append([]types.IndicatorValue(nil), ac.indicators...)
}

func (ac *AnalysisContext) SetPatterns(dets []types.PatternDetection) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.patterns = append([]types.PatternDetection(nil), dets...)
}

func (ac *AnalysisContext) Patterns() []types.PatternDetection {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return append([]types.PatternDetection(nil), ac.patterns...)
}

// AddWarning 记录警告。
func (ac *AnalysisContext) AddWarning(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.warnings = append(ac.warnings, msg)
}

// Warnings 获取告警列表。
func (ac *AnalysisContext) Warnings() []string {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return append([]string(nil), ac.warnings...)
}

func (ac *AnalysisContext) MarkDegraded() {
	ac.mu.Lock()
	ac.degraded = true
	ac.mu.Unlock()
}

func (ac *AnalysisContext) Degraded() bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return ac.degraded
}

// Event 组装观察事件；seq 由调用方按品种分配。
func (ac *AnalysisContext) Event(seq uint64) types.ObservationEvent {
	last := ac.Snapshot.Last()
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	inds := append([]types.IndicatorValue(nil), ac.indicators...)
	types.SortIndicators(inds)
	pats := append([]types.PatternDetection(nil), ac.patterns...)
	types.SortPatterns(pats)
	return types.ObservationEvent{
		Instrument: ac.Key.Instrument,
		Timeframe:  ac.Key.Timeframe,
		Timestamp:  last.Timestamp,
		Seq:        seq,
		Indicators: inds,
		Patterns:   pats,
		LastClose:  last.Close,
		Degraded:   ac.degraded,
		Warnings:   append([]string(nil), ac.warnings...),
	}
}
