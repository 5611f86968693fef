package pattern

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"optionsflow/internal/logger"
	"optionsflow/internal/market"
	"optionsflow/internal/types"
)

// Detector 是一个形态识别器。实现必须是纯函数，不依赖执行顺序，可并行调用。
type Detector interface {
	Name() string
	ConfidenceFloor() float64
	Detect(snap market.Snapshot, indicators []types.IndicatorValue) []types.PatternDetection
}

// Engine 并行运行所有识别器，并按置信度下限过滤。
type Engine struct {
	detectors []Detector
}

func NewEngine(detectors ...Detector) (*Engine, error) {
	seen := make(map[string]bool, len(detectors))
	list := make([]Detector, 0, len(detectors))
	for _, d := range detectors {
		if d == nil {
			continue
		}
		if seen[d.Name()] {
			return nil, fmt.Errorf("duplicate detector: %s", d.Name())
		}
		seen[d.Name()] = true
		list = append(list, d)
	}
	return &Engine{detectors: list}, nil
}

func (e *Engine) Names() []string {
	out := make([]string, 0, len(e.detectors))
	for _, d := range e.detectors {
		out = append(out, d.Name())
	}
	return out
}

// Detect 返回按确定顺序排列的检测结果。
// ctx 先于全部识别器结束时，只返回已完成部分并附带 ErrComputationTimeout。
func (e *Engine) Detect(ctx context.Context, snap market.Snapshot, indicators []types.IndicatorValue) ([]types.PatternDetection, error) {
	if snap.Len() == 0 || len(e.detectors) == 0 {
		return nil, nil
	}
	var (
		mu       sync.Mutex
		results  = make([][]types.PatternDetection, len(e.detectors))
		finished = make([]bool, len(e.detectors))
	)
	var group errgroup.Group
	for i, d := range e.detectors {
		i, d := i, d
		group.Go(func() error {
			res := runDetector(d, snap, indicators)
			mu.Lock()
			results[i] = res
			finished[i] = true
			mu.Unlock()
			return nil
		})
	}
	waitCh := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(waitCh)
	}()
	timedOut := false
	select {
	case <-waitCh:
	case <-ctx.Done():
		timedOut = true
	}

	last := snap.Last()
	var out []types.PatternDetection
	var pending []string
	mu.Lock()
	for i, d := range e.detectors {
		if !finished[i] {
			pending = append(pending, d.Name())
			continue
		}
		floor := d.ConfidenceFloor()
		for _, det := range results[i] {
			if det.Confidence < floor {
				continue
			}
			det.Instrument = snap.Key.Instrument
			det.Timeframe = snap.Key.Timeframe
			if det.DetectedAt.IsZero() {
				det.DetectedAt = last.Timestamp
			}
			det.Confidence = round4(clamp01(det.Confidence))
			out = append(out, det)
		}
	}
	mu.Unlock()
	types.SortPatterns(out)
	if timedOut && len(pending) > 0 {
		return out, fmt.Errorf("patterns %s pending=%v: %w", snap.Key, pending, types.ErrComputationTimeout)
	}
	return out, nil
}

func runDetector(d Detector, snap market.Snapshot, indicators []types.IndicatorValue) (res []types.PatternDetection) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[pattern] %s panic on %s: %v", d.Name(), snap.Key, r)
			res = nil
		}
	}()
	return d.Detect(snap, indicators)
}

// baseDetector 保存通用配置。
type baseDetector struct {
	name  string
	floor float64
}

func (b baseDetector) Name() string { return b.name }

func (b baseDetector) ConfidenceFloor() float64 { return b.floor }

func floorOrDefault(v float64) float64 {
	if v <= 0 {
		return DefaultConfidenceFloor
	}
	return v
}

// DefaultConfidenceFloor 未配置时的统一置信度下限。
const DefaultConfidenceFloor = 0.5
