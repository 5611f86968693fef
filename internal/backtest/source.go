package backtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"optionsflow/internal/logger"
	"optionsflow/internal/market"
	"optionsflow/internal/pkg/symbol"
	"optionsflow/internal/types"
)

// ReplaySource 从样本库按时间顺序回放多个品种的同一周期，实现 market.Source。
// 不同品种时间戳相同时按 instruments 的顺序输出。
type ReplaySource struct {
	store       *Store
	instruments []string
	timeframe   string
	start, end  int64

	emitted  atomic.Int64
	rejected atomic.Int64
	mu       sync.Mutex
	lastErr  string
}

func NewReplaySource(store *Store, instruments []string, timeframe string, start, end int64) *ReplaySource {
	return &ReplaySource{
		store:       store,
		instruments: symbol.NormalizeList(instruments),
		timeframe:   market.NormalizeTimeframe(timeframe),
		start:       start,
		end:         end,
	}
}

func (r *ReplaySource) Name() string { return "replay@" + r.timeframe }

func (r *ReplaySource) Run(ctx context.Context, sink market.Sink) error {
	if r.store == nil || sink == nil {
		return fmt.Errorf("replay: store and sink are required")
	}
	series := make([][]market.Sample, len(r.instruments))
	total := 0
	for i, inst := range r.instruments {
		list, err := r.store.RangeSamples(ctx, inst, r.timeframe, r.start, r.end)
		if err != nil {
			return fmt.Errorf("replay load %s@%s: %w", inst, r.timeframe, err)
		}
		series[i] = list
		total += len(list)
	}
	logger.Infof("[replay] 开始回放 %d 个品种 %s 共 %d 条样本", len(r.instruments), r.timeframe, total)

	next := make([]int, len(series))
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		pick := -1
		for i, list := range series {
			if next[i] >= len(list) {
				continue
			}
			if pick < 0 || list[next[i]].Timestamp.Before(series[pick][next[pick]].Timestamp) {
				pick = i
			}
		}
		if pick < 0 {
			break
		}
		smp := series[pick][next[pick]]
		next[pick]++
		if err := sink.Ingest(ctx, smp); err != nil {
			if errors.Is(err, types.ErrOutOfOrderSample) || errors.Is(err, types.ErrIncompleteSample) {
				r.rejected.Add(1)
				r.setErr(err)
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("replay ingest %s: %w", smp.Key(), err)
		}
		r.emitted.Add(1)
	}
	logger.Infof("[replay] 回放完成 emitted=%d rejected=%d", r.emitted.Load(), r.rejected.Load())
	return nil
}

func (r *ReplaySource) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
}

func (r *ReplaySource) Stats() market.SourceStats {
	r.mu.Lock()
	last := r.lastErr
	r.mu.Unlock()
	return market.SourceStats{
		Emitted:  r.emitted.Load(),
		Rejected: r.rejected.Load(),
		LastErr:  last,
	}
}

var _ market.Source = (*ReplaySource)(nil)
