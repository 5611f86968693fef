package backtest

import (
	"context"

	"optionsflow/internal/logger"
	"optionsflow/internal/market"
)

// RecordingSink 包装观察器：被接受的样本同时写入样本库，供之后回放。
// 写库失败只记录告警，不影响实时流程。
type RecordingSink struct {
	next  market.Sink
	store *Store
}

func NewRecordingSink(next market.Sink, store *Store) *RecordingSink {
	return &RecordingSink{next: next, store: store}
}

func (r *RecordingSink) Ingest(ctx context.Context, s market.Sample) error {
	if err := r.next.Ingest(ctx, s); err != nil {
		return err
	}
	if r.store == nil {
		return nil
	}
	if _, err := r.store.InsertSamples(ctx, s.Instrument, s.Timeframe, []market.Sample{s}); err != nil {
		logger.Warnf("[replay] 记录样本 %s 失败: %v", s.Key(), err)
	}
	return nil
}

var _ market.Sink = (*RecordingSink)(nil)
