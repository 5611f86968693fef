package observer

import (
	"errors"
	"sync"
	"time"

	"optionsflow/internal/market"
	"optionsflow/internal/pkg/cache"
	"optionsflow/internal/pkg/circuit"
	"optionsflow/internal/types"
)

// StreamHealth 单个数据流的健康状态。
type StreamHealth struct {
	Instrument          string           `json:"instrument"`
	Timeframe           string           `json:"timeframe"`
	LastIngest          time.Time        `json:"last_ingest"`
	LastSampleAt        time.Time        `json:"last_sample_at"`
	WindowSize          int              `json:"window_size"`
	Accepted            int64            `json:"accepted"`
	DroppedOutOfOrder   int64            `json:"dropped_out_of_order"`
	DroppedIncomplete   int64            `json:"dropped_incomplete"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Breaker             circuit.Snapshot `json:"breaker"`
	LastSeq             uint64           `json:"last_seq"`
	Pending             bool             `json:"pending"`
}

type stream struct {
	key market.StreamKey

	mu           sync.Mutex
	window       *market.Window
	lastSampleAt time.Time
	lastIngest   time.Time
	dirty        bool
	accepted     int64
	outOfOrder   int64
	incomplete   int64
	consecutive  int
	latest       *types.ObservationEvent

	indicatorMemo *cache.TTLCache[types.IndicatorValue]
	patternMemo   *cache.TTLCache[[]types.PatternDetection]
	// breaker 只统计计算与发布失败，打开期间跳过计算
	breaker       *circuit.CircuitBreaker
}

func newStream(key market.StreamKey, opts Options) *stream {
	return &stream{
		key:           key,
		window:        market.NewWindow(opts.MaxLookback),
		indicatorMemo: cache.NewTTLCache[types.IndicatorValue](opts.CacheDuration),
		patternMemo:   cache.NewTTLCache[[]types.PatternDetection](opts.CacheDuration),
		breaker:       circuit.NewCircuitBreaker(key.String(), opts.FailureThreshold, opts.FailureCooldown),
	}
}

// push 时间戳必须严格递增，否则返回包裹 ErrOutOfOrderSample 的 SampleError。
func (st *stream) push(s market.Sample) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.lastSampleAt.IsZero() && !s.Timestamp.After(st.lastSampleAt) {
		err := &types.SampleError{
			Instrument: s.Instrument,
			Timeframe:  s.Timeframe,
			Reason:     "timestamp " + s.Timestamp.UTC().Format(time.RFC3339) + " <= " + st.lastSampleAt.UTC().Format(time.RFC3339),
			Err:        types.ErrOutOfOrderSample,
		}
		st.outOfOrder++
		st.consecutive++
		return err
	}
	st.window.Push(s)
	st.lastSampleAt = s.Timestamp
	st.lastIngest = time.Now()
	st.dirty = true
	st.accepted++
	st.consecutive = 0
	return nil
}

func (st *stream) recordDrop(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case errors.Is(err, types.ErrOutOfOrderSample):
		st.outOfOrder++
	default:
		st.incomplete++
	}
	st.consecutive++
}

// takeSnapshot 拷贝窗口并清除 dirty 标记；没有新样本时返回 false。
func (st *stream) takeSnapshot() (market.Snapshot, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.dirty || st.window.Len() == 0 {
		return market.Snapshot{}, false
	}
	st.dirty = false
	return st.window.Snapshot(st.key), true
}

func (st *stream) markDirty() {
	st.mu.Lock()
	st.dirty = true
	st.mu.Unlock()
}

func (st *stream) isDirty() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.dirty
}

func (st *stream) setLatest(evt types.ObservationEvent) {
	st.mu.Lock()
	st.latest = &evt
	st.mu.Unlock()
}

func (st *stream) latestEvent() (types.ObservationEvent, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.latest == nil {
		return types.ObservationEvent{}, false
	}
	return *st.latest, true
}

func (st *stream) health() StreamHealth {
	st.mu.Lock()
	defer st.mu.Unlock()
	h := StreamHealth{
		Instrument:          st.key.Instrument,
		Timeframe:           st.key.Timeframe,
		LastIngest:          st.lastIngest,
		LastSampleAt:        st.lastSampleAt,
		WindowSize:          st.window.Len(),
		Accepted:            st.accepted,
		DroppedOutOfOrder:   st.outOfOrder,
		DroppedIncomplete:   st.incomplete,
		ConsecutiveFailures: st.consecutive,
		Breaker:             st.breaker.Snapshot(),
		Pending:             st.dirty,
	}
	if st.latest != nil {
		h.LastSeq = st.latest.Seq
	}
	return h
}
