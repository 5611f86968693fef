package observer

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"optionsflow/internal/config"
	"optionsflow/internal/logger"
	"optionsflow/internal/market"
	"optionsflow/internal/metrics"
	"optionsflow/internal/pipeline"
	"optionsflow/internal/pkg/symbol"
	"optionsflow/internal/scheduler"
	"optionsflow/internal/types"
)

// Publisher 接收观察事件，通常是事件总线。
type Publisher interface {
	Publish(ctx context.Context, evt types.ObservationEvent) error
}

// PublisherFunc 便于测试与适配。
type PublisherFunc func(ctx context.Context, evt types.ObservationEvent) error

func (f PublisherFunc) Publish(ctx context.Context, evt types.ObservationEvent) error {
	return f(ctx, evt)
}

// Options 观察器运行参数。
type Options struct {
	Timeframes       []string
	Trigger          string
	UpdateInterval   time.Duration
	CacheDuration    time.Duration
	MaxLookback      int
	FailureThreshold int
	FailureCooldown  time.Duration
}

// OptionsFromConfig 从 pipeline 配置段构造参数。
func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		Timeframes:       cfg.Timeframes,
		Trigger:          cfg.TriggerMode,
		UpdateInterval:   cfg.UpdateInterval(),
		CacheDuration:    cfg.CacheDuration(),
		MaxLookback:      cfg.MaxLookback,
		FailureThreshold: cfg.FailureThreshold,
		FailureCooldown:  cfg.FailureCooldown(),
	}
}

// Observer 独占所有 (instrument,timeframe) 窗口：校验并接收样本，
// 按节拍或逐样本驱动计算管道，并为每次推进发布一个 ObservationEvent。
type Observer struct {
	opts    Options
	pipe    *pipeline.Pipeline
	pub     Publisher
	metrics *metrics.Recorder
	tracked map[string]bool

	mu      sync.RWMutex
	streams map[market.StreamKey]*stream

	instMu    sync.Mutex
	instLocks map[string]*sync.Mutex
	seqs      map[string]uint64
	lastAt    map[string]time.Time
}

// New 创建观察器。rec 可以为 nil。
func New(opts Options, pipe *pipeline.Pipeline, pub Publisher, rec *metrics.Recorder) (*Observer, error) {
	if pipe == nil {
		return nil, fmt.Errorf("observer: pipeline is required")
	}
	if pub == nil {
		return nil, fmt.Errorf("observer: publisher is required")
	}
	if opts.MaxLookback <= 0 {
		opts.MaxLookback = 500
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 5 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.FailureCooldown <= 0 {
		opts.FailureCooldown = time.Minute
	}
	opts.Trigger = strings.ToLower(strings.TrimSpace(opts.Trigger))
	if opts.Trigger == "" {
		opts.Trigger = config.TriggerInterval
	}
	if opts.Trigger != config.TriggerInterval && opts.Trigger != config.TriggerOnSample {
		return nil, fmt.Errorf("observer: unknown trigger mode %q", opts.Trigger)
	}
	tracked := make(map[string]bool, len(opts.Timeframes))
	for _, tf := range opts.Timeframes {
		if tf = market.NormalizeTimeframe(tf); tf != "" {
			tracked[tf] = true
		}
	}
	return &Observer{
		opts:      opts,
		pipe:      pipe,
		pub:       pub,
		metrics:   rec,
		tracked:   tracked,
		streams:   make(map[market.StreamKey]*stream),
		instLocks: make(map[string]*sync.Mutex),
		seqs:      make(map[string]uint64),
		lastAt:    make(map[string]time.Time),
	}, nil
}

// Ingest 校验并接收样本。不完整或乱序的样本被丢弃并计数，返回包裹对应哨兵错误的 SampleError。
// on_sample 模式下在返回前同步完成计算与发布。
func (o *Observer) Ingest(ctx context.Context, s market.Sample) error {
	s.Instrument = symbol.Normalize(s.Instrument)
	s.Timeframe = market.NormalizeTimeframe(s.Timeframe)
	if err := market.Validate(s); err != nil {
		o.reject(s, "incomplete", err)
		return err
	}
	if len(o.tracked) > 0 && !o.tracked[s.Timeframe] {
		err := &types.SampleError{
			Instrument: s.Instrument,
			Timeframe:  s.Timeframe,
			Reason:     "untracked timeframe",
			Err:        types.ErrIncompleteSample,
		}
		o.reject(s, "untracked", err)
		return err
	}

	st := o.streamFor(s.Key())
	if err := st.push(s); err != nil {
		o.metrics.SampleDropped(s.Instrument, s.Timeframe, "out_of_order")
		logger.Debugf("[observer] 丢弃样本 %v", err)
		return err
	}
	o.metrics.SampleIngested(s.Instrument, s.Timeframe)

	if o.opts.Trigger == config.TriggerOnSample {
		o.computeStream(ctx, st)
	}
	return nil
}

func (o *Observer) reject(s market.Sample, reason string, err error) {
	o.metrics.SampleDropped(s.Instrument, s.Timeframe, reason)
	if s.Instrument != "" && s.Timeframe != "" {
		if st := o.lookup(s.Key()); st != nil {
			st.recordDrop(err)
		}
	}
	logger.Debugf("[observer] 丢弃样本 %v", err)
}

// Run 在 interval 模式下按 update_interval 节拍计算所有有新样本的数据流，阻塞直到 ctx 结束。
// on_sample 模式下计算已在 Ingest 中完成，Run 仅等待 ctx 结束。
func (o *Observer) Run(ctx context.Context) error {
	if o.opts.Trigger == config.TriggerOnSample {
		<-ctx.Done()
		return nil
	}
	cadence := scheduler.NewCadence("observer", o.opts.UpdateInterval)
	cadence.Start(ctx, func(ctx context.Context) {
		o.Flush(ctx)
	})
	return nil
}

// Flush 立即计算所有自上次发布以来推进过的数据流。
// 不同品种并行；同一品种的各周期并行计算后，按样本时间戳升序发布，时间戳相同时短周期在前。
func (o *Observer) Flush(ctx context.Context) {
	byInst := o.dirtyByInstrument()
	if len(byInst) == 0 {
		return
	}
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.NumCPU())
	for inst, streams := range byInst {
		inst, streams := inst, streams
		group.Go(func() error {
			o.flushInstrument(gctx, inst, streams)
			return nil
		})
	}
	_ = group.Wait()
}

func (o *Observer) flushInstrument(ctx context.Context, inst string, streams []*stream) {
	lock := o.instrumentLock(inst)
	lock.Lock()
	defer lock.Unlock()

	results := make([]*computed, len(streams))
	var group errgroup.Group
	for i, st := range streams {
		i, st := i, st
		group.Go(func() error {
			results[i] = o.compute(ctx, st)
			return nil
		})
	}
	_ = group.Wait()

	ready := make([]*computed, 0, len(results))
	for _, c := range results {
		if c != nil {
			ready = append(ready, c)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].before(ready[j]) })
	for _, c := range ready {
		o.publish(ctx, c)
	}
}

// computeStream 在品种锁内完成单个数据流的计算与发布，on_sample 模式使用。
func (o *Observer) computeStream(ctx context.Context, st *stream) {
	lock := o.instrumentLock(st.key.Instrument)
	lock.Lock()
	defer lock.Unlock()
	if c := o.compute(ctx, st); c != nil {
		o.publish(ctx, c)
	}
}

// computed 一次计算的结果，等待按时间顺序发布。
type computed struct {
	st    *stream
	ac    *pipeline.AnalysisContext
	at    time.Time
	span  time.Duration
	err   error
	start time.Time
}

func (c *computed) before(other *computed) bool {
	if !c.at.Equal(other.at) {
		return c.at.Before(other.at)
	}
	if c.span != other.span {
		return c.span < other.span
	}
	return c.st.key.Timeframe < other.st.key.Timeframe
}

// compute 熔断打开时跳过，数据流保持待计算。
func (o *Observer) compute(ctx context.Context, st *stream) *computed {
	if !st.breaker.Allow() {
		logger.Debugf("[observer] %s 熔断中，跳过计算", st.key)
		return nil
	}
	snap, ok := st.takeSnapshot()
	if !ok {
		return nil
	}
	span, _ := scheduler.ParseIntervalDuration(st.key.Timeframe)
	c := &computed{st: st, at: snap.Last().Timestamp, span: span, start: time.Now()}
	c.ac = pipeline.NewContext(snap)
	c.ac.IndicatorMemo = st.indicatorMemo
	c.ac.PatternMemo = st.patternMemo
	if err := o.pipe.Run(ctx, c.ac); err != nil {
		c.ac.MarkDegraded()
		c.err = err
		st.breaker.RecordFailure(err)
		logger.Errorf("[observer] %s 计算失败: %v", st.key, err)
	}
	return c
}

// publish 调用方须持有品种锁。
func (o *Observer) publish(ctx context.Context, c *computed) {
	st := c.st
	inst := st.key.Instrument
	evt := c.ac.Event(o.nextSeq(inst))
	if last, ok := o.lastPublished(inst); ok && evt.Timestamp.Before(last) {
		logger.Debugf("[observer] %s 事件时间 %s 早于该品种上次发布 %s seq=%d",
			st.key, evt.Timestamp.Format(time.RFC3339), last.Format(time.RFC3339), evt.Seq)
	}
	if err := o.pub.Publish(ctx, evt); err != nil {
		st.markDirty()
		st.breaker.RecordFailure(err)
		logger.Warnf("[observer] %s 发布失败 seq=%d: %v", st.key, evt.Seq, err)
		return
	}
	if c.err == nil {
		st.breaker.RecordSuccess()
	}
	o.markPublished(inst, evt.Timestamp)
	st.setLatest(evt)
	o.metrics.EventPublished(evt.Instrument, evt.Timeframe, evt.Degraded, time.Since(c.start))
	if evt.Degraded {
		logger.Warnf("[observer] %s 降级发布 seq=%d warnings=%v", st.key, evt.Seq, evt.Warnings)
	}
}

func (o *Observer) instrumentLock(inst string) *sync.Mutex {
	o.instMu.Lock()
	defer o.instMu.Unlock()
	l, ok := o.instLocks[inst]
	if !ok {
		l = &sync.Mutex{}
		o.instLocks[inst] = l
	}
	return l
}

// nextSeq 在品种锁内调用，保证同一品种发布顺序与 seq 一致。
func (o *Observer) nextSeq(inst string) uint64 {
	o.instMu.Lock()
	defer o.instMu.Unlock()
	o.seqs[inst]++
	return o.seqs[inst]
}

func (o *Observer) lastPublished(inst string) (time.Time, bool) {
	o.instMu.Lock()
	defer o.instMu.Unlock()
	at, ok := o.lastAt[inst]
	return at, ok
}

func (o *Observer) markPublished(inst string, at time.Time) {
	o.instMu.Lock()
	defer o.instMu.Unlock()
	if at.After(o.lastAt[inst]) {
		o.lastAt[inst] = at
	}
}

func (o *Observer) lookup(key market.StreamKey) *stream {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.streams[key]
}

func (o *Observer) streamFor(key market.StreamKey) *stream {
	if st := o.lookup(key); st != nil {
		return st
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.streams[key]; ok {
		return st
	}
	st := newStream(key, o.opts)
	o.streams[key] = st
	logger.Infof("[observer] 新数据流 %s lookback=%d", key, o.opts.MaxLookback)
	return st
}

func (o *Observer) dirtyByInstrument() map[string][]*stream {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string][]*stream)
	for key, st := range o.streams {
		if st.isDirty() {
			out[key.Instrument] = append(out[key.Instrument], st)
		}
	}
	return out
}

// Latest 返回数据流最近一次发布的事件。
func (o *Observer) Latest(instrument, timeframe string) (types.ObservationEvent, bool) {
	key := market.StreamKey{Instrument: symbol.Normalize(instrument), Timeframe: market.NormalizeTimeframe(timeframe)}
	st := o.lookup(key)
	if st == nil {
		return types.ObservationEvent{}, false
	}
	return st.latestEvent()
}

// LatestFor 返回某品种所有周期的最近事件，按周期排序。
func (o *Observer) LatestFor(instrument string) []types.ObservationEvent {
	inst := symbol.Normalize(instrument)
	o.mu.RLock()
	streams := make([]*stream, 0, len(o.tracked))
	for key, st := range o.streams {
		if key.Instrument == inst {
			streams = append(streams, st)
		}
	}
	o.mu.RUnlock()
	out := make([]types.ObservationEvent, 0, len(streams))
	for _, st := range streams {
		if evt, ok := st.latestEvent(); ok {
			out = append(out, evt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timeframe < out[j].Timeframe })
	return out
}

// Streams 返回当前所有数据流，按 key 排序。
func (o *Observer) Streams() []market.StreamKey {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := make([]market.StreamKey, 0, len(o.streams))
	for k := range o.streams {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Health 返回每个数据流的健康快照。
func (o *Observer) Health() []StreamHealth {
	o.mu.RLock()
	streams := make([]*stream, 0, len(o.streams))
	for _, st := range o.streams {
		streams = append(streams, st)
	}
	o.mu.RUnlock()
	out := make([]StreamHealth, 0, len(streams))
	for _, st := range streams {
		out = append(out, st.health())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instrument != out[j].Instrument {
			return out[i].Instrument < out[j].Instrument
		}
		return out[i].Timeframe < out[j].Timeframe
	})
	return out
}

var _ market.Sink = (*Observer)(nil)
