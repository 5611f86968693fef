package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"optionsflow/internal/config/loader"
	"optionsflow/internal/logger"
	"optionsflow/internal/metrics"
	"optionsflow/internal/types"
)

// State 品种级状态机状态。
type State string

const (
	StateIdle       State = "idle"
	StateEvaluating State = "evaluating"
	StateEmitted    State = "emitted"
)

// TemplateSource 提供当前生效的模板快照，热更新由实现方负责。
type TemplateSource interface {
	Snapshot() loader.Snapshot
}

// Emitter 接收候选策略，通常是风控前的事件总线。
type Emitter interface {
	Emit(ctx context.Context, cand types.CandidateStrategy) error
}

// EmitterFunc 适配函数。
type EmitterFunc func(ctx context.Context, cand types.CandidateStrategy) error

func (f EmitterFunc) Emit(ctx context.Context, cand types.CandidateStrategy) error { return f(ctx, cand) }

// InstrumentStatus 品种状态的只读视图。
type InstrumentStatus struct {
	Instrument   string    `json:"instrument"`
	State        State     `json:"state"`
	LastSeq      uint64    `json:"last_seq"`
	LastEmitted  time.Time `json:"last_emitted,omitempty"`
	EmittedTotal int64     `json:"emitted_total"`
	TemplatesVer int64     `json:"templates_version"`
}

type instrumentState struct {
	state        State
	lastSeq      uint64
	lastEmitted  time.Time
	emittedTotal int64
	templatesVer int64
}

// Agent 按品种维护 Idle -> Evaluating -> Emitted|Idle 状态机。
// 同一品种的事件由总线串行投递；不同品种互不影响。
type Agent struct {
	templates TemplateSource
	out       Emitter
	metrics   *metrics.Recorder

	mu     sync.Mutex
	states map[string]*instrumentState
}

// NewAgent 创建策略代理。
func NewAgent(templates TemplateSource, out Emitter, rec *metrics.Recorder) (*Agent, error) {
	if templates == nil {
		return nil, fmt.Errorf("strategy agent: template source is required")
	}
	if out == nil {
		return nil, fmt.Errorf("strategy agent: emitter is required")
	}
	return &Agent{
		templates: templates,
		out:       out,
		metrics:   rec,
		states:    make(map[string]*instrumentState),
	}, nil
}

// Handle 处理一个观察事件。每个匹配的模板产生一个候选策略；
// 发送失败时返回错误由总线重投，候选 ID 确定，下游据此去重。
func (a *Agent) Handle(ctx context.Context, evt types.ObservationEvent) error {
	snap := a.templates.Snapshot()
	a.transition(evt.Instrument, StateEvaluating, func(st *instrumentState) {
		st.lastSeq = evt.Seq
		st.templatesVer = snap.Version
	})

	candidates := Evaluate(evt, snap.Templates)
	for _, cand := range candidates {
		if err := a.out.Emit(ctx, cand); err != nil {
			a.transition(evt.Instrument, StateIdle, nil)
			return fmt.Errorf("emit candidate %s: %w", cand.ID, err)
		}
		a.metrics.CandidateEmitted(cand.Type)
		logger.Infof("[strategy] 候选策略 %s %s confidence=%.3f entry=%.4f stop=%.4f tp=%.4f",
			cand.ID, cand.Direction, cand.Confidence, cand.Entry, cand.StopLoss, cand.TakeProfit)
	}

	if len(candidates) == 0 {
		a.transition(evt.Instrument, StateIdle, nil)
		return nil
	}
	a.transition(evt.Instrument, StateEmitted, func(st *instrumentState) {
		st.lastEmitted = evt.Timestamp
		st.emittedTotal += int64(len(candidates))
	})
	return nil
}

func (a *Agent) transition(inst string, to State, mutate func(*instrumentState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[inst]
	if !ok {
		st = &instrumentState{state: StateIdle}
		a.states[inst] = st
	}
	st.state = to
	if mutate != nil {
		mutate(st)
	}
}

// State 返回品种当前状态，未见过的品种为 Idle。
func (a *Agent) State(instrument string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[instrument]; ok {
		return st.state
	}
	return StateIdle
}

// Statuses 返回所有品种的状态，按品种排序。
func (a *Agent) Statuses() []InstrumentStatus {
	a.mu.Lock()
	out := make([]InstrumentStatus, 0, len(a.states))
	for inst, st := range a.states {
		out = append(out, InstrumentStatus{
			Instrument:   inst,
			State:        st.state,
			LastSeq:      st.lastSeq,
			LastEmitted:  st.lastEmitted,
			EmittedTotal: st.emittedTotal,
			TemplatesVer: st.templatesVer,
		})
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}
