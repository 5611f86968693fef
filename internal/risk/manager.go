package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"optionsflow/internal/logger"
	"optionsflow/internal/metrics"
	"optionsflow/internal/types"
)

// Publisher 接收风控决策（含拒绝），通常是建议生成前的事件总线。
type Publisher interface {
	Publish(ctx context.Context, d types.RiskDecision) error
}

// PublisherFunc 适配函数。
type PublisherFunc func(ctx context.Context, d types.RiskDecision) error

func (f PublisherFunc) Publish(ctx context.Context, d types.RiskDecision) error { return f(ctx, d) }

// Manager 对候选策略做风控决策。决策、账本提交与发布在品种锁内一起完成：
// 发布失败时回滚账本，决策不缓存，由总线重投后重新计算。
type Manager struct {
	limits  Limits
	ledger  *Ledger
	out     Publisher
	metrics *metrics.Recorder

	cacheMu   sync.Mutex
	cacheSize int
	decisions map[string]types.RiskDecision
	order     []string
}

// NewManager ledger 由调用方持有并传入，cacheSize<=0 时使用 10000。
func NewManager(limits Limits, ledger *Ledger, out Publisher, cacheSize int, rec *metrics.Recorder) (*Manager, error) {
	if ledger == nil {
		return nil, fmt.Errorf("risk manager: ledger is required")
	}
	if out == nil {
		return nil, fmt.Errorf("risk manager: publisher is required")
	}
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	return &Manager{
		limits:    limits,
		ledger:    ledger,
		out:       out,
		metrics:   rec,
		cacheSize: cacheSize,
		decisions: make(map[string]types.RiskDecision),
	}, nil
}

// Handle 作为总线处理函数。
func (m *Manager) Handle(ctx context.Context, cand types.CandidateStrategy) error {
	_, err := m.Evaluate(ctx, cand)
	return err
}

// Evaluate 决策并发布。同一候选 ID 重复到达时直接返回缓存的决策，不再修改账本也不重复发布。
// 同品种的并发候选按到达顺序串行决策。
func (m *Manager) Evaluate(ctx context.Context, cand types.CandidateStrategy) (types.RiskDecision, error) {
	if d, ok := m.cached(cand.ID); ok {
		return d, nil
	}
	book, release := m.ledger.Acquire(cand.Instrument)
	defer release()

	if d, ok := m.cached(cand.ID); ok {
		return d, nil
	}
	if book.Has(cand.ID) {
		// 缓存已被淘汰但账本仍持有该候选：不可重复记账
		d := reject(types.RiskDecision{Candidate: cand, DecidedAt: cand.CreatedAt}, types.ReasonDuplicateCandidate)
		m.remember(d)
		return d, nil
	}

	d := Decide(book.Snapshot(), cand, m.limits)
	var (
		pos    Position
		opened bool
	)
	if d.Approved() {
		pos, opened = book.Open(d)
		if !opened {
			// 快照之后其他品种占用了热度
			d = reject(d, types.ReasonPortfolioHeat)
		}
	}
	if opened {
		if err := book.Check(); err != nil {
			book.Rollback(pos)
			m.halt(book, err)
			return types.RiskDecision{}, err
		}
	}

	if err := m.out.Publish(ctx, d); err != nil {
		if opened {
			book.Rollback(pos)
		}
		return types.RiskDecision{}, fmt.Errorf("publish decision %s: %w", cand.ID, err)
	}
	m.remember(d)
	m.record(d)
	return d, nil
}

func (m *Manager) record(d types.RiskDecision) {
	reason := ""
	if len(d.Reasons) > 0 {
		reason = string(d.Reasons[0])
	}
	m.metrics.Decision(string(d.Outcome), reason)
	m.metrics.SetPortfolioHeat(m.ledger.Heat())
	switch d.Outcome {
	case types.OutcomeRejected:
		logger.Infof("[risk] 拒绝 %s reasons=%v", d.Candidate.ID, d.Reasons)
	default:
		logger.Infof("[risk] %s %s size=%.8f risk=%.8f rr=%.2f heat=%.6f",
			d.Outcome, d.Candidate.ID, d.ApprovedSize, d.RiskFraction, d.RiskReward, m.ledger.Heat())
	}
}

func (m *Manager) halt(book *Book, err error) {
	book.Halt(err.Error())
	m.metrics.SetLedgerHalted(book.instrument, true)
	logger.Errorf("[risk] 账本不一致，暂停品种 %s: %v", book.instrument, err)
}

// Close 外部通知平仓。
func (m *Manager) Close(instrument, positionID string) error {
	book, release := m.ledger.Acquire(instrument)
	defer release()
	pos, err := book.Close(positionID)
	if err != nil {
		return err
	}
	if err := book.Check(); err != nil {
		m.halt(book, err)
		return err
	}
	m.metrics.SetPortfolioHeat(m.ledger.Heat())
	logger.Infof("[risk] 平仓 %s %s 释放风险 %.8f", instrument, pos.ID, pos.RiskFraction)
	return nil
}

// Reconcile 以外部持仓重建品种账本并解除暂停。
func (m *Manager) Reconcile(instrument string, positions []Position) error {
	book, release := m.ledger.Acquire(instrument)
	defer release()
	book.Replace(positions)
	if err := book.Check(); err != nil {
		m.halt(book, err)
		return err
	}
	m.metrics.SetLedgerHalted(instrument, false)
	m.metrics.SetPortfolioHeat(m.ledger.Heat())
	logger.Infof("[risk] %s 账本已对账 positions=%d heat=%.6f", instrument, len(positions), m.ledger.Heat())
	return nil
}

// Decision 查询已缓存的决策。
func (m *Manager) Decision(candidateID string) (types.RiskDecision, bool) {
	return m.cached(candidateID)
}

// Ledger 返回账本，只读用途。
func (m *Manager) Ledger() *Ledger { return m.ledger }

func (m *Manager) cached(id string) (types.RiskDecision, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	d, ok := m.decisions[id]
	return d, ok
}

// remember 按插入顺序淘汰最旧的决策。
func (m *Manager) remember(d types.RiskDecision) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if _, ok := m.decisions[d.Candidate.ID]; ok {
		return
	}
	m.decisions[d.Candidate.ID] = d
	m.order = append(m.order, d.Candidate.ID)
	for len(m.order) > m.cacheSize {
		delete(m.decisions, m.order[0])
		m.order = m.order[1:]
	}
}

// IsLedgerError 判断错误是否为账本不一致。
func IsLedgerError(err error) bool {
	return errors.Is(err, types.ErrLedgerInconsistency)
}
