package risk

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"optionsflow/internal/types"
)

// ErrUnknownPosition 平仓时找不到对应持仓。
var ErrUnknownPosition = errors.New("unknown position")

// Position 账本中一笔已承诺的风险敞口，ID 为候选策略 ID。
type Position struct {
	ID           string          `json:"id"`
	Instrument   string          `json:"instrument"`
	Direction    types.Direction `json:"direction"`
	Size         float64         `json:"size"`
	Entry        float64         `json:"entry"`
	StopLoss     float64         `json:"stop_loss"`
	RiskFraction float64         `json:"risk_fraction"`
	OpenedAt     time.Time       `json:"opened_at"`

	units int64
}

// Ledger 进程级敞口账本。每个品种一本账，各自加锁；
// 组合热度以整数单位保存在原子变量中，跨品种预留通过 CAS 完成，不需要全局锁。
type Ledger struct {
	ceiling int64
	heat    atomic.Int64

	mu    sync.Mutex
	books map[string]*Book
}

// Book 单个品种的账本，只能在 Ledger.Acquire 返回的持有期内修改。
type Book struct {
	ledger     *Ledger
	instrument string

	mu         sync.Mutex
	positions  map[string]Position
	units      int64
	halted     bool
	haltReason string
}

// NewLedger ceiling 为组合热度上限（比例）。
func NewLedger(ceiling float64) *Ledger {
	return &Ledger{
		ceiling: toUnits(decFromFloat(ceiling)),
		books:   make(map[string]*Book),
	}
}

// Acquire 锁定品种账本，调用方必须调用 release。
func (l *Ledger) Acquire(instrument string) (*Book, func()) {
	b := l.book(instrument)
	b.mu.Lock()
	return b, b.mu.Unlock
}

func (l *Ledger) book(instrument string) *Book {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.books[instrument]
	if !ok {
		b = &Book{ledger: l, instrument: instrument, positions: make(map[string]Position)}
		l.books[instrument] = b
	}
	return b
}

// Heat 当前组合热度。
func (l *Ledger) Heat() float64 {
	return decToFloat(fromUnits(l.heat.Load()))
}

// Snapshots 返回所有品种的账本视图，按品种排序。
func (l *Ledger) Snapshots() []Snapshot {
	l.mu.Lock()
	names := make([]string, 0, len(l.books))
	for name := range l.books {
		names = append(names, name)
	}
	l.mu.Unlock()
	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		b, release := l.Acquire(name)
		out = append(out, b.Snapshot())
		release()
	}
	return out
}

// Positions 返回品种的持仓，按开仓时间排序。
func (l *Ledger) Positions(instrument string) []Position {
	b, release := l.Acquire(instrument)
	defer release()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// reserve 原子预留热度；超过上限时不修改并返回 false。
func (l *Ledger) reserve(units int64) bool {
	for {
		cur := l.heat.Load()
		if cur+units > l.ceiling {
			return false
		}
		if l.heat.CompareAndSwap(cur, cur+units) {
			return true
		}
	}
}

func (l *Ledger) release(units int64) {
	l.heat.Add(-units)
}

// Snapshot 账本视图。
func (b *Book) Snapshot() Snapshot {
	return Snapshot{
		Instrument:     b.instrument,
		PortfolioHeat:  b.ledger.Heat(),
		InstrumentRisk: decToFloat(fromUnits(b.units)),
		OpenPositions:  len(b.positions),
		Halted:         b.halted,
		HaltReason:     b.haltReason,
	}
}

// Has 持仓是否已记录。
func (b *Book) Has(id string) bool {
	_, ok := b.positions[id]
	return ok
}

// Open 为已批准决策预留热度并记账；热度不足时返回 false，账本不变。
func (b *Book) Open(d types.RiskDecision) (Position, bool) {
	units := toUnits(riskFraction(d))
	if !b.ledger.reserve(units) {
		return Position{}, false
	}
	c := d.Candidate
	pos := Position{
		ID:           c.ID,
		Instrument:   c.Instrument,
		Direction:    c.Direction,
		Size:         d.ApprovedSize,
		Entry:        c.Entry,
		StopLoss:     c.StopLoss,
		RiskFraction: d.RiskFraction,
		OpenedAt:     d.DecidedAt,
		units:        units,
	}
	b.positions[pos.ID] = pos
	b.units += units
	return pos, true
}

// Rollback 撤销 Open，用于决策发布失败。
func (b *Book) Rollback(pos Position) {
	if _, ok := b.positions[pos.ID]; !ok {
		return
	}
	delete(b.positions, pos.ID)
	b.units -= pos.units
	b.ledger.release(pos.units)
}

// Close 外部通知平仓，释放对应热度。
func (b *Book) Close(id string) (Position, error) {
	pos, ok := b.positions[id]
	if !ok {
		return Position{}, fmt.Errorf("%s %s: %w", b.instrument, id, ErrUnknownPosition)
	}
	delete(b.positions, id)
	b.units -= pos.units
	b.ledger.release(pos.units)
	return pos, nil
}

// Replace 用外部持仓重建账本并解除暂停，热度按差额调整。
func (b *Book) Replace(positions []Position) {
	var total int64
	next := make(map[string]Position, len(positions))
	for _, p := range positions {
		p.Instrument = b.instrument
		p.units = toUnits(decFromFloat(p.RiskFraction))
		next[p.ID] = p
		total += p.units
	}
	// 按旧持仓实际预留的单位释放，账本合计可能已失真
	var reserved int64
	for _, p := range b.positions {
		reserved += p.units
	}
	b.ledger.heat.Add(total - reserved)
	b.positions = next
	b.units = total
	b.halted = false
	b.haltReason = ""
}

// Halt 暂停该品种的风控校验。
func (b *Book) Halt(reason string) {
	b.halted = true
	b.haltReason = reason
}

func (b *Book) Halted() bool { return b.halted }

// Check 校验账本不变量：持仓单位之和等于账本合计，且组合热度不为负。
func (b *Book) Check() error {
	var sum int64
	for id, p := range b.positions {
		if p.units <= 0 {
			return &types.LedgerError{Instrument: b.instrument, Detail: fmt.Sprintf("position %s has non-positive risk", id)}
		}
		sum += p.units
	}
	if sum != b.units {
		return &types.LedgerError{Instrument: b.instrument, Detail: fmt.Sprintf("book total %d != positions %d", b.units, sum)}
	}
	if heat := b.ledger.heat.Load(); heat < 0 || heat < b.units {
		return &types.LedgerError{Instrument: b.instrument, Detail: fmt.Sprintf("portfolio heat %d below book total %d", heat, b.units)}
	}
	return nil
}
