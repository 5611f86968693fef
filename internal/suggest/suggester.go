package suggest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"optionsflow/internal/logger"
	"optionsflow/internal/metrics"
	"optionsflow/internal/types"
)

// ErrInvalidSuggestion 生成的建议未通过 schema 校验，重投无法修复。
var ErrInvalidSuggestion = errors.New("invalid trade suggestion")

// Store 建议流与决策记录的持久化。
type Store interface {
	AppendSuggestion(ctx context.Context, s types.TradeSuggestion) (bool, error)
	SuggestionByCandidate(ctx context.Context, candidateID string) (types.TradeSuggestion, bool, error)
	SaveDecision(ctx context.Context, d types.RiskDecision) error
}

// Suggester 把风控决策转成建议并追加到建议流。同一候选 ID 至多输出一条建议。
type Suggester struct {
	store   Store
	metrics *metrics.Recorder
	now     func() time.Time
	newID   func() string
}

func New(store Store, rec *metrics.Recorder) (*Suggester, error) {
	if store == nil {
		return nil, fmt.Errorf("suggester: store is required")
	}
	return &Suggester{
		store:   store,
		metrics: rec,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}, nil
}

// Handle 作为决策总线的处理函数；校验失败的建议记录错误后丢弃，不触发重投。
func (s *Suggester) Handle(ctx context.Context, d types.RiskDecision) error {
	_, _, err := s.Suggest(ctx, d)
	if errors.Is(err, ErrInvalidSuggestion) {
		logger.Errorf("[suggest] 丢弃候选 %s: %v", d.Candidate.ID, err)
		return nil
	}
	return err
}

// Suggest 记录决策；批准的决策生成建议。第二个返回值表示本次是否新追加了建议，
// 重复的候选 ID 返回已有的建议。
func (s *Suggester) Suggest(ctx context.Context, d types.RiskDecision) (types.TradeSuggestion, bool, error) {
	id := d.Candidate.ID
	if err := s.store.SaveDecision(ctx, d); err != nil {
		return types.TradeSuggestion{}, false, fmt.Errorf("save decision %s: %w", id, err)
	}
	if !d.Approved() {
		logger.Infof("[suggest] 候选 %s 未通过风控 reasons=%v", id, d.Reasons)
		return types.TradeSuggestion{}, false, nil
	}
	if existing, ok, err := s.store.SuggestionByCandidate(ctx, id); err != nil {
		return types.TradeSuggestion{}, false, fmt.Errorf("lookup suggestion %s: %w", id, err)
	} else if ok {
		return existing, false, nil
	}

	sug := Format(d, s.newID(), s.now())
	if err := Validate(sug); err != nil {
		return types.TradeSuggestion{}, false, fmt.Errorf("%w: %s: %v", ErrInvalidSuggestion, id, err)
	}
	inserted, err := s.store.AppendSuggestion(ctx, sug)
	if err != nil {
		return types.TradeSuggestion{}, false, fmt.Errorf("append suggestion %s: %w", id, err)
	}
	if !inserted {
		existing, _, err := s.store.SuggestionByCandidate(ctx, id)
		return existing, false, err
	}
	s.metrics.SuggestionEmitted()
	logger.Infof("[suggest] %s %s %s entry=%.8g stop=%.8g tp=%.8g size=%.8g conf=%.2f",
		sug.ID, sug.Instrument, sug.Direction, sug.Entry.Price, sug.Exit.StopLoss, sug.Exit.TakeProfit,
		sug.RiskMetrics.PositionSize, sug.Confidence)
	return sug, true, nil
}
