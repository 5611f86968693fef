package types

import (
	"fmt"
	"math"
	"time"
)

// Direction 交易方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid 判断方向是否受支持。
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Trigger 记录促成候选策略的单个条件。
type Trigger struct {
	Kind     string  `json:"kind"` // indicator | pattern
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Strength float64 `json:"strength"`
}

// Label 用于 indicators_triggered 列表。
func (t Trigger) Label() string {
	if t.Kind == "pattern" {
		return "pattern:" + t.Name
	}
	return t.Name
}

// CandidateStrategy 是策略代理的输出，ID 由事件唯一确定，重放时保持不变。
type CandidateStrategy struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Instrument   string    `json:"instrument"`
	Timeframe    string    `json:"timeframe"`
	Direction    Direction `json:"direction"`
	Confidence   float64   `json:"confidence"`
	Entry        float64   `json:"entry"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	PositionSize float64   `json:"position_size"`
	Triggers     []Trigger `json:"triggers"`
	EventSeq     uint64    `json:"event_seq"`
	CreatedAt    time.Time `json:"created_at"`
}

// CandidateID 生成确定性的候选 ID。
func CandidateID(instrument, timeframe string, seq uint64, templateType string) string {
	return fmt.Sprintf("%s|%s|%d|%s", instrument, timeframe, seq, templateType)
}

// Outcome 风控结论。
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeRescaled Outcome = "rescaled"
)

// ReasonCode 风控原因码。
type ReasonCode string

const (
	ReasonInvalidLevels      ReasonCode = "invalid_levels"
	ReasonRiskPerTrade       ReasonCode = "risk_per_trade_exceeded"
	ReasonPositionSize       ReasonCode = "position_size_exceeded"
	ReasonRiskRewardTooLow   ReasonCode = "risk_reward_below_minimum"
	ReasonPortfolioHeat      ReasonCode = "portfolio_heat_exceeded"
	ReasonLedgerHalted       ReasonCode = "ledger_halted"
	ReasonRescaledRisk       ReasonCode = "rescaled_for_risk_per_trade"
	ReasonRescaledSize       ReasonCode = "rescaled_for_position_size"
	ReasonDuplicateCandidate ReasonCode = "duplicate_candidate"
	ReasonBelowMinSize       ReasonCode = "below_min_size"
)

// RiskDecision 风控结论，ApprovedSize 在拒绝时为 0。
type RiskDecision struct {
	Candidate    CandidateStrategy `json:"candidate"`
	Outcome      Outcome           `json:"outcome"`
	ApprovedSize float64           `json:"approved_size"`
	RiskFraction float64           `json:"risk_fraction"`
	RiskAmount   float64           `json:"risk_amount"`
	RiskReward   float64           `json:"risk_reward"`
	Reasons      []ReasonCode      `json:"reasons,omitempty"`
	DecidedAt    time.Time         `json:"decided_at"`
}

// Approved 是否允许进入建议输出。
func (d RiskDecision) Approved() bool {
	return d.Outcome == OutcomeAccepted || d.Outcome == OutcomeRescaled
}

// PriceLevel 入场说明。
type PriceLevel struct {
	Price     float64 `json:"price"`
	Rationale string  `json:"rationale"`
}

// ExitLevels 出场说明。
type ExitLevels struct {
	TakeProfit float64 `json:"take_profit"`
	StopLoss   float64 `json:"stop_loss"`
	Rationale  string  `json:"rationale"`
}

// RiskMetrics 建议附带的风险指标。
type RiskMetrics struct {
	PositionSize float64 `json:"position_size"`
	RiskAmount   float64 `json:"risk_amount"`
	RiskReward   float64 `json:"risk_reward"`
}

// TradeSuggestion 是对外输出的最终记录，写入后不可修改。
type TradeSuggestion struct {
	ID                  string      `json:"id"`
	Timestamp           time.Time   `json:"timestamp"`
	Type                string      `json:"type"`
	Instrument          string      `json:"instrument"`
	Timeframe           string      `json:"timeframe"`
	Direction           Direction   `json:"direction"`
	Confidence          float64     `json:"confidence"`
	CandidateID         string      `json:"candidate_id"`
	Outcome             Outcome     `json:"outcome"`
	Entry               PriceLevel  `json:"entry"`
	Exit                ExitLevels  `json:"exit"`
	RiskMetrics         RiskMetrics `json:"risk_metrics"`
	IndicatorsTriggered []string    `json:"indicators_triggered"`
}

// LevelsValid 多头要求 stop < entry < take_profit，空头相反，且价格均为正的有限数。
func (c CandidateStrategy) LevelsValid() bool {
	for _, v := range []float64{c.Entry, c.StopLoss, c.TakeProfit} {
		if !(v > 0) || math.IsInf(v, 0) {
			return false
		}
	}
	switch c.Direction {
	case DirectionLong:
		return c.StopLoss < c.Entry && c.Entry < c.TakeProfit
	case DirectionShort:
		return c.StopLoss > c.Entry && c.Entry > c.TakeProfit
	default:
		return false
	}
}
