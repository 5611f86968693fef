package risk

import (
	"github.com/shopspring/decimal"

	"optionsflow/internal/config"
	"optionsflow/internal/types"
)

// Limits 风控硬限制，比例均相对组合总值。
type Limits struct {
	MaxPositionSize      float64
	MaxRiskPerTrade      float64
	MinRRRatio           float64
	PortfolioHeatCeiling float64
	RescaleEnabled       bool
}

// LimitsFromConfig 从 risk 配置段构造限制。
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	return Limits{
		MaxPositionSize:      cfg.MaxPositionSize,
		MaxRiskPerTrade:      cfg.MaxRiskPerTrade,
		MinRRRatio:           cfg.MinRRRatio,
		PortfolioHeatCeiling: cfg.PortfolioHeatCeiling,
		RescaleEnabled:       cfg.RescaleEnabled,
	}
}

// Snapshot 决策时刻的账本视图。
type Snapshot struct {
	Instrument     string  `json:"instrument"`
	PortfolioHeat  float64 `json:"portfolio_heat"`
	InstrumentRisk float64 `json:"instrument_risk"`
	OpenPositions  int     `json:"open_positions"`
	Halted         bool    `json:"halted"`
	HaltReason     string  `json:"halt_reason,omitempty"`
}

// Decide 纯函数：给定账本快照与候选策略，按顺序执行
// 价位校验、单笔风险、最大仓位、盈亏比、组合热度检查。
func Decide(snap Snapshot, cand types.CandidateStrategy, limits Limits) types.RiskDecision {
	d := types.RiskDecision{Candidate: cand, DecidedAt: cand.CreatedAt}
	if snap.Halted {
		return reject(d, types.ReasonLedgerHalted)
	}
	if !cand.LevelsValid() || !(cand.PositionSize > 0) {
		return reject(d, types.ReasonInvalidLevels)
	}

	entry := decFromFloat(cand.Entry)
	dist := entry.Sub(decFromFloat(cand.StopLoss)).Abs()
	reward := decFromFloat(cand.TakeProfit).Sub(entry).Abs()
	size := truncate(decFromFloat(cand.PositionSize))
	stopPct := dist.Div(entry)
	// 截断到 8 位后仓位或风险为 0 的候选无法记账
	if !size.IsPositive() || !truncate(size.Mul(stopPct)).IsPositive() {
		return reject(d, types.ReasonBelowMinSize)
	}

	var reasons []types.ReasonCode
	rescaled := false

	// (a) 单笔风险 = 仓位 × 止损距离 / 入场价
	maxRisk := decFromFloat(limits.MaxRiskPerTrade)
	if size.Mul(stopPct).GreaterThan(maxRisk) {
		if !limits.RescaleEnabled {
			return reject(d, types.ReasonRiskPerTrade)
		}
		size = truncate(maxRisk.Div(stopPct))
		if !size.IsPositive() {
			return reject(d, types.ReasonRiskPerTrade)
		}
		rescaled = true
		reasons = append(reasons, types.ReasonRescaledRisk)
	}

	// (b) 最大仓位
	maxSize := decFromFloat(limits.MaxPositionSize)
	if size.GreaterThan(maxSize) {
		if !limits.RescaleEnabled {
			return reject(d, types.ReasonPositionSize)
		}
		size = truncate(maxSize)
		rescaled = true
		reasons = append(reasons, types.ReasonRescaledSize)
	}

	// (c) 盈亏比
	rr := reward.Div(dist)
	d.RiskReward = decToFloat(rr.Round(4))
	if rr.LessThan(decFromFloat(limits.MinRRRatio)) {
		return reject(d, types.ReasonRiskRewardTooLow)
	}

	// (d) 组合热度
	fraction := truncate(size.Mul(stopPct))
	if !fraction.IsPositive() {
		return reject(d, types.ReasonBelowMinSize)
	}
	heat := decFromFloat(snap.PortfolioHeat)
	if heat.Add(fraction).GreaterThan(decFromFloat(limits.PortfolioHeatCeiling)) {
		return reject(d, types.ReasonPortfolioHeat)
	}

	d.ApprovedSize = decToFloat(size)
	d.RiskFraction = decToFloat(fraction)
	d.RiskAmount = decToFloat(truncate(size.Mul(dist)))
	d.Reasons = reasons
	d.Outcome = types.OutcomeAccepted
	if rescaled {
		d.Outcome = types.OutcomeRescaled
	}
	return d
}

func reject(d types.RiskDecision, reason types.ReasonCode) types.RiskDecision {
	d.Outcome = types.OutcomeRejected
	d.ApprovedSize = 0
	d.RiskFraction = 0
	d.RiskAmount = 0
	d.Reasons = append(d.Reasons, reason)
	return d
}

// riskFraction 已批准决策占用的组合风险。
func riskFraction(d types.RiskDecision) decimal.Decimal {
	return decFromFloat(d.RiskFraction)
}
