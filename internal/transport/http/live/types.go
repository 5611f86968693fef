package livehttp

import (
	"context"
	"time"

	"optionsflow/internal/bus"
	"optionsflow/internal/observer"
	"optionsflow/internal/risk"
	"optionsflow/internal/store/gormstore"
	"optionsflow/internal/strategy"
	"optionsflow/internal/types"
)

// ObservationReader 观察器的只读视图。
type ObservationReader interface {
	Health() []observer.StreamHealth
	Latest(instrument, timeframe string) (types.ObservationEvent, bool)
	LatestFor(instrument string) []types.ObservationEvent
}

// FeedReader 建议流与决策记录的只读视图。
type FeedReader interface {
	ListSuggestions(ctx context.Context, instrument string, afterSeq int64, limit int) ([]gormstore.SuggestionRecord, error)
	ListDecisions(ctx context.Context, instrument string, limit int) ([]types.RiskDecision, error)
}

// RiskController 风控账本的查询与外部持仓同步。
type RiskController interface {
	Ledger() *risk.Ledger
	Close(instrument, positionID string) error
	Reconcile(instrument string, positions []risk.Position) error
}

// AgentReader 策略代理状态。
type AgentReader interface {
	Statuses() []strategy.InstrumentStatus
}

// BusReader 事件总线统计。
type BusReader interface {
	BusStats() []bus.Stats
}

// ClosePositionRequest 外部平仓通知。
type ClosePositionRequest struct {
	Instrument string `json:"instrument" binding:"required"`
	PositionID string `json:"position_id" binding:"required"`
}

// ReconcileRequest 以外部持仓重建某个品种的账本。
type ReconcileRequest struct {
	Instrument string             `json:"instrument" binding:"required"`
	Positions  []ReconcilePosition `json:"positions"`
}

type ReconcilePosition struct {
	ID           string          `json:"id" binding:"required"`
	Direction    types.Direction `json:"direction"`
	Size         float64         `json:"size"`
	Entry        float64         `json:"entry"`
	StopLoss     float64         `json:"stop_loss"`
	RiskFraction float64         `json:"risk_fraction" binding:"gt=0"`
	OpenedAt     time.Time       `json:"opened_at"`
}

// RiskView /api/v1/risk 的返回体。
type RiskView struct {
	PortfolioHeat float64         `json:"portfolio_heat"`
	Books         []risk.Snapshot `json:"books"`
}
