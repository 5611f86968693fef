package livehttp

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"optionsflow/internal/logger"
	"optionsflow/internal/market"
	"optionsflow/internal/pkg/symbol"
	"optionsflow/internal/risk"
)

// Router 暴露观察结果、建议流与风控账本的接口。
type Router struct {
	Observer ObservationReader
	Feed     FeedReader
	Risk     RiskController
	Agent    AgentReader
	Buses    BusReader
}

// Register 将 /api/v1 路由挂载到给定分组下，未注入的依赖对应接口返回 503。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/streams", r.handleStreams)
	group.GET("/observations/:instrument", r.handleObservations)
	group.GET("/suggestions", r.handleSuggestions)
	group.GET("/decisions", r.handleDecisions)
	group.GET("/agents", r.handleAgents)
	group.GET("/buses", r.handleBuses)
	group.GET("/risk", r.handleRisk)
	group.GET("/risk/positions/:instrument", r.handlePositions)
	group.POST("/risk/positions/close", r.handleClosePosition)
	group.POST("/risk/reconcile", r.handleReconcile)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " 未启用"})
}

// instrumentParam 路径中的品种允许写成 BTC-USDT / btcusdt。
func instrumentParam(c *gin.Context) string {
	return symbol.Normalize(c.Param("instrument"))
}

func (r *Router) handleStreams(c *gin.Context) {
	if r.Observer == nil {
		unavailable(c, "observer")
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": r.Observer.Health()})
}

func (r *Router) handleObservations(c *gin.Context) {
	if r.Observer == nil {
		unavailable(c, "observer")
		return
	}
	inst := instrumentParam(c)
	if inst == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instrument 必填"})
		return
	}
	if tf := market.NormalizeTimeframe(c.Query("timeframe")); tf != "" {
		evt, ok := r.Observer.Latest(inst, tf)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no observation for " + inst + "@" + tf})
			return
		}
		c.JSON(http.StatusOK, evt)
		return
	}
	events := r.Observer.LatestFor(inst)
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no observation for " + inst})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": inst, "observations": events})
}

func (r *Router) handleSuggestions(c *gin.Context) {
	if r.Feed == nil {
		unavailable(c, "suggestion feed")
		return
	}
	afterID, err := strconv.ParseInt(c.DefaultQuery("after_id", "0"), 10, 64)
	if err != nil || afterID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "after_id 必须为非负整数"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	inst := ""
	if raw := strings.TrimSpace(c.Query("instrument")); raw != "" {
		inst = symbol.Normalize(raw)
	}
	items, err := r.Feed.ListSuggestions(c.Request.Context(), inst, afterID, limit)
	if err != nil {
		logger.Errorf("[http] 查询建议失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	next := afterID
	if len(items) > 0 {
		next = items[len(items)-1].Seq
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "next_after_id": next})
}

func (r *Router) handleDecisions(c *gin.Context) {
	if r.Feed == nil {
		unavailable(c, "decision log")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	inst := ""
	if raw := strings.TrimSpace(c.Query("instrument")); raw != "" {
		inst = symbol.Normalize(raw)
	}
	items, err := r.Feed.ListDecisions(c.Request.Context(), inst, limit)
	if err != nil {
		logger.Errorf("[http] 查询决策失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (r *Router) handleAgents(c *gin.Context) {
	if r.Agent == nil {
		unavailable(c, "strategy agent")
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": r.Agent.Statuses()})
}

func (r *Router) handleBuses(c *gin.Context) {
	if r.Buses == nil {
		unavailable(c, "event bus")
		return
	}
	c.JSON(http.StatusOK, gin.H{"buses": r.Buses.BusStats()})
}

func (r *Router) handleRisk(c *gin.Context) {
	if r.Risk == nil {
		unavailable(c, "risk manager")
		return
	}
	ledger := r.Risk.Ledger()
	c.JSON(http.StatusOK, RiskView{PortfolioHeat: ledger.Heat(), Books: ledger.Snapshots()})
}

func (r *Router) handlePositions(c *gin.Context) {
	if r.Risk == nil {
		unavailable(c, "risk manager")
		return
	}
	inst := instrumentParam(c)
	c.JSON(http.StatusOK, gin.H{"instrument": inst, "positions": r.Risk.Ledger().Positions(inst)})
}

func (r *Router) handleClosePosition(c *gin.Context) {
	if r.Risk == nil {
		unavailable(c, "risk manager")
		return
	}
	var req ClosePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst := symbol.Normalize(req.Instrument)
	if err := r.Risk.Close(inst, req.PositionID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, risk.ErrUnknownPosition) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[http] 外部平仓 %s %s", inst, req.PositionID)
	c.JSON(http.StatusOK, gin.H{"status": "closed", "portfolio_heat": r.Risk.Ledger().Heat()})
}

func (r *Router) handleReconcile(c *gin.Context) {
	if r.Risk == nil {
		unavailable(c, "risk manager")
		return
	}
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	inst := symbol.Normalize(req.Instrument)
	positions := make([]risk.Position, 0, len(req.Positions))
	for _, p := range req.Positions {
		positions = append(positions, risk.Position{
			ID:           p.ID,
			Instrument:   inst,
			Direction:    p.Direction,
			Size:         p.Size,
			Entry:        p.Entry,
			StopLoss:     p.StopLoss,
			RiskFraction: p.RiskFraction,
			OpenedAt:     p.OpenedAt,
		})
	}
	if err := r.Risk.Reconcile(inst, positions); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reconciled", "portfolio_heat": r.Risk.Ledger().Heat()})
}
