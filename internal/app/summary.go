package app

import (
	"fmt"
	"sort"
	"strings"

	"optionsflow/internal/logger"
)

// StartupSummary 启动时输出的配置摘要。
type StartupSummary struct {
	Mode        string
	Timeframes  []string
	Trigger     string
	Lookback    int
	Indicators  []string
	Patterns    []string
	Templates   []TemplateDetail
	Risk        RiskSummary
	Sources     []string
	HTTPAddr    string
	StorePath   string
	TemplatesAt string
}

type TemplateDetail struct {
	Type       string
	Direction  string
	Conditions []string
	Scope      string
}

type RiskSummary struct {
	MaxPositionSize      float64
	MaxRiskPerTrade      float64
	MinRRRatio           float64
	PortfolioHeatCeiling float64
	Rescale              bool
}

// String 渲染为多行文本，交由 logger.InfoBlock 输出。
func (s *StartupSummary) String() string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}
	line("%s", strings.Repeat("=", 80))
	line("启动配置摘要 (STARTUP SUMMARY) mode=%s", s.Mode)
	line("%s", strings.Repeat("=", 80))

	line("[观察器 (OBSERVER)]")
	line("  周期: %s", formatList(s.Timeframes))
	line("  触发: %s  窗口: %d", s.Trigger, s.Lookback)
	line("  数据源: %s", formatList(s.Sources))
	line("[分析 (ANALYSIS)]")
	line("  指标: %s", formatList(s.Indicators))
	line("  形态: %s", formatList(s.Patterns))

	line("[策略模板 (TEMPLATES)] %s", s.TemplatesAt)
	if len(s.Templates) == 0 {
		line("  (无)")
	}
	tpls := append([]TemplateDetail(nil), s.Templates...)
	sort.Slice(tpls, func(i, j int) bool { return tpls[i].Type < tpls[j].Type })
	for _, t := range tpls {
		line("  > %s (%s) %s", t.Type, t.Direction, t.Scope)
		for _, c := range t.Conditions {
			line("      - %s", c)
		}
	}

	line("[风控 (RISK)]")
	line("  max_position=%.4f max_risk_per_trade=%.4f min_rr=%.2f heat_ceiling=%.4f rescale=%v",
		s.Risk.MaxPositionSize, s.Risk.MaxRiskPerTrade, s.Risk.MinRRRatio, s.Risk.PortfolioHeatCeiling, s.Risk.Rescale)
	line("[输出 (OUTPUT)]")
	line("  建议库: %s  HTTP: %s", s.StorePath, s.HTTPAddr)
	line("%s", strings.Repeat("=", 80))
	return b.String()
}

// Print 输出摘要。
func (s *StartupSummary) Print() {
	if s == nil {
		return
	}
	logger.InfoBlock(s.String())
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
