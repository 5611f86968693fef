package middlewares

import (
	"context"
	"time"

	"optionsflow/internal/analysis/indicator"
	"optionsflow/internal/pipeline"
)

// IndicatorConfig 控制指标中间件。
type IndicatorConfig struct {
	Name     string
	Stage    int
	Critical bool
	Timeout  time.Duration
}

// IndicatorMiddleware 在快照上运行指标引擎，结果写入上下文。
type IndicatorMiddleware struct {
	meta   pipeline.MiddlewareMeta
	engine *indicator.Engine
}

func NewIndicatorMiddleware(cfg IndicatorConfig, engine *indicator.Engine) *IndicatorMiddleware {
	return &IndicatorMiddleware{
		meta: pipeline.MiddlewareMeta{
			Name:     nameOrDefault(cfg.Name, "indicators"),
			Stage:    cfg.Stage,
			Critical: cfg.Critical,
			Timeout:  cfg.Timeout,
		},
		engine: engine,
	}
}

// Meta 实现接口。
func (m *IndicatorMiddleware) Meta() pipeline.MiddlewareMeta { return m.meta }

// Handle 超时时仍写入部分结果（剩余指标为 stale），并把错误交给 pipeline 标记降级。
func (m *IndicatorMiddleware) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	vals, err := m.engine.Compute(ctx, ac.Snapshot, ac.IndicatorMemo)
	ac.SetIndicators(vals)
	return err
}

func nameOrDefault(name, def string) string {
	if name == "" {
		return def
	}
	return name
}
