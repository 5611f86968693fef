package middlewares

import (
	"context"
	"time"

	"optionsflow/internal/analysis/pattern"
	"optionsflow/internal/pipeline"
)

// PatternConfig 控制形态中间件。
type PatternConfig struct {
	Name     string
	Stage    int
	Critical bool
	Timeout  time.Duration
}

// PatternMiddleware 读取上一 stage 的指标结果并运行形态引擎。
type PatternMiddleware struct {
	meta   pipeline.MiddlewareMeta
	engine *pattern.Engine
}

func NewPatternMiddleware(cfg PatternConfig, engine *pattern.Engine) *PatternMiddleware {
	return &PatternMiddleware{
		meta: pipeline.MiddlewareMeta{
			Name:     nameOrDefault(cfg.Name, "patterns"),
			Stage:    cfg.Stage,
			Critical: cfg.Critical,
			Timeout:  cfg.Timeout,
		},
		engine: engine,
	}
}

func (m *PatternMiddleware) Meta() pipeline.MiddlewareMeta { return m.meta }

// Handle 在 cache_duration 内复用上次的检测结果；超时的部分结果不写入缓存。
func (m *PatternMiddleware) Handle(ctx context.Context, ac *pipeline.AnalysisContext) error {
	last := ac.Snapshot.Last()
	key := ac.Key.String()
	if cached, ok := ac.PatternMemo.Get(key, last.Timestamp); ok {
		ac.SetPatterns(cached)
		return nil
	}
	dets, err := m.engine.Detect(ctx, ac.Snapshot, ac.Indicators())
	ac.SetPatterns(dets)
	if err == nil {
		ac.PatternMemo.Set(key, dets, last.Timestamp)
	}
	return err
}
