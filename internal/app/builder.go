package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"optionsflow/internal/backtest"
	"optionsflow/internal/bus"
	"optionsflow/internal/config"
	"optionsflow/internal/config/loader"
	"optionsflow/internal/logger"
	"optionsflow/internal/market"
	"optionsflow/internal/metrics"
	"optionsflow/internal/observer"
	"optionsflow/internal/pipeline/factory"
	"optionsflow/internal/risk"
	"optionsflow/internal/store/gormstore"
	"optionsflow/internal/strategy"
	"optionsflow/internal/suggest"
	livehttp "optionsflow/internal/transport/http/live"
	"optionsflow/internal/types"
)

// AppBuilder 按配置组装 observer -> agent -> risk -> suggester 链路。
type AppBuilder struct {
	cfg *config.Config

	storeFn     func(path string) (*gormstore.GormStore, error)
	templatesFn func(config.StrategyConfig) (*loader.TemplateRegistry, error)
	httpFn      func(livehttp.ServerConfig) (*livehttp.Server, error)

	sourcesOverride []market.Source
	stopWhenDone    bool
}

type AppBuilderOption func(*AppBuilder)

// WithSources 替换配置中的数据源。
func WithSources(sources ...market.Source) AppBuilderOption {
	return func(b *AppBuilder) { b.sourcesOverride = sources }
}

// WithTemplates 使用给定的模板注册表，不读取 strategy.templates_path。
func WithTemplates(reg *loader.TemplateRegistry) AppBuilderOption {
	return func(b *AppBuilder) {
		b.templatesFn = func(config.StrategyConfig) (*loader.TemplateRegistry, error) { return reg, nil }
	}
}

// WithStopWhenSourcesDone 数据源全部结束后收尾退出。
func WithStopWhenSourcesDone() AppBuilderOption {
	return func(b *AppBuilder) { b.stopWhenDone = true }
}

// WithoutHTTP 不启动 HTTP 服务。
func WithoutHTTP() AppBuilderOption {
	return func(b *AppBuilder) { b.httpFn = nil }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		storeFn:     gormstore.NewGormStore,
		templatesFn: loadTemplates,
		httpFn:      livehttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func loadTemplates(cfg config.StrategyConfig) (*loader.TemplateRegistry, error) {
	reg, err := loader.NewTemplateRegistry(cfg.TemplatesPath, cfg.Watch)
	if err != nil {
		return nil, fmt.Errorf("load strategy templates: %w", err)
	}
	reg.Subscribe(func(s loader.Snapshot) {
		logger.Infof("[app] 策略模板已更新 version=%d templates=%d", s.Version, len(s.Templates))
	})
	return reg, nil
}

func (b *AppBuilder) Build(ctx context.Context) (a *App, err error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	rec := metrics.New()
	a = &App{cfg: cfg, metrics: rec, stopWhenDone: b.stopWhenDone}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	pipelineCfg := cfg.Pipeline
	if cfg.Backtest.Enabled {
		// 回放按样本推进，不依赖墙钟节拍
		pipelineCfg.TriggerMode = config.TriggerOnSample
		a.stopWhenDone = true
	}

	pipe, _, err := factory.New(cfg).BuildPipeline()
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	a.templates, err = b.templatesFn(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	a.feed, err = b.storeFn(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open suggestion store: %w", err)
	}

	busOpts := func(name string) bus.Options {
		return bus.Options{
			Name:        name,
			Buffer:      cfg.Bus.Buffer,
			MaxAttempts: cfg.Bus.MaxAttempts,
			Backoff:     cfg.Bus.RetryBackoff(),
			Metrics:     rec,
		}
	}

	// 自下游向上游构建，每一级把上一级的总线作为输出
	a.suggester, err = suggest.New(a.feed, rec)
	if err != nil {
		return nil, err
	}
	a.decisionBus, err = bus.New(busOpts("decisions"),
		func(d types.RiskDecision) string { return d.Candidate.Instrument }, a.suggester.Handle)
	if err != nil {
		return nil, err
	}
	a.decisionBus.OnUndelivered(logUndelivered[types.RiskDecision]("decisions", func(d types.RiskDecision) string { return d.Candidate.ID }))

	ledger := risk.NewLedger(cfg.Risk.PortfolioHeatCeiling)
	a.risk, err = risk.NewManager(risk.LimitsFromConfig(cfg.Risk), ledger, a.decisionBus, cfg.Risk.DecisionCacheSize, rec)
	if err != nil {
		return nil, err
	}
	a.candidateBus, err = bus.New(busOpts("candidates"),
		func(c types.CandidateStrategy) string { return c.Instrument }, a.risk.Handle)
	if err != nil {
		return nil, err
	}
	a.candidateBus.OnUndelivered(logUndelivered[types.CandidateStrategy]("candidates", func(c types.CandidateStrategy) string { return c.ID }))

	a.agent, err = strategy.NewAgent(a.templates, strategy.EmitterFunc(a.candidateBus.Publish), rec)
	if err != nil {
		return nil, err
	}
	a.eventBus, err = bus.New(busOpts("observations"),
		func(e types.ObservationEvent) string { return e.Instrument }, a.agent.Handle)
	if err != nil {
		return nil, err
	}
	a.eventBus.OnUndelivered(logUndelivered[types.ObservationEvent]("observations", func(e types.ObservationEvent) string {
		return fmt.Sprintf("%s@%s#%d", e.Instrument, e.Timeframe, e.Seq)
	}))

	a.observer, err = observer.New(observer.OptionsFromConfig(pipelineCfg), pipe, a.eventBus, rec)
	if err != nil {
		return nil, err
	}
	a.sink = a.observer

	if err := b.buildSources(ctx, a); err != nil {
		return nil, err
	}

	if b.httpFn != nil && strings.TrimSpace(cfg.App.HTTPAddr) != "" {
		a.http, err = b.httpFn(livehttp.ServerConfig{
			Addr:     cfg.App.HTTPAddr,
			Observer: a.observer,
			Feed:     a.feed,
			Risk:     a.risk,
			Agent:    a.agent,
			Buses:    a,
			Metrics:  rec.Handler(),
		})
		if err != nil {
			return nil, err
		}
	}
	a.Summary = buildSummary(cfg, pipelineCfg, a)
	return a, nil
}

func (b *AppBuilder) buildSources(ctx context.Context, a *App) error {
	cfg := b.cfg
	if cfg.Backtest.Enabled || cfg.Backtest.Record {
		st, err := backtest.NewStore(cfg.Backtest.DataDir)
		if err != nil {
			return fmt.Errorf("open replay store: %w", err)
		}
		a.replay = st
	}
	if cfg.Backtest.Record && !cfg.Backtest.Enabled {
		a.sink = backtest.NewRecordingSink(a.observer, a.replay)
	}

	switch {
	case len(b.sourcesOverride) > 0:
		a.sources = b.sourcesOverride
	case cfg.Backtest.Enabled:
		bt := cfg.Backtest
		a.sources = []market.Source{backtest.NewReplaySource(a.replay, bt.Instruments, bt.Timeframe, bt.StartMillis, bt.EndMillis)}
		for _, inst := range bt.Instruments {
			if m, err := a.replay.Manifest(ctx, inst, bt.Timeframe); err == nil {
				logger.Infof("[app] 回放 %s@%s rows=%d path=%s", m.Instrument, m.Timeframe, m.Rows, m.Path)
			}
		}
	default:
		for _, src := range cfg.Feed.Sources {
			if src.Disabled {
				continue
			}
			if market.IsWebSocketURL(src.URL) {
				a.sources = append(a.sources, market.NewWebSocketSource(src.Name, src.URL))
				continue
			}
			a.sources = append(a.sources, market.NewFeedSource(src.Name, src.Path))
		}
		if bn := cfg.Feed.Binance; bn.Enabled {
			src, err := market.NewBinanceSource(market.BinanceConfig{
				Symbols:     bn.Symbols,
				Intervals:   bn.Intervals,
				Backfill:    bn.Backfill,
				RESTBaseURL: bn.RESTBaseURL,
				HTTPTimeout: bn.HTTPTimeout(),
			})
			if err != nil {
				return err
			}
			a.sources = append(a.sources, src)
		}
	}
	if len(a.sources) == 0 {
		logger.Warnf("[app] 未配置任何数据源，仅提供 HTTP 查询")
	}
	return nil
}

func logUndelivered[T any](name string, id func(T) string) func(bus.Undelivered[T]) {
	return func(u bus.Undelivered[T]) {
		logger.Errorf("[app] %s 消息未送达 id=%s attempts=%d cause=%s err=%v", name, id(u.Message), u.Attempts, u.Cause, u.Err)
	}
}

func buildSummary(cfg *config.Config, pipelineCfg config.PipelineConfig, a *App) *StartupSummary {
	mode := "live"
	if cfg.Backtest.Enabled {
		mode = "replay"
	}
	s := &StartupSummary{
		Mode:        mode,
		Timeframes:  pipelineCfg.Timeframes,
		Trigger:     pipelineCfg.TriggerMode,
		Lookback:    pipelineCfg.MaxLookback,
		HTTPAddr:    cfg.App.HTTPAddr,
		StorePath:   cfg.Store.Path,
		TemplatesAt: cfg.Strategy.TemplatesPath,
		Risk: RiskSummary{
			MaxPositionSize:      cfg.Risk.MaxPositionSize,
			MaxRiskPerTrade:      cfg.Risk.MaxRiskPerTrade,
			MinRRRatio:           cfg.Risk.MinRRRatio,
			PortfolioHeatCeiling: cfg.Risk.PortfolioHeatCeiling,
			Rescale:              cfg.Risk.RescaleEnabled,
		},
	}
	for name, ic := range cfg.Indicators {
		if ic.Enabled {
			s.Indicators = append(s.Indicators, name)
		}
	}
	for name, pc := range cfg.Patterns {
		if pc.Enabled {
			s.Patterns = append(s.Patterns, name)
		}
	}
	sort.Strings(s.Indicators)
	sort.Strings(s.Patterns)
	for _, src := range a.sources {
		s.Sources = append(s.Sources, src.Name())
	}
	for _, t := range a.templates.Snapshot().Templates {
		if !t.IsEnabled() {
			continue
		}
		d := TemplateDetail{Type: t.Type, Direction: t.Direction, Scope: "instruments=" + formatList(t.Instruments) + " timeframes=" + formatList(t.Timeframes)}
		for _, c := range t.Conditions {
			d.Conditions = append(d.Conditions, c.Label())
		}
		s.Templates = append(s.Templates, d)
	}
	return s
}
