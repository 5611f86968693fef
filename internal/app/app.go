package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"optionsflow/internal/backtest"
	"optionsflow/internal/bus"
	"optionsflow/internal/config"
	"optionsflow/internal/config/loader"
	"optionsflow/internal/logger"
	"optionsflow/internal/market"
	"optionsflow/internal/metrics"
	"optionsflow/internal/observer"
	"optionsflow/internal/risk"
	"optionsflow/internal/store/gormstore"
	"optionsflow/internal/strategy"
	"optionsflow/internal/suggest"
	livehttp "optionsflow/internal/transport/http/live"
	"optionsflow/internal/types"
)

// App 负责应用级编排：数据源 -> 观察器 -> 策略 -> 风控 -> 建议。
type App struct {
	cfg     *config.Config
	metrics *metrics.Recorder

	sources      []market.Source
	sink         market.Sink
	observer     *observer.Observer
	templates    *loader.TemplateRegistry
	agent        *strategy.Agent
	risk         *risk.Manager
	suggester    *suggest.Suggester
	feed         *gormstore.GormStore
	replay       *backtest.Store
	http         *livehttp.Server
	stopWhenDone bool

	eventBus     *bus.Bus[types.ObservationEvent]
	candidateBus *bus.Bus[types.CandidateStrategy]
	decisionBus  *bus.Bus[types.RiskDecision]

	shutdownOnce sync.Once
	Summary      *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动数据源、观察器与 HTTP 服务，ctx 取消或数据源结束后排空总线退出。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.observer == nil {
		return fmt.Errorf("app not initialized")
	}
	a.Summary.Print()
	defer a.Shutdown()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(runCtx)

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.observer.Run(gctx)
	})
	group.Go(func() error {
		err := a.runSources(gctx)
		if err == nil && a.stopWhenDone {
			logger.Infof("[app] 数据源已结束，开始收尾")
			cancel()
		}
		return err
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (a *App) runSources(ctx context.Context) error {
	if len(a.sources) == 0 {
		if a.stopWhenDone {
			return nil
		}
		<-ctx.Done()
		return nil
	}
	group, gctx := errgroup.WithContext(ctx)
	for _, src := range a.sources {
		src := src
		group.Go(func() error {
			logger.Infof("[app] 数据源 %s 启动", src.Name())
			if err := src.Run(gctx, a.sink); err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			logger.Infof("[app] 数据源 %s 结束", src.Name())
			return nil
		})
	}
	return group.Wait()
}

// Shutdown 先冲刷观察器，再按上游到下游的顺序排空总线，最后关闭存储。可重复调用。
func (a *App) Shutdown() {
	if a == nil {
		return
	}
	a.shutdownOnce.Do(func() {
		drain := a.cfg.Bus.DrainTimeout()
		withTimeout := func(fn func(context.Context)) {
			ctx, cancel := context.WithTimeout(context.Background(), drain)
			defer cancel()
			fn(ctx)
		}
		if a.observer != nil {
			withTimeout(a.observer.Flush)
		}
		if a.eventBus != nil {
			withTimeout(func(ctx context.Context) { a.eventBus.Close(ctx) })
		}
		if a.candidateBus != nil {
			withTimeout(func(ctx context.Context) { a.candidateBus.Close(ctx) })
		}
		if a.decisionBus != nil {
			withTimeout(func(ctx context.Context) { a.decisionBus.Close(ctx) })
		}
		a.closeStores()
		logger.Infof("[app] 已停止 portfolio_heat=%.4f", a.portfolioHeat())
	})
}

func (a *App) closeStores() {
	if a.feed != nil {
		if err := a.feed.Close(); err != nil {
			logger.Warnf("[app] 关闭建议库失败: %v", err)
		}
		a.feed = nil
	}
	if a.replay != nil {
		if err := a.replay.Close(); err != nil {
			logger.Warnf("[app] 关闭样本库失败: %v", err)
		}
		a.replay = nil
	}
}

func (a *App) portfolioHeat() float64 {
	if a.risk == nil {
		return 0
	}
	return a.risk.Ledger().Heat()
}

// BusStats 三条总线的运行统计。
func (a *App) BusStats() []bus.Stats {
	var out []bus.Stats
	if a.eventBus != nil {
		out = append(out, a.eventBus.Stats())
	}
	if a.candidateBus != nil {
		out = append(out, a.candidateBus.Stats())
	}
	if a.decisionBus != nil {
		out = append(out, a.decisionBus.Stats())
	}
	return out
}

// Observer 暴露观察器，供回放与测试使用。
func (a *App) Observer() *observer.Observer { return a.observer }

// Risk 暴露风控管理器。
func (a *App) Risk() *risk.Manager { return a.risk }

// Feed 暴露建议库。Shutdown 之后返回 nil。
func (a *App) Feed() *gormstore.GormStore { return a.feed }
