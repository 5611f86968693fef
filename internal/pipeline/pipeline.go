package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"optionsflow/internal/logger"
	"optionsflow/internal/types"
)

// Pipeline 负责按 stage 调度一组中间件。
// 同一 stage 内的中间件并行执行，stage 之间串行。
type Pipeline struct {
	name    string
	stages  [][]Middleware
	timeout time.Duration
}

// New 创建 Pipeline，并按 stage 归类中间件。
func New(name string, middlewares ...Middleware) *Pipeline {
	stageMap := make(map[int][]Middleware)
	for _, mw := range middlewares {
		if mw == nil {
			continue
		}
		meta := mw.Meta()
		stageMap[meta.Stage] = append(stageMap[meta.Stage], mw)
	}
	keys := make([]int, 0, len(stageMap))
	for st := range stageMap {
		keys = append(keys, st)
	}
	sort.Ints(keys)
	stages := make([][]Middleware, 0, len(keys))
	for _, st := range keys {
		stages = append(stages, stageMap[st])
	}
	return &Pipeline{name: name, stages: stages}
}

// WithTimeout 设置单次执行的总时限，超时后未完成的部分以降级结果发布。
func (p *Pipeline) WithTimeout(d time.Duration) *Pipeline {
	p.timeout = d
	return p
}

// Run 执行 pipeline。只有 Critical 中间件失败才返回错误，其余失败记为警告并标记降级。
func (p *Pipeline) Run(ctx context.Context, ac *AnalysisContext) error {
	if ac == nil {
		return fmt.Errorf("nil analysis context")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	for _, stage := range p.stages {
		if err := p.runStage(ctx, ac, stage); err != nil {
			return err
		}
	}
	if ctx.Err() != nil && !ac.Degraded() {
		ac.MarkDegraded()
		ac.AddWarning(fmt.Sprintf("%s: %v", p.name, types.ErrComputationTimeout))
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, ac *AnalysisContext, stage []Middleware) error {
	if len(stage) == 0 {
		return nil
	}
	group, stageCtx := errgroup.WithContext(ctx)
	warnCh := make(chan *MiddlewareError, len(stage))
	for _, mw := range stage {
		mw := mw
		group.Go(func() error {
			meta := mw.Meta()
			runCtx := stageCtx
			if meta.Timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(stageCtx, meta.Timeout)
				defer cancel()
			}
			err := mw.Handle(runCtx, ac)
			if err == nil {
				return nil
			}
			wErr := &MiddlewareError{
				Middleware: meta.Name,
				Stage:      meta.Stage,
				Critical:   meta.Critical,
				Err:        err,
			}
			if meta.Critical && !errors.Is(err, types.ErrComputationTimeout) {
				return wErr
			}
			warnCh <- wErr
			return nil
		})
	}
	err := group.Wait()
	close(warnCh)
	for warn := range warnCh {
		ac.MarkDegraded()
		ac.AddWarning(warn.Error())
		logger.Warnf("[pipeline] %s %s %s", p.name, ac.Key, warn.Error())
	}
	if err == nil {
		return nil
	}
	ac.AddWarning(err.Error())
	return err
}
