package scheduler

import (
	"context"
	"time"

	"optionsflow/internal/logger"
)

// Cadence 以固定间隔执行任务；Align=true 时对齐到间隔整点。
// 任务执行时间超过间隔时，错过的轮次直接跳过，不会堆积。
type Cadence struct {
	Name           string
	Interval       time.Duration
	Align          bool
	RunImmediately bool

	nowFn func() time.Time
}

func NewCadence(name string, interval time.Duration) *Cadence {
	return &Cadence{Name: name, Interval: interval, nowFn: time.Now}
}

// Start 阻塞运行直到 ctx 结束。
func (s *Cadence) Start(ctx context.Context, task func(context.Context)) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("[cadence] %s invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	logger.Infof("[cadence] %s started interval=%s align=%v run_immediately=%v", s.Name, s.Interval, s.Align, s.RunImmediately)
	if s.RunImmediately {
		task(ctx)
	}
	for {
		wait := s.nextWait(s.nowFn())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("[cadence] %s ctx done, exit", s.Name)
			return
		case <-timer.C:
		}
		task(ctx)
	}
}

func (s *Cadence) nextWait(now time.Time) time.Duration {
	if !s.Align {
		return s.Interval
	}
	now = now.UTC()
	next := now.Truncate(s.Interval).Add(s.Interval)
	return next.Sub(now)
}
