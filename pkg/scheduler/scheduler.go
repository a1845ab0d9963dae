package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Job interface{ Run(ctx context.Context) }

type FuncJob func(ctx context.Context)

func (f FuncJob) Run(ctx context.Context) { f(ctx) }

// Scheduler 间隔任务调度，Stop 后等待所有循环退出
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	lg     *zap.Logger
}

func New(lg *zap.Logger) *Scheduler {
	if lg == nil {
		lg = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{ctx: ctx, cancel: cancel, lg: lg}
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) Every(d time.Duration, job Job) {
	if d <= 0 {
		s.lg.Warn("ignoring non-positive interval", zap.Duration("interval", d))
		return
	}
	s.wg.Add(1)
	go s.loopEvery(d, job)
}

func (s *Scheduler) OnceAfter(d time.Duration, job Job) {
	s.wg.Add(1)
	go s.onceAfter(d, job)
}

func (s *Scheduler) loopEvery(d time.Duration, job Job) {
	defer s.wg.Done()
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.run(job)
		}
	}
}

func (s *Scheduler) onceAfter(d time.Duration, job Job) {
	defer s.wg.Done()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return
	case <-timer.C:
		s.run(job)
	}
}

func (s *Scheduler) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.lg.Error("scheduled job panicked", zap.Any("panic", r))
		}
	}()
	job.Run(s.ctx)
}
