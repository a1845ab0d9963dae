package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron robfig/cron 的薄封装，任务共享一个随 Stop 取消的 context
type Cron struct {
	c      *cron.Cron
	loc    *time.Location
	ctx    context.Context
	cancel context.CancelFunc
	lg     *zap.Logger
}

func NewCron(loc *time.Location, lg *zap.Logger) *Cron {
	if loc == nil {
		loc = time.Local
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{c: c, loc: loc, ctx: ctx, cancel: cancel, lg: lg}
}

func (cr *Cron) Start() { cr.c.Start() }

// Stop cancels running jobs' context and waits for them to return.
func (cr *Cron) Stop() {
	cr.cancel()
	ctx := cr.c.Stop()
	<-ctx.Done()
}

func (cr *Cron) Add(expr string, job Job) (cron.EntryID, error) {
	return cr.AddWithCtx(expr, job.Run)
}

func (cr *Cron) AddWithCtx(expr string, fn func(ctx context.Context)) (cron.EntryID, error) {
	id, err := cr.c.AddFunc(expr, func() { fn(cr.ctx) })
	if err != nil {
		cr.lg.Warn("invalid cron expression", zap.String("expr", expr), zap.Error(err))
	}
	return id, err
}

func (cr *Cron) Entries() []cron.Entry { return cr.c.Entries() }
