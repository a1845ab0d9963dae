package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"GuardDispatch/internal/dispatch"
	"GuardDispatch/internal/guardlink"
	handlers "GuardDispatch/internal/handler"
	"GuardDispatch/internal/recovery"
	"GuardDispatch/internal/store"
	"GuardDispatch/pkg/cache"
	"GuardDispatch/pkg/config"
	"GuardDispatch/pkg/metrics"
	"GuardDispatch/pkg/middleware"
	"GuardDispatch/pkg/scheduler"
	"GuardDispatch/pkg/sse"
	"GuardDispatch/pkg/websocket"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

// App 组件装配
type App struct {
	cfg *config.Config
	lg  *zap.Logger

	metrics *metrics.Metrics
	store   *store.GormStore
	cache   cache.Cache
	reg     *dispatch.Registry
	hub     *websocket.Hub
	coord   *dispatch.Coordinator
	link    *guardlink.Link
	cron    *scheduler.Cron
	sched   *scheduler.Scheduler

	engine *gin.Engine
	srv    *http.Server
}

// New wires every component. Nothing is started yet.
func New(cfg *config.Config, lg *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, lg: lg, metrics: metrics.New()}

	db, err := store.Open(store.OpenConfig{Driver: cfg.DBDriver, DSN: cfg.DSN})
	if err != nil {
		return nil, err
	}
	a.store = store.New(db, lg, a.metrics)

	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	a.cache = cache.WithObserver(c, a.metrics)

	a.reg = dispatch.NewRegistry(a.store, lg)
	a.hub = websocket.NewHub(websocket.LoadConfigFromEnv(), websocket.HubOptions{
		Snapshot: func() interface{} { return a.reg.Snapshot() },
		Queries:  handlers.NewLiveQueries(a.store, a.reg),
		Observer: a.metrics,
	})
	a.coord = dispatch.NewCoordinator(a.store, a.reg, dispatch.Options{
		ConfirmTimeout: cfg.Dispatch.ConfirmTimeout,
		Logger:         lg,
		Metrics:        a.metrics,
		Publisher:      a.hub,
		Notifiers:      []dispatch.Notifier{handlers.HubNotifier{Hub: a.hub}},
	})

	if cfg.MQTT.Enabled {
		a.link, err = guardlink.Dial(cfg.MQTT, lg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.coord.AddNotifier(a.link)
	}

	a.cron = scheduler.NewCron(time.Local, lg)
	a.sched = scheduler.New(lg)

	if err := a.routes(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) routes() error {
	if a.cfg.Mode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	tokens, err := middleware.ParseStaticTokens(a.cfg.AuthTokens)
	if err != nil {
		return err
	}
	p := a.cfg.APIPrefix
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:       a.cfg.RateLimit,
		Identifier: "ip",
		// 长连接与探针不计入限流
		SkipPaths:  []string{p + "/system/health", p + "/metrics", p + websocket.RouteWebSocket, p + sse.RouteStream},
		AddHeaders: true,
	}, nil).WithObserver(a.metrics)

	r := gin.New()
	r.Use(gin.Recovery(), metrics.GinMiddleware(a.metrics), limiter.Middleware(), middleware.SessionMiddleware(a.cfg.SessionSecret))

	api := r.Group(p)
	auth := middleware.Auth(tokens)
	tokenStore := recovery.NewTokenStore(a.cache, a.cfg.ResetTokenTTL)
	rec := recovery.NewService(tokenStore, a.store, recovery.LogMailer{Logger: a.lg}, a.lg)

	handlers.NewHandlers(a.coord, a.store, rec, a.metrics).Register(api, handlers.Middlewares{
		Auth:        auth,
		Idempotency: middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{Store: a.cache}),
	})
	websocket.RegisterRoutes(api, websocket.NewHandler(a.hub), auth)
	stream := sse.NewStream(a.hub, a.hub.Config().HeartbeatInterval)
	stream.RegisterRoutes(api, auth)

	a.engine = r
	a.srv = &http.Server{Addr: a.cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	a.srv.RegisterOnShutdown(stream.Close)
	return nil
}

// Handler the HTTP handler, for tests.
func (a *App) Handler() http.Handler { return a.engine }

// Run loads state, starts background jobs and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.reg.Refresh(ctx); err != nil {
		return err
	}
	if _, err := a.coord.Recover(ctx); err != nil {
		return err
	}
	if a.link != nil {
		if err := a.link.Start(a.coord); err != nil {
			return err
		}
	}

	if _, err := a.cron.AddWithCtx(a.cfg.Dispatch.RefreshSchedule, a.refresh); err != nil {
		return err
	}
	a.cron.Start()
	// 心跳快照，掩盖丢失的增量
	a.sched.Every(a.cfg.Dispatch.SnapshotInterval, scheduler.FuncJob(func(context.Context) { a.hub.Refresh() }))

	errCh := make(chan error, 1)
	go func() {
		a.lg.Info("http server listening", zap.String("addr", a.cfg.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.Shutdown()
			return err
		}
	}
	a.Shutdown()
	return nil
}

func (a *App) refresh(ctx context.Context) {
	ok, err := a.reg.Refresh(ctx)
	if err != nil {
		a.lg.Warn("registry refresh failed", zap.Error(err))
		return
	}
	if ok {
		a.hub.Refresh()
	}
}

// Shutdown stops intake first, then forces open confirmation windows through
// the timeout path while the hub can still publish them.
func (a *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			a.lg.Warn("http shutdown", zap.Error(err))
		}
	}
	a.cron.Stop()
	a.sched.Stop()
	a.close()
	a.lg.Info("shutdown complete")
}

func (a *App) close() {
	if a.coord != nil {
		a.coord.Close()
	}
	if a.link != nil {
		a.link.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
