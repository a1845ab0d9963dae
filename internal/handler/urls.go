package handlers

import (
	"GuardDispatch/internal/dispatch"
	"GuardDispatch/internal/recovery"
	"GuardDispatch/internal/store"
	"GuardDispatch/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Handlers HTTP 入口
type Handlers struct {
	coord    *dispatch.Coordinator
	store    store.Store
	recovery *recovery.Service
	metrics  *metrics.Metrics
}

func NewHandlers(coord *dispatch.Coordinator, st store.Store, rec *recovery.Service, mtr *metrics.Metrics) *Handlers {
	return &Handlers{coord: coord, store: st, recovery: rec, metrics: mtr}
}

// Middlewares applied to specific route groups.
type Middlewares struct {
	Auth        gin.HandlerFunc
	Idempotency gin.HandlerFunc
}

func (h *Handlers) Register(r gin.IRouter, mw Middlewares) {
	h.registerSystemRoutes(r)
	h.registerAuthRoutes(r)
	h.registerActionRoutes(r, mw)
}

func (h *Handlers) registerSystemRoutes(r gin.IRouter) {
	system := r.Group("/system")
	{
		system.GET("/health", h.HealthCheck)
	}
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
}

func (h *Handlers) registerAuthRoutes(r gin.IRouter) {
	auth := r.Group("/auth/reset")
	{
		auth.POST("/request", h.handleResetRequest)
		auth.POST("/verify", h.handleResetVerify)
	}
}

// Dispatch Module
func (h *Handlers) registerActionRoutes(r gin.IRouter, mw Middlewares) {
	action := r.Group("/action")
	if mw.Auth != nil {
		action.Use(mw.Auth)
	}
	{
		assign := []gin.HandlerFunc{h.handleAssignGuardToReport}
		if mw.Idempotency != nil {
			assign = append([]gin.HandlerFunc{mw.Idempotency}, assign...)
		}
		action.POST("/assignGuardToReport", assign...)
		action.POST("/getActiveInterventionLocationAssignedToGuard", h.handleActiveLocation)
		action.POST("/confirmIntervention", h.handleConfirmIntervention)
		action.POST("/cancelIntervention", h.handleCancelIntervention)
		action.POST("/finishIntervention", h.handleFinishIntervention)
		action.POST("/clearGuardStatus", h.handleClearGuardStatus)
	}
}
