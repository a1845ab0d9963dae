package handlers

import (
	"GuardDispatch/internal/dispatch"
	"GuardDispatch/pkg/logger"
	"GuardDispatch/pkg/middleware"
	"GuardDispatch/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type assignRequest struct {
	ReportID   uint `json:"reportId" binding:"required"`
	GuardID    uint `json:"guardId" binding:"required"`
	EmployeeID uint `json:"employeeId"`
}

type guardRequest struct {
	GuardID uint `json:"guardId" binding:"required"`
}

type interventionRequest struct {
	InterventionID uint `json:"interventionId" binding:"required"`
}

type cancelRequest struct {
	InterventionID uint   `json:"interventionId" binding:"required"`
	Origin         string `json:"origin"`
}

// ActiveLocation 警卫当前任务的位置
type ActiveLocation struct {
	InterventionID uint    `json:"interventionId"`
	ReportID       uint    `json:"reportId"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
}

// handleAssignGuardToReport reserves the guard; the final outcome arrives on
// the live channel.
func (h *Handlers) handleAssignGuardToReport(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.EmployeeID == 0 {
		req.EmployeeID, _ = middleware.CurrentEmployee(c)
	}

	a, err := h.coord.AssignGuardToReport(c.Request.Context(), req.ReportID, req.GuardID, req.EmployeeID)
	if err != nil {
		logger.Info("assign failed", zap.Uint("report_id", req.ReportID), zap.Uint("guard_id", req.GuardID), zap.Error(err))
		response.Error(c, err)
		return
	}
	response.Success(c, a)
}

func (h *Handlers) handleActiveLocation(c *gin.Context) {
	var req guardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	iv, report, err := h.coord.ActiveLocation(c.Request.Context(), req.GuardID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, ActiveLocation{
		InterventionID: iv.ID,
		ReportID:       report.ID,
		Lat:            report.Location.Lat,
		Lng:            report.Location.Lng,
	})
}

func (h *Handlers) handleConfirmIntervention(c *gin.Context) {
	var req interventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	res, err := h.coord.Confirm(c.Request.Context(), req.InterventionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

func (h *Handlers) handleCancelIntervention(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	origin, err := dispatch.ParseOrigin(req.Origin)
	if err != nil {
		response.Error(c, err)
		return
	}
	res, err := h.coord.Cancel(c.Request.Context(), req.InterventionID, origin)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

func (h *Handlers) handleFinishIntervention(c *gin.Context) {
	var req interventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	res, err := h.coord.Finish(c.Request.Context(), req.InterventionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

func (h *Handlers) handleClearGuardStatus(c *gin.Context) {
	var req guardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	g, err := h.coord.ClearGuard(c.Request.Context(), req.GuardID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, g)
}
