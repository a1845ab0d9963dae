package websocket

import (
	"fmt"
	"net/http"
	"time"

	"GuardDispatch/pkg/middleware"
	"GuardDispatch/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// GuardUserID 警卫终端会话的用户ID
func GuardUserID(guardID uint) string {
	return fmt.Sprintf("guard:%d", guardID)
}

// EmployeeUserID 调度台会话的用户ID
func EmployeeUserID(employeeID uint) string {
	return fmt.Sprintf("employee:%d", employeeID)
}

// Handler WebSocket HTTP处理器
type Handler struct {
	hub *Hub
}

// NewHandler 创建新的WebSocket处理器
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes 注册路由；auth 只作用于升级请求
func RegisterRoutes(r gin.IRouter, handler *Handler, auth ...gin.HandlerFunc) {
	r.GET(RouteWebSocket, append(auth, handler.HandleWebSocket)...)
	r.GET(RouteWebSocketStats, handler.GetStats)
	r.GET(RouteWebSocketHealth, handler.HealthCheck)
}

// HandleWebSocket 处理WebSocket连接请求
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID, err := sessionUser(c)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	ServeWebSocket(h.hub, c.Writer, c.Request, userID)
}

// sessionUser guard consoles pass ?guardId= and join that guard's channel.
func sessionUser(c *gin.Context) (string, error) {
	if raw := c.Query(GuardQueryParam); raw != "" {
		guardID, err := cast.ToUintE(raw)
		if err != nil || guardID == 0 {
			return "", fmt.Errorf("invalid %s %q", GuardQueryParam, raw)
		}
		return GuardUserID(guardID), nil
	}
	if employeeID, ok := middleware.CurrentEmployee(c); ok {
		return EmployeeUserID(employeeID), nil
	}
	return "", nil
}

// GetStats 获取WebSocket统计信息
func (h *Handler) GetStats(c *gin.Context) {
	stats := GetConfigSummary(h.hub.config)
	stats["total_connections"] = h.hub.GetConnectionCount()
	response.Success(c, stats)
}

// HealthCheck WebSocket健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	h.hub.mu.RLock()
	closed := h.hub.closed
	h.hub.mu.RUnlock()
	if closed {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "WebSocket Hub已关闭",
		})
		return
	}

	totalConnections := int64(h.hub.GetConnectionCount())
	maxConnections := h.hub.config.MaxConnections

	status := "healthy"
	if totalConnections >= maxConnections*9/10 { // 90%以上认为警告
		status = "warning"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"total_connections": totalConnections,
		"max_connections":   maxConnections,
		"connection_usage":  float64(totalConnections) / float64(maxConnections) * 100,
		"timestamp":         time.Now().Unix(),
	})
}
