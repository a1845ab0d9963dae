package response

import (
	"net/http"

	apperrors "GuardDispatch/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Body 错误响应格式
type Body struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success writes data as the bare JSON body with status 200.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Fail writes a failure with an explicit status.
func Fail(c *gin.Context, status int, message string, data interface{}) {
	c.AbortWithStatusJSON(status, Body{Code: status, Message: message, Data: data})
}

// Error maps an application error to its HTTP status.
func Error(c *gin.Context, err error) {
	status := apperrors.GetCode(err)
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	c.Error(err)
	Fail(c, status, message, nil)
}

// BadRequest invalid body or params
func BadRequest(c *gin.Context, message string) {
	Fail(c, http.StatusBadRequest, message, nil)
}

// Unauthorized 未授权
func Unauthorized(c *gin.Context) {
	Fail(c, http.StatusUnauthorized, "unauthorized", nil)
}

// NotFound 资源不存在
func NotFound(c *gin.Context, message string) {
	if message == "" {
		message = "not found"
	}
	Fail(c, http.StatusNotFound, message, nil)
}
