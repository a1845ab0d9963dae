package handlers

import (
	"GuardDispatch/pkg/response"

	"github.com/gin-gonic/gin"
)

type resetRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type resetVerify struct {
	Token string `json:"token" binding:"required"`
}

// handleResetRequest always answers 200 for a well-formed email.
func (h *Handlers) handleResetRequest(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.recovery.Request(c.Request.Context(), req.Email); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"sent": true})
}

func (h *Handlers) handleResetVerify(c *gin.Context) {
	var req resetVerify
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	employeeID, err := h.recovery.Verify(c.Request.Context(), req.Token)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"employeeId": employeeID})
}
