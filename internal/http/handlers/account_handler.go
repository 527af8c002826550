// README: Account handlers (push token registration).
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/types"
)

type PushTokens interface {
	SetPushToken(ctx context.Context, role types.Role, id types.ID, token string) error
}

type AccountHandler struct {
	tokens PushTokens
}

func NewAccountHandler(tokens PushTokens) *AccountHandler {
	return &AccountHandler{tokens: tokens}
}

type pushTokenReq struct {
	Token string `json:"token" binding:"required,max=4096"`
}

func (h *AccountHandler) SetPushToken(c *gin.Context) {
	var req pushTokenReq
	if !bind(c, &req, false) {
		return
	}
	if err := h.tokens.SetPushToken(c.Request.Context(), middleware.CallerRole(c), middleware.CallerUID(c), req.Token); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
