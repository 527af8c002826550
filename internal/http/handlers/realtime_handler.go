// README: Websocket endpoint; inbound "location" frames go through the same ingest as HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/delivery"
)

const frameTimeout = 5 * time.Second

type RealtimeHandler struct {
	hub      *delivery.Hub
	location LocationService
	validate *validator.Validate
}

// NewRealtimeHandler installs itself as the hub's inbound message handler.
func NewRealtimeHandler(hub *delivery.Hub, loc LocationService) *RealtimeHandler {
	v := validator.New()
	v.SetTagName("binding")
	h := &RealtimeHandler{hub: hub, location: loc, validate: v}
	hub.SetMessageHandler(h.HandleMessage)
	return h
}

func (h *RealtimeHandler) Serve(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request, middleware.CallerUID(c), middleware.CallerRole(c))
}

func (h *RealtimeHandler) HandleMessage(c *delivery.Client, msgType string, data json.RawMessage) error {
	switch msgType {
	case "location":
		var req locationReq
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("invalid location frame: %w", err)
		}
		if err := h.validate.Struct(req); err != nil {
			return fmt.Errorf("invalid location frame: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()
		ack, err := h.location.Ingest(ctx, req.fix(c.UserID, c.Role))
		if err != nil {
			return err
		}
		c.Reply(map[string]any{"type": "location_ack", "data": ack})
		return nil
	case "ping":
		c.Reply(map[string]any{"type": "pong"})
		return nil
	}
	return fmt.Errorf("unknown message type %q", msgType)
}
