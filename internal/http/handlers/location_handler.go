// README: Location handlers: discrete fix upload and the driver position of a trip.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/location"
	"rideflow/internal/types"
)

type LocationService interface {
	Ingest(ctx context.Context, f location.Fix) (location.Ack, error)
	DriverLocation(ctx context.Context, tripID, callerID types.ID, role types.Role) (*location.Position, error)
}

type LocationHandler struct {
	location LocationService
}

func NewLocationHandler(svc LocationService) *LocationHandler {
	return &LocationHandler{location: svc}
}

// locationReq is shared by PUT /api/location and websocket "location" frames.
type locationReq struct {
	positionReq
	TripID  *string  `json:"tripId" binding:"omitempty,max=64"`
	Seq     *int64   `json:"seq" binding:"omitempty,gte=0"`
	TS      *int64   `json:"ts" binding:"omitempty,gt=0"`
	Bearing *float64 `json:"bearing" binding:"omitempty,gte=0,lt=360"`
}

func (r locationReq) fix(uid types.ID, role types.Role) location.Fix {
	f := location.Fix{UserID: uid, Role: role, Point: r.point(), Seq: r.Seq, Bearing: r.Bearing}
	if r.TripID != nil {
		id := types.ID(*r.TripID)
		f.TripID = &id
	}
	if r.TS != nil {
		ts := time.UnixMilli(*r.TS)
		f.ClientTS = &ts
	}
	return f
}

func (h *LocationHandler) Update(c *gin.Context) {
	var req locationReq
	if !bind(c, &req, false) {
		return
	}
	ack, err := h.location.Ingest(c.Request.Context(), req.fix(middleware.CallerUID(c), middleware.CallerRole(c)))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ack)
}

func (h *LocationHandler) DriverLocation(c *gin.Context) {
	p, err := h.location.DriverLocation(c.Request.Context(), types.ID(c.Param("id")), middleware.CallerUID(c), middleware.CallerRole(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, p)
}
