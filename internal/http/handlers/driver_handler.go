// README: Driver handlers: accept, the ride progression and presence (online, destination mode).
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/registry"
	"rideflow/internal/modules/trip"
	"rideflow/internal/types"
)

type Presence interface {
	GoOnline(ctx context.Context, driverID types.ID, at *types.Point) (*registry.Driver, error)
	GoOffline(ctx context.Context, driverID types.ID) error
	EnableDestinationMode(ctx context.Context, driverID types.ID, target types.Point) error
	DisableDestinationMode(ctx context.Context, driverID types.ID) error
}

type DriverHandler struct {
	trips    TripService
	presence Presence
}

func NewDriverHandler(trips TripService, presence Presence) *DriverHandler {
	return &DriverHandler{trips: trips, presence: presence}
}

type acceptReq struct {
	ExpectedVersion *int `json:"expectedVersion" binding:"omitempty,gte=0"`
}

func (h *DriverHandler) Accept(c *gin.Context) {
	var req acceptReq
	if !bind(c, &req, true) {
		return
	}
	res, err := h.trips.Accept(c.Request.Context(), trip.AcceptCommand{
		TripID:          types.ID(c.Param("id")),
		DriverID:        middleware.CallerUID(c),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (h *DriverHandler) GoingToPickup(c *gin.Context) {
	t, err := h.trips.GoingToPickup(c.Request.Context(), types.ID(c.Param("id")), middleware.CallerUID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

func (h *DriverHandler) Arrived(c *gin.Context) {
	t, err := h.trips.Arrived(c.Request.Context(), types.ID(c.Param("id")), middleware.CallerUID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

type startReq struct {
	RideCode string      `json:"rideCode" binding:"required,numeric,len=4"`
	Position positionReq `json:"position" binding:"required"`
}

func (h *DriverHandler) Start(c *gin.Context) {
	var req startReq
	if !bind(c, &req, false) {
		return
	}
	t, err := h.trips.Start(c.Request.Context(), trip.StartCommand{
		TripID:   types.ID(c.Param("id")),
		DriverID: middleware.CallerUID(c),
		RideCode: req.RideCode,
		Position: req.Position.point(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}

type completeReq struct {
	Position positionReq `json:"position" binding:"required"`
}

func (h *DriverHandler) Complete(c *gin.Context) {
	var req completeReq
	if !bind(c, &req, false) {
		return
	}
	t, err := h.trips.Complete(c.Request.Context(), trip.CompleteCommand{
		TripID:   types.ID(c.Param("id")),
		DriverID: middleware.CallerUID(c),
		Position: req.Position.point(),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"trip": t, "fareBreakdown": t.Breakdown()})
}

type onlineReq struct {
	Position *positionReq `json:"position"`
}

func (h *DriverHandler) Online(c *gin.Context) {
	var req onlineReq
	if !bind(c, &req, true) {
		return
	}
	var at *types.Point
	if req.Position != nil {
		p := req.Position.point()
		at = &p
	}
	d, err := h.presence.GoOnline(c.Request.Context(), middleware.CallerUID(c), at)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *DriverHandler) Offline(c *gin.Context) {
	if err := h.presence.GoOffline(c.Request.Context(), middleware.CallerUID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) SetDestination(c *gin.Context) {
	var req positionReq
	if !bind(c, &req, false) {
		return
	}
	if err := h.presence.EnableDestinationMode(c.Request.Context(), middleware.CallerUID(c), req.point()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DriverHandler) ClearDestination(c *gin.Context) {
	if err := h.presence.DisableDestinationMode(c.Request.Context(), middleware.CallerUID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
