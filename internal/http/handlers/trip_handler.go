// README: Trip handlers for create, get and cancel (either party).
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/trip"
	"rideflow/internal/types"
)

// TripService is the trip lifecycle as the HTTP layer uses it.
type TripService interface {
	Create(ctx context.Context, cmd trip.CreateCommand) (*trip.CreateResult, error)
	View(ctx context.Context, id, callerID types.ID, role types.Role) (*trip.Trip, error)
	Accept(ctx context.Context, cmd trip.AcceptCommand) (*trip.AcceptResult, error)
	GoingToPickup(ctx context.Context, tripID, driverID types.ID) (*trip.Trip, error)
	Arrived(ctx context.Context, tripID, driverID types.ID) (*trip.Trip, error)
	Start(ctx context.Context, cmd trip.StartCommand) (*trip.Trip, error)
	Complete(ctx context.Context, cmd trip.CompleteCommand) (*trip.Trip, error)
	Cancel(ctx context.Context, cmd trip.CancelCommand) (*trip.Trip, error)
}

type TripHandler struct {
	trips TripService
}

func NewTripHandler(svc TripService) *TripHandler {
	return &TripHandler{trips: svc}
}

type createTripReq struct {
	Pickup      placeReq        `json:"pickup" binding:"required"`
	Drop        placeReq        `json:"drop" binding:"required"`
	VehicleType string          `json:"vehicleType" binding:"required,max=32"`
	Category    string          `json:"category" binding:"required,oneof=short parcel long"`
	SameDay     bool            `json:"sameDay"`
	Fare        decimal.Decimal `json:"fare"`
	Coins       int64           `json:"coins" binding:"gte=0"`
}

func (h *TripHandler) Create(c *gin.Context) {
	var req createTripReq
	if !bind(c, &req, false) {
		return
	}
	res, err := h.trips.Create(c.Request.Context(), trip.CreateCommand{
		CustomerID:  middleware.CallerUID(c),
		Pickup:      req.Pickup.place(),
		Drop:        req.Drop.place(),
		VehicleType: req.VehicleType,
		Category:    types.Category(req.Category),
		SameDay:     req.SameDay,
		Fare:        req.Fare,
		Coins:       req.Coins,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{
		"tripId":          res.Trip.ID,
		"driversNotified": res.DriversNotified,
		"fareBreakdown":   res.FareBreakdown,
	})
}

// tripView adds the ride code for the trip's customer, who reads it out to the driver.
type tripView struct {
	*trip.Trip
	RideCode string `json:"rideCode,omitempty"`
}

func (h *TripHandler) Get(c *gin.Context) {
	caller := middleware.CallerUID(c)
	t, err := h.trips.View(c.Request.Context(), types.ID(c.Param("id")), caller, middleware.CallerRole(c))
	if err != nil {
		writeError(c, err)
		return
	}
	v := tripView{Trip: t}
	if t.CustomerID == caller {
		v.RideCode = t.RideCode
	}
	writeJSON(c, http.StatusOK, v)
}

type cancelReq struct {
	Reason string `json:"reason" binding:"max=256"`
}

func (h *TripHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if !bind(c, &req, true) {
		return
	}
	t, err := h.trips.Cancel(c.Request.Context(), trip.CancelCommand{
		TripID:    types.ID(c.Param("id")),
		ActorID:   middleware.CallerUID(c),
		ActorRole: middleware.CallerRole(c),
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}
