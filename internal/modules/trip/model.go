// README: Trip aggregate, status definitions and the transition table.
package trip

import (
	"time"

	"github.com/shopspring/decimal"

	"rideflow/internal/types"
)

type Status string

const (
	StatusNone                Status = "none"
	StatusRequested           Status = "requested"
	StatusDriverAssigned      Status = "driver_assigned"
	StatusDriverGoingToPickup Status = "driver_going_to_pickup"
	StatusDriverAtPickup      Status = "driver_at_pickup"
	StatusRideStarted         Status = "ride_started"
	StatusCompleted           Status = "completed"
	StatusCancelled           Status = "cancelled"
	StatusTimeout             Status = "timeout"
)

// ActiveStatuses are the statuses a customer may hold at most one trip in.
var ActiveStatuses = []Status{
	StatusRequested,
	StatusDriverAssigned,
	StatusDriverGoingToPickup,
	StatusDriverAtPickup,
	StatusRideStarted,
}

// AllowedTransitions represents the trip lifecycle as code. Statuses without
// an entry are terminal.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:           {StatusDriverAssigned, StatusCancelled, StatusTimeout},
	StatusDriverAssigned:      {StatusDriverGoingToPickup, StatusCancelled},
	StatusDriverGoingToPickup: {StatusDriverAtPickup, StatusCancelled},
	StatusDriverAtPickup:      {StatusRideStarted, StatusCancelled},
	StatusRideStarted:         {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	_, ok := AllowedTransitions[s]
	return !ok
}

type Payment struct {
	Collected   bool       `json:"collected"`
	CollectedAt *time.Time `json:"collectedAt,omitempty"`
	Method      string     `json:"method"`
}

type Trip struct {
	ID            types.ID        `json:"id"`
	CustomerID    types.ID        `json:"customerId"`
	DriverID      *types.ID       `json:"driverId,omitempty"`
	Status        Status          `json:"status"`
	Version       int             `json:"version"`
	Category      types.Category  `json:"category"`
	SameDay       bool            `json:"sameDay"`
	VehicleType   string          `json:"vehicleType"`
	Pickup        types.Place     `json:"pickup"`
	Drop          types.Place     `json:"drop"`
	Fare          decimal.Decimal `json:"fare"`
	OriginalFare  decimal.Decimal `json:"originalFare"`
	Discount      decimal.Decimal `json:"discount"`
	CoinsRedeemed int64           `json:"coinsRedeemed"`
	RideCode      string          `json:"-"`
	Payment       Payment         `json:"payment"`
	CreatedAt     time.Time       `json:"createdAt"`
	AcceptedAt    *time.Time      `json:"acceptedAt,omitempty"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	CancelledAt   *time.Time      `json:"cancelledAt,omitempty"`
	CancelledBy   *types.Role     `json:"cancelledBy,omitempty"`
	CancelReason  *string         `json:"cancelReason,omitempty"`
}

// AssignedTo reports whether driverID holds the trip.
func (t *Trip) AssignedTo(driverID types.ID) bool {
	return t.DriverID != nil && *t.DriverID == driverID
}

func (t *Trip) DistanceKm() float64 {
	return types.HaversineKm(t.Pickup.Point, t.Drop.Point)
}

// StateEvent is one row of the append-only transition audit.
type StateEvent struct {
	ID         int64      `json:"-"`
	TripID     types.ID   `json:"tripId"`
	FromStatus Status     `json:"from"`
	ToStatus   Status     `json:"to"`
	Version    int        `json:"version"`
	ActorType  types.Role `json:"actor"`
	ActorID    *types.ID  `json:"actorId,omitempty"`
	CreatedAt  time.Time  `json:"at"`
}

// Change is one versioned status write.
type Change struct {
	TripID       types.ID
	From         Status
	To           Status
	Version      int
	At           time.Time
	CancelledBy  *types.Role
	CancelReason *string
}

type FareBreakdown struct {
	OriginalFare  decimal.Decimal `json:"originalFare"`
	Discount      decimal.Decimal `json:"discount"`
	Fare          decimal.Decimal `json:"fare"`
	CoinsRedeemed int64           `json:"coinsRedeemed"`
}

func (t *Trip) Breakdown() FareBreakdown {
	return FareBreakdown{
		OriginalFare:  t.OriginalFare,
		Discount:      t.Discount,
		Fare:          t.Fare,
		CoinsRedeemed: t.CoinsRedeemed,
	}
}
