// README: Driver and customer records with presence, reachability and running totals.
package registry

import (
	"time"

	"github.com/shopspring/decimal"

	"rideflow/internal/apperr"
	"rideflow/internal/types"
)

var (
	ErrDriverNotFound   = apperr.New(apperr.KindNotFound, "driver_not_found", "driver not found")
	ErrCustomerNotFound = apperr.New(apperr.KindNotFound, "customer_not_found", "customer not found")
)

type DestinationMode struct {
	Enabled bool         `json:"enabled"`
	Target  *types.Point `json:"target,omitempty"`
}

type Totals struct {
	Wallet         decimal.Decimal `json:"wallet"`
	Earnings       decimal.Decimal `json:"earnings"`
	Commission     decimal.Decimal `json:"commission"`
	IncentiveCoins int64           `json:"incentiveCoins"`
	IncentiveCash  decimal.Decimal `json:"incentiveCash"`
	CompletedRides int             `json:"completedRides"`
}

type Driver struct {
	ID                 types.ID        `json:"id"`
	Name               string          `json:"name"`
	Phone              string          `json:"phone"`
	VehicleType        string          `json:"vehicleType"`
	Location           *types.Point    `json:"location,omitempty"`
	Bearing            *float64        `json:"bearing,omitempty"`
	LocationSeq        *int64          `json:"locationSeq,omitempty"`
	LastLocationUpdate *time.Time      `json:"lastLocationUpdate,omitempty"`
	Online             bool            `json:"online"`
	Busy               bool            `json:"busy"`
	AcceptingRequests  bool            `json:"acceptingRequests"`
	CurrentTripID      *types.ID       `json:"currentTripId,omitempty"`
	NextTripID         *types.ID       `json:"nextTripId,omitempty"`
	Destination        DestinationMode `json:"destination"`
	PushToken          string          `json:"-"`
	Totals             Totals          `json:"totals"`
}

// Dispatchable reports whether the driver may receive new requests. Busy
// drivers only qualify while the look-ahead flag is raised near their drop
// and no next trip is queued yet.
func (d *Driver) Dispatchable() bool {
	return d.Online && d.AcceptingRequests && d.NextTripID == nil
}

// Holds reports whether tripID sits in either of the driver's trip slots.
func (d *Driver) Holds(tripID types.ID) bool {
	return (d.CurrentTripID != nil && *d.CurrentTripID == tripID) ||
		(d.NextTripID != nil && *d.NextTripID == tripID)
}

type Customer struct {
	ID          types.ID     `json:"id"`
	Name        string       `json:"name"`
	Phone       string       `json:"phone"`
	Location    *types.Point `json:"location,omitempty"`
	CoinBalance int64        `json:"coinBalance"`
	PushToken   string       `json:"-"`
}

// Contact is what one trip party sees of the other.
type Contact struct {
	ID    types.ID `json:"id"`
	Name  string   `json:"name"`
	Phone string   `json:"phone"`
}

func (d *Driver) Contact() Contact   { return Contact{ID: d.ID, Name: d.Name, Phone: d.Phone} }
func (c *Customer) Contact() Contact { return Contact{ID: c.ID, Name: c.Name, Phone: c.Phone} }

// LocationFix is the persisted subset of an accepted location update.
type LocationFix struct {
	Point    types.Point
	Bearing  *float64
	Sequence *int64
}
