// README: Settlement model: fare split, reward amounts and the ride history snapshot.
package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"rideflow/internal/apperr"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/trip"
	"rideflow/internal/types"
)

var ErrSettlementFailed = apperr.New(apperr.KindInternal, "settlement_failed", "settlement failed")

// Breakdown is everything a completion writes, computed up front so the
// transaction itself only applies numbers.
type Breakdown struct {
	Fare           decimal.Decimal `json:"fare"`
	Commission     decimal.Decimal `json:"commission"`
	DriverEarning  decimal.Decimal `json:"driverEarning"`
	DistanceKm     float64         `json:"distanceKm"`
	CustomerCoins  int64           `json:"customerCoins"`
	IncentiveCoins int64           `json:"incentiveCoins"`
	IncentiveCash  decimal.Decimal `json:"incentiveCash"`
}

func Compute(st pricing.Settings, t *trip.Trip) Breakdown {
	commission, earning := st.Commission(t.Fare)
	km := t.DistanceKm()
	return Breakdown{
		Fare:           types.RoundMoney(t.Fare),
		Commission:     commission,
		DriverEarning:  earning,
		DistanceKm:     km,
		CustomerCoins:  st.TierCoins(km),
		IncentiveCoins: st.IncentiveCoins,
		IncentiveCash:  types.RoundMoney(st.IncentiveCash),
	}
}

// Record is the immutable history row written once per terminal trip.
type Record struct {
	TripID        types.ID        `json:"tripId"`
	CustomerID    types.ID        `json:"customerId"`
	DriverID      *types.ID       `json:"driverId,omitempty"`
	Outcome       trip.Status     `json:"outcome"`
	Category      types.Category  `json:"category"`
	VehicleType   string          `json:"vehicleType"`
	Pickup        types.Point     `json:"pickup"`
	Drop          types.Point     `json:"drop"`
	DistanceKm    float64         `json:"distanceKm"`
	Fare          decimal.Decimal `json:"fare"`
	Commission    decimal.Decimal `json:"commission"`
	DriverEarning decimal.Decimal `json:"driverEarning"`
	CustomerCoins int64           `json:"customerCoins"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func recordFor(t *trip.Trip, b Breakdown, at time.Time) Record {
	return Record{
		TripID:        t.ID,
		CustomerID:    t.CustomerID,
		DriverID:      t.DriverID,
		Outcome:       t.Status,
		Category:      t.Category,
		VehicleType:   t.VehicleType,
		Pickup:        t.Pickup.Point,
		Drop:          t.Drop.Point,
		DistanceKm:    b.DistanceKm,
		Fare:          b.Fare,
		Commission:    b.Commission,
		DriverEarning: b.DriverEarning,
		CustomerCoins: b.CustomerCoins,
		CreatedAt:     at,
	}
}
