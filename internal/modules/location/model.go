// README: Location fixes, the last accepted position per user and ingest acknowledgements.
package location

import (
	"time"

	"rideflow/internal/apperr"
	"rideflow/internal/types"
)

var ErrNoPosition = apperr.New(apperr.KindNotFound, "location_not_found", "no position reported yet")

// Fix is one client-reported position. Seq orders fixes from the same device;
// without it the client timestamp does.
type Fix struct {
	UserID   types.ID
	Role     types.Role
	TripID   *types.ID
	Point    types.Point
	Seq      *int64
	ClientTS *time.Time
	Bearing  *float64
}

// Position is the last accepted fix of a user.
type Position struct {
	UserID  types.ID    `json:"userId"`
	Role    types.Role  `json:"role"`
	Point   types.Point `json:"point"`
	Bearing *float64    `json:"bearing,omitempty"`
	Seq     *int64      `json:"seq,omitempty"`
	At      time.Time   `json:"at"`
}

type Ack struct {
	Applied bool     `json:"applied"`
	Bearing *float64 `json:"bearing,omitempty"`
}

// resolveBearing prefers the client's bearing, then the heading from the
// previous fix. Moves shorter than jitterM keep the previous bearing.
func resolveBearing(f Fix, prev *Position, jitterM float64) *float64 {
	if f.Bearing != nil {
		b := *f.Bearing
		return &b
	}
	if prev == nil {
		return nil
	}
	if types.DistanceMeters(prev.Point, f.Point) < jitterM {
		return prev.Bearing
	}
	b := types.InitialBearing(prev.Point, f.Point)
	return &b
}
