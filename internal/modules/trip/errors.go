// README: Typed rejections for trip operations.
package trip

import "rideflow/internal/apperr"

var (
	ErrTripNotFound      = apperr.New(apperr.KindNotFound, "trip_not_found", "trip not found")
	ErrNotAssignedDriver = apperr.New(apperr.KindForbidden, "not_assigned_driver", "caller is not the assigned driver")
	ErrInvalidTransition = apperr.New(apperr.KindConflict, "invalid_transition", "transition not allowed from current status")
	ErrStaleVersion      = apperr.New(apperr.KindConflict, "stale_version", "trip was modified concurrently")
	ErrTripTaken         = apperr.New(apperr.KindConflict, "trip_taken", "trip already taken")
	ErrTripCancelled     = apperr.New(apperr.KindConflict, "trip_cancelled", "trip is no longer available")
	ErrDriverBusy        = apperr.New(apperr.KindConflict, "driver_busy", "driver already on a trip")
	ErrActiveTrip        = apperr.New(apperr.KindConflict, "active_trip_exists", "customer already has an active trip")
	ErrPreviousRideOpen  = apperr.New(apperr.KindConflict, "previous_ride_open", "driver must finish the current ride first")
	ErrRideCodeMismatch  = apperr.New(apperr.KindGeofence, "ride_code_mismatch", "ride code does not match")
	ErrOutsidePickupZone = apperr.New(apperr.KindGeofence, "outside_pickup_zone", "driver is too far from the pickup point")
	ErrOutsideDropZone   = apperr.New(apperr.KindGeofence, "outside_drop_zone", "driver is too far from the drop point")
	ErrNotTripParty      = apperr.New(apperr.KindForbidden, "forbidden", "caller is not a party to this trip")
)
