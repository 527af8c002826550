// README: Delivery events, recipients and outcomes shared by realtime and push paths.
package delivery

import (
	"encoding/json"
	"fmt"
	"strconv"

	"rideflow/internal/types"
)

// Event types sent to drivers and customers.
const (
	EventTripRequest    = "trip_request"
	EventTripAccepted   = "trip_accepted"
	EventTripTaken      = "trip_taken"
	EventTripCancelled  = "trip_cancelled"
	EventDriverEnRoute  = "driver_going_to_pickup"
	EventDriverArrived  = "driver_arrived"
	EventRideStarted    = "ride_started"
	EventTripCompleted  = "trip_completed"
	EventTripTimeout    = "trip_timeout"
	EventRequestExpired = "request_expired"
	EventLocationUpdate = "location_update"
)

type Outcome string

const (
	OutcomeRealtime    Outcome = "realtime"
	OutcomePush        Outcome = "push"
	OutcomeUndelivered Outcome = "undelivered"
)

// Attempted reports whether at least one transport took the event.
func (o Outcome) Attempted() bool { return o != OutcomeUndelivered }

type Recipient struct {
	UserID    types.ID
	Role      types.Role
	PushToken string
}

type Event struct {
	Type   string         `json:"type"`
	TripID types.ID       `json:"tripId,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

func (e Event) frame() ([]byte, error) {
	return json.Marshal(e)
}

// Flatten renders the event as the string-only map push payloads require.
// Nested values are JSON encoded.
func Flatten(e Event) map[string]string {
	out := make(map[string]string, len(e.Data)+2)
	for k, v := range e.Data {
		out[k] = flatValue(v)
	}
	out["type"] = e.Type
	if e.TripID != "" {
		out["tripId"] = string(e.TripID)
	}
	return out
}

func flatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case types.ID:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
