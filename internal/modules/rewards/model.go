// README: Reward ledger entries and coin wallet errors.
package rewards

import (
	"time"

	"github.com/shopspring/decimal"

	"rideflow/internal/apperr"
	"rideflow/internal/types"
)

var ErrInsufficientCoins = apperr.New(apperr.KindConflict, "insufficient_coins", "not enough coins")

type Kind string

const (
	KindRedeem          Kind = "redeem"
	KindRefund          Kind = "refund"
	KindRideReward      Kind = "ride_reward"
	KindDriverIncentive Kind = "driver_incentive"
)

// Entry is one append-only ledger row. (TripID, UserID, Kind) is unique so
// every award and refund happens at most once per trip.
type Entry struct {
	ID        int64           `json:"id"`
	UserID    types.ID        `json:"userId"`
	UserRole  types.Role      `json:"userRole"`
	TripID    types.ID        `json:"tripId"`
	Kind      Kind            `json:"kind"`
	Coins     int64           `json:"coins"`
	Cash      decimal.Decimal `json:"cash"`
	CreatedAt time.Time       `json:"createdAt"`
}
