// README: Settlement settings: commission, incentives, coin value and reward tiers.
package pricing

import (
	"sort"

	"github.com/shopspring/decimal"

	"rideflow/internal/types"
)

// Tier awards Coins for trips up to MaxKm.
type Tier struct {
	MaxKm float64 `json:"maxKm"`
	Coins int64   `json:"coins"`
}

// DefaultTiers apply when reward_tiers is empty.
var DefaultTiers = []Tier{
	{MaxKm: 5, Coins: 5},
	{MaxKm: 15, Coins: 10},
	{MaxKm: 40, Coins: 20},
	{MaxKm: 200, Coins: 40},
}

type Settings struct {
	CommissionRate   decimal.Decimal `json:"commissionRate"`
	IncentiveCoins   int64           `json:"incentiveCoins"`
	IncentiveCash    decimal.Decimal `json:"incentiveCash"`
	CoinValue        decimal.Decimal `json:"coinValue"`
	MaxDiscountShare decimal.Decimal `json:"maxDiscountShare"`
	Tiers            []Tier          `json:"tiers"`
}

// TierCoins returns the customer reward for a trip of distanceKm. Distances
// past the last tier earn the last tier's coins.
func (s Settings) TierCoins(distanceKm float64) int64 {
	if len(s.Tiers) == 0 {
		return 0
	}
	tiers := append([]Tier(nil), s.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MaxKm < tiers[j].MaxKm })
	for _, t := range tiers {
		if distanceKm <= t.MaxKm {
			return t.Coins
		}
	}
	return tiers[len(tiers)-1].Coins
}

// Discount converts up to coins into a fare discount, capped at
// MaxDiscountShare of fare. It returns the discount and the coins used.
func (s Settings) Discount(fare decimal.Decimal, coins int64) (decimal.Decimal, int64) {
	if coins <= 0 || !s.CoinValue.IsPositive() || !fare.IsPositive() {
		return decimal.Zero, 0
	}
	ceiling := fare.Mul(s.MaxDiscountShare)
	maxCoins := ceiling.Div(s.CoinValue).Floor().IntPart()
	used := coins
	if used > maxCoins {
		used = maxCoins
	}
	if used <= 0 {
		return decimal.Zero, 0
	}
	return types.RoundMoney(decimal.NewFromInt(used).Mul(s.CoinValue)), used
}

// Commission splits fare into the platform commission and the driver earning.
// The two always sum to the rounded fare.
func (s Settings) Commission(fare decimal.Decimal) (commission, earning decimal.Decimal) {
	fare = types.RoundMoney(fare)
	commission = types.RoundMoney(fare.Mul(s.CommissionRate))
	return commission, fare.Sub(commission)
}
