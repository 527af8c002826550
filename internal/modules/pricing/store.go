// README: Pricing store reads the admin-maintained settlement settings from PostgreSQL.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Load returns the stored settings. found is false when settlement_settings
// has no row; tiers may be empty independently.
func (s *Store) Load(ctx context.Context) (Settings, bool, error) {
	var st Settings
	err := s.db.QueryRow(ctx, `
		SELECT commission_rate, incentive_coins, incentive_cash, coin_value, max_discount_share
		FROM settlement_settings WHERE id = 1`,
	).Scan(&st.CommissionRate, &st.IncentiveCoins, &st.IncentiveCash, &st.CoinValue, &st.MaxDiscountShare)
	found := true
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
	} else if err != nil {
		return Settings{}, false, fmt.Errorf("load settlement settings: %w", err)
	}

	rows, err := s.db.Query(ctx, `SELECT max_km, coins FROM reward_tiers ORDER BY max_km`)
	if err != nil {
		return Settings{}, false, fmt.Errorf("load reward tiers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t Tier
		if err := rows.Scan(&t.MaxKm, &t.Coins); err != nil {
			return Settings{}, false, fmt.Errorf("scan reward tier: %w", err)
		}
		st.Tiers = append(st.Tiers, t)
	}
	return st, found, rows.Err()
}
