// README: Coin wallet store: conditional debits and ledger-guarded credits in one transaction.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// AppendTx inserts e inside tx. It reports false when an entry with the same
// (trip, user, kind) already exists.
func AppendTx(ctx context.Context, tx pgx.Tx, e Entry) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO reward_ledger (user_id, user_role, trip_id, kind, coins, cash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trip_id, user_id, kind) DO NOTHING`,
		string(e.UserID), string(e.UserRole), string(e.TripID), string(e.Kind), e.Coins, e.Cash,
	)
	if err != nil {
		return false, fmt.Errorf("append ledger %s: %w", e.Kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Redeem debits coins from the customer only if the balance covers them and
// records the debit against tripID.
func (s *Store) Redeem(ctx context.Context, customerID, tripID types.ID, coins int64) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE customers SET coin_balance = coin_balance - $2
			WHERE id = $1 AND coin_balance >= $2`,
			string(customerID), coins,
		)
		if err != nil {
			return fmt.Errorf("debit coins: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrInsufficientCoins
		}
		inserted, err := AppendTx(ctx, tx, Entry{
			UserID: customerID, UserRole: types.RoleCustomer, TripID: tripID, Kind: KindRedeem, Coins: coins,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("trip %s already redeemed coins", tripID)
		}
		return nil
	})
}

// Refund credits back whatever was redeemed for tripID. A second call finds the
// refund entry in place and returns 0.
func (s *Store) Refund(ctx context.Context, customerID, tripID types.ID) (int64, error) {
	var refunded int64
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var coins int64
		err := tx.QueryRow(ctx, `
			SELECT coins FROM reward_ledger
			WHERE trip_id = $1 AND user_id = $2 AND kind = 'redeem'`,
			string(tripID), string(customerID),
		).Scan(&coins)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load redemption: %w", err)
		}
		if coins <= 0 {
			return nil
		}
		inserted, err := AppendTx(ctx, tx, Entry{
			UserID: customerID, UserRole: types.RoleCustomer, TripID: tripID, Kind: KindRefund, Coins: coins,
		})
		if err != nil || !inserted {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE customers SET coin_balance = coin_balance + $2 WHERE id = $1`,
			string(customerID), coins,
		); err != nil {
			return fmt.Errorf("credit coins: %w", err)
		}
		refunded = coins
		return nil
	})
	return refunded, err
}

// OrphanRedemptions lists redeem entries older than before whose trip row was
// never written and that have not been refunded.
func (s *Store) OrphanRedemptions(ctx context.Context, before time.Time, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.user_id, r.user_role, r.trip_id, r.kind, r.coins, r.cash, r.created_at
		FROM reward_ledger r
		WHERE r.kind = 'redeem' AND r.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM trips t WHERE t.id = r.trip_id)
		  AND NOT EXISTS (
		      SELECT 1 FROM reward_ledger f
		      WHERE f.trip_id = r.trip_id AND f.user_id = r.user_id AND f.kind = 'refund')
		ORDER BY r.id
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("orphan redemptions: %w", err)
	}
	return scanEntries(rows)
}

func (s *Store) Entries(ctx context.Context, userID types.ID, limit int) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, user_role, trip_id, kind, coins, cash, created_at
		FROM reward_ledger WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserRole, &e.TripID, &e.Kind, &e.Coins, &e.Cash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
