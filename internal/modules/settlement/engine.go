// README: Settlement engine: completes a trip and applies every payment side effect in one pgx transaction.
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"rideflow/internal/modules/registry"
	"rideflow/internal/modules/rewards"
	"rideflow/internal/modules/trip"
	"rideflow/internal/types"
)

type Engine struct {
	db       *pgxpool.Pool
	settings trip.SettingsSource
	log      *logrus.Entry
	now      func() time.Time
}

func NewEngine(db *pgxpool.Pool, settings trip.SettingsSource, log *logrus.Entry) *Engine {
	return &Engine{
		db:       db,
		settings: settings,
		log:      log.WithField("module", "settlement"),
		now:      time.Now,
	}
}

// Settle moves a started trip to completed and, in the same transaction,
// splits the fare, credits both parties, frees the driver and writes the
// history record. It returns trip.ErrStaleVersion when the trip is no longer
// the started, unpaid version t describes; nothing is written in that case.
func (e *Engine) Settle(ctx context.Context, t *trip.Trip) (*trip.Trip, error) {
	if t.DriverID == nil {
		return nil, ErrSettlementFailed.Withf("trip %s has no driver", t.ID)
	}
	st, err := e.settings.Settings(ctx)
	if err != nil {
		return nil, ErrSettlementFailed.Wrap(err)
	}
	b := Compute(st, t)
	now := e.now().UTC()
	driverID := *t.DriverID

	var settled *trip.Trip
	err = pgx.BeginFunc(ctx, e.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE trips
			SET status = 'completed', version = version + 1, fare = $3,
			    payment_collected = TRUE, payment_collected_at = $4, completed_at = $4
			WHERE id = $1 AND status = 'ride_started' AND version = $2 AND payment_collected = FALSE
			RETURNING `+trip.Columns,
			string(t.ID), t.Version, b.Fare, now,
		)
		var err error
		settled, err = trip.ScanTrip(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return trip.ErrStaleVersion
		}
		if err != nil {
			return fmt.Errorf("complete trip: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE drivers
			SET total_earnings = total_earnings + $2,
			    total_commission = total_commission + $3,
			    wallet_balance = wallet_balance + $4 - $3,
			    incentive_coins = incentive_coins + $5,
			    incentive_cash = incentive_cash + $4
			WHERE id = $1`,
			string(driverID), b.DriverEarning, b.Commission, b.IncentiveCash, b.IncentiveCoins,
		); err != nil {
			return fmt.Errorf("driver totals: %w", err)
		}

		if b.CustomerCoins > 0 {
			if _, err := tx.Exec(ctx, `UPDATE customers SET coin_balance = coin_balance + $2 WHERE id = $1`,
				string(t.CustomerID), b.CustomerCoins); err != nil {
				return fmt.Errorf("customer coins: %w", err)
			}
			if _, err := rewards.AppendTx(ctx, tx, rewards.Entry{
				UserID: t.CustomerID, UserRole: types.RoleCustomer, TripID: t.ID,
				Kind: rewards.KindRideReward, Coins: b.CustomerCoins,
			}); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO driver_daily_incentives (driver_id, day, rides, coins, cash)
			VALUES ($1, $2, 1, $3, $4)
			ON CONFLICT (driver_id, day) DO UPDATE
			SET rides = driver_daily_incentives.rides + 1,
			    coins = driver_daily_incentives.coins + EXCLUDED.coins,
			    cash = driver_daily_incentives.cash + EXCLUDED.cash`,
			string(driverID), now.Truncate(24*time.Hour), b.IncentiveCoins, b.IncentiveCash,
		); err != nil {
			return fmt.Errorf("daily incentive: %w", err)
		}
		if _, err := rewards.AppendTx(ctx, tx, rewards.Entry{
			UserID: driverID, UserRole: types.RoleDriver, TripID: t.ID,
			Kind: rewards.KindDriverIncentive, Coins: b.IncentiveCoins, Cash: b.IncentiveCash,
		}); err != nil {
			return err
		}

		released, err := registry.ReleaseTx(ctx, tx, driverID, t.ID, true)
		if err != nil {
			return err
		}
		if !released {
			e.log.WithFields(logrus.Fields{"trip_id": t.ID, "driver_id": driverID}).Warn("driver no longer held the trip at settlement")
		}

		return insertRecord(ctx, tx, recordFor(settled, b, now))
	})
	if err != nil {
		if errors.Is(err, trip.ErrStaleVersion) {
			return nil, err
		}
		e.log.WithError(err).WithField("trip_id", t.ID).Error("settlement rolled back")
		return nil, ErrSettlementFailed.Wrap(err)
	}

	e.log.WithFields(logrus.Fields{
		"trip_id":    t.ID,
		"fare":       b.Fare.String(),
		"commission": b.Commission.String(),
		"coins":      b.CustomerCoins,
	}).Info("trip settled")
	return settled, nil
}

// RecordClosed writes the history row of a cancelled or timed out trip. It is
// safe to call more than once.
func (e *Engine) RecordClosed(ctx context.Context, t *trip.Trip) error {
	if t.Status != trip.StatusCancelled && t.Status != trip.StatusTimeout {
		return fmt.Errorf("record closed: trip %s is %s", t.ID, t.Status)
	}
	at := e.now().UTC()
	if t.CancelledAt != nil {
		at = *t.CancelledAt
	}
	b := Breakdown{Fare: t.Fare, DistanceKm: t.DistanceKm()}
	return insertRecord(ctx, e.db, recordFor(t, b, at))
}

// History returns the record of tripID.
func (e *Engine) History(ctx context.Context, tripID types.ID) (*Record, error) {
	var r Record
	var driverID sql.NullString
	err := e.db.QueryRow(ctx, `
		SELECT trip_id, customer_id, driver_id, outcome, category, vehicle_type,
		       pickup_lat, pickup_lng, drop_lat, drop_lng, distance_km,
		       fare, commission, driver_earning, customer_coins, created_at
		FROM ride_history WHERE trip_id = $1`, string(tripID),
	).Scan(
		&r.TripID, &r.CustomerID, &driverID, &r.Outcome, &r.Category, &r.VehicleType,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Drop.Lat, &r.Drop.Lng, &r.DistanceKm,
		&r.Fare, &r.Commission, &r.DriverEarning, &r.CustomerCoins, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trip.ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ride history %s: %w", tripID, err)
	}
	if driverID.Valid {
		id := types.ID(driverID.String)
		r.DriverID = &id
	}
	return &r, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error)
}

func insertRecord(ctx context.Context, db execer, r Record) error {
	var driverID *string
	if r.DriverID != nil {
		s := string(*r.DriverID)
		driverID = &s
	}
	_, err := db.Exec(ctx, `
		INSERT INTO ride_history (
			trip_id, customer_id, driver_id, outcome, category, vehicle_type,
			pickup_lat, pickup_lng, drop_lat, drop_lng, distance_km,
			fare, commission, driver_earning, customer_coins, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (trip_id) DO NOTHING`,
		string(r.TripID), string(r.CustomerID), driverID, string(r.Outcome), string(r.Category), r.VehicleType,
		r.Pickup.Lat, r.Pickup.Lng, r.Drop.Lat, r.Drop.Lng, r.DistanceKm,
		r.Fare, r.Commission, r.DriverEarning, r.CustomerCoins, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ride history %s: %w", r.TripID, err)
	}
	return nil
}
