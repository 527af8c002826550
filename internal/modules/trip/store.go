// README: Trip store backed by PostgreSQL; every status write is a status+version CAS.
package trip

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

// Repository is the persistence the trip service needs. Store is the
// PostgreSQL implementation.
type Repository interface {
	Create(ctx context.Context, t *Trip) error
	Get(ctx context.Context, id types.ID) (*Trip, error)
	HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error)
	Assign(ctx context.Context, id, driverID types.ID, rideCode string, expectedVersion *int, at time.Time) (bool, error)
	Transition(ctx context.Context, c Change) (bool, error)
	AppendEvent(ctx context.Context, e *StateEvent) error
	RequestedBefore(ctx context.Context, cutoff time.Time) ([]*Trip, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Columns is the select list ScanTrip expects.
const Columns = `
	id, customer_id, driver_id, status, version, category, same_day, vehicle_type,
	pickup_lat, pickup_lng, pickup_address, drop_lat, drop_lng, drop_address,
	fare, original_fare, discount, coins_redeemed, ride_code,
	payment_collected, payment_collected_at, payment_method,
	created_at, accepted_at, started_at, completed_at, cancelled_at, cancelled_by, cancel_reason`

func ScanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var driverID, rideCode, cancelledBy, cancelReason sql.NullString
	var collectedAt, acceptedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.CustomerID, &driverID, &t.Status, &t.Version, &t.Category, &t.SameDay, &t.VehicleType,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.Pickup.Address, &t.Drop.Lat, &t.Drop.Lng, &t.Drop.Address,
		&t.Fare, &t.OriginalFare, &t.Discount, &t.CoinsRedeemed, &rideCode,
		&t.Payment.Collected, &collectedAt, &t.Payment.Method,
		&t.CreatedAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt, &cancelledBy, &cancelReason,
	)
	if err != nil {
		return nil, err
	}
	if driverID.Valid {
		d := types.ID(driverID.String)
		t.DriverID = &d
	}
	t.RideCode = rideCode.String
	t.Payment.CollectedAt = toTimePtr(collectedAt)
	t.AcceptedAt = toTimePtr(acceptedAt)
	t.StartedAt = toTimePtr(startedAt)
	t.CompletedAt = toTimePtr(completedAt)
	t.CancelledAt = toTimePtr(cancelledAt)
	if cancelledBy.Valid {
		r := types.Role(cancelledBy.String)
		t.CancelledBy = &r
	}
	if cancelReason.Valid {
		t.CancelReason = &cancelReason.String
	}
	return &t, nil
}

func (s *Store) Create(ctx context.Context, t *Trip) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trips (
			id, customer_id, status, version, category, same_day, vehicle_type,
			pickup_lat, pickup_lng, pickup_address, drop_lat, drop_lng, drop_address,
			fare, original_fare, discount, coins_redeemed, payment_method, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19
		)`,
		string(t.ID), string(t.CustomerID), string(t.Status), t.Version, string(t.Category), t.SameDay, t.VehicleType,
		t.Pickup.Lat, t.Pickup.Lng, t.Pickup.Address, t.Drop.Lat, t.Drop.Lng, t.Drop.Address,
		t.Fare, t.OriginalFare, t.Discount, t.CoinsRedeemed, t.Payment.Method, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Trip, error) {
	t, err := ScanTrip(s.db.QueryRow(ctx, `SELECT `+Columns+` FROM trips WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trip %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) HasActiveByCustomer(ctx context.Context, customerID types.ID) (bool, error) {
	active := make([]string, len(ActiveStatuses))
	for i, st := range ActiveStatuses {
		active[i] = string(st)
	}
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trips WHERE customer_id = $1 AND status = ANY($2)
		)`, string(customerID), active,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("active trip lookup: %w", err)
	}
	return exists, nil
}

// Assign is the trip half of the acceptance transaction: it only succeeds
// while the trip is still requested (and at expectedVersion when given).
func (s *Store) Assign(ctx context.Context, id, driverID types.ID, rideCode string, expectedVersion *int, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET status = 'driver_assigned',
			version = version + 1,
			driver_id = $2,
			ride_code = $3,
			accepted_at = $4
		WHERE id = $1
		  AND status = 'requested'
		  AND ($5::int IS NULL OR version = $5)`,
		string(id), string(driverID), rideCode, at, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("assign trip %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Transition(ctx context.Context, c Change) (bool, error) {
	var cancelledBy *string
	if c.CancelledBy != nil {
		v := string(*c.CancelledBy)
		cancelledBy = &v
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET status = $1,
			version = version + 1,
			started_at = CASE WHEN $1 = 'ride_started' THEN $5 ELSE started_at END,
			cancelled_at = CASE WHEN $1 IN ('cancelled', 'timeout') THEN $5 ELSE cancelled_at END,
			cancelled_by = COALESCE($6, cancelled_by),
			cancel_reason = COALESCE($7, cancel_reason)
		WHERE id = $2 AND status = $3 AND version = $4`,
		string(c.To), string(c.TripID), string(c.From), c.Version, c.At, cancelledBy, c.CancelReason,
	)
	if err != nil {
		return false, fmt.Errorf("transition trip %s to %s: %w", c.TripID, c.To, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *StateEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_state_events (
			trip_id, from_status, to_status, version, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.TripID), string(e.FromStatus), string(e.ToStatus), e.Version,
		string(e.ActorType), toStringPtr(e.ActorID), e.CreatedAt,
	)
	return err
}

// RequestedBefore lists trips still searching that were created before cutoff.
func (s *Store) RequestedBefore(ctx context.Context, cutoff time.Time) ([]*Trip, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+Columns+` FROM trips
		WHERE status = 'requested' AND created_at < $1
		ORDER BY created_at
		LIMIT 500`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list requested trips: %w", err)
	}
	defer rows.Close()

	var out []*Trip
	for rows.Next() {
		t, err := ScanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
