// README: Registry store backed by PostgreSQL; every reservation is a conditional write.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const driverColumns = `
	id, name, phone, vehicle_type, lat, lng, bearing, location_seq, last_location_update,
	online, busy, accepting_requests, current_trip_id, next_trip_id, dest_mode_enabled, dest_lat, dest_lng,
	push_token, wallet_balance, total_earnings, total_commission,
	incentive_coins, incentive_cash, completed_rides`

func scanDriver(row pgx.Row) (*Driver, error) {
	var d Driver
	var lat, lng, bearing, destLat, destLng sql.NullFloat64
	var seq sql.NullInt64
	var lastUpdate sql.NullTime
	var currentTrip, nextTrip, pushToken sql.NullString

	err := row.Scan(
		&d.ID, &d.Name, &d.Phone, &d.VehicleType, &lat, &lng, &bearing, &seq, &lastUpdate,
		&d.Online, &d.Busy, &d.AcceptingRequests, &currentTrip, &nextTrip, &d.Destination.Enabled, &destLat, &destLng,
		&pushToken, &d.Totals.Wallet, &d.Totals.Earnings, &d.Totals.Commission,
		&d.Totals.IncentiveCoins, &d.Totals.IncentiveCash, &d.Totals.CompletedRides,
	)
	if err != nil {
		return nil, err
	}
	d.Location = toPointPtr(lat, lng)
	d.Destination.Target = toPointPtr(destLat, destLng)
	if bearing.Valid {
		d.Bearing = &bearing.Float64
	}
	if seq.Valid {
		d.LocationSeq = &seq.Int64
	}
	if lastUpdate.Valid {
		d.LastLocationUpdate = &lastUpdate.Time
	}
	if currentTrip.Valid {
		id := types.ID(currentTrip.String)
		d.CurrentTripID = &id
	}
	if nextTrip.Valid {
		id := types.ID(nextTrip.String)
		d.NextTripID = &id
	}
	d.PushToken = pushToken.String
	return &d, nil
}

func (s *Store) GetDriver(ctx context.Context, id types.ID) (*Driver, error) {
	d, err := scanDriver(s.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDriverNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get driver %s: %w", id, err)
	}
	return d, nil
}

// Drivers loads the given drivers; unknown ids are skipped.
func (s *Store) Drivers(ctx context.Context, ids []types.ID) ([]*Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, fmt.Errorf("get drivers: %w", err)
	}
	defer rows.Close()

	out := make([]*Driver, 0, len(ids))
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, id types.ID) (*Customer, error) {
	var c Customer
	var lat, lng sql.NullFloat64
	var pushToken sql.NullString
	err := s.db.QueryRow(ctx, `
		SELECT id, name, phone, lat, lng, coin_balance, push_token
		FROM customers WHERE id = $1`, string(id),
	).Scan(&c.ID, &c.Name, &c.Phone, &lat, &lng, &c.CoinBalance, &pushToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer %s: %w", id, err)
	}
	c.Location = toPointPtr(lat, lng)
	c.PushToken = pushToken.String
	return &c, nil
}

// ReserveDriver gives tripID to a driver in one conditional write. A free
// driver takes it as the current trip. A driver whose look-ahead flag is up
// takes it as the queued next trip, at most one. It reports false otherwise.
func (s *Store) ReserveDriver(ctx context.Context, driverID, tripID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET busy = TRUE,
		    current_trip_id = COALESCE(current_trip_id, $2),
		    next_trip_id = CASE WHEN current_trip_id IS NULL THEN NULL ELSE $2 END,
		    accepting_requests = FALSE
		WHERE id = $1 AND (
		    (busy = FALSE AND current_trip_id IS NULL)
		    OR (busy = TRUE AND accepting_requests = TRUE AND next_trip_id IS NULL AND current_trip_id <> $2))`,
		string(driverID), string(tripID),
	)
	if err != nil {
		return false, fmt.Errorf("reserve driver %s: %w", driverID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// releaseDriverSQL frees whichever slot holds $2. Releasing the current trip
// promotes the queued one. $3 is added to completed_rides.
const releaseDriverSQL = `
	UPDATE drivers
	SET busy = CASE WHEN current_trip_id = $2 THEN next_trip_id IS NOT NULL ELSE busy END,
	    current_trip_id = CASE WHEN current_trip_id = $2 THEN next_trip_id ELSE current_trip_id END,
	    accepting_requests = CASE WHEN current_trip_id = $2 THEN next_trip_id IS NULL ELSE TRUE END,
	    next_trip_id = NULL,
	    completed_rides = completed_rides + $3
	WHERE id = $1 AND (current_trip_id = $2 OR next_trip_id = $2)`

// ReleaseDriver frees a driver only if it still holds tripID.
func (s *Store) ReleaseDriver(ctx context.Context, driverID, tripID types.ID) (bool, error) {
	return releaseDriver(ctx, s.db, driverID, tripID, 0)
}

// ReleaseTx is ReleaseDriver inside a caller's transaction, counting a
// completed ride when completed is set.
func ReleaseTx(ctx context.Context, tx pgx.Tx, driverID, tripID types.ID, completed bool) (bool, error) {
	n := 0
	if completed {
		n = 1
	}
	return releaseDriver(ctx, tx, driverID, tripID, n)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func releaseDriver(ctx context.Context, db execer, driverID, tripID types.ID, rides int) (bool, error) {
	tag, err := db.Exec(ctx, releaseDriverSQL, string(driverID), string(tripID), rides)
	if err != nil {
		return false, fmt.Errorf("release driver %s: %w", driverID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearDestinationMode turns destination mode off and reports whether it was on.
func (s *Store) ClearDestinationMode(ctx context.Context, driverID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET dest_mode_enabled = FALSE
		WHERE id = $1 AND dest_mode_enabled = TRUE`, string(driverID))
	if err != nil {
		return false, fmt.Errorf("clear destination mode %s: %w", driverID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetDestination(ctx context.Context, driverID types.ID, target types.Point) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET dest_mode_enabled = TRUE, dest_lat = $2, dest_lng = $3
		WHERE id = $1`, string(driverID), target.Lat, target.Lng)
	if err != nil {
		return fmt.Errorf("set destination %s: %w", driverID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

func (s *Store) SetOnline(ctx context.Context, driverID types.ID, online bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE drivers SET online = $2 WHERE id = $1`, string(driverID), online)
	if err != nil {
		return fmt.Errorf("set online %s: %w", driverID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDriverNotFound
	}
	return nil
}

// SetAccepting raises or lowers the look-ahead flag of a driver on tripID.
func (s *Store) SetAccepting(ctx context.Context, driverID, tripID types.ID, accepting bool) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers SET accepting_requests = $3
		WHERE id = $1 AND current_trip_id = $2 AND accepting_requests <> $3`,
		string(driverID), string(tripID), accepting,
	)
	if err != nil {
		return false, fmt.Errorf("set accepting %s: %w", driverID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetPushToken(ctx context.Context, role types.Role, id types.ID, token string) error {
	table, err := tableFor(role)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE `+table+` SET push_token = NULLIF($2, '') WHERE id = $1`, string(id), token)
	if err != nil {
		return fmt.Errorf("set push token %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if role == types.RoleDriver {
			return ErrDriverNotFound
		}
		return ErrCustomerNotFound
	}
	return nil
}

// ClearPushToken removes token only if it is still the stored one, so a token
// refreshed by the device in the meantime is kept.
func (s *Store) ClearPushToken(ctx context.Context, role types.Role, id types.ID, token string) (bool, error) {
	table, err := tableFor(role)
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, `UPDATE `+table+` SET push_token = NULL WHERE id = $1 AND push_token = $2`, string(id), token)
	if err != nil {
		return false, fmt.Errorf("clear push token %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// TouchLocation persists an accepted fix. Ordering is decided upstream; the
// sequence guard here only keeps the copy from moving backwards.
func (s *Store) TouchLocation(ctx context.Context, role types.Role, id types.ID, fix LocationFix) error {
	var err error
	switch role {
	case types.RoleDriver:
		_, err = s.db.Exec(ctx, `
			UPDATE drivers
			SET lat = $2, lng = $3, bearing = COALESCE($4, bearing),
			    location_seq = COALESCE($5, location_seq), last_location_update = NOW()
			WHERE id = $1 AND ($5::BIGINT IS NULL OR location_seq IS NULL OR location_seq < $5)`,
			string(id), fix.Point.Lat, fix.Point.Lng, fix.Bearing, fix.Sequence,
		)
	case types.RoleCustomer:
		_, err = s.db.Exec(ctx, `UPDATE customers SET lat = $2, lng = $3 WHERE id = $1`,
			string(id), fix.Point.Lat, fix.Point.Lng)
	default:
		return fmt.Errorf("touch location: unsupported role %q", role)
	}
	if err != nil {
		return fmt.Errorf("touch location %s: %w", id, err)
	}
	return nil
}

// EvictStale sets idle drivers offline when their last fix is older than
// cutoff. Drivers holding a trip are never evicted.
func (s *Store) EvictStale(ctx context.Context, cutoff time.Time) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE drivers SET online = FALSE
		WHERE online = TRUE AND busy = FALSE AND current_trip_id IS NULL
		  AND (last_location_update IS NULL OR last_location_update < $1)
		RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("evict stale drivers: %w", err)
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ID(id))
	}
	return ids, rows.Err()
}

func tableFor(role types.Role) (string, error) {
	switch role {
	case types.RoleDriver:
		return "drivers", nil
	case types.RoleCustomer:
		return "customers", nil
	}
	return "", fmt.Errorf("unsupported role %q", role)
}

func toPointPtr(lat, lng sql.NullFloat64) *types.Point {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &types.Point{Lat: lat.Float64, Lng: lng.Float64}
}
