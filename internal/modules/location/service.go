// README: Location service: ordered ingest, bearing, relay to the trip counterpart and look-ahead.
package location

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/modules/delivery"
	"rideflow/internal/modules/registry"
	"rideflow/internal/modules/trip"
	"rideflow/internal/types"
)

type Registry interface {
	Driver(ctx context.Context, id types.ID) (*registry.Driver, error)
	RecordLocation(ctx context.Context, role types.Role, id types.ID, fix registry.LocationFix) error
	SetLookahead(ctx context.Context, driverID, tripID types.ID) (bool, error)
}

type Trips interface {
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
	View(ctx context.Context, id, callerID types.ID, role types.Role) (*trip.Trip, error)
}

type Realtime interface {
	Send(userID types.ID, payload []byte) bool
}

type Service struct {
	store    Positions
	registry Registry
	trips    Trips
	realtime Realtime
	mirror   Mirror
	cfg      config.TripConfig
	log      *logrus.Entry
	now      func() time.Time
}

// NewService builds the tracker. mirror may be nil when RTDB is not configured.
func NewService(store Positions, reg Registry, trips Trips, realtime Realtime, mirror Mirror, cfg config.TripConfig, log *logrus.Entry) *Service {
	return &Service{
		store:    store,
		registry: reg,
		trips:    trips,
		realtime: realtime,
		mirror:   mirror,
		cfg:      cfg,
		log:      log.WithField("module", "location"),
		now:      time.Now,
	}
}

// Ingest applies f if it is newer than the last accepted fix of its sender.
// Stale fixes are acknowledged with Applied=false and change nothing.
func (s *Service) Ingest(ctx context.Context, f Fix) (Ack, error) {
	if f.UserID == "" || !f.Point.Valid() {
		return Ack{}, apperr.Validation("invalid location fix")
	}
	if f.Role != types.RoleDriver && f.Role != types.RoleCustomer {
		return Ack{}, apperr.Validation("unsupported role %q", f.Role)
	}

	prev, err := lastOrNil(ctx, s.store, f.Role, f.UserID)
	if err != nil {
		return Ack{}, err
	}
	bearing := resolveBearing(f, prev, s.cfg.JitterMeters)

	now := s.now().UTC()
	ts := now
	if f.ClientTS != nil {
		ts = *f.ClientTS
	}
	applied, err := s.store.Apply(ctx, f, bearing, ts, now)
	if err != nil {
		return Ack{}, err
	}
	if !applied {
		return Ack{Applied: false}, nil
	}

	pos := Position{UserID: f.UserID, Role: f.Role, Point: f.Point, Bearing: bearing, Seq: f.Seq, At: now}
	if err := s.registry.RecordLocation(ctx, f.Role, f.UserID, registry.LocationFix{
		Point: f.Point, Bearing: bearing, Sequence: f.Seq,
	}); err != nil {
		s.log.WithError(err).WithField("user_id", f.UserID).Warn("persist location")
	}
	s.fanOut(ctx, f, pos)
	return Ack{Applied: true, Bearing: bearing}, nil
}

// fanOut relays an accepted fix to the other party of the sender's active trip.
func (s *Service) fanOut(ctx context.Context, f Fix, pos Position) {
	tripID := f.TripID
	if tripID == nil && f.Role == types.RoleDriver {
		if d, err := s.registry.Driver(ctx, f.UserID); err == nil {
			tripID = d.CurrentTripID
		}
	}
	if tripID == nil {
		return
	}
	t, err := s.trips.Get(ctx, *tripID)
	if err != nil || t.Status.Terminal() || t.DriverID == nil {
		return
	}

	var counterpart types.ID
	switch {
	case f.Role == types.RoleDriver && *t.DriverID == f.UserID:
		counterpart = t.CustomerID
	case f.Role == types.RoleCustomer && t.CustomerID == f.UserID:
		counterpart = *t.DriverID
	default:
		return
	}
	s.relay(counterpart, t.ID, pos)

	if f.Role != types.RoleDriver {
		return
	}
	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, t.ID, pos); err != nil {
			s.log.WithError(err).WithField("trip_id", t.ID).Debug("mirror location")
		}
	}
	if t.Status == trip.StatusRideStarted && types.HaversineKm(pos.Point, t.Drop.Point) <= s.cfg.LookaheadKm {
		raised, err := s.registry.SetLookahead(ctx, f.UserID, t.ID)
		if err != nil {
			s.log.WithError(err).WithField("driver_id", f.UserID).Warn("raise look-ahead")
		} else if raised {
			s.log.WithFields(logrus.Fields{"driver_id": f.UserID, "trip_id": t.ID}).Info("driver near drop; accepting requests")
		}
	}
}

func (s *Service) relay(to, tripID types.ID, pos Position) {
	data := map[string]any{
		"userId": pos.UserID,
		"role":   pos.Role,
		"lat":    pos.Point.Lat,
		"lng":    pos.Point.Lng,
		"at":     pos.At,
	}
	if pos.Bearing != nil {
		data["bearing"] = *pos.Bearing
	}
	payload, err := json.Marshal(delivery.Event{Type: delivery.EventLocationUpdate, TripID: tripID, Data: data})
	if err != nil {
		return
	}
	s.realtime.Send(to, payload)
}

// DriverLocation returns the last position of the driver on tripID, for a
// party of that trip.
func (s *Service) DriverLocation(ctx context.Context, tripID, callerID types.ID, role types.Role) (*Position, error) {
	t, err := s.trips.View(ctx, tripID, callerID, role)
	if err != nil {
		return nil, err
	}
	if t.DriverID == nil {
		return nil, ErrNoPosition.Withf("trip %s has no driver yet", t.ID)
	}
	p, err := s.store.Last(ctx, types.RoleDriver, *t.DriverID)
	if err == nil {
		return p, nil
	}
	d, derr := s.registry.Driver(ctx, *t.DriverID)
	if derr != nil || d.Location == nil {
		return nil, err
	}
	p = &Position{UserID: d.ID, Role: types.RoleDriver, Point: *d.Location, Bearing: d.Bearing, Seq: d.LocationSeq}
	if d.LastLocationUpdate != nil {
		p.At = *d.LastLocationUpdate
	}
	return p, nil
}
