// README: Registry service: presence, destination mode, push addresses and the staleness sweep.
package registry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/apperr"
	"rideflow/internal/types"
)

// Positions is the spatial index the registry keeps in sync with presence.
type Positions interface {
	TrackDriver(ctx context.Context, id types.ID, vehicleType string, p types.Point) error
	TrackDestination(ctx context.Context, id types.ID, vehicleType string, p types.Point) error
	Untrack(ctx context.Context, id types.ID) error
	UntrackDestination(ctx context.Context, id types.ID) error
}

type Service struct {
	store      *Store
	positions  Positions
	log        *logrus.Entry
	staleAfter time.Duration
	sweepEvery time.Duration
}

func NewService(store *Store, positions Positions, log *logrus.Entry, staleAfter, sweepEvery time.Duration) *Service {
	return &Service{
		store:      store,
		positions:  positions,
		log:        log.WithField("module", "registry"),
		staleAfter: staleAfter,
		sweepEvery: sweepEvery,
	}
}

func (s *Service) Driver(ctx context.Context, id types.ID) (*Driver, error) {
	return s.store.GetDriver(ctx, id)
}

func (s *Service) Drivers(ctx context.Context, ids []types.ID) ([]*Driver, error) {
	return s.store.Drivers(ctx, ids)
}

func (s *Service) Customer(ctx context.Context, id types.ID) (*Customer, error) {
	return s.store.GetCustomer(ctx, id)
}

func (s *Service) ReserveDriver(ctx context.Context, driverID, tripID types.ID) (bool, error) {
	return s.store.ReserveDriver(ctx, driverID, tripID)
}

func (s *Service) ReleaseDriver(ctx context.Context, driverID, tripID types.ID) (bool, error) {
	return s.store.ReleaseDriver(ctx, driverID, tripID)
}

// ClearDestinationMode is called after a primary acceptance; the destination
// target is dropped from the index too.
func (s *Service) ClearDestinationMode(ctx context.Context, driverID types.ID) error {
	cleared, err := s.store.ClearDestinationMode(ctx, driverID)
	if err != nil || !cleared {
		return err
	}
	return s.positions.UntrackDestination(ctx, driverID)
}

func (s *Service) SetLookahead(ctx context.Context, driverID, tripID types.ID) (bool, error) {
	return s.store.SetAccepting(ctx, driverID, tripID, true)
}

// GoOnline marks the driver available. A position, when given, is indexed at once.
func (s *Service) GoOnline(ctx context.Context, driverID types.ID, at *types.Point) (*Driver, error) {
	if at != nil && !at.Valid() {
		return nil, apperr.Validation("invalid position")
	}
	if err := s.store.SetOnline(ctx, driverID, true); err != nil {
		return nil, err
	}
	if at != nil {
		if err := s.store.TouchLocation(ctx, types.RoleDriver, driverID, LocationFix{Point: *at}); err != nil {
			return nil, err
		}
	}
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if d.Location != nil {
		if err := s.positions.TrackDriver(ctx, d.ID, d.VehicleType, *d.Location); err != nil {
			return nil, err
		}
	}
	if d.Destination.Enabled && d.Destination.Target != nil {
		if err := s.positions.TrackDestination(ctx, d.ID, d.VehicleType, *d.Destination.Target); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (s *Service) GoOffline(ctx context.Context, driverID types.ID) error {
	if err := s.store.SetOnline(ctx, driverID, false); err != nil {
		return err
	}
	return s.untrackAll(ctx, driverID)
}

func (s *Service) EnableDestinationMode(ctx context.Context, driverID types.ID, target types.Point) error {
	if !target.Valid() {
		return apperr.Validation("invalid destination")
	}
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if err := s.store.SetDestination(ctx, driverID, target); err != nil {
		return err
	}
	return s.positions.TrackDestination(ctx, driverID, d.VehicleType, target)
}

func (s *Service) DisableDestinationMode(ctx context.Context, driverID types.ID) error {
	if _, err := s.store.GetDriver(ctx, driverID); err != nil {
		return err
	}
	if _, err := s.store.ClearDestinationMode(ctx, driverID); err != nil {
		return err
	}
	return s.positions.UntrackDestination(ctx, driverID)
}

func (s *Service) SetPushToken(ctx context.Context, role types.Role, id types.ID, token string) error {
	return s.store.SetPushToken(ctx, role, id, token)
}

// PrunePushToken drops a token the push transport rejected permanently.
func (s *Service) PrunePushToken(ctx context.Context, role types.Role, id types.ID, token string) error {
	pruned, err := s.store.ClearPushToken(ctx, role, id, token)
	if err != nil {
		return err
	}
	if pruned {
		s.log.WithFields(logrus.Fields{"user_id": id, "role": role}).Info("pruned invalid push token")
	}
	return nil
}

// RecordLocation persists an accepted fix and refreshes the driver's index entry
// while the driver is online.
func (s *Service) RecordLocation(ctx context.Context, role types.Role, id types.ID, fix LocationFix) error {
	if err := s.store.TouchLocation(ctx, role, id, fix); err != nil {
		return err
	}
	if role != types.RoleDriver {
		return nil
	}
	d, err := s.store.GetDriver(ctx, id)
	if err != nil {
		return err
	}
	if !d.Online {
		return nil
	}
	return s.positions.TrackDriver(ctx, d.ID, d.VehicleType, fix.Point)
}

// RunStalenessSweep evicts drivers that stopped reporting. Failures are logged
// and the loop keeps going.
func (s *Service) RunStalenessSweep(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale(ctx, time.Now())
		}
	}
}

func (s *Service) sweepStale(ctx context.Context, now time.Time) {
	ids, err := s.store.EvictStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		s.log.WithError(err).Warn("staleness sweep failed")
		return
	}
	for _, id := range ids {
		if err := s.untrackAll(ctx, id); err != nil {
			s.log.WithError(err).WithField("driver_id", id).Warn("untrack stale driver")
		}
	}
	if len(ids) > 0 {
		s.log.WithField("count", len(ids)).Info("evicted stale drivers")
	}
}

func (s *Service) untrackAll(ctx context.Context, id types.ID) error {
	if err := s.positions.Untrack(ctx, id); err != nil {
		return err
	}
	return s.positions.UntrackDestination(ctx, id)
}
