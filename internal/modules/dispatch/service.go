// README: Dispatch service: broadcast, retry until the ceiling, expire, withdraw offers.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"rideflow/internal/config"
	"rideflow/internal/modules/delivery"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/registry"
	"rideflow/internal/modules/trip"
	"rideflow/internal/types"
)

type Matcher interface {
	Match(ctx context.Context, q matching.Query) (matching.Result, error)
}

// Trips is the slice of the trip service the loop calls back into.
type Trips interface {
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
	Expire(ctx context.Context, id types.ID) (*trip.Trip, error)
	RequestedBefore(ctx context.Context, cutoff time.Time) ([]*trip.Trip, error)
}

type DriverLookup interface {
	Drivers(ctx context.Context, ids []types.ID) ([]*registry.Driver, error)
}

type Notifier interface {
	Notify(to delivery.Recipient, e delivery.Event)
}

// Redemptions gives back coins debited for trips that were never created.
type Redemptions interface {
	RefundOrphans(ctx context.Context, before time.Time) (int, error)
}

type Service struct {
	sched    *Scheduler
	offers   Offers
	matcher  Matcher
	drivers  DriverLookup
	notifier Notifier
	trips    Trips
	wallet   Redemptions
	cfg      config.DispatchConfig
	log      *logrus.Entry
}

func NewService(sched *Scheduler, offers Offers, matcher Matcher, drivers DriverLookup, notifier Notifier, cfg config.DispatchConfig, log *logrus.Entry) *Service {
	return &Service{
		sched:    sched,
		offers:   offers,
		matcher:  matcher,
		drivers:  drivers,
		notifier: notifier,
		cfg:      cfg,
		log:      log.WithField("module", "dispatch"),
	}
}

// SetTrips completes construction; the trip service itself depends on this one.
func (s *Service) SetTrips(t Trips) { s.trips = t }

// SetWallet enables orphan redemption refunds in the sweep.
func (s *Service) SetWallet(w Redemptions) { s.wallet = w }

// Begin broadcasts t right away and registers its retry loop. It returns the
// number of drivers notified by the first broadcast.
func (s *Service) Begin(ctx context.Context, t *trip.Trip) (int, error) {
	s.sched.Start(t.ID, Task{
		Every:      s.cfg.RetryInterval,
		Ceiling:    s.cfg.RetryCeiling,
		OnTick:     s.retry,
		OnDeadline: s.expire,
	})
	return s.broadcast(ctx, t)
}

func (s *Service) Halt(tripID types.ID) {
	s.sched.Stop(tripID)
}

// Withdraw notifies, in the background, every driver the trip was offered to
// except skip.
func (s *Service) Withdraw(tripID, skip types.ID, eventType string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeliveryTimeout)
		defer cancel()
		if err := s.withdraw(ctx, tripID, skip, eventType); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"trip_id": tripID, "event": eventType}).Warn("withdraw offer")
		}
	}()
}

func (s *Service) withdraw(ctx context.Context, tripID, skip types.ID, eventType string) error {
	ids, err := s.offers.Notified(ctx, tripID)
	if err != nil {
		return err
	}
	targets := ids[:0]
	for _, id := range ids {
		if id != skip {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	tokens := make(map[types.ID]string, len(targets))
	if drivers, err := s.drivers.Drivers(ctx, targets); err == nil {
		for _, d := range drivers {
			tokens[d.ID] = d.PushToken
		}
	} else {
		s.log.WithError(err).WithField("trip_id", tripID).Debug("load drivers for withdraw; realtime only")
	}

	e := delivery.Event{Type: eventType, TripID: tripID}
	for _, id := range targets {
		s.notifier.Notify(delivery.Recipient{UserID: id, Role: types.RoleDriver, PushToken: tokens[id]}, e)
	}
	return nil
}

// broadcast offers t to candidates that have not seen it yet.
func (s *Service) broadcast(ctx context.Context, t *trip.Trip) (int, error) {
	res, err := s.matcher.Match(ctx, matching.Query{
		Pickup:      t.Pickup.Point,
		Drop:        t.Drop.Point,
		VehicleType: t.VehicleType,
		Category:    t.Category,
		SameDay:     t.SameDay,
	})
	if err != nil {
		return 0, err
	}
	seen, err := s.offers.Notified(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	already := make(map[types.ID]bool, len(seen))
	for _, id := range seen {
		already[id] = true
	}

	var fresh []types.ID
	for _, c := range res.All() {
		if already[c.DriverID] {
			continue
		}
		fresh = append(fresh, c.DriverID)
		to := delivery.Recipient{UserID: c.DriverID, Role: types.RoleDriver}
		if c.Driver != nil {
			to.PushToken = c.Driver.PushToken
		}
		s.notifier.Notify(to, requestEvent(t, c))
	}
	if err := s.offers.Record(ctx, t.ID, fresh); err != nil {
		return len(fresh), err
	}

	s.log.WithFields(logrus.Fields{
		"trip_id":   t.ID,
		"primary":   len(res.Primary),
		"secondary": len(res.Secondary),
		"notified":  len(fresh),
	}).Debug("broadcast")
	return len(fresh), nil
}

func requestEvent(t *trip.Trip, c matching.Candidate) delivery.Event {
	return delivery.Event{
		Type:   delivery.EventTripRequest,
		TripID: t.ID,
		Data: map[string]any{
			"pickup":             t.Pickup,
			"drop":               t.Drop,
			"fare":               t.Fare.StringFixed(types.MoneyPlaces),
			"category":           string(t.Category),
			"vehicleType":        t.VehicleType,
			"distanceKm":         c.DistanceKm,
			"isDestinationMatch": c.IsDestinationMatch,
			"version":            t.Version,
		},
	}
}

// retry re-checks the trip before every re-broadcast; an accepted or
// cancelled trip stops its loop even if the stop raced this tick.
func (s *Service) retry(ctx context.Context, id types.ID) {
	t, err := s.trips.Get(ctx, id)
	if err != nil {
		s.log.WithError(err).WithField("trip_id", id).Warn("reload trip for retry")
		if errors.Is(err, trip.ErrTripNotFound) {
			s.sched.Stop(id)
		}
		return
	}
	if t.Status != trip.StatusRequested {
		s.sched.Stop(id)
		return
	}
	if _, err := s.broadcast(ctx, t); err != nil {
		s.log.WithError(err).WithField("trip_id", id).Warn("re-broadcast failed")
	}
}

func (s *Service) expire(ctx context.Context, id types.ID) {
	t, err := s.trips.Expire(ctx, id)
	switch {
	case err == nil:
		s.log.WithField("trip_id", t.ID).Info("trip timed out without a driver")
	case errors.Is(err, trip.ErrInvalidTransition), errors.Is(err, trip.ErrStaleVersion):
		s.log.WithField("trip_id", id).Debug("trip left requested before the ceiling")
	default:
		s.log.WithError(err).WithField("trip_id", id).Warn("expire trip")
	}
}

// RunOrphanSweep times out requested trips whose loop no longer exists, for
// example after a restart, and refunds coins redeemed for trips never written.
func (s *Service) RunOrphanSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOrphans(ctx, time.Now())
		}
	}
}

func (s *Service) sweepOrphans(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-(s.cfg.RetryCeiling + s.cfg.OrphanGrace))
	if s.wallet != nil {
		if n, err := s.wallet.RefundOrphans(ctx, cutoff); err != nil {
			s.log.WithError(err).Warn("orphan redemption sweep failed")
		} else if n > 0 {
			s.log.WithField("count", n).Info("refunded orphan redemptions")
		}
	}
	trips, err := s.trips.RequestedBefore(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("orphan sweep failed")
		return 0
	}
	expired := 0
	for _, t := range trips {
		if s.sched.Running(t.ID) {
			continue
		}
		if _, err := s.trips.Expire(ctx, t.ID); err != nil {
			s.log.WithError(err).WithField("trip_id", t.ID).Debug("expire orphan")
			continue
		}
		expired++
	}
	if expired > 0 {
		s.log.WithField("count", expired).Info("expired orphaned trips")
	}
	return expired
}

// Active reports the number of live retry loops.
func (s *Service) Active() int {
	return s.sched.Len()
}
