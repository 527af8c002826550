// README: Trip service: creation, the acceptance transaction and the ride state machine.
package trip

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/modules/delivery"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/registry"
	"rideflow/internal/types"
)

// Parties resolves and reserves the people on a trip.
type Parties interface {
	Driver(ctx context.Context, id types.ID) (*registry.Driver, error)
	Customer(ctx context.Context, id types.ID) (*registry.Customer, error)
	ReserveDriver(ctx context.Context, driverID, tripID types.ID) (bool, error)
	ReleaseDriver(ctx context.Context, driverID, tripID types.ID) (bool, error)
	ClearDestinationMode(ctx context.Context, driverID types.ID) error
}

// Dispatcher runs the broadcast loop for requested trips.
type Dispatcher interface {
	Begin(ctx context.Context, t *Trip) (int, error)
	Halt(tripID types.ID)
	// Withdraw tells every driver the trip was offered to, except skip, that
	// it is gone.
	Withdraw(tripID, skip types.ID, eventType string)
}

type Wallet interface {
	Redeem(ctx context.Context, customerID, tripID types.ID, coins int64) error
	Refund(ctx context.Context, customerID, tripID types.ID) (int64, error)
}

type SettingsSource interface {
	Settings(ctx context.Context) (pricing.Settings, error)
}

// Settler owns completion side effects and the history of closed trips.
type Settler interface {
	Settle(ctx context.Context, t *Trip) (*Trip, error)
	RecordClosed(ctx context.Context, t *Trip) error
}

type Notifier interface {
	Notify(to delivery.Recipient, e delivery.Event)
	Deliver(ctx context.Context, to delivery.Recipient, e delivery.Event) delivery.Outcome
}

type Publisher interface {
	Publish(ctx context.Context, e StateEvent)
}

type ETA interface {
	PickupETA(ctx context.Context, from, to types.Point) (time.Duration, error)
}

type Deps struct {
	Parties    Parties
	Dispatcher Dispatcher
	Wallet     Wallet
	Settings   SettingsSource
	Settler    Settler
	Notifier   Notifier
	Publisher  Publisher
	ETA        ETA
}

type Service struct {
	repo Repository
	Deps
	cfg config.TripConfig
	log *logrus.Entry
	now func() time.Time
}

func NewService(repo Repository, deps Deps, cfg config.TripConfig, log *logrus.Entry) *Service {
	return &Service{
		repo: repo,
		Deps: deps,
		cfg:  cfg,
		log:  log.WithField("module", "trip"),
		now:  time.Now,
	}
}

type CreateCommand struct {
	CustomerID  types.ID
	Pickup      types.Place
	Drop        types.Place
	VehicleType string
	Category    types.Category
	SameDay     bool
	Fare        decimal.Decimal
	Coins       int64
}

type CreateResult struct {
	Trip            *Trip         `json:"trip"`
	DriversNotified int           `json:"driversNotified"`
	FareBreakdown   FareBreakdown `json:"fareBreakdown"`
}

type AcceptCommand struct {
	TripID          types.ID
	DriverID        types.ID
	ExpectedVersion *int
}

type AcceptResult struct {
	RideCode         string           `json:"rideCode"`
	Trip             *Trip            `json:"trip"`
	Customer         registry.Contact `json:"customer"`
	ETAMinutes       *float64         `json:"etaMinutes,omitempty"`
	CustomerNotified bool             `json:"customerNotified"`
	// Queued is set when the trip waits behind the driver's current ride.
	Queued           bool             `json:"queued,omitempty"`
}

type StartCommand struct {
	TripID   types.ID
	DriverID types.ID
	RideCode string
	Position types.Point
}

type CompleteCommand struct {
	TripID   types.ID
	DriverID types.ID
	Position types.Point
}

type CancelCommand struct {
	TripID    types.ID
	ActorID   types.ID
	ActorRole types.Role
	Reason    string
}

func (c CreateCommand) validate() error {
	switch {
	case c.CustomerID == "":
		return apperr.Validation("customerId is required")
	case !c.Pickup.Valid() || !c.Drop.Valid():
		return apperr.Validation("pickup and drop must be valid coordinates")
	case c.VehicleType == "":
		return apperr.Validation("vehicleType is required")
	case !c.Category.Valid():
		return apperr.Validation("unknown category %q", c.Category)
	case !c.Fare.IsPositive():
		return apperr.Validation("fare must be positive")
	case c.Coins < 0:
		return apperr.Validation("coins must not be negative")
	}
	return nil
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*CreateResult, error) {
	if err := cmd.validate(); err != nil {
		return nil, err
	}
	if _, err := s.Parties.Customer(ctx, cmd.CustomerID); err != nil {
		return nil, err
	}
	active, err := s.repo.HasActiveByCustomer(ctx, cmd.CustomerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveTrip
	}

	settings, err := s.Settings.Settings(ctx)
	if err != nil {
		return nil, err
	}
	fare := types.RoundMoney(cmd.Fare)
	discount, coins := settings.Discount(fare, cmd.Coins)

	now := s.now()
	t := &Trip{
		ID:            types.ID(uuid.NewString()),
		CustomerID:    cmd.CustomerID,
		Status:        StatusRequested,
		Category:      cmd.Category,
		SameDay:       cmd.SameDay && cmd.Category == types.CategoryLong,
		VehicleType:   cmd.VehicleType,
		Pickup:        cmd.Pickup,
		Drop:          cmd.Drop,
		Fare:          fare.Sub(discount),
		OriginalFare:  fare,
		Discount:      discount,
		CoinsRedeemed: coins,
		Payment:       Payment{Method: s.cfg.PaymentMethod},
		CreatedAt:     now,
	}

	if err := s.Wallet.Redeem(ctx, t.CustomerID, t.ID, coins); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, t); err != nil {
		s.refund(context.WithoutCancel(ctx), t)
		return nil, err
	}
	s.record(ctx, t, StatusNone, types.RoleCustomer, &t.CustomerID)

	notified, err := s.Dispatcher.Begin(ctx, t)
	if err != nil {
		s.log.WithError(err).WithField("trip_id", t.ID).Warn("initial broadcast failed; retry loop continues")
	}
	return &CreateResult{Trip: t, DriversNotified: notified, FareBreakdown: t.Breakdown()}, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Trip, error) {
	return s.repo.Get(ctx, id)
}

// RequestedBefore lists trips still searching that were created before cutoff.
func (s *Service) RequestedBefore(ctx context.Context, cutoff time.Time) ([]*Trip, error) {
	return s.repo.RequestedBefore(ctx, cutoff)
}

// View returns the trip if the caller may see it: its customer, its driver,
// or any driver while it is still looking for one.
func (s *Service) View(ctx context.Context, id, callerID types.ID, role types.Role) (*Trip, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch role {
	case types.RoleSystem:
		return t, nil
	case types.RoleCustomer:
		if t.CustomerID == callerID {
			return t, nil
		}
	case types.RoleDriver:
		if t.AssignedTo(callerID) || t.Status == StatusRequested {
			return t, nil
		}
	}
	return nil, ErrNotTripParty
}

// Accept reserves the driver, then the trip, each with its own conditional
// write. Exactly one caller can win a trip; a lost trip write releases the
// driver again before the rejection is returned. A driver finishing a ride
// with look-ahead raised gets the trip queued as their next one.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*AcceptResult, error) {
	if cmd.TripID == "" || cmd.DriverID == "" {
		return nil, apperr.Validation("tripId and driverId are required")
	}
	requested, err := s.repo.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Parties.Driver(ctx, cmd.DriverID); err != nil {
		return nil, err
	}

	reserved, err := s.Parties.ReserveDriver(ctx, cmd.DriverID, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if !reserved {
		d, err := s.Parties.Driver(ctx, cmd.DriverID)
		if err != nil {
			return nil, err
		}
		if d.Holds(cmd.TripID) {
			return nil, ErrTripTaken
		}
		return nil, ErrDriverBusy
	}

	code, err := newRideCode()
	if err != nil {
		s.rollbackDriver(ctx, cmd.DriverID, cmd.TripID)
		return nil, err
	}
	now := s.now()
	assigned, err := s.repo.Assign(ctx, cmd.TripID, cmd.DriverID, code, cmd.ExpectedVersion, now)
	if err != nil {
		s.rollbackDriver(ctx, cmd.DriverID, cmd.TripID)
		return nil, err
	}
	if !assigned {
		s.rollbackDriver(ctx, cmd.DriverID, cmd.TripID)
		return nil, s.classifyLostTrip(ctx, cmd.TripID, cmd.ExpectedVersion)
	}

	// The trip is won. Lookups from here on only enrich the answer.
	s.Dispatcher.Halt(cmd.TripID)
	log := s.log.WithFields(logrus.Fields{"trip_id": cmd.TripID, "driver_id": cmd.DriverID})

	t, err := s.repo.Get(ctx, cmd.TripID)
	if err != nil {
		log.WithError(err).Warn("reload accepted trip")
		t = requested
		assignTrip(t, cmd.DriverID, code, now)
	}
	s.record(ctx, t, StatusRequested, types.RoleDriver, &cmd.DriverID)

	if err := s.Parties.ClearDestinationMode(ctx, cmd.DriverID); err != nil {
		log.WithError(err).Warn("clear destination mode")
	}

	res := &AcceptResult{RideCode: t.RideCode, Trip: t}
	d, err := s.Parties.Driver(ctx, cmd.DriverID)
	if err != nil {
		log.WithError(err).Warn("load accepting driver")
		d = &registry.Driver{ID: cmd.DriverID}
	}
	res.Queued = d.NextTripID != nil && *d.NextTripID == t.ID

	customer, err := s.Parties.Customer(ctx, t.CustomerID)
	if err != nil {
		log.WithError(err).Warn("load customer of accepted trip")
		customer = &registry.Customer{ID: t.CustomerID}
	}
	res.Customer = customer.Contact()

	outcome := s.Notifier.Deliver(ctx, customerRecipient(customer), delivery.Event{
		Type:   delivery.EventTripAccepted,
		TripID: t.ID,
		Data: map[string]any{
			"driver":      d.Contact(),
			"vehicleType": d.VehicleType,
			"rideCode":    t.RideCode,
			"version":     t.Version,
			"queued":      res.Queued,
		},
	})
	res.CustomerNotified = outcome.Attempted()
	s.Dispatcher.Withdraw(t.ID, cmd.DriverID, delivery.EventTripTaken)

	if d.Location != nil && s.ETA != nil {
		if eta, err := s.ETA.PickupETA(ctx, *d.Location, t.Pickup.Point); err == nil {
			m := eta.Minutes()
			res.ETAMinutes = &m
		} else {
			log.WithError(err).Debug("pickup eta unavailable")
		}
	}
	return res, nil
}

func (s *Service) rollbackDriver(ctx context.Context, driverID, tripID types.ID) {
	if _, err := s.Parties.ReleaseDriver(context.WithoutCancel(ctx), driverID, tripID); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"driver_id": driverID, "trip_id": tripID}).Error("release driver after lost trip")
	}
}

func (s *Service) classifyLostTrip(ctx context.Context, tripID types.ID, expected *int) error {
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return err
	}
	switch {
	case t.Status == StatusCancelled || t.Status == StatusTimeout:
		return ErrTripCancelled
	case t.Status == StatusRequested:
		if expected != nil && t.Version != *expected {
			return ErrStaleVersion.Withf("trip is at version %d, expected %d", t.Version, *expected)
		}
		return ErrStaleVersion
	default:
		return ErrTripTaken
	}
}

func (s *Service) GoingToPickup(ctx context.Context, tripID, driverID types.ID) (*Trip, error) {
	t, err := s.advance(ctx, tripID, driverID, StatusDriverGoingToPickup, nil)
	if err != nil {
		return nil, err
	}
	s.tellCustomer(ctx, t, delivery.EventDriverEnRoute, nil)
	return t, nil
}

func (s *Service) Arrived(ctx context.Context, tripID, driverID types.ID) (*Trip, error) {
	t, err := s.advance(ctx, tripID, driverID, StatusDriverAtPickup, nil)
	if err != nil {
		return nil, err
	}
	s.tellCustomer(ctx, t, delivery.EventDriverArrived, nil)
	return t, nil
}

func (s *Service) Start(ctx context.Context, cmd StartCommand) (*Trip, error) {
	if !cmd.Position.Valid() {
		return nil, apperr.Validation("invalid position")
	}
	t, err := s.advance(ctx, cmd.TripID, cmd.DriverID, StatusRideStarted, func(t *Trip) error {
		if t.RideCode == "" || subtle.ConstantTimeCompare([]byte(t.RideCode), []byte(cmd.RideCode)) != 1 {
			return ErrRideCodeMismatch
		}
		if d := types.DistanceMeters(cmd.Position, t.Pickup.Point); d > s.cfg.PickupRadiusM {
			return ErrOutsidePickupZone.Withf("driver is %.0f m from pickup, limit %.0f m", d, s.cfg.PickupRadiusM)
		}
		d, err := s.Parties.Driver(ctx, cmd.DriverID)
		if err != nil {
			return err
		}
		if d.NextTripID != nil && *d.NextTripID == t.ID {
			return ErrPreviousRideOpen
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.tellCustomer(ctx, t, delivery.EventRideStarted, nil)
	return t, nil
}

// Complete settles the trip. Calling it again after payment was collected
// returns the settled trip without side effects.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Trip, error) {
	if !cmd.Position.Valid() {
		return nil, apperr.Validation("invalid position")
	}
	t, err := s.repo.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	if !t.AssignedTo(cmd.DriverID) {
		return nil, ErrNotAssignedDriver
	}
	if t.Payment.Collected {
		return t, nil
	}
	if !CanTransition(t.Status, StatusCompleted) {
		return nil, ErrInvalidTransition.Withf("cannot complete a trip in %s", t.Status)
	}
	if d := types.DistanceMeters(cmd.Position, t.Drop.Point); d > s.cfg.DropRadiusM {
		return nil, ErrOutsideDropZone.Withf("driver is %.0f m from drop, limit %.0f m", d, s.cfg.DropRadiusM)
	}

	settled, err := s.Settler.Settle(ctx, t)
	if err != nil {
		if errors.Is(err, ErrStaleVersion) {
			if cur, gerr := s.repo.Get(ctx, t.ID); gerr == nil && cur.Payment.Collected {
				return cur, nil
			}
		}
		return nil, err
	}
	s.record(ctx, settled, StatusRideStarted, types.RoleDriver, &cmd.DriverID)
	s.tellCustomer(ctx, settled, delivery.EventTripCompleted, map[string]any{"fare": settled.Fare.StringFixed(types.MoneyPlaces)})
	return settled, nil
}

// Cancel closes a trip on behalf of either party (or the system). Coins
// redeemed at creation go back to the customer.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Trip, error) {
	t, err := s.repo.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	switch cmd.ActorRole {
	case types.RoleCustomer:
		if t.CustomerID != cmd.ActorID {
			return nil, ErrNotTripParty
		}
	case types.RoleDriver:
		if !t.AssignedTo(cmd.ActorID) {
			return nil, ErrNotAssignedDriver
		}
	case types.RoleSystem:
	default:
		return nil, apperr.Validation("unknown actor role %q", cmd.ActorRole)
	}
	if !CanTransition(t.Status, StatusCancelled) {
		return nil, ErrInvalidTransition.Withf("cannot cancel a trip in %s", t.Status)
	}

	from := t.Status
	role := cmd.ActorRole
	var reason *string
	if cmd.Reason != "" {
		reason = &cmd.Reason
	}
	c := Change{TripID: t.ID, From: from, To: StatusCancelled, Version: t.Version, At: s.now(), CancelledBy: &role, CancelReason: reason}
	ok, err := s.repo.Transition(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStaleVersion
	}
	applyChange(t, c)
	var actorID *types.ID
	if cmd.ActorID != "" {
		actorID = &cmd.ActorID
	}
	s.record(ctx, t, from, role, actorID)

	bg := context.WithoutCancel(ctx)
	if from == StatusRequested {
		s.Dispatcher.Halt(t.ID)
		s.Dispatcher.Withdraw(t.ID, "", delivery.EventTripCancelled)
	} else if t.DriverID != nil {
		if _, err := s.Parties.ReleaseDriver(bg, *t.DriverID, t.ID); err != nil {
			s.log.WithError(err).WithField("trip_id", t.ID).Error("release driver on cancel")
		}
		s.tellDriver(bg, t, delivery.EventTripCancelled, map[string]any{"cancelledBy": string(role)})
	}
	s.tellCustomer(bg, t, delivery.EventTripCancelled, map[string]any{"cancelledBy": string(role)})
	s.refund(bg, t)
	s.closeOut(bg, t)
	return t, nil
}

// Expire ends a search that reached the retry ceiling.
func (s *Service) Expire(ctx context.Context, tripID types.ID) (*Trip, error) {
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, StatusTimeout) {
		return nil, ErrInvalidTransition.Withf("cannot time out a trip in %s", t.Status)
	}
	role := types.RoleSystem
	c := Change{TripID: t.ID, From: t.Status, To: StatusTimeout, Version: t.Version, At: s.now(), CancelledBy: &role}
	ok, err := s.repo.Transition(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStaleVersion
	}
	applyChange(t, c)
	s.record(ctx, t, StatusRequested, types.RoleSystem, nil)

	s.Dispatcher.Halt(t.ID)
	s.tellCustomer(ctx, t, delivery.EventTripTimeout, nil)
	s.Dispatcher.Withdraw(t.ID, "", delivery.EventRequestExpired)
	s.refund(ctx, t)
	s.closeOut(ctx, t)
	return t, nil
}

// advance runs one driver-initiated transition: caller check, table check,
// guard, then the versioned write.
func (s *Service) advance(ctx context.Context, tripID, driverID types.ID, to Status, guard func(*Trip) error) (*Trip, error) {
	t, err := s.repo.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !t.AssignedTo(driverID) {
		return nil, ErrNotAssignedDriver
	}
	if !CanTransition(t.Status, to) {
		return nil, ErrInvalidTransition.Withf("cannot move trip from %s to %s", t.Status, to)
	}
	if guard != nil {
		if err := guard(t); err != nil {
			return nil, err
		}
	}
	from := t.Status
	c := Change{TripID: t.ID, From: from, To: to, Version: t.Version, At: s.now()}
	ok, err := s.repo.Transition(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStaleVersion
	}
	applyChange(t, c)
	s.record(ctx, t, from, types.RoleDriver, &driverID)
	return t, nil
}

// assignTrip mirrors the acceptance write on an in-memory trip.
func assignTrip(t *Trip, driverID types.ID, code string, at time.Time) {
	t.DriverID = &driverID
	t.Status = StatusDriverAssigned
	t.Version++
	t.RideCode = code
	t.AcceptedAt = &at
}

func applyChange(t *Trip, c Change) {
	t.Status = c.To
	t.Version++
	at := c.At
	switch c.To {
	case StatusRideStarted:
		t.StartedAt = &at
	case StatusCancelled, StatusTimeout:
		t.CancelledAt = &at
		t.CancelledBy = c.CancelledBy
		if c.CancelReason != nil {
			t.CancelReason = c.CancelReason
		}
	}
}

func (s *Service) record(ctx context.Context, t *Trip, from Status, actor types.Role, actorID *types.ID) {
	e := &StateEvent{
		TripID:     t.ID,
		FromStatus: from,
		ToStatus:   t.Status,
		Version:    t.Version,
		ActorType:  actor,
		ActorID:    actorID,
		CreatedAt:  s.now(),
	}
	if err := s.repo.AppendEvent(ctx, e); err != nil {
		s.log.WithError(err).WithField("trip_id", t.ID).Warn("append state event")
	}
	if s.Publisher != nil {
		s.Publisher.Publish(ctx, *e)
	}
}

func (s *Service) refund(ctx context.Context, t *Trip) {
	if t.CoinsRedeemed <= 0 {
		return
	}
	if _, err := s.Wallet.Refund(ctx, t.CustomerID, t.ID); err != nil {
		s.log.WithError(err).WithField("trip_id", t.ID).Error("refund redeemed coins")
	}
}

func (s *Service) closeOut(ctx context.Context, t *Trip) {
	if err := s.Settler.RecordClosed(ctx, t); err != nil {
		s.log.WithError(err).WithField("trip_id", t.ID).Warn("record closed trip")
	}
}

func (s *Service) tellCustomer(ctx context.Context, t *Trip, eventType string, data map[string]any) {
	to := delivery.Recipient{UserID: t.CustomerID, Role: types.RoleCustomer}
	if c, err := s.Parties.Customer(ctx, t.CustomerID); err == nil {
		to = customerRecipient(c)
	}
	s.Notifier.Notify(to, tripEvent(t, eventType, data))
}

func (s *Service) tellDriver(ctx context.Context, t *Trip, eventType string, data map[string]any) {
	if t.DriverID == nil {
		return
	}
	to := delivery.Recipient{UserID: *t.DriverID, Role: types.RoleDriver}
	if d, err := s.Parties.Driver(ctx, *t.DriverID); err == nil {
		to.PushToken = d.PushToken
	}
	s.Notifier.Notify(to, tripEvent(t, eventType, data))
}

func tripEvent(t *Trip, eventType string, data map[string]any) delivery.Event {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(t.Status)
	data["version"] = t.Version
	return delivery.Event{Type: eventType, TripID: t.ID, Data: data}
}

func customerRecipient(c *registry.Customer) delivery.Recipient {
	return delivery.Recipient{UserID: c.ID, Role: types.RoleCustomer, PushToken: c.PushToken}
}

// newRideCode returns a uniformly random four digit code.
func newRideCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("ride code: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
