// README: Trip service tests (create, accept, transitions, cancel, expire).
package trip

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideflow/internal/apperr"
	"rideflow/internal/config"
	"rideflow/internal/modules/delivery"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/registry"
	"rideflow/internal/modules/rewards"
	"rideflow/internal/types"
)

var (
	pickup = types.Point{Lat: 25.0330, Lng: 121.5654}
	drop   = types.Point{Lat: 25.0478, Lng: 121.5318}
)

type fixture struct {
	svc      *Service
	repo     *memRepo
	parties  *memParties
	dispatch *fakeDispatcher
	wallet   *memWallet
	settler  *fakeSettler
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemRepo()
	parties := newMemParties()
	parties.customers["c1"] = &registry.Customer{ID: "c1", Name: "Cara", Phone: "0900"}
	f := &fixture{
		repo:     repo,
		parties:  parties,
		dispatch: &fakeDispatcher{notified: 3},
		wallet:   newMemWallet(),
		settler:  &fakeSettler{repo: repo, parties: parties},
		notifier: &recordingNotifier{},
	}
	settings := pricing.Settings{
		CommissionRate:   decimal.RequireFromString("0.2"),
		CoinValue:        decimal.RequireFromString("0.1"),
		MaxDiscountShare: decimal.RequireFromString("0.5"),
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	f.svc = NewService(repo, Deps{
		Parties:    parties,
		Dispatcher: f.dispatch,
		Wallet:     f.wallet,
		Settings:   staticSettings{settings},
		Settler:    f.settler,
		Notifier:   f.notifier,
		ETA:        fixedETA(4 * time.Minute),
	}, config.TripConfig{PickupRadiusM: 100, DropRadiusM: 500, PaymentMethod: "cash"}, logrus.NewEntry(log))
	return f
}

func (f *fixture) create(t *testing.T, coins int64) *Trip {
	t.Helper()
	res, err := f.svc.Create(context.Background(), CreateCommand{
		CustomerID:  "c1",
		Pickup:      types.Place{Point: pickup, Address: "Taipei 101"},
		Drop:        types.Place{Point: drop, Address: "Main Station"},
		VehicleType: "bike",
		Category:    types.CategoryShort,
		Fare:        decimal.RequireFromString("20"),
		Coins:       coins,
	})
	require.NoError(t, err)
	return res.Trip
}

// assigned returns a trip accepted by d1.
func (f *fixture) assigned(t *testing.T) (*Trip, string) {
	t.Helper()
	f.parties.addDriver("d1", pickup)
	tr := f.create(t, 0)
	res, err := f.svc.Accept(context.Background(), AcceptCommand{TripID: tr.ID, DriverID: "d1"})
	require.NoError(t, err)
	return res.Trip, res.RideCode
}

func (f *fixture) status(t *testing.T, id types.ID) *Trip {
	t.Helper()
	tr, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func TestCanTransition(t *testing.T) {
	all := []Status{
		StatusRequested, StatusDriverAssigned, StatusDriverGoingToPickup, StatusDriverAtPickup,
		StatusRideStarted, StatusCompleted, StatusCancelled, StatusTimeout,
	}
	legal := map[[2]Status]bool{
		{StatusRequested, StatusDriverAssigned}:           true,
		{StatusRequested, StatusCancelled}:                true,
		{StatusRequested, StatusTimeout}:                  true,
		{StatusDriverAssigned, StatusDriverGoingToPickup}: true,
		{StatusDriverAssigned, StatusCancelled}:           true,
		{StatusDriverGoingToPickup, StatusDriverAtPickup}: true,
		{StatusDriverGoingToPickup, StatusCancelled}:      true,
		{StatusDriverAtPickup, StatusRideStarted}:         true,
		{StatusDriverAtPickup, StatusCancelled}:           true,
		{StatusRideStarted, StatusCompleted}:              true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusTimeout} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	f.wallet.balance["c1"] = 500

	res, err := f.svc.Create(context.Background(), CreateCommand{
		CustomerID:  "c1",
		Pickup:      types.Place{Point: pickup},
		Drop:        types.Place{Point: drop},
		VehicleType: "bike",
		Category:    types.CategoryShort,
		SameDay:     true,
		Fare:        decimal.RequireFromString("20"),
		Coins:       400,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.DriversNotified)
	assert.Equal(t, StatusRequested, res.Trip.Status)
	assert.False(t, res.Trip.SameDay, "same-day only applies to long trips")
	assert.Equal(t, "10.00", res.FareBreakdown.Discount.StringFixed(2))
	assert.Equal(t, "10.00", res.FareBreakdown.Fare.StringFixed(2))
	assert.Equal(t, int64(100), res.FareBreakdown.CoinsRedeemed)
	assert.Equal(t, int64(400), f.wallet.coins("c1"))
	assert.Equal(t, []types.ID{res.Trip.ID}, f.dispatch.begun)

	_, err = f.svc.Create(context.Background(), CreateCommand{
		CustomerID: "c1", Pickup: types.Place{Point: pickup}, Drop: types.Place{Point: drop},
		VehicleType: "bike", Category: types.CategoryShort, Fare: decimal.RequireFromString("5"),
	})
	assert.True(t, errors.Is(err, ErrActiveTrip))
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t)
	base := CreateCommand{
		CustomerID: "c1", Pickup: types.Place{Point: pickup}, Drop: types.Place{Point: drop},
		VehicleType: "bike", Category: types.CategoryShort, Fare: decimal.RequireFromString("20"),
	}

	bad := base
	bad.Category = "boat"
	_, err := f.svc.Create(context.Background(), bad)
	assert.Equal(t, "invalid_request", errCode(err))

	bad = base
	bad.Pickup = types.Place{Point: types.Point{Lat: 91}}
	_, err = f.svc.Create(context.Background(), bad)
	assert.Equal(t, "invalid_request", errCode(err))

	bad = base
	bad.Coins = 10
	_, err = f.svc.Create(context.Background(), bad)
	assert.True(t, errors.Is(err, rewards.ErrInsufficientCoins))
	assert.Empty(t, f.repo.trips, "no trip is stored when redemption fails")
}

func TestAccept_Success(t *testing.T) {
	f := newFixture(t)
	f.parties.addDriver("d1", north(pickup, 1))
	f.parties.drivers["d1"].Destination = registry.DestinationMode{Enabled: true, Target: &drop}
	tr := f.create(t, 0)

	res, err := f.svc.Accept(context.Background(), AcceptCommand{TripID: tr.ID, DriverID: "d1"})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^\d{4}$`), res.RideCode)
	assert.Equal(t, StatusDriverAssigned, res.Trip.Status)
	assert.Equal(t, tr.Version+1, res.Trip.Version)
	assert.Equal(t, types.ID("c1"), res.Customer.ID)
	assert.True(t, res.CustomerNotified)
	require.NotNil(t, res.ETAMinutes)
	assert.Equal(t, 4.0, *res.ETAMinutes)

	d := f.parties.driver("d1")
	assert.True(t, d.Busy)
	assert.Equal(t, tr.ID, *d.CurrentTripID)
	assert.False(t, d.Destination.Enabled, "accepting clears destination mode")

	assert.Equal(t, []types.ID{tr.ID}, f.dispatch.halted)
	assert.Equal(t, []withdrawal{{tr.ID, "d1", delivery.EventTripTaken}}, f.dispatch.withdrawals())
	assert.Equal(t, []string{delivery.EventTripAccepted}, f.notifier.eventsFor("c1"))
}

func TestAccept_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	tr := f.create(t, 0)
	const n = 16
	for i := 0; i < n; i++ {
		f.parties.addDriver(types.ID(fmt.Sprintf("d%d", i)), pickup)
	}

	start := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Accept(context.Background(), AcceptCommand{TripID: tr.ID, DriverID: types.ID(fmt.Sprintf("d%d", i))})
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	var winner types.ID
	for i, err := range errs {
		if err == nil {
			winners++
			winner = types.ID(fmt.Sprintf("d%d", i))
			continue
		}
		assert.True(t, errors.Is(err, ErrTripTaken), "loser got %v", err)
	}
	require.Equal(t, 1, winners)

	final := f.status(t, tr.ID)
	require.NotNil(t, final.DriverID)
	assert.Equal(t, winner, *final.DriverID)

	for i := 0; i < n; i++ {
		id := types.ID(fmt.Sprintf("d%d", i))
		d := f.parties.driver(id)
		if id == winner {
			assert.True(t, d.Busy)
			continue
		}
		assert.False(t, d.Busy, "loser %s left busy", id)
		assert.Nil(t, d.CurrentTripID)
	}
}

func TestAccept_RepeatIsConflict(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.assigned(t)

	_, err := f.svc.Accept(context.Background(), AcceptCommand{TripID: tr.ID, DriverID: "d1"})
	assert.True(t, errors.Is(err, ErrTripTaken))
	_, err = f.svc.Accept(context.Background(), AcceptCommand{TripID: tr.ID, DriverID: "d1"})
	assert.True(t, errors.Is(err, ErrTripTaken))

	assert.Equal(t, tr.Version, f.status(t, tr.ID).Version)
	d := f.parties.driver("d1")
	assert.True(t, d.Busy)
	assert.Equal(t, tr.ID, *d.CurrentTripID)
}

func TestAccept_Rejections(t *testing.T) {
	t.Run("driver busy elsewhere", func(t *testing.T) {
		f := newFixture(t)
		f.parties.addDriver("d1", pickup)
		other := types.ID("other")
		f.parties.drivers["d1"].Busy = true
		f.parties.drivers["d1"].CurrentTripID = &other
		f.parties.drivers["d1"].AcceptingRequests = false
		tr := f.create(t, 0)

		_, err := f.svc.Accept(context.Background(), AcceptCommand{TripID: tr.ID, DriverID: "d1"})
		assert.True(t, errors.Is(err, ErrDriverBusy))
		assert.Equal(t, StatusRequested, f.status(t, tr.ID).Status)
	})

	t.Run("cancelled trip", func(t *testing.T) {
		f := newFixture(t)
		f.parties.addDriver("d1", pickup)
		tr := f.create(t, 0)
		_, err := f.svc.Cancel(context.Background(), CancelCommand{TripID: tr.ID, ActorID: "c1", ActorRole: types.RoleCustomer})
		require.NoError(t, err)

		_, err = f.svc.Accept(context.Background(), AcceptCommand{TripID: tr.ID, DriverID: "d1"})
		assert.True(t, errors.Is(err, ErrTripCancelled))
		assert.False(t, f.parties.driver("d1").Busy, "driver reservation rolled back")
	})

	t.Run("stale version", func(t *testing.T) {
		f := newFixture(t)
		f.parties.addDriver("d1", pickup)
		tr := f.create(t, 0)
		v := tr.Version + 5

		_, err := f.svc.Accept(context.Background(), AcceptCommand{TripID: tr.ID, DriverID: "d1", ExpectedVersion: &v})
		assert.True(t, errors.Is(err, ErrStaleVersion))
		assert.False(t, f.parties.driver("d1").Busy)
	})

	t.Run("unknown trip", func(t *testing.T) {
		f := newFixture(t)
		f.parties.addDriver("d1", pickup)
		_, err := f.svc.Accept(context.Background(), AcceptCommand{TripID: "nope", DriverID: "d1"})
		assert.True(t, errors.Is(err, ErrTripNotFound))
		assert.False(t, f.parties.driver("d1").Busy)
	})
}

func TestAccept_LookaheadQueuesNextTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.parties.addDriver("d1", north(pickup, 0.5))
	f.parties.addDriver("d2", pickup)
	f.parties.lookahead("d1", "current")
	tr := f.create(t, 0)

	res, err := f.svc.Accept(ctx, AcceptCommand{TripID: tr.ID, DriverID: "d1"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, StatusDriverAssigned, res.Trip.Status)

	d := f.parties.driver("d1")
	assert.Equal(t, types.ID("current"), *d.CurrentTripID)
	require.NotNil(t, d.NextTripID)
	assert.Equal(t, tr.ID, *d.NextTripID)
	assert.False(t, d.Dispatchable(), "no second queued trip")

	_, err = f.svc.Accept(ctx, AcceptCommand{TripID: tr.ID, DriverID: "d2"})
	assert.True(t, errors.Is(err, ErrTripTaken))
	assert.False(t, f.parties.driver("d2").Busy)

	_, err = f.svc.GoingToPickup(ctx, tr.ID, "d1")
	require.NoError(t, err)
	_, err = f.svc.Arrived(ctx, tr.ID, "d1")
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d1", RideCode: res.RideCode, Position: pickup})
	assert.True(t, errors.Is(err, ErrPreviousRideOpen))

	released, err := f.parties.ReleaseDriver(ctx, "d1", "current")
	require.NoError(t, err)
	require.True(t, released)
	assert.Equal(t, tr.ID, *f.parties.driver("d1").CurrentTripID)

	started, err := f.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d1", RideCode: res.RideCode, Position: pickup})
	require.NoError(t, err)
	assert.Equal(t, StatusRideStarted, started.Status)
}

func TestCancel_QueuedTripKeepsCurrentRide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.parties.addDriver("d1", pickup)
	f.parties.lookahead("d1", "current")
	tr := f.create(t, 0)
	_, err := f.svc.Accept(ctx, AcceptCommand{TripID: tr.ID, DriverID: "d1"})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, CancelCommand{TripID: tr.ID, ActorID: "c1", ActorRole: types.RoleCustomer})
	require.NoError(t, err)

	d := f.parties.driver("d1")
	assert.True(t, d.Busy)
	assert.Equal(t, types.ID("current"), *d.CurrentTripID)
	assert.Nil(t, d.NextTripID)
	assert.True(t, d.Dispatchable())
}

func TestAccept_WinnerKeepsTripWhenLookupsFail(t *testing.T) {
	f := newFixture(t)
	f.parties.addDriver("d1", pickup)
	tr := f.create(t, 0)
	f.parties.customerErr = errors.New("db down")

	res, err := f.svc.Accept(context.Background(), AcceptCommand{TripID: tr.ID, DriverID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDriverAssigned, res.Trip.Status)
	assert.NotEmpty(t, res.RideCode)
	assert.Equal(t, types.ID("c1"), res.Customer.ID)
	assert.Equal(t, types.ID("d1"), *f.status(t, tr.ID).DriverID)
	assert.True(t, f.parties.driver("d1").Busy)
}

func TestTransitions_HappyPath(t *testing.T) {
	f := newFixture(t)
	tr, code := f.assigned(t)
	ctx := context.Background()

	got, err := f.svc.GoingToPickup(ctx, tr.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusDriverGoingToPickup, got.Status)

	got, err = f.svc.Arrived(ctx, tr.ID, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusDriverAtPickup, got.Status)

	got, err = f.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d1", RideCode: code, Position: north(pickup, 0.05)})
	require.NoError(t, err)
	assert.Equal(t, StatusRideStarted, got.Status)
	assert.Equal(t, tr.Version+3, got.Version)

	done, err := f.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1", Position: north(drop, 0.3)})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.True(t, done.Payment.Collected)
	assert.False(t, f.parties.driver("d1").Busy)

	again, err := f.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1", Position: drop})
	require.NoError(t, err)
	assert.Equal(t, done.Version, again.Version, "second completion is a no-op")
	assert.Equal(t, 1, f.settler.settled)

	assert.Equal(t, []string{
		delivery.EventTripAccepted, delivery.EventDriverEnRoute, delivery.EventDriverArrived,
		delivery.EventRideStarted, delivery.EventTripCompleted,
	}, f.notifier.eventsFor("c1"))
}

func TestTransitions_Rejections(t *testing.T) {
	f := newFixture(t)
	tr, code := f.assigned(t)
	ctx := context.Background()
	f.parties.addDriver("d2", pickup)

	_, err := f.svc.Arrived(ctx, tr.ID, "d1")
	assert.True(t, errors.Is(err, ErrInvalidTransition), "cannot skip going-to-pickup")
	assert.Equal(t, tr.Version, f.status(t, tr.ID).Version, "illegal transition does not mutate")

	_, err = f.svc.GoingToPickup(ctx, tr.ID, "d2")
	assert.True(t, errors.Is(err, ErrNotAssignedDriver))

	_, err = f.svc.GoingToPickup(ctx, tr.ID, "d1")
	require.NoError(t, err)
	_, err = f.svc.Arrived(ctx, tr.ID, "d1")
	require.NoError(t, err)
	before := f.status(t, tr.ID).Version

	wrong := "0000"
	if code == wrong {
		wrong = "1111"
	}
	_, err = f.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d1", RideCode: wrong, Position: pickup})
	assert.True(t, errors.Is(err, ErrRideCodeMismatch))

	_, err = f.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d1", RideCode: code, Position: north(pickup, 0.2)})
	assert.True(t, errors.Is(err, ErrOutsidePickupZone))
	assert.Equal(t, before, f.status(t, tr.ID).Version)

	_, err = f.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1", Position: drop})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "cannot complete before start")

	_, err = f.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d1", RideCode: code, Position: pickup})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1", Position: north(drop, 1)})
	assert.True(t, errors.Is(err, ErrOutsideDropZone))
	assert.Equal(t, StatusRideStarted, f.status(t, tr.ID).Status)

	_, err = f.svc.Cancel(ctx, CancelCommand{TripID: tr.ID, ActorID: "c1", ActorRole: types.RoleCustomer})
	assert.True(t, errors.Is(err, ErrInvalidTransition), "a started ride cannot be cancelled")
}

func TestCancel_BeforeAcceptanceRefunds(t *testing.T) {
	f := newFixture(t)
	f.wallet.balance["c1"] = 50
	tr := f.create(t, 50)
	require.Equal(t, int64(0), f.wallet.coins("c1"))

	got, err := f.svc.Cancel(context.Background(), CancelCommand{TripID: tr.ID, ActorID: "c1", ActorRole: types.RoleCustomer, Reason: "changed plans"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, types.RoleCustomer, *got.CancelledBy)
	assert.Equal(t, int64(50), f.wallet.coins("c1"))
	assert.Equal(t, []types.ID{tr.ID}, f.dispatch.halted)
	assert.Equal(t, []withdrawal{{tr.ID, "", delivery.EventTripCancelled}}, f.dispatch.withdrawals())
	assert.Equal(t, []types.ID{tr.ID}, f.settler.closed)

	_, err = f.svc.Cancel(context.Background(), CancelCommand{TripID: tr.ID, ActorID: "c1", ActorRole: types.RoleCustomer})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, int64(50), f.wallet.coins("c1"))
}

func TestCancel_AfterAcceptanceReleasesDriver(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.assigned(t)

	_, err := f.svc.Cancel(context.Background(), CancelCommand{TripID: tr.ID, ActorID: "c2", ActorRole: types.RoleCustomer})
	assert.True(t, errors.Is(err, ErrNotTripParty))

	got, err := f.svc.Cancel(context.Background(), CancelCommand{TripID: tr.ID, ActorID: "d1", ActorRole: types.RoleDriver})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	d := f.parties.driver("d1")
	assert.False(t, d.Busy)
	assert.Nil(t, d.CurrentTripID)
	assert.Contains(t, f.notifier.eventsFor("c1"), delivery.EventTripCancelled)
	assert.Contains(t, f.notifier.eventsFor("d1"), delivery.EventTripCancelled)
}

func TestCompletedTripNeverRefunded(t *testing.T) {
	f := newFixture(t)
	f.parties.addDriver("d1", pickup)
	f.wallet.balance["c1"] = 30
	tr := f.create(t, 30)
	ctx := context.Background()

	res, err := f.svc.Accept(ctx, AcceptCommand{TripID: tr.ID, DriverID: "d1"})
	require.NoError(t, err)
	_, err = f.svc.GoingToPickup(ctx, tr.ID, "d1")
	require.NoError(t, err)
	_, err = f.svc.Arrived(ctx, tr.ID, "d1")
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, StartCommand{TripID: tr.ID, DriverID: "d1", RideCode: res.RideCode, Position: pickup})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, CompleteCommand{TripID: tr.ID, DriverID: "d1", Position: drop})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, CancelCommand{TripID: tr.ID, ActorID: "c1", ActorRole: types.RoleCustomer})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Zero(t, f.wallet.coins("c1"))
}

func TestExpire(t *testing.T) {
	f := newFixture(t)
	f.wallet.balance["c1"] = 20
	tr := f.create(t, 20)

	got, err := f.svc.Expire(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, got.Status)
	assert.Equal(t, int64(20), f.wallet.coins("c1"))
	assert.Equal(t, []string{delivery.EventTripTimeout}, f.notifier.eventsFor("c1"))
	for _, w := range f.dispatch.withdrawals() {
		assert.NotEqual(t, delivery.EventTripTaken, w.event)
	}
	assert.Equal(t, []withdrawal{{tr.ID, "", delivery.EventRequestExpired}}, f.dispatch.withdrawals())

	_, err = f.svc.Expire(context.Background(), tr.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestView(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.assigned(t)
	ctx := context.Background()

	_, err := f.svc.View(ctx, tr.ID, "c1", types.RoleCustomer)
	assert.NoError(t, err)
	_, err = f.svc.View(ctx, tr.ID, "d1", types.RoleDriver)
	assert.NoError(t, err)
	_, err = f.svc.View(ctx, tr.ID, "d9", types.RoleDriver)
	assert.True(t, errors.Is(err, ErrNotTripParty))
	_, err = f.svc.View(ctx, tr.ID, "c9", types.RoleCustomer)
	assert.True(t, errors.Is(err, ErrNotTripParty))
}

func TestStateEventsRecorded(t *testing.T) {
	f := newFixture(t)
	tr, _ := f.assigned(t)

	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	require.Len(t, f.repo.events, 2)
	assert.Equal(t, StatusNone, f.repo.events[0].FromStatus)
	assert.Equal(t, StatusRequested, f.repo.events[1].FromStatus)
	assert.Equal(t, StatusDriverAssigned, f.repo.events[1].ToStatus)
	assert.Equal(t, tr.Version, f.repo.events[1].Version)
}

func north(p types.Point, km float64) types.Point {
	return types.Point{Lat: p.Lat + km/111.32, Lng: p.Lng}
}

func errCode(err error) string {
	if err == nil {
		return ""
	}
	return apperr.From(err).Code
}
