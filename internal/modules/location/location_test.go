// README: Location ingest tests (ordering, bearing, relay, look-ahead).
package location

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rideflow/internal/config"
	"rideflow/internal/modules/delivery"
	"rideflow/internal/modules/registry"
	"rideflow/internal/modules/trip"
	"rideflow/internal/testutil"
	"rideflow/internal/types"
)

var (
	pickup = types.Point{Lat: 25.0330, Lng: 121.5654}
	drop   = types.Point{Lat: 25.0478, Lng: 121.5318}
)

func north(p types.Point, m float64) types.Point {
	return types.Point{Lat: p.Lat + m/111320, Lng: p.Lng}
}

func east(p types.Point, m float64) types.Point {
	return types.Point{Lat: p.Lat, Lng: p.Lng + m/(111320*0.9)}
}

// memPositions follows the same ordering rule as the Redis script.
type memPositions struct {
	mu  sync.Mutex
	pos map[types.ID]*Position
	ts  map[types.ID]time.Time
}

func newMemPositions() *memPositions {
	return &memPositions{pos: map[types.ID]*Position{}, ts: map[types.ID]time.Time{}}
}

func (m *memPositions) Apply(_ context.Context, f Fix, bearing *float64, ts, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.pos[f.UserID]; ok {
		if f.Seq != nil && cur.Seq != nil {
			if *f.Seq <= *cur.Seq {
				return false, nil
			}
		} else if !ts.After(m.ts[f.UserID]) {
			return false, nil
		}
	}
	p := &Position{UserID: f.UserID, Role: f.Role, Point: f.Point, Bearing: bearing, At: at}
	if f.Seq != nil {
		p.Seq = f.Seq
	} else if cur, ok := m.pos[f.UserID]; ok {
		p.Seq = cur.Seq
	}
	m.pos[f.UserID] = p
	m.ts[f.UserID] = ts
	return true, nil
}

func (m *memPositions) Last(_ context.Context, _ types.Role, id types.ID) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pos[id]
	if !ok {
		return nil, ErrNoPosition
	}
	cp := *p
	return &cp, nil
}

type fakeRegistry struct {
	mu        sync.Mutex
	drivers   map[types.ID]*registry.Driver
	recorded  []registry.LocationFix
	lookahead []types.ID
}

func (r *fakeRegistry) Driver(_ context.Context, id types.ID) (*registry.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return nil, registry.ErrDriverNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *fakeRegistry) RecordLocation(_ context.Context, _ types.Role, _ types.ID, fix registry.LocationFix) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, fix)
	return nil
}

func (r *fakeRegistry) SetLookahead(_ context.Context, driverID, _ types.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookahead = append(r.lookahead, driverID)
	return true, nil
}

type fakeTrips map[types.ID]*trip.Trip

func (f fakeTrips) Get(_ context.Context, id types.ID) (*trip.Trip, error) {
	t, ok := f[id]
	if !ok {
		return nil, trip.ErrTripNotFound
	}
	return t, nil
}

func (f fakeTrips) View(ctx context.Context, id, callerID types.ID, role types.Role) (*trip.Trip, error) {
	t, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.CustomerID == callerID || t.AssignedTo(callerID) {
		return t, nil
	}
	return nil, trip.ErrNotTripParty
}

type frames struct {
	mu   sync.Mutex
	sent map[types.ID][]delivery.Event
}

func (f *frames) Send(userID types.ID, payload []byte) bool {
	var e delivery.Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[userID] = append(f.sent[userID], e)
	return true
}

type mirrorLog struct{ trips []types.ID }

func (m *mirrorLog) Mirror(_ context.Context, tripID types.ID, _ Position) error {
	m.trips = append(m.trips, tripID)
	return nil
}

type fixture struct {
	svc    *Service
	reg    *fakeRegistry
	trips  fakeTrips
	frames *frames
	mirror *mirrorLog
}

func newFixture() *fixture {
	driverID := types.ID("d1")
	tripID := types.ID("t1")
	f := &fixture{
		reg: &fakeRegistry{drivers: map[types.ID]*registry.Driver{
			"d1": {ID: "d1", Online: true, Busy: true, CurrentTripID: &tripID},
			"d2": {ID: "d2", Online: true},
		}},
		trips: fakeTrips{"t1": {
			ID: "t1", CustomerID: "c1", DriverID: &driverID, Status: trip.StatusDriverGoingToPickup,
			Pickup: types.Place{Point: pickup}, Drop: types.Place{Point: drop},
		}},
		frames: &frames{sent: map[types.ID][]delivery.Event{}},
		mirror: &mirrorLog{},
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	cfg := config.TripConfig{LookaheadKm: 0.5, JitterMeters: 5}
	f.svc = NewService(newMemPositions(), f.reg, f.trips, f.frames, f.mirror, cfg, logrus.NewEntry(l))
	return f
}

func seq(n int64) *int64 { return &n }

func TestIngest_OutOfOrderSequence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for _, n := range []int64{1, 3} {
		ack, err := f.svc.Ingest(ctx, Fix{UserID: "d2", Role: types.RoleDriver, Point: north(pickup, float64(n)*100), Seq: seq(n)})
		require.NoError(t, err)
		assert.True(t, ack.Applied)
	}

	ack, err := f.svc.Ingest(ctx, Fix{UserID: "d2", Role: types.RoleDriver, Point: north(pickup, 200), Seq: seq(2)})
	require.NoError(t, err)
	assert.False(t, ack.Applied)

	ack, err = f.svc.Ingest(ctx, Fix{UserID: "d2", Role: types.RoleDriver, Point: north(pickup, 300), Seq: seq(3)})
	require.NoError(t, err)
	assert.False(t, ack.Applied, "equal sequence is not newer")

	last, err := f.svc.store.Last(ctx, types.RoleDriver, "d2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), *last.Seq)
	assert.InDelta(t, north(pickup, 300).Lat, last.Point.Lat, 1e-9)
	assert.Len(t, f.reg.recorded, 2)
}

func TestIngest_TimestampOrderingWithoutSeq(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	base := time.Now()
	at := func(d time.Duration) *time.Time { ts := base.Add(d); return &ts }

	ack, err := f.svc.Ingest(ctx, Fix{UserID: "c9", Role: types.RoleCustomer, Point: pickup, ClientTS: at(2 * time.Second)})
	require.NoError(t, err)
	assert.True(t, ack.Applied)

	ack, err = f.svc.Ingest(ctx, Fix{UserID: "c9", Role: types.RoleCustomer, Point: north(pickup, 50), ClientTS: at(time.Second)})
	require.NoError(t, err)
	assert.False(t, ack.Applied)
}

func TestIngest_Bearing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ack, err := f.svc.Ingest(ctx, Fix{UserID: "d2", Role: types.RoleDriver, Point: pickup, Seq: seq(1)})
	require.NoError(t, err)
	assert.Nil(t, ack.Bearing, "no previous fix, no bearing")

	ack, err = f.svc.Ingest(ctx, Fix{UserID: "d2", Role: types.RoleDriver, Point: east(pickup, 100), Seq: seq(2)})
	require.NoError(t, err)
	require.NotNil(t, ack.Bearing)
	assert.InDelta(t, 90, *ack.Bearing, 1)

	ack, err = f.svc.Ingest(ctx, Fix{UserID: "d2", Role: types.RoleDriver, Point: north(east(pickup, 100), 2), Seq: seq(3)})
	require.NoError(t, err)
	require.NotNil(t, ack.Bearing)
	assert.InDelta(t, 90, *ack.Bearing, 1, "a 2 m move keeps the previous bearing")

	client := 181.5
	ack, err = f.svc.Ingest(ctx, Fix{UserID: "d2", Role: types.RoleDriver, Point: pickup, Seq: seq(4), Bearing: &client})
	require.NoError(t, err)
	assert.Equal(t, 181.5, *ack.Bearing)
}

func TestIngest_RelaysToCounterpart(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, Fix{UserID: "d1", Role: types.RoleDriver, Point: north(pickup, 300), Seq: seq(1)})
	require.NoError(t, err)
	require.Len(t, f.frames.sent["c1"], 1)
	e := f.frames.sent["c1"][0]
	assert.Equal(t, delivery.EventLocationUpdate, e.Type)
	assert.Equal(t, types.ID("t1"), e.TripID)
	assert.Equal(t, []types.ID{"t1"}, f.mirror.trips)

	tripID := types.ID("t1")
	_, err = f.svc.Ingest(ctx, Fix{UserID: "c1", Role: types.RoleCustomer, TripID: &tripID, Point: pickup, Seq: seq(1)})
	require.NoError(t, err)
	assert.Len(t, f.frames.sent["d1"], 1)
	assert.Len(t, f.mirror.trips, 1, "customer fixes are not mirrored")
}

func TestIngest_NoRelayForStrangersOrClosedTrips(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	tripID := types.ID("t1")

	_, err := f.svc.Ingest(ctx, Fix{UserID: "c2", Role: types.RoleCustomer, TripID: &tripID, Point: pickup})
	require.NoError(t, err)
	assert.Empty(t, f.frames.sent["d1"])

	f.trips["t1"].Status = trip.StatusCancelled
	_, err = f.svc.Ingest(ctx, Fix{UserID: "d1", Role: types.RoleDriver, Point: pickup, Seq: seq(1)})
	require.NoError(t, err)
	assert.Empty(t, f.frames.sent["c1"])
}

func TestIngest_LookaheadNearDrop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.trips["t1"].Status = trip.StatusRideStarted

	_, err := f.svc.Ingest(ctx, Fix{UserID: "d1", Role: types.RoleDriver, Point: north(drop, 1500), Seq: seq(1)})
	require.NoError(t, err)
	assert.Empty(t, f.reg.lookahead)

	_, err = f.svc.Ingest(ctx, Fix{UserID: "d1", Role: types.RoleDriver, Point: north(drop, 400), Seq: seq(2)})
	require.NoError(t, err)
	assert.Equal(t, []types.ID{"d1"}, f.reg.lookahead)
}

func TestIngest_LookaheadOnlyWhileRideStarted(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Ingest(context.Background(), Fix{UserID: "d1", Role: types.RoleDriver, Point: drop, Seq: seq(1)})
	require.NoError(t, err)
	assert.Empty(t, f.reg.lookahead)
}

func TestIngest_Validation(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Ingest(context.Background(), Fix{UserID: "d1", Role: types.RoleDriver, Point: types.Point{Lat: 91}})
	assert.Error(t, err)
	_, err = f.svc.Ingest(context.Background(), Fix{UserID: "x", Role: types.RoleSystem, Point: pickup})
	assert.Error(t, err)
}

func TestDriverLocation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.DriverLocation(ctx, "t1", "c1", types.RoleCustomer)
	assert.ErrorIs(t, err, ErrNoPosition)

	_, err = f.svc.Ingest(ctx, Fix{UserID: "d1", Role: types.RoleDriver, Point: north(pickup, 100), Seq: seq(1)})
	require.NoError(t, err)

	p, err := f.svc.DriverLocation(ctx, "t1", "c1", types.RoleCustomer)
	require.NoError(t, err)
	assert.Equal(t, types.ID("d1"), p.UserID)

	_, err = f.svc.DriverLocation(ctx, "t1", "c2", types.RoleCustomer)
	assert.ErrorIs(t, err, trip.ErrNotTripParty)
}

func TestStore_RedisOrdering(t *testing.T) {
	s := NewStore(testutil.Redis(t))
	ctx := context.Background()
	now := time.Now()

	apply := func(n int64, p types.Point) bool {
		ok, err := s.Apply(ctx, Fix{UserID: "d1", Role: types.RoleDriver, Point: p, Seq: seq(n)}, nil, now, now)
		require.NoError(t, err)
		return ok
	}
	assert.True(t, apply(1, pickup))
	assert.True(t, apply(5, north(pickup, 500)))
	assert.False(t, apply(4, north(pickup, 400)))
	assert.False(t, apply(5, north(pickup, 600)))

	last, err := s.Last(ctx, types.RoleDriver, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), *last.Seq)
	assert.InDelta(t, north(pickup, 500).Lat, last.Point.Lat, 1e-9)

	bearing := 45.0
	ok, err := s.Apply(ctx, Fix{UserID: "c1", Role: types.RoleCustomer, Point: drop}, &bearing, now, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Apply(ctx, Fix{UserID: "c1", Role: types.RoleCustomer, Point: pickup}, nil, now.Add(-time.Second), now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Last(ctx, types.RoleDriver, "nobody")
	assert.ErrorIs(t, err, ErrNoPosition)
}
