// README: In-memory collaborators for trip service tests.
package trip

import (
	"context"
	"sync"
	"time"

	"rideflow/internal/modules/delivery"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/registry"
	"rideflow/internal/modules/rewards"
	"rideflow/internal/types"
)

type memRepo struct {
	mu     sync.Mutex
	trips  map[types.ID]*Trip
	events []StateEvent
}

func newMemRepo() *memRepo {
	return &memRepo{trips: map[types.ID]*Trip{}}
}

func clone(t *Trip) *Trip {
	cp := *t
	return &cp
}

func (r *memRepo) Create(_ context.Context, t *Trip) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trips[t.ID] = clone(t)
	return nil
}

func (r *memRepo) Get(_ context.Context, id types.ID) (*Trip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	return clone(t), nil
}

func (r *memRepo) HasActiveByCustomer(_ context.Context, customerID types.ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.trips {
		if t.CustomerID == customerID && !t.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) Assign(_ context.Context, id, driverID types.ID, code string, expected *int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trips[id]
	if !ok || t.Status != StatusRequested || (expected != nil && t.Version != *expected) {
		return false, nil
	}
	assignTrip(t, driverID, code, at)
	return true, nil
}

func (r *memRepo) Transition(_ context.Context, c Change) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trips[c.TripID]
	if !ok || t.Status != c.From || t.Version != c.Version {
		return false, nil
	}
	applyChange(t, c)
	return true, nil
}

func (r *memRepo) AppendEvent(_ context.Context, e *StateEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *memRepo) RequestedBefore(_ context.Context, cutoff time.Time) ([]*Trip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Trip
	for _, t := range r.trips {
		if t.Status == StatusRequested && t.CreatedAt.Before(cutoff) {
			out = append(out, clone(t))
		}
	}
	return out, nil
}

// settle mimics the settlement write: ride_started at the same version and
// not yet paid.
func (r *memRepo) settle(t *Trip, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.trips[t.ID]
	if !ok || cur.Status != StatusRideStarted || cur.Version != t.Version || cur.Payment.Collected {
		return false
	}
	cur.Status = StatusCompleted
	cur.Version++
	cur.Payment.Collected = true
	cur.Payment.CollectedAt = &at
	cur.CompletedAt = &at
	return true
}

type memParties struct {
	mu          sync.Mutex
	drivers     map[types.ID]*registry.Driver
	customers   map[types.ID]*registry.Customer
	customerErr error
}

func newMemParties() *memParties {
	return &memParties{drivers: map[types.ID]*registry.Driver{}, customers: map[types.ID]*registry.Customer{}}
}

func (p *memParties) addDriver(id types.ID, at types.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loc := at
	p.drivers[id] = &registry.Driver{ID: id, Name: string(id), VehicleType: "bike", Online: true, AcceptingRequests: true, Location: &loc}
}

func (p *memParties) driver(id types.ID) registry.Driver {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.drivers[id]
}

func (p *memParties) Driver(_ context.Context, id types.ID) (*registry.Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[id]
	if !ok {
		return nil, registry.ErrDriverNotFound
	}
	cp := *d
	return &cp, nil
}

func (p *memParties) Customer(_ context.Context, id types.ID) (*registry.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.customerErr != nil {
		return nil, p.customerErr
	}
	c, ok := p.customers[id]
	if !ok {
		return nil, registry.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (p *memParties) ReserveDriver(_ context.Context, driverID, tripID types.ID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[driverID]
	if !ok {
		return false, nil
	}
	id := tripID
	switch {
	case !d.Busy && d.CurrentTripID == nil:
		d.CurrentTripID = &id
	case d.Busy && d.AcceptingRequests && d.NextTripID == nil && *d.CurrentTripID != tripID:
		d.NextTripID = &id
	default:
		return false, nil
	}
	d.Busy = true
	d.AcceptingRequests = false
	return true, nil
}

// lookahead puts driverID mid-ride on tripID with the look-ahead flag up.
func (p *memParties) lookahead(driverID, tripID types.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := tripID
	d := p.drivers[driverID]
	d.Busy = true
	d.CurrentTripID = &id
	d.AcceptingRequests = true
}

func (p *memParties) ReleaseDriver(_ context.Context, driverID, tripID types.ID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[driverID]
	if !ok || !d.Holds(tripID) {
		return false, nil
	}
	if d.NextTripID != nil && *d.NextTripID == tripID {
		d.NextTripID = nil
		d.AcceptingRequests = true
		return true, nil
	}
	d.CurrentTripID = d.NextTripID
	d.NextTripID = nil
	d.Busy = d.CurrentTripID != nil
	d.AcceptingRequests = !d.Busy
	return true, nil
}

func (p *memParties) ClearDestinationMode(_ context.Context, driverID types.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.drivers[driverID]; ok {
		d.Destination = registry.DestinationMode{}
	}
	return nil
}

type withdrawal struct {
	tripID types.ID
	skip   types.ID
	event  string
}

type fakeDispatcher struct {
	mu        sync.Mutex
	begun     []types.ID
	halted    []types.ID
	withdrawn []withdrawal
	notified  int
}

func (d *fakeDispatcher) Begin(_ context.Context, t *Trip) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.begun = append(d.begun, t.ID)
	return d.notified, nil
}

func (d *fakeDispatcher) Halt(id types.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = append(d.halted, id)
}

func (d *fakeDispatcher) Withdraw(tripID, skip types.ID, event string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.withdrawn = append(d.withdrawn, withdrawal{tripID, skip, event})
}

func (d *fakeDispatcher) withdrawals() []withdrawal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]withdrawal(nil), d.withdrawn...)
}

type memWallet struct {
	mu       sync.Mutex
	balance  map[types.ID]int64
	redeemed map[types.ID]int64
	refunded map[types.ID]bool
}

func newMemWallet() *memWallet {
	return &memWallet{balance: map[types.ID]int64{}, redeemed: map[types.ID]int64{}, refunded: map[types.ID]bool{}}
}

func (w *memWallet) Redeem(_ context.Context, customerID, tripID types.ID, coins int64) error {
	if coins <= 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balance[customerID] < coins {
		return rewards.ErrInsufficientCoins
	}
	w.balance[customerID] -= coins
	w.redeemed[tripID] = coins
	return nil
}

func (w *memWallet) Refund(_ context.Context, customerID, tripID types.ID) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refunded[tripID] {
		return 0, nil
	}
	coins := w.redeemed[tripID]
	w.refunded[tripID] = true
	w.balance[customerID] += coins
	return coins, nil
}

func (w *memWallet) coins(id types.ID) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance[id]
}

type staticSettings struct{ st pricing.Settings }

func (s staticSettings) Settings(context.Context) (pricing.Settings, error) { return s.st, nil }

type fakeSettler struct {
	repo    *memRepo
	parties *memParties
	mu      sync.Mutex
	settled int
	closed  []types.ID
}

func (f *fakeSettler) Settle(ctx context.Context, t *Trip) (*Trip, error) {
	if !f.repo.settle(t, time.Now()) {
		return nil, ErrStaleVersion
	}
	if _, err := f.parties.ReleaseDriver(ctx, *t.DriverID, t.ID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.settled++
	f.mu.Unlock()
	return f.repo.Get(ctx, t.ID)
}

func (f *fakeSettler) RecordClosed(_ context.Context, t *Trip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, t.ID)
	return nil
}

type sent struct {
	to    types.ID
	event delivery.Event
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *recordingNotifier) Notify(to delivery.Recipient, e delivery.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{to.UserID, e})
}

func (n *recordingNotifier) Deliver(_ context.Context, to delivery.Recipient, e delivery.Event) delivery.Outcome {
	n.Notify(to, e)
	return delivery.OutcomeRealtime
}

func (n *recordingNotifier) eventsFor(id types.ID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.to == id {
			out = append(out, s.event.Type)
		}
	}
	return out
}

type fixedETA time.Duration

func (e fixedETA) PickupETA(context.Context, types.Point, types.Point) (time.Duration, error) {
	return time.Duration(e), nil
}
