package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Memory is the in-process Store implementation. A single lock covers
// every operation, which makes RunTransaction trivially serializable;
// change feeds are fan-out channels notified after each write applies.
// It backs local runs and the engine's test suite.
type Memory struct {
	mu       sync.Mutex
	requests map[string]*models.Request
	drivers  map[string]*models.Driver
	offers   map[string]*models.Offer
	rides    map[string]*models.ActiveRide

	reqWatchers map[int]chan models.Request
	drvWatchers map[int]chan models.Driver
	nextWatcher int
}

func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[string]*models.Request),
		drivers:     make(map[string]*models.Driver),
		offers:      make(map[string]*models.Offer),
		rides:       make(map[string]*models.ActiveRide),
		reqWatchers: make(map[int]chan models.Request),
		drvWatchers: make(map[int]chan models.Driver),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateRequest(ctx context.Context, r *models.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Status == "" {
		r.Status = models.RequestPending
	}
	now := time.Now()
	if r.RequestedAt.IsZero() {
		r.RequestedAt = now
	}
	r.UpdatedAt = now
	m.requests[r.ID] = cloneRequest(r)
	if r.Status == models.RequestPending {
		m.notifyRequestLocked(r)
	}
	return r.ID, nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *Memory) UpdateRequest(ctx context.Context, id string, mutate func(*models.Request) error) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneRequest(cur)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	m.requests[id] = next
	if cur.Status != models.RequestPending && next.Status == models.RequestPending {
		m.notifyRequestLocked(next)
	}
	return cloneRequest(next), nil
}

func (m *Memory) ListRequests(ctx context.Context, statuses ...models.RequestStatus) ([]models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Request
	for _, r := range m.requests {
		if len(statuses) > 0 && !requestStatusIn(r.Status, statuses) {
			continue
		}
		out = append(out, *cloneRequest(r))
	}
	return out, nil
}

func (m *Memory) UpsertDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.UpdatedAt = time.Now()
	m.drivers[d.ID] = cloneDriver(d)
	m.notifyDriverLocked(d)
	return nil
}

func (m *Memory) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (m *Memory) ListDrivers(ctx context.Context, statuses ...models.DriverStatus) ([]models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Driver
	for _, d := range m.drivers {
		if len(statuses) > 0 && !statusIn(d.Status, statuses) {
			continue
		}
		out = append(out, *cloneDriver(d))
	}
	return out, nil
}

func (m *Memory) PutOffer(ctx context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = models.OfferID(o.RequestID, o.DriverID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	m.offers[o.ID] = cloneOffer(o)
	return nil
}

func (m *Memory) UpdateOfferStatus(ctx context.Context, requestID, driverID string, status models.OfferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[models.OfferID(requestID, driverID)]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	return nil
}

// GetOffer is used by tests and the driver-offer API.
func (m *Memory) GetOffer(ctx context.Context, requestID, driverID string) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[models.OfferID(requestID, driverID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOffer(o), nil
}

func (m *Memory) GetRide(ctx context.Context, id string) (*models.ActiveRide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *Memory) ListActiveRides(ctx context.Context) ([]models.ActiveRide, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ActiveRide
	for _, r := range m.rides {
		switch r.Status {
		case models.RideDriverAssigned, models.RideDriverArrived, models.RideInProgress:
			out = append(out, *cloneRide(r))
		}
	}
	return out, nil
}

func (m *Memory) UpdateRideStatus(ctx context.Context, id string, status models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	r.Status = status
	r.UpdatedAt = now
	switch status {
	case models.RideInProgress:
		r.StartedAt = &now
	case models.RideCompleted, models.RideCancelled:
		r.CompletedAt = &now
	}
	// Keep the driver's state in step with the ride it carries.
	if d, ok := m.drivers[r.DriverID]; ok {
		switch status {
		case models.RideInProgress:
			d.Status = models.DriverOnTrip
		case models.RideCompleted, models.RideCancelled:
			d.Status = models.DriverOnline
			d.CurrentRideID = ""
		}
		d.UpdatedAt = now
		m.notifyDriverLocked(d)
	}
	return nil
}

func (m *Memory) SetRidePayment(ctx context.Context, rideID, paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	r.PaymentIntentID = paymentIntentID
	return nil
}

// memTx stages reads and writes against the locked store so the
// transaction function sees its own writes and nothing commits until
// the function returns nil.
type memTx struct {
	m        *Memory
	requests map[string]*models.Request
	drivers  map[string]*models.Driver
	rides    map[string]*models.ActiveRide
}

func (t *memTx) GetRequest(id string) (*models.Request, error) {
	if r, ok := t.requests[id]; ok {
		return cloneRequest(r), nil
	}
	r, ok := t.m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (t *memTx) GetDriver(id string) (*models.Driver, error) {
	if d, ok := t.drivers[id]; ok {
		return cloneDriver(d), nil
	}
	d, ok := t.m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (t *memTx) PutRequest(r *models.Request) error {
	t.requests[r.ID] = cloneRequest(r)
	return nil
}

func (t *memTx) PutDriver(d *models.Driver) error {
	t.drivers[d.ID] = cloneDriver(d)
	return nil
}

func (t *memTx) CreateRide(ride *models.ActiveRide) (string, error) {
	if ride.ID == "" {
		ride.ID = NewID()
	}
	if _, exists := t.m.rides[ride.ID]; exists {
		return "", fmt.Errorf("ride %s already exists", ride.ID)
	}
	t.rides[ride.ID] = cloneRide(ride)
	return ride.ID, nil
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{
		m:        m,
		requests: make(map[string]*models.Request),
		drivers:  make(map[string]*models.Driver),
		rides:    make(map[string]*models.ActiveRide),
	}
	if err := fn(tx); err != nil {
		return err
	}
	now := time.Now()
	for id, r := range tx.requests {
		prev, had := m.requests[id]
		r.UpdatedAt = now
		m.requests[id] = r
		if (!had || prev.Status != models.RequestPending) && r.Status == models.RequestPending {
			m.notifyRequestLocked(r)
		}
	}
	for id, d := range tx.drivers {
		d.UpdatedAt = now
		m.drivers[id] = d
		m.notifyDriverLocked(d)
	}
	for id, r := range tx.rides {
		r.UpdatedAt = now
		m.rides[id] = r
	}
	return nil
}

func (m *Memory) WatchPendingRequests(ctx context.Context) (<-chan models.Request, error) {
	m.mu.Lock()
	ch := make(chan models.Request, 64)
	id := m.nextWatcher
	m.nextWatcher++
	m.reqWatchers[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.reqWatchers, id)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) WatchDrivers(ctx context.Context) (<-chan models.Driver, error) {
	m.mu.Lock()
	ch := make(chan models.Driver, 64)
	id := m.nextWatcher
	m.nextWatcher++
	m.drvWatchers[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.drvWatchers, id)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) notifyRequestLocked(r *models.Request) {
	for _, ch := range m.reqWatchers {
		select {
		case ch <- *cloneRequest(r):
		default: // slow consumer, drop rather than block the store
		}
	}
}

func (m *Memory) notifyDriverLocked(d *models.Driver) {
	for _, ch := range m.drvWatchers {
		select {
		case ch <- *cloneDriver(d):
		default:
		}
	}
}

func requestStatusIn(s models.RequestStatus, set []models.RequestStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func statusIn(s models.DriverStatus, set []models.DriverStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func cloneRequest(r *models.Request) *models.Request {
	c := *r
	if r.OfferExpiresAt != nil {
		t := *r.OfferExpiresAt
		c.OfferExpiresAt = &t
	}
	if r.DeclinedByDriverIDs != nil {
		c.DeclinedByDriverIDs = append([]string(nil), r.DeclinedByDriverIDs...)
	}
	return &c
}

func cloneDriver(d *models.Driver) *models.Driver {
	c := *d
	if d.Location != nil {
		l := *d.Location
		c.Location = &l
	}
	if d.OnlineSince != nil {
		t := *d.OnlineSince
		c.OnlineSince = &t
	}
	return &c
}

func cloneOffer(o *models.Offer) *models.Offer {
	c := *o
	return &c
}

func cloneRide(r *models.ActiveRide) *models.ActiveRide {
	c := *r
	if r.DriverLocation != nil {
		l := *r.DriverLocation
		c.DriverLocation = &l
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.FinalPrice != nil {
		p := *r.FinalPrice
		c.FinalPrice = &p
	}
	return &c
}
