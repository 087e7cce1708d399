// Package dispatch matches pending ride requests to available drivers:
// candidate selection, the time-bounded offer protocol, and the atomic
// assignment commit.
package dispatch

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/store"
)

// Config carries the engine tunables. The offer window trades passenger
// wait against a human's time to glance and tap; it is deliberately a
// single fixed duration for all requests.
type Config struct {
	OfferWindow    time.Duration
	RetryBackoff   time.Duration
	SearchRadiusKm float64
	// ProcessDelay lets the store settle before the first selection
	// after a new-request notification.
	ProcessDelay time.Duration
	// Currency for payment holds placed after a commit.
	Currency string
}

func DefaultConfig() Config {
	return Config{
		OfferWindow:    15 * time.Second,
		RetryBackoff:   30 * time.Second,
		SearchRadiusKm: 30,
		ProcessDelay:   500 * time.Millisecond,
		Currency:       "cad",
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.OfferWindow <= 0 {
		c.OfferWindow = def.OfferWindow
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.SearchRadiusKm <= 0 {
		c.SearchRadiusKm = def.SearchRadiusKm
	}
	if c.Currency == "" {
		c.Currency = def.Currency
	}
}

// Notifier delivers a freshly created offer to the driver's client.
// Delivery is best-effort; the offer document in the store is the
// source of truth.
type Notifier interface {
	OfferCreated(driverID string, offer models.Offer) error
}

// PaymentHolder places a manual-capture hold for the fare total.
type PaymentHolder interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
}

// Engine orchestrates matching episodes. One instance per process is
// the normal deployment, but correctness never depends on that: the
// processing set and timer maps are local caches, and the store
// transaction is the only assignment guard.
type Engine struct {
	store store.Store
	cfg   Config
	log   *slog.Logger
	tx    *Transactor
	pool  *geo.Index

	// Optional collaborators, set before Start.
	Notifier Notifier
	Payments PaymentHolder
	ETA      *eta.Estimator

	mu          sync.Mutex
	started     bool
	runCtx      context.Context
	stopFn      context.CancelFunc
	wg          sync.WaitGroup
	processing  map[string]struct{}
	offerTimers map[string]*time.Timer
	retryTimers map[string]*time.Timer
}

func New(st store.Store, cfg Config, log *slog.Logger) *Engine {
	cfg.fillDefaults()
	return &Engine{
		store:       st,
		cfg:         cfg,
		log:         log,
		tx:          &Transactor{Store: st},
		pool:        geo.NewIndex(),
		processing:  make(map[string]struct{}),
		offerTimers: make(map[string]*time.Timer),
		retryTimers: make(map[string]*time.Timer),
	}
}

// Start opens the two live subscriptions (matchable drivers, requests
// entering pending) and begins processing. A second Start without an
// intervening Stop returns ErrAlreadyStarted: duplicate subscriptions
// would double-process every new request.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.runCtx, e.stopFn = context.WithCancel(ctx)
	runCtx := e.runCtx
	e.mu.Unlock()

	drvCh, err := e.store.WatchDrivers(runCtx)
	if err != nil {
		e.teardown()
		return err
	}
	reqCh, err := e.store.WatchPendingRequests(runCtx)
	if err != nil {
		e.teardown()
		return err
	}

	// Seed the pool so requests arriving before the first heartbeat
	// still see drivers who were already online.
	if drivers, err := e.store.ListDrivers(runCtx,
		models.DriverOnline, models.DriverEnRoute, models.DriverOnTrip); err == nil {
		for i := range drivers {
			e.pool.Upsert(drivers[i])
		}
	} else {
		e.log.Warn("driver pool seed failed", "error", err)
	}
	observability.DriversTracked.Set(float64(len(e.pool.Snapshot())))

	e.wg.Add(2)
	go e.driverLoop(runCtx, drvCh)
	go e.requestLoop(runCtx, reqCh)

	e.log.Info("dispatch engine started",
		"offer_window", e.cfg.OfferWindow,
		"retry_backoff", e.cfg.RetryBackoff,
		"search_radius_km", e.cfg.SearchRadiusKm)
	return nil
}

// Stop tears down subscriptions, cancels every pending timer and clears
// in-memory state. Persisted request/driver state is left untouched; an
// abrupt stop leaves the store consistent, just unattended.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	stop := e.stopFn
	e.mu.Unlock()

	stop()
	e.wg.Wait()
	e.teardown()
	e.log.Info("dispatch engine stopped")
}

func (e *Engine) teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.offerTimers {
		t.Stop()
		delete(e.offerTimers, id)
	}
	for id, t := range e.retryTimers {
		t.Stop()
		delete(e.retryTimers, id)
	}
	e.processing = make(map[string]struct{})
	e.started = false
	if e.stopFn != nil {
		e.stopFn()
	}
}

func (e *Engine) driverLoop(ctx context.Context, ch <-chan models.Driver) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			switch d.Status {
			case models.DriverOnline, models.DriverEnRoute, models.DriverOnTrip:
				e.pool.Upsert(d)
			default:
				e.pool.Remove(d.ID)
			}
			observability.DriversTracked.Set(float64(len(e.pool.Snapshot())))
		}
	}
}

func (e *Engine) requestLoop(ctx context.Context, ch <-chan models.Request) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			if e.midEpisode(r.ID) {
				continue
			}
			e.wg.Add(1)
			go func(id string) {
				defer e.wg.Done()
				if e.cfg.ProcessDelay > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(e.cfg.ProcessDelay):
					}
				}
				if err := e.ProcessRequest(ctx, id); err != nil {
					e.log.Warn("process request", "request_id", id, "error", err)
				}
			}(r.ID)
		}
	}
}

func (e *Engine) midEpisode(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, busy := e.processing[requestID]
	return busy
}

// ProcessRequest begins a matching episode for a pending request. It is
// a no-op when the request is already mid-episode, so a rapid
// double-notification never spawns two competing cascades.
func (e *Engine) ProcessRequest(ctx context.Context, requestID string) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if _, busy := e.processing[requestID]; busy {
		e.mu.Unlock()
		return nil
	}
	e.processing[requestID] = struct{}{}
	e.mu.Unlock()

	observability.EpisodesActive.Inc()
	return e.offerNext(ctx, requestID)
}

func (e *Engine) endEpisode(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.processing[requestID]; ok {
		delete(e.processing, requestID)
		observability.EpisodesActive.Dec()
	}
	if t, ok := e.offerTimers[requestID]; ok {
		t.Stop()
		delete(e.offerTimers, requestID)
	}
	if t, ok := e.retryTimers[requestID]; ok {
		t.Stop()
		delete(e.retryTimers, requestID)
	}
}

func (e *Engine) cancelOfferTimer(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.offerTimers[requestID]; ok {
		t.Stop()
		delete(e.offerTimers, requestID)
	}
}

// AcceptOffer commits the assignment for a driver who tapped accept.
// On success the episode ends; on a lost race the error is returned
// as-is and the episode is not retried from here.
func (e *Engine) AcceptOffer(ctx context.Context, requestID, driverID, driverName string, location *models.GeoPoint) (*models.ActiveRide, error) {
	e.cancelOfferTimer(requestID)

	ride, err := e.tx.Commit(ctx, requestID, driverID, driverName, location)
	if err != nil {
		observability.AssignmentConflicts.Inc()
		return nil, err
	}

	// Cosmetic, not correctness-critical: the ride record already won.
	if err := e.store.UpdateOfferStatus(ctx, requestID, driverID, models.OfferAccepted); err != nil {
		e.log.Debug("mark offer accepted", "request_id", requestID, "error", err)
	}

	e.endEpisode(requestID)
	observability.AssignmentsTotal.Inc()
	e.log.Info("assignment committed",
		"request_id", requestID, "driver_id", driverID, "ride_id", ride.ID)

	e.holdPayment(ride)
	return ride, nil
}

// DirectAssign is the operator bypass: no offer protocol, straight to
// the transactional commit, which still rejects a request that another
// driver's accept already won.
func (e *Engine) DirectAssign(ctx context.Context, requestID, driverID, driverName string, location *models.GeoPoint) (*models.ActiveRide, error) {
	return e.AcceptOffer(ctx, requestID, driverID, driverName, location)
}

func (e *Engine) holdPayment(ride *models.ActiveRide) {
	if e.Payments == nil {
		return
	}
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		cents := int64(math.Round(ride.Pricing.Total * 100))
		intentID, err := e.Payments.Hold(ctx, cents, e.cfg.Currency, ride.PassengerID)
		if err != nil {
			e.log.Warn("payment hold failed", "ride_id", ride.ID, "error", err)
			return
		}
		if err := e.store.SetRidePayment(ctx, ride.ID, intentID); err != nil {
			e.log.Warn("record payment hold", "ride_id", ride.ID, "error", err)
		}
	}()
}
