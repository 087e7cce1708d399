package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/store"
)

// Failure taxonomy for a matching episode. Only ErrNoDriverAvailable is
// recoverable (backoff retry); the rest are reported to the caller and
// never retried silently.
var (
	ErrNoDriverAvailable = errors.New("no driver available")
	ErrRequestNotFound   = errors.New("request not found")
	ErrAlreadyAssigned   = errors.New("request already assigned")
	ErrOfferMismatch     = errors.New("offer belongs to another driver")
	ErrDriverUnavailable = errors.New("driver unavailable at commit")
	ErrAlreadyStarted    = errors.New("engine already started")
	ErrNotStarted        = errors.New("engine not started")
)

// Transactor is the only component allowed to create an active ride.
// Commit runs a single atomic read-check-write: request, driver and the
// new ride transition together or not at all.
type Transactor struct {
	Store store.Store
}

// Commit assigns driverID to requestID. The store transaction re-checks
// every precondition at commit time, so it stays correct even when the
// in-process episode bookkeeping was bypassed (a second engine
// instance, a stale client, a manual assignment).
func (t *Transactor) Commit(ctx context.Context, requestID, driverID, driverName string, driverLocation *models.GeoPoint) (*models.ActiveRide, error) {
	var ride *models.ActiveRide
	err := t.Store.RunTransaction(ctx, func(tx store.Tx) error {
		req, err := tx.GetRequest(requestID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		if !req.Assignable() {
			return ErrAlreadyAssigned
		}
		if req.OfferedToDriverID != "" && req.OfferedToDriverID != driverID {
			return ErrOfferMismatch
		}

		// Availability is checked here, not at selection time: driver
		// state is mutated externally (heartbeats, going offline) and
		// may have changed since the offer went out.
		drv, err := tx.GetDriver(driverID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrDriverUnavailable
		}
		if err != nil {
			return err
		}
		if !drv.Available() {
			return ErrDriverUnavailable
		}

		if driverName == "" {
			driverName = drv.Name
		}
		if driverLocation == nil {
			driverLocation = drv.Location
		}

		now := time.Now()
		ride = &models.ActiveRide{
			RequestID:            req.ID,
			PassengerID:          req.PassengerID,
			PassengerName:        req.PassengerName,
			PassengerPhone:       req.PassengerPhone,
			DriverID:             driverID,
			DriverName:           driverName,
			DriverLocation:       driverLocation,
			Pickup:               req.Pickup,
			Destination:          req.Destination,
			ServiceClass:         req.ServiceClass,
			EstimatedDistanceKm:  req.EstimatedDistanceKm,
			EstimatedDurationMin: req.EstimatedDurationMin,
			Pricing:              pricing.Snapshot(req.EstimatedPrice, req.SurgeMultiplier),
			Status:               models.RideDriverAssigned,
			AssignedAt:           now,
		}
		rideID, err := tx.CreateRide(ride)
		if err != nil {
			return err
		}
		ride.ID = rideID

		req.Status = models.RequestDriverAssigned
		req.AssignedDriverID = driverID
		req.ActiveRideID = rideID
		if err := tx.PutRequest(req); err != nil {
			return err
		}

		drv.Status = models.DriverEnRoute
		drv.CurrentRideID = rideID
		return tx.PutDriver(drv)
	})
	if err != nil {
		return nil, err
	}
	return ride, nil
}
