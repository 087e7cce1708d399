// Package store abstracts the transactional document store the engine
// runs against: plain document reads/writes, an optimistic
// read-modify-write transaction, and live change feeds over filtered
// collections.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when a referenced document does not exist.
var ErrNotFound = errors.New("document not found")

// Tx is the view handed to a transaction function. All reads observe a
// consistent snapshot and all writes commit together, or none do when
// the function returns an error.
type Tx interface {
	GetRequest(id string) (*models.Request, error)
	GetDriver(id string) (*models.Driver, error)
	PutRequest(r *models.Request) error
	PutDriver(d *models.Driver) error
	// CreateRide inserts a new active ride and returns its id.
	CreateRide(ride *models.ActiveRide) (string, error)
}

// Store is the persistence contract consumed by the dispatch engine
// and the HTTP layer.
type Store interface {
	CreateRequest(ctx context.Context, r *models.Request) (string, error)
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	// UpdateRequest applies mutate to the current document and persists
	// the result; mutate returning an error aborts the update.
	UpdateRequest(ctx context.Context, id string, mutate func(*models.Request) error) (*models.Request, error)
	ListRequests(ctx context.Context, statuses ...models.RequestStatus) ([]models.Request, error)

	UpsertDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ListDrivers(ctx context.Context, statuses ...models.DriverStatus) ([]models.Driver, error)

	PutOffer(ctx context.Context, o *models.Offer) error
	UpdateOfferStatus(ctx context.Context, requestID, driverID string, status models.OfferStatus) error

	GetRide(ctx context.Context, id string) (*models.ActiveRide, error)
	ListActiveRides(ctx context.Context) ([]models.ActiveRide, error)
	// UpdateRideStatus advances the ride lifecycle and keeps the
	// driver's status/current-ride reference in step.
	UpdateRideStatus(ctx context.Context, id string, status models.RideStatus) error
	SetRidePayment(ctx context.Context, rideID, paymentIntentID string) error

	// RunTransaction executes fn atomically with optimistic conflict
	// detection; fn returning an error aborts with nothing written.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// WatchPendingRequests emits every request entering the pending
	// state until ctx is done.
	WatchPendingRequests(ctx context.Context) (<-chan models.Request, error)
	// WatchDrivers emits every driver update until ctx is done;
	// going offline is emitted too so pool mirrors can evict.
	WatchDrivers(ctx context.Context) (<-chan models.Driver, error)

	Close() error
}

// NewID returns a random 16-hex-char document id.
func NewID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
