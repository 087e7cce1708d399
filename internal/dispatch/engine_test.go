package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, st store.Store, cfg Config) *Engine {
	t.Helper()
	return New(st, cfg, discardLogger())
}

func ptr(p models.GeoPoint) *models.GeoPoint { return &p }

func onlineDriver(id string, lat, lng float64, since time.Duration) *models.Driver {
	t := time.Now().Add(-since)
	return &models.Driver{
		ID:          id,
		Name:        "Driver " + id,
		Status:      models.DriverOnline,
		Location:    ptr(models.GeoPoint{Latitude: lat, Longitude: lng}),
		OnlineSince: &t,
		Rating:      4.8,
	}
}

func pendingRequest(id string) *models.Request {
	return &models.Request{
		ID:             id,
		PassengerID:    "p1",
		PassengerName:  "Alice",
		Pickup:         models.Place{Address: "A", Location: models.GeoPoint{Latitude: 45.50, Longitude: -73.57}},
		Destination:    models.Place{Address: "B", Location: models.GeoPoint{Latitude: 45.55, Longitude: -73.60}},
		ServiceClass:   "standard",
		EstimatedPrice: 23.00,
		Status:         models.RequestPending,
	}
}

// recordingNotifier captures offers as they go out.
type recordingNotifier struct {
	mu     sync.Mutex
	offers []models.Offer
}

func (n *recordingNotifier) OfferCreated(driverID string, o models.Offer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, o)
	return nil
}

func (n *recordingNotifier) drivers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.offers))
	for i, o := range n.offers {
		out[i] = o.DriverID
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestStartedGuard(t *testing.T) {
	st := store.NewMemory()
	e := newTestEngine(t, st, DefaultConfig())
	ctx := context.Background()

	if err := e.ProcessRequest(ctx, "r1"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted before Start, got %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer e.Stop()
	if err := e.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestOfferAndAccept(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	if err := st.UpsertDriver(ctx, onlineDriver("d1", 45.51, -73.57, time.Hour)); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, st, Config{OfferWindow: time.Second, RetryBackoff: time.Second})
	rec := &recordingNotifier{}
	e.Notifier = rec
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	if _, err := st.CreateRequest(ctx, pendingRequest("r1")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		r, err := st.GetRequest(ctx, "r1")
		return err == nil && r.Status == models.RequestOffered && r.OfferedToDriverID == "d1"
	})

	r, _ := st.GetRequest(ctx, "r1")
	if r.OfferExpiresAt == nil {
		t.Fatal("offered request must carry an expiry")
	}
	if got := rec.drivers(); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("notifier saw %v", got)
	}

	ride, err := e.AcceptOffer(ctx, "r1", "d1", "", nil)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if ride.ID == "" || ride.DriverID != "d1" {
		t.Fatalf("bad ride %+v", ride)
	}

	r, _ = st.GetRequest(ctx, "r1")
	if r.Status != models.RequestDriverAssigned || r.ActiveRideID != ride.ID {
		t.Fatalf("request not assigned: %+v", r)
	}
	d, _ := st.GetDriver(ctx, "d1")
	if d.Status != models.DriverEnRoute || d.CurrentRideID != ride.ID {
		t.Fatalf("driver not en-route: %+v", d)
	}
	o, err := st.GetOffer(ctx, "r1", "d1")
	if err != nil || o.Status != models.OfferAccepted {
		t.Fatalf("offer not accepted: %+v err=%v", o, err)
	}
}

func TestDeclineCascadesToNextDriver(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	// d1 has waited longer, so the first offer goes there.
	st.UpsertDriver(ctx, onlineDriver("d1", 45.51, -73.57, time.Hour))
	st.UpsertDriver(ctx, onlineDriver("d2", 45.52, -73.57, time.Minute))

	e := newTestEngine(t, st, Config{OfferWindow: time.Second, RetryBackoff: time.Second})
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	st.CreateRequest(ctx, pendingRequest("r1"))
	waitFor(t, 2*time.Second, func() bool {
		r, err := st.GetRequest(ctx, "r1")
		return err == nil && r.OfferedToDriverID == "d1"
	})

	if err := e.DeclineOffer(ctx, "r1", "d1"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	r, _ := st.GetRequest(ctx, "r1")
	if r.OfferedToDriverID != "d2" {
		t.Fatalf("expected cascade to d2, got %q (status %s)", r.OfferedToDriverID, r.Status)
	}
	if len(r.DeclinedByDriverIDs) != 1 || r.DeclinedByDriverIDs[0] != "d1" {
		t.Fatalf("exclusion set = %v", r.DeclinedByDriverIDs)
	}
	o, err := st.GetOffer(ctx, "r1", "d1")
	if err != nil || o.Status != models.OfferDeclined {
		t.Fatalf("first offer not marked declined: %+v err=%v", o, err)
	}
}

func TestExpiryCascadesToNextDriver(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	st.UpsertDriver(ctx, onlineDriver("d1", 45.51, -73.57, time.Hour))
	st.UpsertDriver(ctx, onlineDriver("d2", 45.52, -73.57, time.Minute))

	e := newTestEngine(t, st, Config{OfferWindow: 60 * time.Millisecond, RetryBackoff: time.Second})
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	st.CreateRequest(ctx, pendingRequest("r1"))
	waitFor(t, 2*time.Second, func() bool {
		r, err := st.GetRequest(ctx, "r1")
		return err == nil && r.OfferedToDriverID == "d2"
	})

	r, _ := st.GetRequest(ctx, "r1")
	if len(r.DeclinedByDriverIDs) != 1 || r.DeclinedByDriverIDs[0] != "d1" {
		t.Fatalf("exclusion set after expiry = %v", r.DeclinedByDriverIDs)
	}
	o, err := st.GetOffer(ctx, "r1", "d1")
	if err != nil || o.Status != models.OfferExpired {
		t.Fatalf("timed-out offer not marked expired: %+v err=%v", o, err)
	}
}

func TestNoDriverBackoffRetries(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	e := newTestEngine(t, st, Config{OfferWindow: time.Second, RetryBackoff: 60 * time.Millisecond})
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	st.CreateRequest(ctx, pendingRequest("r1"))
	// Give the first episode time to exhaust the empty pool.
	time.Sleep(20 * time.Millisecond)

	// A driver comes online before the retry fires.
	st.UpsertDriver(ctx, onlineDriver("d1", 45.51, -73.57, time.Hour))

	waitFor(t, 2*time.Second, func() bool {
		r, err := st.GetRequest(ctx, "r1")
		return err == nil && r.OfferedToDriverID == "d1"
	})
}

func TestRetryResetsExclusions(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	st.UpsertDriver(ctx, onlineDriver("d1", 45.51, -73.57, time.Hour))

	e := newTestEngine(t, st, Config{OfferWindow: time.Second, RetryBackoff: 60 * time.Millisecond})
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	st.CreateRequest(ctx, pendingRequest("r1"))
	waitFor(t, 2*time.Second, func() bool {
		r, err := st.GetRequest(ctx, "r1")
		return err == nil && r.OfferedToDriverID == "d1"
	})

	// Sole driver declines; the episode exhausts and parks for backoff.
	if err := e.DeclineOffer(ctx, "r1", "d1"); err != nil {
		t.Fatalf("decline: %v", err)
	}

	// The retry episode clears the exclusion set and re-offers to d1.
	waitFor(t, 2*time.Second, func() bool {
		r, err := st.GetRequest(ctx, "r1")
		return err == nil && r.OfferedToDriverID == "d1" && len(r.DeclinedByDriverIDs) == 0
	})
}

func TestConcurrentDirectAssignExactlyOnce(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	st.UpsertDriver(ctx, onlineDriver("d1", 45.51, -73.57, time.Hour))
	st.UpsertDriver(ctx, onlineDriver("d2", 45.52, -73.57, time.Hour))
	st.CreateRequest(ctx, pendingRequest("r1"))

	e := newTestEngine(t, st, DefaultConfig())

	type result struct {
		ride *models.ActiveRide
		err  error
	}
	results := make(chan result, 2)
	var start sync.WaitGroup
	start.Add(1)
	for _, id := range []string{"d1", "d2"} {
		go func(driverID string) {
			start.Wait()
			ride, err := e.DirectAssign(ctx, "r1", driverID, "", nil)
			results <- result{ride, err}
		}(id)
	}
	start.Done()

	var wins, losses int
	var rideID string
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			wins++
			rideID = res.ride.ID
		} else if errors.Is(res.err, ErrAlreadyAssigned) {
			losses++
		} else {
			t.Fatalf("unexpected error: %v", res.err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}

	r, _ := st.GetRequest(ctx, "r1")
	if r.Status != models.RequestDriverAssigned || r.ActiveRideID != rideID {
		t.Fatalf("request after race: %+v", r)
	}
	rides, _ := st.ListActiveRides(ctx)
	if len(rides) != 1 {
		t.Fatalf("expected exactly one ride, got %d", len(rides))
	}
}

func TestAcceptByWrongDriverRejected(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	st.UpsertDriver(ctx, onlineDriver("d1", 45.51, -73.57, time.Hour))
	st.UpsertDriver(ctx, onlineDriver("d2", 45.52, -73.57, time.Minute))

	e := newTestEngine(t, st, Config{OfferWindow: time.Second, RetryBackoff: time.Second})
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Stop()

	st.CreateRequest(ctx, pendingRequest("r1"))
	waitFor(t, 2*time.Second, func() bool {
		r, err := st.GetRequest(ctx, "r1")
		return err == nil && r.OfferedToDriverID == "d1"
	})

	if _, err := e.AcceptOffer(ctx, "r1", "d2", "", nil); !errors.Is(err, ErrOfferMismatch) {
		t.Fatalf("expected ErrOfferMismatch, got %v", err)
	}
	// The rightful holder still wins.
	if _, err := e.AcceptOffer(ctx, "r1", "d1", "", nil); err != nil {
		t.Fatalf("accept by offer holder: %v", err)
	}
}

func TestAcceptAfterAssignmentRejected(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	st.UpsertDriver(ctx, onlineDriver("d1", 45.51, -73.57, time.Hour))
	st.UpsertDriver(ctx, onlineDriver("d2", 45.52, -73.57, time.Hour))
	st.CreateRequest(ctx, pendingRequest("r1"))

	e := newTestEngine(t, st, DefaultConfig())
	if _, err := e.DirectAssign(ctx, "r1", "d1", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AcceptOffer(ctx, "r1", "d2", "", nil); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
}

func TestBusyDriverRejectedAtCommit(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	d := onlineDriver("d1", 45.51, -73.57, time.Hour)
	d.CurrentRideID = "other-ride"
	st.UpsertDriver(ctx, d)
	st.CreateRequest(ctx, pendingRequest("r1"))

	e := newTestEngine(t, st, DefaultConfig())
	if _, err := e.DirectAssign(ctx, "r1", "d1", "", nil); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable, got %v", err)
	}
}

func TestPaymentHoldRecordedOnRide(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	st.UpsertDriver(ctx, onlineDriver("d1", 45.51, -73.57, time.Hour))
	st.CreateRequest(ctx, pendingRequest("r1"))

	e := newTestEngine(t, st, DefaultConfig())
	e.Payments = holdFunc(func(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
		if amountCents != 2300 {
			return "", errors.New("wrong amount")
		}
		return "pi_test", nil
	})

	ride, err := e.DirectAssign(ctx, "r1", "d1", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		got, err := st.GetRide(ctx, ride.ID)
		return err == nil && got.PaymentIntentID == "pi_test"
	})
}

type holdFunc func(ctx context.Context, amountCents int64, currency, customerID string) (string, error)

func (f holdFunc) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	return f(ctx, amountCents, currency, customerID)
}
