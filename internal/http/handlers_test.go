package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := dispatch.New(st, dispatch.DefaultConfig(), logger)
	return NewServer(st, eng, logger), st
}

func doJSON(t *testing.T, srv http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestCreateRequestEstimatesPrice(t *testing.T) {
	srv, st := newTestServer(t)

	w := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"passenger_id":           "p1",
		"service_class":          "standard",
		"estimated_distance_km":  10,
		"estimated_duration_min": 20,
		"pickup":                 models.Place{Location: models.GeoPoint{Latitude: 45.5, Longitude: -73.57}},
		"destination":            models.Place{Location: models.GeoPoint{Latitude: 45.55, Longitude: -73.6}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var created models.Request
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != models.RequestPending {
		t.Fatalf("created = %+v", created)
	}
	if created.EstimatedPrice <= 0 {
		t.Fatal("price not estimated for unquoted request")
	}

	stored, err := st.GetRequest(httptest.NewRequest("GET", "/", nil).Context(), created.ID)
	if err != nil || stored.Status != models.RequestPending {
		t.Fatalf("stored = %+v err=%v", stored, err)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{"service_class": "xl"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHeartbeatStoresDriver(t *testing.T) {
	srv, st := newTestServer(t)
	w := doJSON(t, srv, "POST", "/internal/driver/locations", map[string]any{
		"id":       "d1",
		"name":     "Dana",
		"location": models.GeoPoint{Latitude: 45.5, Longitude: -73.57},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	d, err := st.GetDriver(httptest.NewRequest("GET", "/", nil).Context(), "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != models.DriverOnline {
		t.Fatalf("heartbeat without status should default online, got %s", d.Status)
	}
}

func TestDirectAssignEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := httptest.NewRequest("GET", "/", nil).Context()
	since := time.Now().Add(-time.Hour)
	st.UpsertDriver(ctx, &models.Driver{
		ID: "d1", Name: "Dana", Status: models.DriverOnline, OnlineSince: &since,
	})
	st.CreateRequest(ctx, &models.Request{
		ID: "r1", PassengerID: "p1", Status: models.RequestPending, EstimatedPrice: 20,
	})

	w := doJSON(t, srv, "POST", "/api/v1/requests/r1/assign", map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var ride models.ActiveRide
	if err := json.Unmarshal(w.Body.Bytes(), &ride); err != nil {
		t.Fatal(err)
	}
	if ride.DriverID != "d1" || ride.Status != models.RideDriverAssigned {
		t.Fatalf("ride = %+v", ride)
	}

	// A second assignment for the same request conflicts.
	w = doJSON(t, srv, "POST", "/api/v1/requests/r1/assign", map[string]any{"driver_id": "d1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second assign status = %d", w.Code)
	}

	// Ride lifecycle endpoint.
	w = doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/status", map[string]any{"status": "in-progress"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("ride status = %d", w.Code)
	}
	got, _ := st.GetRide(ctx, ride.ID)
	if got.Status != models.RideInProgress {
		t.Fatalf("ride not advanced: %s", got.Status)
	}

	w = doJSON(t, srv, "POST", "/api/v1/rides/"+ride.ID+"/status", map[string]any{"status": "teleporting"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid status = %d", w.Code)
	}
}

func TestDispatchStats(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := httptest.NewRequest("GET", "/", nil).Context()
	st.UpsertDriver(ctx, &models.Driver{ID: "d1", Status: models.DriverOnline})
	st.UpsertDriver(ctx, &models.Driver{ID: "d2", Status: models.DriverOnTrip, CurrentRideID: "x"})
	st.UpsertDriver(ctx, &models.Driver{ID: "d3", Status: models.DriverOffline})
	st.CreateRequest(ctx, &models.Request{ID: "r1", PassengerID: "p1", Status: models.RequestPending})

	req := httptest.NewRequest("GET", "/api/v1/dispatch/stats", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats struct {
		DriversOnline   int     `json:"drivers_online"`
		DriversOnTrip   int     `json:"drivers_on_trip"`
		PendingRequests int     `json:"pending_requests"`
		SurgeMultiplier float64 `json:"surge_multiplier"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.DriversOnline != 1 || stats.DriversOnTrip != 1 || stats.PendingRequests != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.SurgeMultiplier < 1 || stats.SurgeMultiplier > 3 {
		t.Fatalf("surge out of range: %v", stats.SurgeMultiplier)
	}
}

func TestGetMissingRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/requests/nope", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}
