// Package httpapi exposes the dispatch engine over HTTP: passenger
// request intake, driver offer responses, ride lifecycle updates and
// the driver heartbeat/websocket surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/store"
)

// PaymentLifecycle settles a previously-held PaymentIntent when the
// ride reaches a terminal state.
type PaymentLifecycle interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type Server struct {
	Store    store.Store
	Engine   *dispatch.Engine
	Geo      *geo.RedisIndex
	Kafka    *ingest.KafkaProducer
	WSReg    *notify.WSRegistry
	Payments PaymentLifecycle

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(st store.Store, eng *dispatch.Engine, logger *slog.Logger) *Server {
	s := &Server{
		Store:  st,
		Engine: eng,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/assign", s.handleDirectAssign).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/status", s.handleRideStatus).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/nearby", s.handleNearbyDrivers).Methods("GET")
	s.mux.HandleFunc("/api/v1/dispatch/stats", s.handleDispatchStats).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PassengerID == "" {
		http.Error(w, "passenger_id required", http.StatusBadRequest)
		return
	}
	if req.SurgeMultiplier < 1 {
		req.SurgeMultiplier = 1
	}
	if req.EstimatedPrice == 0 {
		fare := pricing.Estimate(req.EstimatedDistanceKm, req.EstimatedDurationMin,
			req.SurgeMultiplier, req.ServiceClass)
		req.EstimatedPrice = fare.Total
	}
	req.Status = models.RequestPending
	req.RequestedAt = time.Now()

	id, err := s.Store.CreateRequest(r.Context(), &req)
	if err != nil {
		http.Error(w, "create request failed", http.StatusInternalServerError)
		return
	}
	req.ID = id
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := s.Store.GetRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

type driverActionBody struct {
	DriverID   string           `json:"driver_id"`
	DriverName string           `json:"driver_name,omitempty"`
	Location   *models.GeoPoint `json:"location,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var body driverActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	ride, err := s.Engine.AcceptOffer(r.Context(), requestID, body.DriverID, body.DriverName, body.Location)
	if err != nil {
		s.writeAssignError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var body driverActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if err := s.Engine.DeclineOffer(r.Context(), requestID, body.DriverID); err != nil {
		if errors.Is(err, dispatch.ErrRequestNotFound) {
			http.Error(w, "request not found", http.StatusNotFound)
			return
		}
		http.Error(w, "decline failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDirectAssign(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var body driverActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	ride, err := s.Engine.DirectAssign(r.Context(), requestID, body.DriverID, body.DriverName, body.Location)
	if err != nil {
		s.writeAssignError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

func (s *Server) writeAssignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrRequestNotFound):
		http.Error(w, "request not found", http.StatusNotFound)
	case errors.Is(err, dispatch.ErrAlreadyAssigned):
		http.Error(w, "request already assigned", http.StatusConflict)
	case errors.Is(err, dispatch.ErrOfferMismatch):
		http.Error(w, "offer belongs to another driver", http.StatusConflict)
	case errors.Is(err, dispatch.ErrDriverUnavailable):
		http.Error(w, "driver unavailable", http.StatusConflict)
	default:
		http.Error(w, "assignment failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ride, err := s.Store.GetRide(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "ride not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, ride)
}

var rideTransitions = map[models.RideStatus]bool{
	models.RideDriverArrived: true,
	models.RideInProgress:    true,
	models.RideCompleted:     true,
	models.RideCancelled:     true,
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Status models.RideStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !rideTransitions[body.Status] {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	if err := s.Store.UpdateRideStatus(r.Context(), id, body.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "ride not found", http.StatusNotFound)
			return
		}
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	s.settlePayment(r, id, body.Status)
	w.WriteHeader(http.StatusNoContent)
}

// settlePayment captures the hold on completion and releases it on
// cancellation. Best-effort: a settlement failure is an ops alert, not
// a reason to fail the status update that already committed.
func (s *Server) settlePayment(r *http.Request, rideID string, status models.RideStatus) {
	if s.Payments == nil {
		return
	}
	if status != models.RideCompleted && status != models.RideCancelled {
		return
	}
	ride, err := s.Store.GetRide(r.Context(), rideID)
	if err != nil || ride.PaymentIntentID == "" {
		return
	}
	if status == models.RideCompleted {
		err = s.Payments.Capture(r.Context(), ride.PaymentIntentID)
	} else {
		err = s.Payments.Cancel(r.Context(), ride.PaymentIntentID)
	}
	if err != nil {
		s.logger.Warn("payment settle", "ride_id", rideID, "status", status, "error", err)
	}
}

type dispatchStats struct {
	DriversOnline   int     `json:"drivers_online"`
	DriversEnRoute  int     `json:"drivers_en_route"`
	DriversOnTrip   int     `json:"drivers_on_trip"`
	PendingRequests int     `json:"pending_requests"`
	ActiveRides     int     `json:"active_rides"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
}

// handleDispatchStats backs the dispatcher dashboard cards. The surge
// figure is a suggestion derived from current demand and supply,
// smoothed against the previous value the dashboard passes back.
func (s *Server) handleDispatchStats(w http.ResponseWriter, r *http.Request) {
	drivers, err := s.Store.ListDrivers(r.Context(),
		models.DriverOnline, models.DriverEnRoute, models.DriverOnTrip)
	if err != nil {
		http.Error(w, "driver lookup failed", http.StatusInternalServerError)
		return
	}
	pending, err := s.Store.ListRequests(r.Context(), models.RequestPending, models.RequestOffered)
	if err != nil {
		http.Error(w, "request lookup failed", http.StatusInternalServerError)
		return
	}
	rides, err := s.Store.ListActiveRides(r.Context())
	if err != nil {
		http.Error(w, "ride lookup failed", http.StatusInternalServerError)
		return
	}

	var stats dispatchStats
	available := 0
	for _, d := range drivers {
		switch d.Status {
		case models.DriverOnline:
			stats.DriversOnline++
		case models.DriverEnRoute:
			stats.DriversEnRoute++
		case models.DriverOnTrip:
			stats.DriversOnTrip++
		}
		if d.Available() {
			available++
		}
	}
	stats.PendingRequests = len(pending)
	stats.ActiveRides = len(rides)

	previous := 1.0
	if v := r.URL.Query().Get("previous_surge"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1 {
			previous = f
		}
	}
	stats.SurgeMultiplier = pricing.Surge(len(pending), available, previous)

	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		http.Error(w, "lat and lng required", http.StatusBadRequest)
		return
	}
	radiusKm := 30.0
	if v := q.Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radiusKm = f
		}
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	p := models.GeoPoint{Latitude: lat, Longitude: lng}

	if s.Geo != nil {
		drivers, err := s.Geo.Nearby(r.Context(), p, radiusKm, limit)
		if err == nil {
			s.writeJSON(w, http.StatusOK, drivers)
			return
		}
		s.logger.Warn("redis nearby", "error", err)
	}

	// Fallback: scan the store and filter by haversine distance.
	drivers, err := s.Store.ListDrivers(r.Context(), models.DriverOnline)
	if err != nil {
		http.Error(w, "driver lookup failed", http.StatusInternalServerError)
		return
	}
	out := drivers[:0]
	for _, d := range drivers {
		if d.Location == nil {
			continue
		}
		if geo.HaversineKm(*d.Location, p) <= radiusKm {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return geo.HaversineKm(*out[i].Location, p) < geo.HaversineKm(*out[j].Location, p)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil || d.ID == "" {
		http.Error(w, "driver id required", http.StatusBadRequest)
		return
	}
	if d.Status == "" {
		d.Status = models.DriverOnline
	}
	d.UpdatedAt = time.Now()

	if s.Kafka != nil {
		if err := s.Kafka.PublishHeartbeat(d); err != nil {
			s.logger.Warn("heartbeat publish", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.Store.UpsertDriver(r.Context(), &d); err != nil {
		http.Error(w, "driver update failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.WSReg == nil {
		http.Error(w, "websocket disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(id, conn)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}
