package models

import "time"

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Place couples a human-readable address with its coordinate.
type Place struct {
	Address  string   `json:"address"`
	Location GeoPoint `json:"location"`
}

type RequestStatus string

const (
	RequestPending        RequestStatus = "pending"
	RequestOffered        RequestStatus = "offered"
	RequestDriverAssigned RequestStatus = "driver-assigned"
	RequestDriverArrived  RequestStatus = "driver-arrived"
	RequestInProgress     RequestStatus = "in-progress"
	RequestCompleted      RequestStatus = "completed"
	RequestCancelled      RequestStatus = "cancelled"
)

// Request is a passenger trip intent. The engine mutates it only while
// its status is pending or offered; terminal states belong to the ride
// lifecycle code downstream.
type Request struct {
	ID                   string        `json:"id"`
	PassengerID          string        `json:"passenger_id"`
	PassengerName        string        `json:"passenger_name"`
	PassengerPhone       string        `json:"passenger_phone,omitempty"`
	Pickup               Place         `json:"pickup"`
	Destination          Place         `json:"destination"`
	ServiceClass         string        `json:"service_class"`
	EstimatedPrice       float64       `json:"estimated_price"`
	EstimatedDistanceKm  float64       `json:"estimated_distance_km"`
	EstimatedDurationMin float64       `json:"estimated_duration_min"`
	SurgeMultiplier      float64       `json:"surge_multiplier"`
	Status               RequestStatus `json:"status"`
	OfferedToDriverID    string        `json:"offered_to_driver_id,omitempty"`
	OfferExpiresAt       *time.Time    `json:"offer_expires_at,omitempty"`
	DeclinedByDriverIDs  []string      `json:"declined_by_driver_ids,omitempty"`
	ActiveRideID         string        `json:"active_ride_id,omitempty"`
	AssignedDriverID     string        `json:"assigned_driver_id,omitempty"`
	RequestedAt          time.Time     `json:"requested_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Assignable reports whether the request may still be committed to a
// driver. Pending is tolerated so a manual assignment can race safely
// against the offer flow.
func (r *Request) Assignable() bool {
	return r.Status == RequestPending || r.Status == RequestOffered
}

type DriverStatus string

const (
	DriverOnline  DriverStatus = "online"
	DriverEnRoute DriverStatus = "en-route"
	DriverOnTrip  DriverStatus = "on-trip"
	DriverBusy    DriverStatus = "busy"
	DriverOffline DriverStatus = "offline"
)

// Driver is a matching candidate. Location is optional: a driver whose
// app has not reported a fix yet is still matchable.
type Driver struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Status        DriverStatus `json:"status"`
	Location      *GeoPoint    `json:"location,omitempty"`
	OnlineSince   *time.Time   `json:"online_since,omitempty"`
	Rating        float64      `json:"rating"`
	CurrentRideID string       `json:"current_ride_id,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Available reports whether the driver may receive a new offer.
func (d *Driver) Available() bool {
	return d.Status == DriverOnline && d.CurrentRideID == ""
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// Offer is the ephemeral proposal of one request to one driver, keyed
// by (request id, driver id). Superseded offers are marked terminal,
// never deleted.
type Offer struct {
	ID                   string      `json:"id"`
	RequestID            string      `json:"request_id"`
	DriverID             string      `json:"driver_id"`
	PassengerID          string      `json:"passenger_id"`
	PassengerName        string      `json:"passenger_name"`
	Pickup               Place       `json:"pickup"`
	Destination          Place       `json:"destination"`
	ServiceClass         string      `json:"service_class"`
	EstimatedPrice       float64     `json:"estimated_price"`
	EstimatedDistanceKm  float64     `json:"estimated_distance_km"`
	EstimatedDurationMin float64     `json:"estimated_duration_min"`
	PickupETASeconds     float64     `json:"pickup_eta_seconds,omitempty"`
	Status               OfferStatus `json:"status"`
	ExpiresAt            time.Time   `json:"expires_at"`
	CreatedAt            time.Time   `json:"created_at"`
}

// OfferID builds the canonical offer document id.
func OfferID(requestID, driverID string) string {
	return requestID + "_" + driverID
}

// Fare is the pricing snapshot frozen onto a ride at assignment time.
type Fare struct {
	BaseFare        float64 `json:"base_fare,omitempty"`
	DistanceFare    float64 `json:"distance_fare,omitempty"`
	TimeFare        float64 `json:"time_fare,omitempty"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	Subtotal        float64 `json:"subtotal"`
	Tax             float64 `json:"tax"`
	Total           float64 `json:"total"`
}

type RideStatus string

const (
	RideDriverAssigned RideStatus = "driver-assigned"
	RideDriverArrived  RideStatus = "driver-arrived"
	RideInProgress     RideStatus = "in-progress"
	RideCompleted      RideStatus = "completed"
	RideCancelled      RideStatus = "cancelled"
)

// ActiveRide is the durable record of a committed passenger-driver
// pairing. Created exactly once per request, only by the assignment
// transaction.
type ActiveRide struct {
	ID                   string     `json:"id"`
	RequestID            string     `json:"request_id"`
	PassengerID          string     `json:"passenger_id"`
	PassengerName        string     `json:"passenger_name"`
	PassengerPhone       string     `json:"passenger_phone,omitempty"`
	DriverID             string     `json:"driver_id"`
	DriverName           string     `json:"driver_name"`
	DriverLocation       *GeoPoint  `json:"driver_location,omitempty"`
	Pickup               Place      `json:"pickup"`
	Destination          Place      `json:"destination"`
	ServiceClass         string     `json:"service_class"`
	EstimatedDistanceKm  float64    `json:"estimated_distance_km"`
	EstimatedDurationMin float64    `json:"estimated_duration_min"`
	Pricing              Fare       `json:"pricing"`
	Status               RideStatus `json:"status"`
	PaymentIntentID      string     `json:"payment_intent_id,omitempty"`
	AssignedAt           time.Time  `json:"assigned_at"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	FinalPrice           *float64   `json:"final_price,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
