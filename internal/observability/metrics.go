package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversTracked = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_tracked", Help: "Drivers currently in the matchable pool"})
	EpisodesActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "episodes_active", Help: "Matching episodes currently in flight"})

	OffersSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_sent_total", Help: "Offers extended to drivers"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Offers that timed out unanswered"})
	OffersDeclined = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_declined_total", Help: "Offers declined by drivers"})

	AssignmentsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignments_total", Help: "Rides created by a committed assignment"})
	AssignmentConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignment_conflicts_total", Help: "Assignment commits rejected by the transaction"})
	NoDriverRetries     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "no_driver_retries_total", Help: "Episodes parked for backoff after exhausting candidates"})

	HeartbeatsConsumed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "heartbeats_consumed_total", Help: "Driver location heartbeats consumed from the broker"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
