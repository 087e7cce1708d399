// Package pricing derives fare snapshots and surge multipliers.
package pricing

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// taxRate is the combined GST+QST applied to every fare.
const taxRate = 0.14975

var classMultipliers = map[string]float64{
	"standard": 1.0,
	"comfort":  1.3,
	"xl":       1.5,
	"premium":  1.8,
	"electric": 1.2,
}

const (
	baseFare      = 3.5  // per trip
	perKmFare     = 1.5  // per km
	perMinuteFare = 0.25 // per minute
)

// Estimate prices a trip from its distance and duration. Used when a
// request arrives without a quoted price.
func Estimate(distanceKm, durationMin, surge float64, serviceClass string) models.Fare {
	if surge < 1 {
		surge = 1
	}
	mult, ok := classMultipliers[serviceClass]
	if !ok {
		mult = 1.0
	}
	base := baseFare * mult
	dist := distanceKm * perKmFare * mult
	tm := durationMin * perMinuteFare * mult
	subtotal := (base + dist + tm) * surge
	tax := subtotal * taxRate
	return models.Fare{
		BaseFare:        round2(base),
		DistanceFare:    round2(dist),
		TimeFare:        round2(tm),
		SurgeMultiplier: surge,
		Subtotal:        round2(subtotal),
		Tax:             round2(tax),
		Total:           round2(subtotal + tax),
	}
}

// Snapshot freezes a quoted tax-inclusive price into the fare breakdown
// stored on a ride at assignment time.
func Snapshot(estimatedPrice, surge float64) models.Fare {
	if surge < 1 {
		surge = 1
	}
	subtotal := estimatedPrice / (1 + taxRate)
	return models.Fare{
		SurgeMultiplier: surge,
		Subtotal:        round2(subtotal),
		Tax:             round2(estimatedPrice - subtotal),
		Total:           round2(estimatedPrice),
	}
}

const (
	surgeSmoothing = 0.7
	surgeMax       = 3.0
	surgeMin       = 1.0
)

// Surge updates the zone surge multiplier from the current
// demand/supply ratio, exponentially smoothed against the previous
// value so the multiplier does not whipsaw.
func Surge(pendingRequests, availableDrivers int, previous float64) float64 {
	supply := float64(availableDrivers)
	if supply < 1 {
		supply = 1
	}
	demand := float64(pendingRequests)
	if demand < 0 {
		demand = 0
	}
	ratio := demand / supply
	smoothed := surgeSmoothing*ratio + (1-surgeSmoothing)*previous
	return math.Min(surgeMax, math.Max(surgeMin, smoothed))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
