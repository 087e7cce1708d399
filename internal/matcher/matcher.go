// Package matcher scores candidate drivers against a ride request and
// selects the best one within a search radius.
package matcher

import (
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	// Score = 50% time waiting online + 30% proximity + 20% rating.
	// Weighting the wait highest keeps assignment fair to drivers who
	// have been idle longest.
	weightWait   = 0.50
	weightDist   = 0.30
	weightRating = 0.20

	// distScoreRangeKm is the distance at which the proximity score
	// reaches zero.
	distScoreRangeKm = 15.0
	// waitScoreCapSec caps the wait score: one hour online scores 1.0.
	waitScoreCapSec = 3600.0
	// defaultRating substitutes for drivers with no rating history.
	defaultRating = 4.5
	// neutralDistanceKm stands in for drivers that have not reported a
	// location fix. Location is optional, not a disqualifier.
	neutralDistanceKm = 5.0
)

// Score is a candidate's fitness for a request, in [0,1], along with
// the raw inputs that produced it.
type Score struct {
	Total       float64
	DistanceKm  float64
	WaitSeconds float64
}

// ScoreDriver computes the weighted fitness of d for a pickup point.
func ScoreDriver(d models.Driver, pickup models.GeoPoint, now time.Time) Score {
	distKm := neutralDistanceKm
	if d.Location != nil {
		distKm = geo.HaversineKm(*d.Location, pickup)
	}

	var waitSec float64
	if d.OnlineSince != nil {
		waitSec = now.Sub(*d.OnlineSince).Seconds()
	}
	if waitSec < 0 {
		waitSec = 0
	}

	rating := d.Rating
	if rating <= 0 {
		rating = defaultRating
	}

	distScore := 1 - distKm/distScoreRangeKm
	if distScore < 0 {
		distScore = 0
	}
	waitScore := waitSec / waitScoreCapSec
	if waitScore > 1 {
		waitScore = 1
	}
	ratingScore := rating / 5

	return Score{
		Total:       weightWait*waitScore + weightDist*distScore + weightRating*ratingScore,
		DistanceKm:  distKm,
		WaitSeconds: waitSec,
	}
}

// Select picks the highest-scoring available driver for req from the
// pool. Drivers that are not online, already carry a ride, or sit in
// the request's exclusion set are filtered out. A radiusKm <= 0 means
// unbounded; a driver with a known location beyond the radius is
// dropped, a driver with no location never is. Ties keep the earlier
// pool entry, so pool order decides deterministically.
func Select(req *models.Request, pool []models.Driver, radiusKm float64, now time.Time) (models.Driver, Score, bool) {
	excluded := make(map[string]struct{}, len(req.DeclinedByDriverIDs))
	for _, id := range req.DeclinedByDriverIDs {
		excluded[id] = struct{}{}
	}

	var (
		best      models.Driver
		bestScore Score
		found     bool
	)
	for _, d := range pool {
		if !d.Available() {
			continue
		}
		if _, skip := excluded[d.ID]; skip {
			continue
		}
		s := ScoreDriver(d, req.Pickup.Location, now)
		if radiusKm > 0 && d.Location != nil && s.DistanceKm > radiusKm {
			continue
		}
		if !found || s.Total > bestScore.Total {
			best, bestScore, found = d, s, true
		}
	}
	return best, bestScore, found
}

// SelectWithFallback runs Select at the nominal radius and, if that
// yields nothing, retries unbounded so a far-away driver still beats
// leaving the passenger stranded.
func SelectWithFallback(req *models.Request, pool []models.Driver, radiusKm float64, now time.Time) (models.Driver, Score, bool) {
	if d, s, ok := Select(req, pool, radiusKm, now); ok {
		return d, s, true
	}
	return Select(req, pool, 0, now)
}
