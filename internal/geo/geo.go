package geo

import (
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Index is an in-memory mirror of the matchable driver pool, kept
// current by the engine's driver subscription.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[d.ID] = d
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, id)
}

func (g *Index) Get(id string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	return d, ok
}

// Snapshot returns the pool ordered by driver id so that selection
// tie-breaking is deterministic.
func (g *Index) Snapshot() []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Driver, 0, len(g.drivers))
	for _, d := range g.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(a, b models.GeoPoint) float64 {
	const R = 6371.0
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
