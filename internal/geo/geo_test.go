package geo

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Montreal to Quebec City, roughly 233km.
	mtl := models.GeoPoint{Latitude: 45.5019, Longitude: -73.5674}
	qc := models.GeoPoint{Latitude: 46.8131, Longitude: -71.2075}
	d := HaversineKm(mtl, qc)
	if d < 225 || d > 240 {
		t.Fatalf("distance = %v km", d)
	}
	if HaversineKm(mtl, mtl) != 0 {
		t.Fatal("zero distance expected for identical points")
	}
	if HaversineKm(mtl, qc) != HaversineKm(qc, mtl) {
		t.Fatal("distance must be symmetric")
	}
}

func TestIndexSnapshotOrderedByID(t *testing.T) {
	idx := NewIndex()
	idx.Upsert(models.Driver{ID: "c"})
	idx.Upsert(models.Driver{ID: "a"})
	idx.Upsert(models.Driver{ID: "b"})

	snap := idx.Snapshot()
	if len(snap) != 3 || snap[0].ID != "a" || snap[1].ID != "b" || snap[2].ID != "c" {
		t.Fatalf("snapshot = %+v", snap)
	}

	idx.Remove("b")
	if _, ok := idx.Get("b"); ok {
		t.Fatal("removed driver still present")
	}
	if len(idx.Snapshot()) != 2 {
		t.Fatal("snapshot size after remove")
	}

	// Upsert replaces in place.
	idx.Upsert(models.Driver{ID: "a", Rating: 4.9})
	if d, _ := idx.Get("a"); d.Rating != 4.9 {
		t.Fatalf("upsert did not replace: %+v", d)
	}
}
