package featurestore

import (
	"errors"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"vector-tiles/internal/tile"
)

func square(minX, minY, size float64) orb.Polygon {
	return orb.Polygon{{
		{minX, minY}, {minX + size, minY}, {minX + size, minY + size}, {minX, minY + size}, {minX, minY},
	}}
}

func TestAddSetsPending(t *testing.T) {
	s := New()
	if s.HasPending() {
		t.Fatal("new store should not have pending data")
	}

	s.AddPoint(geojson.Properties{"name": "A"}, orb.Point{1, 2})
	if !s.HasPending() {
		t.Error("AddPoint should raise the pending flag")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}

	snap := s.BuildTiles(false)
	if s.HasPending() {
		t.Error("BuildTiles should clear the pending flag")
	}
	if snap.Len() != 1 {
		t.Errorf("snapshot has %d features, want 1", snap.Len())
	}

	s.AddLine(nil, orb.LineString{{0, 0}, {1, 1}})
	s.AddPoly(nil, square(0, 0, 1))
	if !s.HasPending() {
		t.Error("AddLine/AddPoly should raise the pending flag")
	}
}

func TestSnapshotIsStableAcrossAppends(t *testing.T) {
	s := New()
	s.AddPoint(nil, orb.Point{0, 0})
	snap := s.BuildTiles(false)

	s.AddPoint(nil, orb.Point{1, 1})
	s.AddPoint(nil, orb.Point{2, 2})

	if snap.Len() != 1 {
		t.Fatalf("published snapshot changed length to %d", snap.Len())
	}
	if got := s.Snapshot().Len(); got != 1 {
		t.Errorf("unbuilt features visible to parsing: Snapshot().Len() = %d, want 1", got)
	}
	if got := s.BuildTiles(false).Len(); got != 3 {
		t.Errorf("after rebuild Len() = %d, want 3", got)
	}
}

func TestAddCopiesInput(t *testing.T) {
	s := New()
	props := geojson.Properties{"name": "A"}
	line := orb.LineString{{0, 0}, {1, 1}}
	s.AddLine(props, line)

	props["name"] = "B"
	line[0] = orb.Point{5, 5}

	f := s.BuildTiles(false).Features[0]
	if f.Properties["name"] != "A" {
		t.Errorf("stored properties changed with caller map: %v", f.Properties["name"])
	}
	if f.Geometry.(orb.LineString)[0] != (orb.Point{0, 0}) {
		t.Errorf("stored geometry changed with caller slice: %v", f.Geometry)
	}
}

func TestAddDataFeatureCollection(t *testing.T) {
	s := New()
	payload := []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "properties": {"name": "p"}, "geometry": {"type": "Point", "coordinates": [10, 20]}},
			{"type": "Feature", "properties": {"name": "mp"}, "geometry": {"type": "MultiPoint", "coordinates": [[1, 1], [2, 2]]}}
		]
	}`)

	n, err := s.AddData(payload)
	if err != nil {
		t.Fatalf("AddData() error = %v", err)
	}
	if n != 3 {
		t.Errorf("AddData() appended %d features, want 3", n)
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
	if !s.HasPending() {
		t.Error("AddData should raise the pending flag")
	}
}

func TestAddDataSingleFeatureAndGeometry(t *testing.T) {
	s := New()
	if _, err := s.AddData([]byte(`{"type":"Feature","properties":{"a":1},"geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]}}`)); err != nil {
		t.Fatalf("AddData(feature) error = %v", err)
	}
	if _, err := s.AddData([]byte(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`)); err != nil {
		t.Fatalf("AddData(geometry) error = %v", err)
	}

	snap := s.BuildTiles(false)
	if snap.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", snap.Len())
	}
	if _, ok := snap.Features[0].Geometry.(orb.LineString); !ok {
		t.Errorf("first feature is %T, want orb.LineString", snap.Features[0].Geometry)
	}
	if _, ok := snap.Features[1].Geometry.(orb.Polygon); !ok {
		t.Errorf("second feature is %T, want orb.Polygon", snap.Features[1].Geometry)
	}
}

func TestAddDataMalformedLeavesStoreUnchanged(t *testing.T) {
	payloads := map[string]string{
		"not json":      `{"type": "FeatureCollection", "features": [`,
		"missing type":  `{"features": []}`,
		"bad geometry":  `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":"x"}}]}`,
		"unknown type":  `{"type":"Circle","coordinates":[0,0]}`,
		"second broken": `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]}},{"type":"Feature","geometry":{"type":"Nope"}}]}`,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			s := New()
			s.AddPoint(nil, orb.Point{0, 0})
			s.BuildTiles(false)

			n, err := s.AddData([]byte(payload))
			if err == nil {
				t.Fatal("expected decode error")
			}
			var decodeErr *tile.DecodeError
			if !errors.As(err, &decodeErr) {
				t.Errorf("error %v is not a *tile.DecodeError", err)
			}
			if n != 0 {
				t.Errorf("AddData() reported %d features on error", n)
			}
			if s.Len() != 1 {
				t.Errorf("Len() = %d after failed AddData, want 1", s.Len())
			}
			if s.HasPending() {
				t.Error("failed AddData must not raise the pending flag")
			}
		})
	}
}

func TestGenerateLabelCentroidFeature(t *testing.T) {
	s := New()
	s.AddPoly(geojson.Properties{"name": "park"}, square(0, 0, 2))
	s.AddPoly(nil, orb.Polygon{{{0, 0}, {1, 0}, {2, 0}, {0, 0}}}) // zero area
	s.AddPoint(nil, orb.Point{5, 5})

	added := s.GenerateLabelCentroidFeature()
	if added != 1 {
		t.Fatalf("GenerateLabelCentroidFeature() = %d, want 1", added)
	}

	snap := s.BuildTiles(false)
	if snap.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", snap.Len())
	}

	c := snap.Features[3]
	p, ok := c.Geometry.(orb.Point)
	if !ok {
		t.Fatalf("centroid is %T, want orb.Point", c.Geometry)
	}
	if p != (orb.Point{1, 1}) {
		t.Errorf("centroid = %v, want [1 1]", p)
	}
	if c.Properties[LabelPlacementKey] != 1 {
		t.Errorf("centroid missing %s tag: %v", LabelPlacementKey, c.Properties)
	}
	if c.Properties["name"] != "park" {
		t.Errorf("centroid should carry source properties, got %v", c.Properties)
	}
}

func TestBuildTilesWithCentroids(t *testing.T) {
	s := New()
	s.AddPoly(nil, square(0, 0, 1))
	s.AddPoly(nil, square(3, 3, 1))
	s.AddLine(nil, orb.LineString{{0, 0}, {2, 0}})

	snap := s.BuildTiles(true)
	if snap.Len() != 6 {
		t.Errorf("Len() = %d, want 3 shapes + 3 centroids", snap.Len())
	}
}

func TestClear(t *testing.T) {
	s := New()
	s.AddPoint(nil, orb.Point{0, 0})
	s.BuildTiles(false)
	s.AddPoint(nil, orb.Point{1, 1})

	s.Clear()
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", s.Len())
	}
	if s.HasPending() {
		t.Error("Clear should reset the pending flag")
	}
	if s.Snapshot().Len() != 0 {
		t.Error("Clear should drop the published snapshot")
	}
	if s.BuildTiles(false).Len() != 0 {
		t.Error("BuildTiles after Clear should publish an empty snapshot")
	}
}

func TestConcurrentBuildsObservePrefix(t *testing.T) {
	const total = 2000

	s := New()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			switch i % 3 {
			case 0:
				s.AddPoint(geojson.Properties{"seq": i}, orb.Point{float64(i), 0})
			case 1:
				s.AddLine(geojson.Properties{"seq": i}, orb.LineString{{0, 0}, {float64(i), 1}})
			default:
				s.AddPoly(geojson.Properties{"seq": i}, square(0, 0, float64(i)))
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				snap := s.BuildTiles(false)
				for i, f := range snap.Features {
					if f.Properties["seq"] != i {
						t.Errorf("snapshot position %d holds seq %v: not a prefix", i, f.Properties["seq"])
						return
					}
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	wg.Wait()
	if got := s.BuildTiles(false).Len(); got != total {
		t.Errorf("final Len() = %d, want %d", got, total)
	}
}
