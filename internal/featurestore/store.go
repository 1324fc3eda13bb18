// Package featurestore holds client-supplied features until they are published for tile building.
package featurestore

import (
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	log "github.com/sirupsen/logrus"
)

// LabelPlacementKey tags synthesized centroid features
const LabelPlacementKey = "label_placement"

// Feature is a property set plus a Point, LineString or Polygon in lng/lat
type Feature struct {
	Properties geojson.Properties
	Geometry   orb.Geometry
}

// Snapshot is an immutable view of the store as of one BuildTiles call
type Snapshot struct {
	Features []Feature
	Version  uint64
}

// Len returns the number of features in the snapshot
func (s Snapshot) Len() int {
	return len(s.Features)
}

// Store is an append-only-until-cleared feature buffer.
// A single mutex guards the whole store: mutations, centroid generation and
// publication all serialize on it so a snapshot never contains a partial feature.
type Store struct {
	mu         sync.Mutex
	features   []Feature
	published  Snapshot
	hasPending bool
	version    uint64
}

// New creates an empty store
func New() *Store {
	return &Store{}
}

// AddPoint appends a point feature
func (s *Store) AddPoint(props geojson.Properties, p orb.Point) {
	s.append(Feature{Properties: props.Clone(), Geometry: p})
}

// AddLine appends a line feature
func (s *Store) AddLine(props geojson.Properties, path orb.LineString) {
	s.append(Feature{Properties: props.Clone(), Geometry: path.Clone()})
}

// AddPoly appends a polygon feature; the first ring is the outer ring
func (s *Store) AddPoly(props geojson.Properties, rings orb.Polygon) {
	s.append(Feature{Properties: props.Clone(), Geometry: closeRings(rings.Clone())})
}

// AddData decodes a GeoJSON payload and appends its features.
// Decoding completes before the lock is taken, so a malformed payload
// returns a *tile.DecodeError and leaves the store untouched.
func (s *Store) AddData(payload []byte) (int, error) {
	features, err := decodeFeatures(payload)
	if err != nil {
		return 0, err
	}
	if len(features) == 0 {
		return 0, nil
	}

	s.append(features...)
	return len(features), nil
}

func (s *Store) append(features ...Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.features = append(s.features, features...)
	s.hasPending = true
}

// GenerateLabelCentroidFeature appends a label point at the centroid of every
// polygon with non-zero area and every line with non-zero length.
// Callers must invoke it once per build cycle: a second call duplicates centroids.
func (s *Store) GenerateLabelCentroidFeature() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.generateCentroidsLocked()
}

func (s *Store) generateCentroidsLocked() int {
	n := len(s.features)
	added := 0
	for i := 0; i < n; i++ {
		c, ok := centroidFeature(s.features[i])
		if !ok {
			continue
		}
		s.features = append(s.features, c)
		added++
	}
	if added > 0 {
		s.hasPending = true
	}
	return added
}

// BuildTiles publishes the current features for tile parsing and clears the pending flag.
// When generateCentroids is set, centroid features are generated first, inside the same critical section.
func (s *Store) BuildTiles(generateCentroids bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if generateCentroids {
		if added := s.generateCentroidsLocked(); added > 0 {
			log.Debugf("[FeatureStore] Generated %d label centroids", added)
		}
	}

	s.version++
	// Capping the capacity keeps later appends from writing into the published view.
	s.published = Snapshot{
		Features: s.features[:len(s.features):len(s.features)],
		Version:  s.version,
	}
	s.hasPending = false

	return s.published
}

// Snapshot returns the features published by the last BuildTiles
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

// Clear empties the store and its published snapshot.
// Tile data produced earlier is not affected.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.features = nil
	s.version++
	s.published = Snapshot{Version: s.version}
	s.hasPending = false
}

// Len returns the number of features, published or not
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.features)
}

// Version returns the number of publications and clears so far
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// HasPending reports whether features were added since the last BuildTiles
func (s *Store) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasPending
}

// closeRings repeats the first position of any ring that does not end where it starts
func closeRings(p orb.Polygon) orb.Polygon {
	for i, r := range p {
		if len(r) > 0 && !r.Closed() {
			p[i] = append(r, r[0])
		}
	}
	return p
}

func centroidFeature(f Feature) (Feature, bool) {
	var c orb.Point
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		var area float64
		c, area = planar.CentroidArea(g)
		if area == 0 || math.IsNaN(area) {
			return Feature{}, false
		}
	case orb.LineString:
		if planar.Length(g) == 0 {
			return Feature{}, false
		}
		c, _ = planar.CentroidArea(g)
	default:
		return Feature{}, false
	}

	if math.IsNaN(c[0]) || math.IsNaN(c[1]) {
		return Feature{}, false
	}

	props := f.Properties.Clone()
	if props == nil {
		props = geojson.Properties{}
	}
	props[LabelPlacementKey] = 1

	return Feature{Properties: props, Geometry: c}, true
}
