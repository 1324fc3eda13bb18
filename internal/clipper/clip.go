// Package clipper restricts feature geometry to tile bounds and maps it into tile-local space.
package clipper

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	log "github.com/sirupsen/logrus"

	"vector-tiles/internal/featurestore"
	"vector-tiles/internal/tile"
)

// Clipped is one output geometry of a clipped feature, still in lng/lat
type Clipped struct {
	Geometry   orb.Geometry
	Properties geojson.Properties
	// Index is the position of the source feature in the clipped slice
	Index int
}

// Result holds the clipped geometry of one tile
type Result struct {
	Features []Clipped
	Skipped  int // degenerate features left out
}

// Empty reports whether nothing intersected the bounds
func (r Result) Empty() bool {
	return len(r.Features) == 0
}

// Clip restricts every feature to bound. Output order follows input order and
// depends only on bound and features. Degenerate features are skipped.
func Clip(bound orb.Bound, features []featurestore.Feature) Result {
	var res Result
	for i, f := range features {
		parts, err := ClipFeature(bound, f.Geometry)
		if err != nil {
			res.Skipped++
			log.Debugf("[Clipper] Skipping feature %d: %v", i, err)
			continue
		}
		for _, g := range parts {
			res.Features = append(res.Features, Clipped{
				Geometry:   g,
				Properties: f.Properties,
				Index:      i,
			})
		}
	}
	return res
}

// ClipFeature clips a single geometry to bound, returning zero or more parts.
// Geometries fully inside bound are returned unchanged (as a copy).
func ClipFeature(bound orb.Bound, g orb.Geometry) ([]orb.Geometry, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nil geometry", tile.ErrDegenerateGeometry)
	}

	gb := g.Bound()
	if !gb.Intersects(bound) {
		return nil, nil
	}
	if err := Validate(g); err != nil {
		return nil, err
	}

	if p, ok := g.(orb.Point); ok {
		if bound.Contains(p) {
			return []orb.Geometry{p}, nil
		}
		return nil, nil
	}

	if bound.Contains(gb.Min) && bound.Contains(gb.Max) {
		return []orb.Geometry{orb.Clone(g)}, nil
	}

	switch g := g.(type) {
	case orb.LineString:
		var out []orb.Geometry
		for _, part := range clip.LineString(bound, g) {
			if len(part) >= 2 && planar.Length(part) > 0 {
				out = append(out, part)
			}
		}
		return out, nil
	case orb.Polygon:
		p := clip.Polygon(bound, orb.Clone(g).(orb.Polygon))
		if len(p) == 0 || len(p[0]) < 4 || planar.Area(p) == 0 {
			return nil, nil
		}
		return []orb.Geometry{p}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported geometry %T", tile.ErrDegenerateGeometry, g)
	}
}
