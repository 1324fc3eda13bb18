package clipper

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"vector-tiles/internal/tile"
)

// maxSelfIntersectionCheck bounds the quadratic ring check; larger rings are only checked for area
const maxSelfIntersectionCheck = 512

// Validate reports geometry that cannot be clipped or projected:
// non-finite coordinates, zero-length lines, short or zero-area rings and
// self-intersecting rings.
func Validate(g orb.Geometry) error {
	switch g := g.(type) {
	case orb.Point:
		if !finite(g) {
			return degenerate("non-finite point %v", g)
		}
	case orb.LineString:
		if len(g) < 2 {
			return degenerate("line with %d positions", len(g))
		}
		for _, p := range g {
			if !finite(p) {
				return degenerate("non-finite position %v", p)
			}
		}
		if planar.Length(g) == 0 {
			return degenerate("zero-length line")
		}
	case orb.Polygon:
		if len(g) == 0 {
			return degenerate("polygon without rings")
		}
		for i, r := range g {
			if err := validateRing(r); err != nil {
				return fmt.Errorf("ring %d: %w", i, err)
			}
		}
	default:
		return degenerate("unsupported geometry %T", g)
	}
	return nil
}

func validateRing(r orb.Ring) error {
	if len(r) < 4 {
		return degenerate("ring with %d positions", len(r))
	}
	for _, p := range r {
		if !finite(p) {
			return degenerate("non-finite position %v", p)
		}
	}
	if planar.Area(r) == 0 {
		return degenerate("zero-area ring")
	}
	if len(r) <= maxSelfIntersectionCheck && selfIntersects(dedupe(r)) {
		return degenerate("self-intersecting ring")
	}
	return nil
}

// dedupe drops repeated consecutive positions so no edge has zero length
func dedupe(r orb.Ring) orb.Ring {
	out := make(orb.Ring, 0, len(r))
	for _, p := range r {
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	return out
}

// selfIntersects checks every pair of non-adjacent edges of a closed ring
// without repeated consecutive positions
func selfIntersects(r orb.Ring) bool {
	n := len(r) - 1 // edges
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(r[i], r[i+1], r[j], r[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}

	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

func orientation(a, b, c orb.Point) float64 {
	v := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

func degenerate(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", tile.ErrDegenerateGeometry, fmt.Sprintf(format, args...))
}
