package clipper

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"vector-tiles/internal/tile"
)

// ToLocal maps a lng/lat geometry into the tile's unit square using proj.
// x grows east and y grows south, both 0..1 across the tile.
func ToLocal(proj tile.Projection, id tile.ID, g orb.Geometry) (orb.Geometry, error) {
	b := proj.TileBounds(id)
	w := b.Max[0] - b.Min[0]
	h := b.Max[1] - b.Min[1]
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty projected bounds for tile %s", tile.ErrDegenerateGeometry, id)
	}

	bad := false
	toLocal := func(ll orb.Point) orb.Point {
		m := proj.Project(ll)
		p := orb.Point{(m[0] - b.Min[0]) / w, (b.Max[1] - m[1]) / h}
		if !finite(p) {
			bad = true
		}
		return p
	}

	out := project.Geometry(orb.Clone(g), toLocal)
	if bad {
		return nil, fmt.Errorf("%w: projection produced non-finite coordinates", tile.ErrDegenerateGeometry)
	}
	return out, nil
}
