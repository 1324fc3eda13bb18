package tile

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Projection converts geographic coordinates into the projected space tiles are laid out in
type Projection interface {
	// Project maps a lng/lat point into projected coordinates
	Project(ll orb.Point) orb.Point

	// TileBounds returns the projected bounds of a tile
	TileBounds(id ID) orb.Bound
}

// MercatorProjection is the spherical Web Mercator projection (EPSG:3857)
type MercatorProjection struct{}

// Project converts lng/lat to Web Mercator meters
func (MercatorProjection) Project(ll orb.Point) orb.Point {
	return project.WGS84.ToMercator(ll)
}

// TileBounds returns the tile bounds in Web Mercator meters
func (p MercatorProjection) TileBounds(id ID) orb.Bound {
	b := id.Bound()
	return orb.Bound{
		Min: p.Project(b.Min),
		Max: p.Project(b.Max),
	}
}
