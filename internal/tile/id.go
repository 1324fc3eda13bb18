package tile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Zoom limits accepted by the pipeline
const (
	MinZoom = 0
	MaxZoom = 24
)

// ID identifies a tile by column, row, zoom and world copy.
// Wrap is the number of whole world widths the tile is shifted east (negative for west).
type ID struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Z    int `json:"z"`
	Wrap int `json:"wrap,omitempty"`
}

// NewID creates a tile ID in the primary world copy
func NewID(x, y, z int) ID {
	return ID{X: x, Y: y, Z: z}
}

// Valid reports whether the zoom is in range and x/y address an existing tile at that zoom
func (id ID) Valid() bool {
	if id.Z < MinZoom || id.Z > MaxZoom {
		return false
	}
	n := 1 << id.Z
	return id.X >= 0 && id.X < n && id.Y >= 0 && id.Y < n
}

// Tile returns the orb maptile for the ID, ignoring Wrap
func (id ID) Tile() maptile.Tile {
	return maptile.New(uint32(id.X), uint32(id.Y), maptile.Zoom(id.Z))
}

// Bound returns the geographic (lng/lat) bounds of the tile.
// The result depends only on the ID.
func (id ID) Bound() orb.Bound {
	b := id.Tile().Bound()
	if id.Wrap != 0 {
		shift := 360.0 * float64(id.Wrap)
		b.Min[0] += shift
		b.Max[0] += shift
	}
	return b
}

// Unwrapped returns the ID in the primary world copy.
// Wrapped copies of a tile carry the same data.
func (id ID) Unwrapped() ID {
	id.Wrap = 0
	return id
}

// Parent returns the tile one zoom level up. The root tile is its own parent.
func (id ID) Parent() ID {
	if id.Z == 0 {
		return id
	}
	return ID{X: id.X >> 1, Y: id.Y >> 1, Z: id.Z - 1, Wrap: id.Wrap}
}

// String returns the z/x/y form, with an @wrap suffix outside the primary world copy
func (id ID) String() string {
	if id.Wrap != 0 {
		return fmt.Sprintf("%d/%d/%d@%d", id.Z, id.X, id.Y, id.Wrap)
	}
	return fmt.Sprintf("%d/%d/%d", id.Z, id.X, id.Y)
}

// Key returns a stable string for cache keys
func (id ID) Key() string {
	return id.String()
}

// ParseID parses the z, x and y path segments of a tile request
func ParseID(z, x, y string) (ID, error) {
	zi, err := strconv.Atoi(z)
	if err != nil {
		return ID{}, fmt.Errorf("%w: zoom %q", ErrInvalidTile, z)
	}
	xi, err := strconv.Atoi(x)
	if err != nil {
		return ID{}, fmt.Errorf("%w: x %q", ErrInvalidTile, x)
	}
	// Allow an extension on the last segment, e.g. 3.json
	if i := strings.IndexByte(y, '.'); i >= 0 {
		y = y[:i]
	}
	yi, err := strconv.Atoi(y)
	if err != nil {
		return ID{}, fmt.Errorf("%w: y %q", ErrInvalidTile, y)
	}

	id := NewID(xi, yi, zi)
	if !id.Valid() {
		return ID{}, fmt.Errorf("%w: %s out of range", ErrInvalidTile, id)
	}
	return id, nil
}
