package tile

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Cover returns every tile at zoom that intersects the geographic bound,
// row by row from the north-west corner. Coordinates are clamped to the Web Mercator range.
// An inverted bound covers nothing.
func Cover(bound orb.Bound, zoom int) []ID {
	nw, se, ok := corners(bound, zoom)
	if !ok {
		return nil
	}

	ids := make([]ID, 0, int(se.X-nw.X+1)*int(se.Y-nw.Y+1))
	for y := nw.Y; y <= se.Y; y++ {
		for x := nw.X; x <= se.X; x++ {
			ids = append(ids, NewID(int(x), int(y), zoom))
		}
	}
	return ids
}

// EstimateTileCount returns len(Cover(bound, zoom)) without allocating
func EstimateTileCount(bound orb.Bound, zoom int) int {
	nw, se, ok := corners(bound, zoom)
	if !ok {
		return 0
	}
	return int(se.X-nw.X+1) * int(se.Y-nw.Y+1)
}

// corners returns the north-west and south-east tiles of bound
func corners(bound orb.Bound, zoom int) (nw, se maptile.Tile, ok bool) {
	if zoom < MinZoom || zoom > MaxZoom || bound.Min[0] > bound.Max[0] || bound.Min[1] > bound.Max[1] {
		return nw, se, false
	}
	nw = tileAt(orb.Point{bound.Min[0], bound.Max[1]}, zoom)
	se = tileAt(orb.Point{bound.Max[0], bound.Min[1]}, zoom)
	return nw, se, true
}

// tileAt returns the tile containing ll; the antimeridian and the poles map to the last column and row
func tileAt(ll orb.Point, zoom int) maptile.Tile {
	lng := math.Max(-180, math.Min(ll[0], 180))
	t := maptile.At(orb.Point{lng, ll[1]}, maptile.Zoom(zoom))

	last := uint32(1)<<uint32(zoom) - 1
	if t.X > last {
		t.X = last
	}
	if t.Y > last {
		t.Y = last
	}
	return t
}

// Batch groups ids into batches of at most size
func Batch(ids []ID, size int) [][]ID {
	if size <= 0 {
		size = 10
	}

	batches := make([][]ID, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}
	return batches
}
