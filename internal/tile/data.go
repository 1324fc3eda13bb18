package tile

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature is a clipped feature in tile-local coordinates (0..1, y pointing down)
type Feature struct {
	Geometry   orb.Geometry
	Properties geojson.Properties
}

// Layer groups the features of one data layer within a tile
type Layer struct {
	Name     string
	Features []Feature
}

// Data is the parsed, layer-organized content of a tile.
// Whoever receives it through a callback owns it.
type Data struct {
	ID     ID
	Source string
	Layers []Layer
}

// FeatureCount returns the number of features across all layers
func (d *Data) FeatureCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, l := range d.Layers {
		n += len(l.Features)
	}
	return n
}

// IsEmpty reports whether the tile has no features
func (d *Data) IsEmpty() bool {
	return d.FeatureCount() == 0
}

// Layer returns the named layer, or nil
func (d *Data) Layer(name string) *Layer {
	if d == nil {
		return nil
	}
	for i := range d.Layers {
		if d.Layers[i].Name == name {
			return &d.Layers[i]
		}
	}
	return nil
}

// FeatureCollections converts each layer into a GeoJSON feature collection keyed by layer name.
// Coordinates stay tile-local.
func (d *Data) FeatureCollections() map[string]*geojson.FeatureCollection {
	out := make(map[string]*geojson.FeatureCollection, len(d.Layers))
	for _, l := range d.Layers {
		fc := geojson.NewFeatureCollection()
		for _, f := range l.Features {
			gf := geojson.NewFeature(f.Geometry)
			gf.Properties = f.Properties.Clone()
			fc.Append(gf)
		}
		out[l.Name] = fc
	}
	return out
}
