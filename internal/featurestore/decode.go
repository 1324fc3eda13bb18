package featurestore

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"vector-tiles/internal/tile"
)

// MimeType is the payload encoding AddData accepts
const MimeType = "application/geo+json"

// decodeFeatures accepts a FeatureCollection, a single Feature or a bare geometry.
// Multi-geometries and collections are flattened into one feature per member.
func decodeFeatures(payload []byte) ([]Feature, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, decodeErr(err)
	}

	var out []Feature
	var err error

	switch probe.Type {
	case "FeatureCollection":
		fc, uerr := geojson.UnmarshalFeatureCollection(payload)
		if uerr != nil {
			return nil, decodeErr(uerr)
		}
		for i, f := range fc.Features {
			if out, err = appendFeature(out, f.Properties, f.Geometry); err != nil {
				return nil, decodeErr(fmt.Errorf("feature %d: %w", i, err))
			}
		}
	case "Feature":
		f, uerr := geojson.UnmarshalFeature(payload)
		if uerr != nil {
			return nil, decodeErr(uerr)
		}
		if out, err = appendFeature(out, f.Properties, f.Geometry); err != nil {
			return nil, decodeErr(err)
		}
	case "":
		return nil, decodeErr(fmt.Errorf("missing type member"))
	default:
		g, uerr := geojson.UnmarshalGeometry(payload)
		if uerr != nil {
			return nil, decodeErr(uerr)
		}
		if out, err = appendFeature(out, nil, g.Geometry()); err != nil {
			return nil, decodeErr(err)
		}
	}

	return out, nil
}

// Flatten splits g into single Point, LineString and Polygon features sharing props.
// A nil geometry yields no features.
func Flatten(props geojson.Properties, g orb.Geometry) ([]Feature, error) {
	return appendFeature(nil, props, g)
}

func appendFeature(out []Feature, props geojson.Properties, g orb.Geometry) ([]Feature, error) {
	switch g := g.(type) {
	case nil:
		// null geometry is valid GeoJSON but has nothing to tile
		return out, nil
	case orb.Point, orb.LineString:
		return append(out, Feature{Properties: props.Clone(), Geometry: g}), nil
	case orb.Polygon:
		return append(out, Feature{Properties: props.Clone(), Geometry: closeRings(g)}), nil
	case orb.Ring:
		return append(out, Feature{Properties: props.Clone(), Geometry: closeRings(orb.Polygon{g})}), nil
	case orb.Bound:
		return append(out, Feature{Properties: props.Clone(), Geometry: g.ToPolygon()}), nil
	case orb.MultiPoint:
		for _, p := range g {
			out = append(out, Feature{Properties: props.Clone(), Geometry: p})
		}
		return out, nil
	case orb.MultiLineString:
		for _, ls := range g {
			out = append(out, Feature{Properties: props.Clone(), Geometry: ls})
		}
		return out, nil
	case orb.MultiPolygon:
		for _, p := range g {
			out = append(out, Feature{Properties: props.Clone(), Geometry: closeRings(p)})
		}
		return out, nil
	case orb.Collection:
		var err error
		for _, member := range g {
			if out, err = appendFeature(out, props, member); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported geometry %T", g)
	}
}

func decodeErr(err error) error {
	return &tile.DecodeError{Format: "geojson", Err: err}
}
