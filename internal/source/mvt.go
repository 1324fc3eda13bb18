package source

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/project"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"vector-tiles/internal/clipper"
	"vector-tiles/internal/featurestore"
	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/tile"
)

// localBound is the tile-local unit square; MVT buffers beyond it are clipped off
var localBound = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}

// Parse decodes the MVT payload attached to task.
// MVT geometry is already tile-relative, so it is scaled by the layer extent
// and proj is not consulted.
func (s *RemoteTileSource) Parse(task *taskqueue.TileTask, _ tile.Projection) (*tile.Data, error) {
	payload, ok := task.RawData().([]byte)
	if !ok {
		return nil, fmt.Errorf("remote source %s: raw data is %T", s.id, task.RawData())
	}
	if task.IsCanceled() {
		return nil, tile.ErrCanceled
	}

	layers, err := decodeMVT(payload)
	if err != nil {
		return nil, err
	}
	if task.IsCanceled() {
		return nil, tile.ErrCanceled
	}

	group := s.layerGroup(task.SubTask)
	data := &tile.Data{ID: task.TileID, Source: s.id}
	for _, l := range layers {
		if group != nil && !lo.Contains(group, l.Name) {
			continue
		}

		layer := tile.Layer{Name: l.Name}
		extent := float64(l.Extent)
		if extent == 0 {
			extent = mvt.DefaultExtent
		}
		scale := func(p orb.Point) orb.Point {
			return orb.Point{p[0] / extent, p[1] / extent}
		}

		skipped := 0
		for _, f := range l.Features {
			if f.Geometry == nil {
				continue
			}
			parts, err := featurestore.Flatten(f.Properties, project.Geometry(f.Geometry, scale))
			if err != nil {
				skipped++
				continue
			}
			for _, part := range parts {
				clipped, err := clipper.ClipFeature(localBound, part.Geometry)
				if err != nil {
					skipped++
					continue
				}
				for _, g := range clipped {
					layer.Features = append(layer.Features, tile.Feature{Geometry: g, Properties: part.Properties})
				}
			}
		}
		if skipped > 0 {
			log.Debugf("[RemoteSource] Skipped %d features in layer %s of %s", skipped, l.Name, task.TileID)
		}

		if len(layer.Features) > 0 {
			data.Layers = append(data.Layers, layer)
		}
		if task.IsCanceled() {
			return nil, tile.ErrCanceled
		}
	}
	return data, nil
}

// layerGroup returns the layer names of a sub-task, or nil for all layers
func (s *RemoteTileSource) layerGroup(subTask int) []string {
	if subTask < 0 || subTask >= len(s.layerGroups) {
		return nil
	}
	return s.layerGroups[subTask]
}

// decodeMVT decodes a plain or gzip-compressed vector tile
func decodeMVT(payload []byte) (mvt.Layers, error) {
	var (
		layers mvt.Layers
		err    error
	)
	if len(payload) > 2 && payload[0] == 0x1f && payload[1] == 0x8b {
		layers, err = mvt.UnmarshalGzipped(payload)
	} else {
		layers, err = mvt.Unmarshal(payload)
	}
	if err != nil {
		return nil, &tile.DecodeError{Format: "mvt", Err: err}
	}
	return layers, nil
}
