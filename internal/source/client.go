package source

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	log "github.com/sirupsen/logrus"

	"vector-tiles/internal/clipper"
	"vector-tiles/internal/featurestore"
	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/tile"
)

// ClientOptions configures a ClientTileSource
type ClientOptions struct {
	// Zoom defaults to every supported level when nil
	Zoom *ZoomOptions
	// GenerateCentroids adds a label point for every polygon and line on each build
	GenerateCentroids bool
	Projection        tile.Projection
	// LayerName defaults to the source ID
	LayerName string
}

// ClientTileSource serves tiles cut from features pushed by the application
type ClientTileSource struct {
	base
	store             *featurestore.Store
	generateCentroids bool
	layerName         string
}

var _ TileSource = (*ClientTileSource)(nil)

// NewClientTileSource creates an empty client source
func NewClientTileSource(id string, opts ClientOptions) *ClientTileSource {
	layer := opts.LayerName
	if layer == "" {
		layer = id
	}
	return &ClientTileSource{
		base:              newBase(id, opts.Zoom, opts.Projection),
		store:             featurestore.New(),
		generateCentroids: opts.GenerateCentroids,
		layerName:         layer,
	}
}

// MimeType reports the format accepted by AddData
func (s *ClientTileSource) MimeType() string { return featurestore.MimeType }

// SubTasks is always one; the whole store is clipped at once
func (s *ClientTileSource) SubTasks() int { return 1 }

func (s *ClientTileSource) AddPoint(props geojson.Properties, p orb.Point) {
	s.store.AddPoint(props, p)
}

func (s *ClientTileSource) AddLine(props geojson.Properties, path orb.LineString) {
	s.store.AddLine(props, path)
}

func (s *ClientTileSource) AddPoly(props geojson.Properties, rings orb.Polygon) {
	s.store.AddPoly(props, rings)
}

// AddData appends the features of a GeoJSON payload. On error nothing is added.
func (s *ClientTileSource) AddData(payload []byte) (int, error) {
	return s.store.AddData(payload)
}

// GenerateLabelCentroidFeature appends centroid points for the current features.
// BuildTiles already does this when the source was created with GenerateCentroids.
func (s *ClientTileSource) GenerateLabelCentroidFeature() int {
	return s.store.GenerateLabelCentroidFeature()
}

// BuildTiles publishes the current features; tasks loaded afterwards see them
func (s *ClientTileSource) BuildTiles() featurestore.Snapshot {
	snap := s.store.BuildTiles(s.generateCentroids)
	log.WithFields(log.Fields{"source": s.id, "features": snap.Len(), "version": snap.Version}).
		Info("[ClientSource] Built tiles")
	return snap
}

// HasPendingData reports whether features were added since the last build
func (s *ClientTileSource) HasPendingData() bool {
	return s.store.HasPending()
}

// Len returns the number of stored features
func (s *ClientTileSource) Len() int {
	return s.store.Len()
}

// DataVersion counts the builds and clears of the store
func (s *ClientTileSource) DataVersion() uint64 {
	return s.store.Version()
}

// ClearData drops every feature and the published snapshot
func (s *ClientTileSource) ClearData() {
	s.store.Clear()
	log.WithField("source", s.id).Info("[ClientSource] Cleared data")
}

// LoadTileData clips the published features to the task's tile and parses them
func (s *ClientTileSource) LoadTileData(task *taskqueue.TileTask, cb taskqueue.Callback) {
	if !s.begin(task, cb) {
		return
	}

	// the snapshot is immutable; everything below runs outside the store lock
	snap := s.store.Snapshot()
	if task.IsCanceled() {
		task.Deliver(cb, taskqueue.Canceled())
		return
	}

	clipped := clipper.Clip(task.TileID.Unwrapped().Bound(), snap.Features)
	if task.IsCanceled() {
		task.Deliver(cb, taskqueue.Canceled())
		return
	}
	if clipped.Empty() {
		task.Deliver(cb, taskqueue.Empty())
		return
	}

	task.SetRawData(clipped)
	data, err := s.Parse(task, s.projection)
	s.finish(task, cb, data, err)
}

// Parse maps the clipped features attached to task into tile-local space
func (s *ClientTileSource) Parse(task *taskqueue.TileTask, proj tile.Projection) (*tile.Data, error) {
	clipped, ok := task.RawData().(clipper.Result)
	if !ok {
		return nil, fmt.Errorf("client source %s: raw data is %T", s.id, task.RawData())
	}
	if task.IsCanceled() {
		return nil, tile.ErrCanceled
	}

	id := task.TileID.Unwrapped()
	layer := tile.Layer{Name: s.layerName}
	for _, c := range clipped.Features {
		local, err := clipper.ToLocal(proj, id, c.Geometry)
		if err != nil {
			log.Debugf("[ClientSource] Skipping feature %d in %s: %v", c.Index, id, err)
			continue
		}
		layer.Features = append(layer.Features, tile.Feature{
			Geometry:   local,
			Properties: c.Properties.Clone(),
		})
	}

	if task.IsCanceled() {
		return nil, tile.ErrCanceled
	}

	data := &tile.Data{ID: task.TileID, Source: s.id}
	if len(layer.Features) > 0 {
		data.Layers = []tile.Layer{layer}
	}
	return data, nil
}
