package source

import (
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"vector-tiles/internal/featurestore"
	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/tile"
)

// load runs LoadTileData synchronously and returns every delivered result
func load(t *testing.T, src TileSource, task *taskqueue.TileTask) []taskqueue.Result {
	t.Helper()
	var (
		mu      sync.Mutex
		results []taskqueue.Result
	)
	src.LoadTileData(task, func(_ *taskqueue.TileTask, r taskqueue.Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})
	return results
}

func loadOne(t *testing.T, src TileSource, id tile.ID) taskqueue.Result {
	t.Helper()
	results := load(t, src, src.CreateTask(id, 0))
	if len(results) != 1 {
		t.Fatalf("got %d results for %s, want 1", len(results), id)
	}
	return results[0]
}

func newPointSource(t *testing.T) *ClientTileSource {
	t.Helper()
	src := NewClientTileSource("points", ClientOptions{})
	src.AddPoint(geojson.Properties{"name": "A"}, orb.Point{-45, 30})
	src.BuildTiles()
	return src
}

func TestClientPointInsideTile(t *testing.T) {
	src := newPointSource(t)

	r := loadOne(t, src, tile.NewID(1, 1, 2))
	if r.Outcome != taskqueue.OutcomeCompleted {
		t.Fatalf("Outcome = %v, want Completed", r.Outcome)
	}
	if got := r.Data.FeatureCount(); got != 1 {
		t.Fatalf("FeatureCount() = %d, want 1", got)
	}

	layer := r.Data.Layer("points")
	if layer == nil {
		t.Fatal("layer points missing")
	}
	f := layer.Features[0]
	p, ok := f.Geometry.(orb.Point)
	if !ok {
		t.Fatalf("Geometry = %T, want orb.Point", f.Geometry)
	}
	if p[0] < 0.49 || p[0] > 0.51 || p[1] <= 0 || p[1] >= 1 {
		t.Errorf("local point = %v, want x≈0.5 and y in (0,1)", p)
	}
	if f.Properties.MustString("name", "") != "A" {
		t.Errorf("Properties = %v, want name=A", f.Properties)
	}
	if r.Data.ID != tile.NewID(1, 1, 2) || r.Data.Source != "points" {
		t.Errorf("Data = %s/%s, want points 2/1/1", r.Data.Source, r.Data.ID)
	}
}

func TestClientPointOutsideTileIsEmpty(t *testing.T) {
	src := newPointSource(t)

	if r := loadOne(t, src, tile.NewID(2, 1, 2)); r.Outcome != taskqueue.OutcomeEmpty {
		t.Errorf("Outcome = %v, want Empty", r.Outcome)
	}
}

func TestClientUnbuiltDataIsNotServed(t *testing.T) {
	src := NewClientTileSource("points", ClientOptions{})
	src.AddPoint(nil, orb.Point{-45, 30})

	if r := loadOne(t, src, tile.NewID(1, 1, 2)); r.Outcome != taskqueue.OutcomeEmpty {
		t.Errorf("Outcome before BuildTiles = %v, want Empty", r.Outcome)
	}
	if !src.HasPendingData() {
		t.Error("HasPendingData() = false before BuildTiles")
	}
}

func TestClientClearThenBuildIsEmpty(t *testing.T) {
	src := newPointSource(t)
	before := src.DataVersion()

	src.ClearData()
	src.BuildTiles()
	if got := src.DataVersion(); got != before+2 {
		t.Errorf("DataVersion() = %d, want %d after a clear and a build", got, before+2)
	}

	if r := loadOne(t, src, tile.NewID(1, 1, 2)); r.Outcome != taskqueue.OutcomeEmpty {
		t.Errorf("Outcome = %v, want Empty", r.Outcome)
	}
	if src.Len() != 0 {
		t.Errorf("Len() = %d, want 0", src.Len())
	}
}

func TestClientCanceledTaskNeverCompletes(t *testing.T) {
	src := newPointSource(t)

	task := src.CreateTask(tile.NewID(1, 1, 2), 0)
	task.Cancel()

	results := load(t, src, task)
	if len(results) != 1 || results[0].Outcome != taskqueue.OutcomeCanceled {
		t.Fatalf("results = %+v, want one Canceled", results)
	}
	if task.Status() != taskqueue.TaskStatusCanceled {
		t.Errorf("Status() = %v, want canceled", task.Status())
	}
}

func TestClientCancelLoadingTile(t *testing.T) {
	src := newPointSource(t)
	id := tile.NewID(1, 1, 2)

	a := src.CreateTask(id, 0)
	b := src.CreateTask(id, 0)
	other := src.CreateTask(tile.NewID(2, 1, 2), 0)

	if n := src.CancelLoadingTile(id); n != 2 {
		t.Errorf("CancelLoadingTile() = %d, want 2", n)
	}
	if !a.IsCanceled() || !b.IsCanceled() || other.IsCanceled() {
		t.Error("CancelLoadingTile() canceled the wrong tasks")
	}

	load(t, src, a)
	if src.InFlight(id) != 1 {
		t.Errorf("InFlight() = %d, want 1 after one delivery", src.InFlight(id))
	}
}

func TestClientZoomRange(t *testing.T) {
	src := NewClientTileSource("points", ClientOptions{Zoom: &ZoomOptions{MinZoom: 3, MaxZoom: 10}})
	src.AddPoint(nil, orb.Point{-50, 30})
	src.BuildTiles()

	if r := loadOne(t, src, tile.NewID(1, 1, 2)); r.Outcome != taskqueue.OutcomeEmpty {
		t.Errorf("Outcome below min zoom = %v, want Empty", r.Outcome)
	}
	if r := loadOne(t, src, tile.NewID(2, 3, 3)); r.Outcome != taskqueue.OutcomeCompleted {
		t.Errorf("Outcome in range = %v, want Completed", r.Outcome)
	}
}

func TestNormalizeZoom(t *testing.T) {
	tests := []struct {
		name string
		in   *ZoomOptions
		want ZoomOptions
	}{
		{"unset", nil, DefaultZoom()},
		{"zoom 0 only", &ZoomOptions{}, ZoomOptions{MinZoom: 0, MaxZoom: 0}},
		{"range", &ZoomOptions{MinZoom: 3, MaxZoom: 10}, ZoomOptions{MinZoom: 3, MaxZoom: 10}},
		{"clamped", &ZoomOptions{MinZoom: -1, MaxZoom: 30}, DefaultZoom()},
		{"inverted", &ZoomOptions{MinZoom: 5, MaxZoom: 2}, ZoomOptions{MinZoom: 5, MaxZoom: 5}},
	}
	for _, tt := range tests {
		if got := normalizeZoom(tt.in); got != tt.want {
			t.Errorf("%s: normalizeZoom() = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestClientZoomZeroOnly(t *testing.T) {
	src := NewClientTileSource("points", ClientOptions{Zoom: &ZoomOptions{}})
	src.AddPoint(nil, orb.Point{-50, 30})
	src.BuildTiles()

	if r := loadOne(t, src, tile.NewID(0, 0, 0)); r.Outcome != taskqueue.OutcomeCompleted {
		t.Errorf("Outcome at zoom 0 = %v, want Completed", r.Outcome)
	}
	if r := loadOne(t, src, tile.NewID(0, 0, 1)); r.Outcome != taskqueue.OutcomeEmpty {
		t.Errorf("Outcome at zoom 1 = %v, want Empty", r.Outcome)
	}
}

func TestClientWrappedTile(t *testing.T) {
	src := newPointSource(t)

	id := tile.ID{X: 1, Y: 1, Z: 2, Wrap: 1}
	r := loadOne(t, src, id)
	if r.Outcome != taskqueue.OutcomeCompleted {
		t.Fatalf("Outcome = %v, want Completed", r.Outcome)
	}
	if r.Data.ID != id {
		t.Errorf("Data.ID = %v, want %v", r.Data.ID, id)
	}
}

func TestClientGeneratesCentroids(t *testing.T) {
	src := NewClientTileSource("areas", ClientOptions{GenerateCentroids: true, LayerName: "landuse"})
	src.AddPoly(geojson.Properties{"kind": "park"}, orb.Polygon{{{-60, 10}, {-30, 10}, {-30, 40}, {-60, 40}, {-60, 10}}})
	src.BuildTiles()

	r := loadOne(t, src, tile.NewID(1, 1, 2))
	if r.Outcome != taskqueue.OutcomeCompleted {
		t.Fatalf("Outcome = %v, want Completed", r.Outcome)
	}
	layer := r.Data.Layer("landuse")
	if layer == nil || len(layer.Features) != 2 {
		t.Fatalf("layer = %+v, want polygon and centroid", layer)
	}
	label := layer.Features[1]
	if _, ok := label.Geometry.(orb.Point); !ok {
		t.Errorf("centroid Geometry = %T, want orb.Point", label.Geometry)
	}
	if label.Properties[featurestore.LabelPlacementKey] != 1 {
		t.Errorf("centroid properties = %v", label.Properties)
	}
}

func TestClientAddDataDecodeError(t *testing.T) {
	src := NewClientTileSource("points", ClientOptions{})

	if _, err := src.AddData([]byte(`{"type":`)); err == nil {
		t.Fatal("AddData() error = nil")
	}
	if src.Len() != 0 || src.HasPendingData() {
		t.Error("malformed payload changed the store")
	}
}

func TestClientParseRejectsForeignPayload(t *testing.T) {
	src := NewClientTileSource("points", ClientOptions{})
	task := src.CreateTask(tile.NewID(0, 0, 0), 0)
	task.SetRawData([]byte("x"))

	if _, err := src.Parse(task, tile.MercatorProjection{}); err == nil {
		t.Error("Parse() error = nil")
	}
}

func TestClientMimeType(t *testing.T) {
	src := NewClientTileSource("points", ClientOptions{})
	if src.MimeType() != "application/geo+json" {
		t.Errorf("MimeType() = %q", src.MimeType())
	}
	if src.SubTasks() != 1 {
		t.Errorf("SubTasks() = %d, want 1", src.SubTasks())
	}
	if src.ZoomRange() != DefaultZoom() {
		t.Errorf("ZoomRange() = %+v, want default", src.ZoomRange())
	}
}
