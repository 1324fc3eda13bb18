package source

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"vector-tiles/internal/cache"
	"vector-tiles/internal/ratelimit"
	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/tile"
)

func encodeTile(t *testing.T, id tile.ID, gzipped bool) []byte {
	t.Helper()

	roads := geojson.NewFeatureCollection()
	road := geojson.NewFeature(orb.LineString{{-80, 20}, {-10, 40}})
	road.Properties["name"] = "main"
	roads.Append(road)

	water := geojson.NewFeatureCollection()
	water.Append(geojson.NewFeature(orb.Point{-45, 30}))

	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{
		"roads": roads,
		"water": water,
	})
	layers.ProjectToTile(id.Tile())

	var (
		data []byte
		err  error
	)
	if gzipped {
		data, err = mvt.MarshalGzipped(layers)
	} else {
		data, err = mvt.Marshal(layers)
	}
	if err != nil {
		t.Fatalf("marshal mvt: %v", err)
	}
	return data
}

type tileServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newTileServer(t *testing.T, handler http.HandlerFunc) *tileServer {
	t.Helper()
	ts := &tileServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRemoteLoadsTile(t *testing.T) {
	for _, gzipped := range []bool{false, true} {
		id := tile.NewID(1, 1, 2)
		payload := encodeTile(t, id, gzipped)
		srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/2/1/1.pbf" {
				t.Errorf("path = %s, want /2/1/1.pbf", r.URL.Path)
			}
			w.Write(payload)
		})

		src, err := NewRemoteTileSource("osm", RemoteOptions{URLTemplate: srv.URL + "/{z}/{x}/{y}.pbf"})
		if err != nil {
			t.Fatal(err)
		}

		r := loadOne(t, src, id)
		if r.Outcome != taskqueue.OutcomeCompleted {
			t.Fatalf("gzip=%v: Outcome = %v (%v), want Completed", gzipped, r.Outcome, r.Err)
		}
		if r.Data.Layer("roads") == nil || r.Data.Layer("water") == nil {
			t.Errorf("gzip=%v: layers = %+v", gzipped, r.Data.Layers)
		}
		for _, l := range r.Data.Layers {
			for _, f := range l.Features {
				b := f.Geometry.Bound()
				if b.Min[0] < 0 || b.Min[1] < 0 || b.Max[0] > 1 || b.Max[1] > 1 {
					t.Errorf("gzip=%v: %s feature outside unit square: %v", gzipped, l.Name, b)
				}
			}
		}
	}
}

func TestRemoteNoContentIsEmpty(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotFound} {
		srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		src, _ := NewRemoteTileSource("osm", RemoteOptions{URLTemplate: srv.URL + "/{z}/{x}/{y}"})

		if r := loadOne(t, src, tile.NewID(0, 0, 1)); r.Outcome != taskqueue.OutcomeEmpty {
			t.Errorf("status %d: Outcome = %v, want Empty", status, r.Outcome)
		}
	}
}

func TestRemoteServerErrorFails(t *testing.T) {
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	src, _ := NewRemoteTileSource("osm", RemoteOptions{URLTemplate: srv.URL + "/{z}/{x}/{y}"})

	r := loadOne(t, src, tile.NewID(0, 0, 1))
	if r.Outcome != taskqueue.OutcomeFailed || r.Err == nil {
		t.Errorf("Outcome = %v, Err = %v, want Failed with error", r.Outcome, r.Err)
	}
}

func TestRemoteMalformedPayload(t *testing.T) {
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		// layers field announcing 16 bytes with only one present
		w.Write([]byte{0x1a, 0x10, 0x01})
	})
	src, _ := NewRemoteTileSource("osm", RemoteOptions{URLTemplate: srv.URL + "/{z}/{x}/{y}"})

	r := loadOne(t, src, tile.NewID(0, 0, 1))
	var decodeErr *tile.DecodeError
	if r.Outcome != taskqueue.OutcomeFailed || !errors.As(r.Err, &decodeErr) {
		t.Errorf("Outcome = %v, Err = %v, want Failed with DecodeError", r.Outcome, r.Err)
	}
}

func TestRemoteRateLimited(t *testing.T) {
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	src, _ := NewRemoteTileSource("osm", RemoteOptions{
		URLTemplate: srv.URL + "/{z}/{x}/{y}",
		RateLimiter: ratelimit.NewHandler(nil),
	})

	for i := 0; i < 2; i++ {
		r := loadOne(t, src, tile.NewID(0, 0, 1))
		if !errors.Is(r.Err, ErrRateLimited) {
			t.Errorf("attempt %d: Err = %v, want ErrRateLimited", i, r.Err)
		}
	}
	if got := srv.hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 while backing off", got)
	}
}

func TestRemoteLayerGroupsShareCachedPayload(t *testing.T) {
	id := tile.NewID(1, 1, 2)
	payload := encodeTile(t, id, false)
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	disk, err := cache.NewPersistentTileCache(t.TempDir(), 100, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer disk.Close()

	src, _ := NewRemoteTileSource("osm", RemoteOptions{
		URLTemplate: srv.URL + "/{z}/{x}/{y}",
		LayerGroups: [][]string{{"roads"}, {"water"}},
		Cache:       disk,
	})
	if src.SubTasks() != 2 {
		t.Fatalf("SubTasks() = %d, want 2", src.SubTasks())
	}

	for sub, want := range []string{"roads", "water"} {
		results := load(t, src, src.CreateTask(id, sub))
		if len(results) != 1 || results[0].Outcome != taskqueue.OutcomeCompleted {
			t.Fatalf("sub-task %d: results = %+v", sub, results)
		}
		layers := results[0].Data.Layers
		if len(layers) != 1 || layers[0].Name != want {
			t.Errorf("sub-task %d: layers = %+v, want only %s", sub, layers, want)
		}
	}
	if got := srv.hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}

	before := src.DataVersion()
	src.ClearData()
	if disk.Len() != 0 {
		t.Errorf("disk Len() = %d after ClearData, want 0", disk.Len())
	}
	if src.DataVersion() == before {
		t.Error("DataVersion() unchanged after ClearData")
	}
}

func TestRemoteCancelDuringFetch(t *testing.T) {
	requested := make(chan struct{})
	release := make(chan struct{})
	srv := newTileServer(t, func(w http.ResponseWriter, r *http.Request) {
		close(requested)
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
	defer close(release)

	src, _ := NewRemoteTileSource("osm", RemoteOptions{URLTemplate: srv.URL + "/{z}/{x}/{y}"})
	task := src.CreateTask(tile.NewID(0, 0, 1), 0)

	done := make(chan []taskqueue.Result, 1)
	go func() { done <- load(t, src, task) }()

	<-requested
	task.Cancel()

	select {
	case results := <-done:
		if len(results) != 1 || results[0].Outcome != taskqueue.OutcomeCanceled {
			t.Errorf("results = %+v, want one Canceled", results)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled fetch did not return")
	}
}

func TestRemoteTemplateValidation(t *testing.T) {
	if _, err := NewRemoteTileSource("osm", RemoteOptions{URLTemplate: "http://x/{z}/{x}"}); err == nil {
		t.Error("NewRemoteTileSource() accepted template without {y}")
	}

	src, err := NewRemoteTileSource("osm", RemoteOptions{URLTemplate: "http://x/{z}/{x}/{y}.mvt"})
	if err != nil {
		t.Fatal(err)
	}
	if got := src.URL(tile.ID{X: 3, Y: 5, Z: 4, Wrap: 2}); got != "http://x/4/3/5.mvt" {
		t.Errorf("URL() = %q", got)
	}
	if src.MimeType() != MVTMimeType {
		t.Errorf("MimeType() = %q", src.MimeType())
	}
}
