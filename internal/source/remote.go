package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"vector-tiles/internal/cache"
	"vector-tiles/internal/ratelimit"
	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/tile"
)

// MVTMimeType is the format served by remote sources
const MVTMimeType = "application/vnd.mapbox-vector-tile"

const defaultFetchTimeout = 30 * time.Second

// RemoteOptions configures a RemoteTileSource
type RemoteOptions struct {
	// URLTemplate contains {z}, {x} and {y} placeholders
	URLTemplate string
	Zoom        *ZoomOptions
	Headers     map[string]string
	// LayerGroups splits a tile into one sub-task per group of layer names.
	// Empty means one sub-task returning every layer.
	LayerGroups [][]string
	Timeout     time.Duration

	Client      *http.Client
	Cache       *cache.PersistentTileCache
	RateLimiter *ratelimit.Handler
}

// RemoteTileSource fetches Mapbox Vector Tiles over HTTP
type RemoteTileSource struct {
	base
	template    string
	headers     map[string]string
	layerGroups [][]string
	timeout     time.Duration

	client  *http.Client
	cache   *cache.PersistentTileCache
	limiter *ratelimit.Handler

	// sub-tasks of one tile share a single download
	fetches singleflight.Group
	cleared atomic.Uint64
}

var _ TileSource = (*RemoteTileSource)(nil)

// NewRemoteTileSource creates a remote source
func NewRemoteTileSource(id string, opts RemoteOptions) (*RemoteTileSource, error) {
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(opts.URLTemplate, p) {
			return nil, fmt.Errorf("remote source %s: url template %q lacks %s", id, opts.URLTemplate, p)
		}
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	return &RemoteTileSource{
		base:        newBase(id, opts.Zoom, nil),
		template:    opts.URLTemplate,
		headers:     opts.Headers,
		layerGroups: opts.LayerGroups,
		timeout:     timeout,
		client:      client,
		cache:       opts.Cache,
		limiter:     opts.RateLimiter,
	}, nil
}

// MimeType reports the payload format
func (s *RemoteTileSource) MimeType() string { return MVTMimeType }

// SubTasks returns one task per layer group
func (s *RemoteTileSource) SubTasks() int {
	if len(s.layerGroups) == 0 {
		return 1
	}
	return len(s.layerGroups)
}

// ClearData drops the cached payloads of this source
func (s *RemoteTileSource) ClearData() {
	s.cleared.Add(1)
	if s.cache == nil {
		return
	}
	n := s.cache.RemoveSource(s.id)
	log.WithFields(log.Fields{"source": s.id, "tiles": n}).Info("[RemoteSource] Cleared cached tiles")
}

// DataVersion counts the clears of this source
func (s *RemoteTileSource) DataVersion() uint64 {
	return s.cleared.Load()
}

// URL returns the request URL for a tile
func (s *RemoteTileSource) URL(id tile.ID) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(id.Z),
		"{x}", strconv.Itoa(id.X),
		"{y}", strconv.Itoa(id.Y),
	).Replace(s.template)
}

// LoadTileData downloads, or reads from the disk cache, the task's tile and parses it
func (s *RemoteTileSource) LoadTileData(task *taskqueue.TileTask, cb taskqueue.Callback) {
	if !s.begin(task, cb) {
		return
	}

	payload, err := s.fetch(task)
	switch {
	case task.IsCanceled() || errors.Is(err, context.Canceled):
		task.Deliver(cb, taskqueue.Canceled())
		return
	case err != nil:
		log.WithFields(log.Fields{"source": s.id, "tile": task.TileID.String()}).
			WithError(err).Warn("[RemoteSource] Failed to fetch tile")
		task.Deliver(cb, taskqueue.Failed(err))
		return
	case len(payload) == 0:
		task.Deliver(cb, taskqueue.Empty())
		return
	}

	task.SetRawData(payload)
	data, err := s.Parse(task, s.projection)
	s.finish(task, cb, data, err)
}

// fetch returns the tile payload. An empty payload means the server has no data.
func (s *RemoteTileSource) fetch(task *taskqueue.TileTask) ([]byte, error) {
	id := task.TileID.Unwrapped()

	if s.cache != nil {
		if data, ok := s.cache.Get(s.id, id); ok {
			return data, nil
		}
	}
	if s.limiter != nil && s.limiter.IsRateLimited(s.id) {
		return nil, ErrRateLimited
	}

	// The shared download runs detached from any one task; a canceled task stops waiting.
	ch := s.fetches.DoChan(id.Key(), func() (interface{}, error) {
		return s.download(id)
	})
	select {
	case <-task.Context().Done():
		return nil, context.Canceled
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	}
}

func (s *RemoteTileSource) download(id tile.ID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	url := s.URL(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", MVTMimeType)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if s.limiter != nil && s.limiter.CheckResponse(s.id, resp) {
		return nil, fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", id, err)
	}

	if s.cache != nil && len(data) > 0 {
		if err := s.cache.Set(s.id, id, data); err != nil {
			log.WithError(err).Warn("[RemoteSource] Failed to cache tile")
		}
	}
	return data, nil
}
