// Package tilemanager turns tile requests into source tasks, merges their
// results and caches what may be reused.
package tilemanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"vector-tiles/internal/cache"
	"vector-tiles/internal/featurestore"
	"vector-tiles/internal/source"
	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/telemetry"
	"vector-tiles/internal/tile"
)

var (
	ErrUnknownSource   = errors.New("unknown source")
	ErrNotClientSource = errors.New("not a client source")
	ErrDuplicateSource = errors.New("duplicate source")
)

// Options configures a Manager
type Options struct {
	// Cache is optional; without it every request reaches the source
	Cache   *cache.TileCache
	Tracker telemetry.Tracker
	// MaxPrefetchTiles caps the tiles covered by one Prefetch call
	MaxPrefetchTiles int
}

// SourceInfo describes a registered source
type SourceInfo struct {
	Name     string             `json:"name"`
	MimeType string             `json:"mimeType"`
	SubTasks int                `json:"subTasks"`
	Zoom     source.ZoomOptions `json:"zoom"`
	Client   bool               `json:"client"`
}

// Manager owns the registered sources and routes tile requests to them
type Manager struct {
	mu      sync.RWMutex
	sources map[string]source.TileSource

	dispatcher  *taskqueue.Dispatcher
	cache       *cache.TileCache
	tracker     telemetry.Tracker
	maxPrefetch int

	group     singleflight.Group
	flightsMu sync.Mutex
	flights   map[string]*flight
}

// flight tracks the callers waiting on one shared load.
// Each load holds the flight it was started for, so a late load never
// touches a newer flight under the same key.
type flight struct {
	waiters   int
	abandoned bool
	tasks     []*taskqueue.TileTask
}

// New creates a Manager dispatching on d
func New(d *taskqueue.Dispatcher, opts Options) *Manager {
	tracker := opts.Tracker
	if tracker == nil {
		tracker = telemetry.Nop{}
	}
	maxPrefetch := opts.MaxPrefetchTiles
	if maxPrefetch <= 0 {
		maxPrefetch = 1024
	}

	return &Manager{
		sources:     make(map[string]source.TileSource),
		dispatcher:  d,
		cache:       opts.Cache,
		tracker:     tracker,
		maxPrefetch: maxPrefetch,
		flights:     make(map[string]*flight),
	}
}

// Register adds a source
func (m *Manager) Register(src source.TileSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sources[src.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.ID())
	}
	m.sources[src.ID()] = src
	log.WithFields(log.Fields{"source": src.ID(), "mime": src.MimeType()}).Info("[TileManager] Registered source")
	return nil
}

// Source returns a registered source
func (m *Manager) Source(name string) (source.TileSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src, ok := m.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return src, nil
}

// Client returns a registered client source
func (m *Manager) Client(name string) (*source.ClientTileSource, error) {
	src, err := m.Source(name)
	if err != nil {
		return nil, err
	}
	client, ok := src.(*source.ClientTileSource)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotClientSource, name)
	}
	return client, nil
}

// Sources lists the registered sources by name
func (m *Manager) Sources() []SourceInfo {
	m.mu.RLock()
	names := lo.Keys(m.sources)
	sort.Strings(names)
	infos := lo.Map(names, func(name string, _ int) SourceInfo {
		src := m.sources[name]
		_, client := src.(*source.ClientTileSource)
		return SourceInfo{
			Name:     name,
			MimeType: src.MimeType(),
			SubTasks: src.SubTasks(),
			Zoom:     src.ZoomRange(),
			Client:   client,
		}
	})
	m.mu.RUnlock()
	return infos
}

// AddData appends a GeoJSON payload to a client source
func (m *Manager) AddData(name string, payload []byte) (int, error) {
	client, err := m.Client(name)
	if err != nil {
		return 0, err
	}
	return client.AddData(payload)
}

// BuildTiles publishes the pending data of a client source
func (m *Manager) BuildTiles(name string) (featurestore.Snapshot, error) {
	client, err := m.Client(name)
	if err != nil {
		return featurestore.Snapshot{}, err
	}
	return client.BuildTiles(), nil
}

// ClearData clears a source. Its cached tiles go stale with its data version.
func (m *Manager) ClearData(name string) error {
	src, err := m.Source(name)
	if err != nil {
		return err
	}
	src.ClearData()
	return nil
}

// GetTile returns the merged result of every sub-task of a tile.
// Concurrent requests for the same tile share one load. When ctx is done
// the caller gets Canceled, and the load is canceled once no caller is left.
func (m *Manager) GetTile(ctx context.Context, name string, id tile.ID) (taskqueue.Result, error) {
	src, err := m.Source(name)
	if err != nil {
		return taskqueue.Result{}, err
	}
	if !id.Valid() {
		return taskqueue.Result{}, fmt.Errorf("%w: %s", tile.ErrInvalidTile, id)
	}

	// The key carries the data version, so builds and clears made directly
	// on the source miss tiles cached before them.
	version := src.DataVersion()
	key := fmt.Sprintf("%s@%d/%s", name, version, id.Key())

	if m.cache != nil {
		if data, empty, ok := m.cache.Get(key); ok {
			if empty {
				return taskqueue.Empty(), nil
			}
			return taskqueue.Completed(data), nil
		}
	}

	f := m.join(key)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return m.load(src, id, key, version, f), nil
	})

	select {
	case <-ctx.Done():
		m.leave(key, f, true)
		return taskqueue.Canceled(), nil
	case r := <-ch:
		m.leave(key, f, false)
		return r.Val.(taskqueue.Result), nil
	}
}

func (m *Manager) join(key string) *flight {
	m.flightsMu.Lock()
	defer m.flightsMu.Unlock()

	f, ok := m.flights[key]
	if !ok {
		f = &flight{}
		m.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops a waiter. The last waiter to give up cancels the load.
func (m *Manager) leave(key string, f *flight, canceled bool) {
	m.flightsMu.Lock()
	f.waiters--
	if f.waiters > 0 {
		m.flightsMu.Unlock()
		return
	}
	if m.flights[key] == f {
		delete(m.flights, key)
	}
	var tasks []*taskqueue.TileTask
	if canceled {
		f.abandoned = true
		tasks = f.tasks
		// later callers must start a fresh load rather than join the canceled one
		m.group.Forget(key)
	}
	m.flightsMu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// attach records the tasks of a load; it cancels them if every caller already left
func (m *Manager) attach(f *flight, tasks []*taskqueue.TileTask) {
	m.flightsMu.Lock()
	abandoned := f.abandoned
	if !abandoned {
		f.tasks = tasks
	}
	m.flightsMu.Unlock()

	if abandoned {
		for _, t := range tasks {
			t.Cancel()
		}
	}
}

type subResult struct {
	index  int
	result taskqueue.Result
}

func (m *Manager) load(src source.TileSource, id tile.ID, key string, version uint64, f *flight) taskqueue.Result {
	start := time.Now()

	n := src.SubTasks()
	tasks := make([]*taskqueue.TileTask, n)
	for i := range tasks {
		tasks[i] = src.CreateTask(id, i)
	}
	m.attach(f, tasks)

	results := make(chan subResult, n)
	cb := func(task *taskqueue.TileTask, r taskqueue.Result) {
		results <- subResult{index: task.SubTask, result: r}
	}
	for _, t := range tasks {
		if err := m.dispatcher.Dispatch(t, src, cb); err != nil {
			t.Deliver(cb, taskqueue.Failed(err))
		}
	}

	collected := make([]taskqueue.Result, n)
	for i := 0; i < n; i++ {
		r := <-results
		collected[r.index] = r.result
	}

	res := Merge(id, src.ID(), collected)

	if res.Cacheable() && m.cache != nil && src.DataVersion() == version {
		if res.Outcome == taskqueue.OutcomeEmpty {
			m.cache.SetEmpty(key)
		} else {
			m.cache.SetData(key, res.Data)
		}
	}

	m.report(src.ID(), id, n, res, time.Since(start))
	return res
}

func (m *Manager) report(name string, id tile.ID, subTasks int, res taskqueue.Result, elapsed time.Duration) {
	fields := log.Fields{
		"source":   name,
		"tile":     id.String(),
		"outcome":  res.Outcome.String(),
		"subtasks": subTasks,
		"elapsed":  elapsed,
	}
	if res.Err != nil && res.Outcome == taskqueue.OutcomeFailed {
		log.WithFields(fields).WithError(res.Err).Warn("[TileManager] Tile failed")
	} else {
		log.WithFields(fields).Debug("[TileManager] Tile loaded")
	}

	props := map[string]interface{}{
		"source":     name,
		"zoom":       id.Z,
		"outcome":    res.Outcome.String(),
		"subtasks":   subTasks,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if res.Outcome == taskqueue.OutcomeCompleted {
		props["features"] = res.Data.FeatureCount()
	}
	m.tracker.Track("tile_loaded", props)
}

// Merge combines sub-task results in sub-task order.
// Any Canceled wins, then any Failed; all Empty is Empty; otherwise layers are concatenated.
func Merge(id tile.ID, name string, results []taskqueue.Result) taskqueue.Result {
	var (
		canceled bool
		errs     []error
		data     = &tile.Data{ID: id, Source: name}
	)
	for _, r := range results {
		switch r.Outcome {
		case taskqueue.OutcomeCanceled:
			canceled = true
		case taskqueue.OutcomeFailed:
			errs = append(errs, r.Err)
		case taskqueue.OutcomeCompleted:
			if r.Data != nil {
				data.Layers = append(data.Layers, r.Data.Layers...)
			}
		}
	}

	switch {
	case canceled:
		return taskqueue.Canceled()
	case len(errs) > 0:
		return taskqueue.Failed(errors.Join(errs...))
	case data.IsEmpty():
		return taskqueue.Empty()
	default:
		return taskqueue.Completed(data)
	}
}

// Status reports dispatcher counters
func (m *Manager) Status() taskqueue.DispatcherStatus {
	return m.dispatcher.Status()
}

// Close stops the dispatcher; queued tasks finish as Canceled
func (m *Manager) Close() {
	m.dispatcher.Close()
}
