// Package source defines the tile source role and its client-fed and remote implementations.
package source

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"vector-tiles/internal/taskqueue"
	"vector-tiles/internal/tile"
)

// ErrRateLimited is returned while a remote source is backing off
var ErrRateLimited = errors.New("source rate limited")

// TileSource produces tile data for tasks it creates.
// LoadTileData may run on any worker goroutine and must honor task cancellation.
type TileSource interface {
	taskqueue.Loader

	ID() string
	MimeType() string
	// SubTasks is the number of tasks one tile request is split into
	SubTasks() int
	ZoomRange() ZoomOptions

	CreateTask(id tile.ID, subTask int) *taskqueue.TileTask
	// Parse turns the raw payload attached to task into tile-local data
	Parse(task *taskqueue.TileTask, proj tile.Projection) (*tile.Data, error)
	// CancelLoadingTile cancels every in-flight task of the tile
	CancelLoadingTile(id tile.ID) int
	ClearData()
	// DataVersion changes whenever tiles produced earlier may be stale
	DataVersion() uint64
}

// ZoomOptions bounds the zoom levels a source has data for
type ZoomOptions struct {
	MinZoom int `json:"minZoom"`
	MaxZoom int `json:"maxZoom"`
}

// DefaultZoom covers every supported zoom level
func DefaultZoom() ZoomOptions {
	return ZoomOptions{MinZoom: tile.MinZoom, MaxZoom: tile.MaxZoom}
}

// Contains reports whether z is inside the range
func (z ZoomOptions) Contains(zoom int) bool {
	return zoom >= z.MinZoom && zoom <= z.MaxZoom
}

// normalizeZoom clamps z to the supported levels; nil means all of them
func normalizeZoom(z *ZoomOptions) ZoomOptions {
	if z == nil {
		return DefaultZoom()
	}
	r := *z
	if r.MinZoom < tile.MinZoom {
		r.MinZoom = tile.MinZoom
	}
	if r.MaxZoom > tile.MaxZoom {
		r.MaxZoom = tile.MaxZoom
	}
	if r.MaxZoom < r.MinZoom {
		r.MaxZoom = r.MinZoom
	}
	return r
}

// base carries what every source shares: identity, zoom range and in-flight tasks
type base struct {
	id         string
	zoom       ZoomOptions
	projection tile.Projection
	tasks      *taskqueue.Registry
}

func newBase(id string, zoom *ZoomOptions, proj tile.Projection) base {
	if proj == nil {
		proj = tile.MercatorProjection{}
	}
	return base{
		id:         id,
		zoom:       normalizeZoom(zoom),
		projection: proj,
		tasks:      taskqueue.NewRegistry(),
	}
}

func (b *base) ID() string { return b.id }

func (b *base) ZoomRange() ZoomOptions { return b.zoom }

// CreateTask returns a new task for the tile and tracks it until it finishes
func (b *base) CreateTask(id tile.ID, subTask int) *taskqueue.TileTask {
	task := taskqueue.NewTileTask(id, b.id, subTask)
	b.tasks.Track(task)
	return task
}

// CancelLoadingTile cancels the in-flight tasks of a tile
func (b *base) CancelLoadingTile(id tile.ID) int {
	n := b.tasks.CancelTile(id)
	if n > 0 {
		log.WithFields(log.Fields{"source": b.id, "tile": id.String(), "tasks": n}).
			Debug("[Source] Canceled loading tile")
	}
	return n
}

// InFlight returns the number of unfinished tasks for a tile
func (b *base) InFlight(id tile.ID) int {
	return b.tasks.InFlight(id)
}

// begin moves task into Loading. It returns false once the task is settled,
// delivering Canceled or Empty where the load cannot proceed.
func (b *base) begin(task *taskqueue.TileTask, cb taskqueue.Callback) bool {
	if !task.MarkLoading() {
		if task.IsCanceled() {
			task.Deliver(cb, taskqueue.Canceled())
		}
		return false
	}
	if !b.zoom.Contains(task.TileID.Z) {
		task.Deliver(cb, taskqueue.Empty())
		return false
	}
	return true
}

// finish delivers the outcome of a parse
func (b *base) finish(task *taskqueue.TileTask, cb taskqueue.Callback, data *tile.Data, err error) {
	switch {
	case errors.Is(err, tile.ErrCanceled):
		task.Deliver(cb, taskqueue.Canceled())
	case err != nil:
		log.WithFields(log.Fields{"source": b.id, "tile": task.TileID.String()}).
			WithError(err).Warn("[Source] Failed to parse tile")
		task.Deliver(cb, taskqueue.Failed(err))
	case data.IsEmpty():
		task.Deliver(cb, taskqueue.Empty())
	default:
		task.Deliver(cb, taskqueue.Completed(data))
	}
}
