package taskqueue

import (
	"sync"

	"vector-tiles/internal/tile"
)

// Registry tracks in-flight tasks per tile so a tile's work can be canceled as a whole
type Registry struct {
	mu       sync.Mutex
	inflight map[tile.ID]map[string]*TileTask
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		inflight: make(map[tile.ID]map[string]*TileTask),
	}
}

// Track registers a task until it reaches a terminal state
func (r *Registry) Track(t *TileTask) {
	r.mu.Lock()
	tasks, ok := r.inflight[t.TileID]
	if !ok {
		tasks = make(map[string]*TileTask)
		r.inflight[t.TileID] = tasks
	}
	tasks[t.ID] = t
	r.mu.Unlock()

	t.onDone(r.untrack)
}

func (r *Registry) untrack(t *TileTask) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks, ok := r.inflight[t.TileID]
	if !ok {
		return
	}
	delete(tasks, t.ID)
	if len(tasks) == 0 {
		delete(r.inflight, t.TileID)
	}
}

// CancelTile cancels every in-flight task of a tile and returns how many were newly canceled
func (r *Registry) CancelTile(id tile.ID) int {
	r.mu.Lock()
	tasks := make([]*TileTask, 0, len(r.inflight[id]))
	for _, t := range r.inflight[id] {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	n := 0
	for _, t := range tasks {
		if t.Cancel() {
			n++
		}
	}
	return n
}

// CancelAll cancels every in-flight task
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	var tasks []*TileTask
	for _, byID := range r.inflight {
		for _, t := range byID {
			tasks = append(tasks, t)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, t := range tasks {
		if t.Cancel() {
			n++
		}
	}
	return n
}

// InFlight returns the number of unfinished tasks for a tile
func (r *Registry) InFlight(id tile.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight[id])
}

// Len returns the number of unfinished tasks
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tasks := range r.inflight {
		n += len(tasks)
	}
	return n
}
