package taskqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vector-tiles/internal/tile"
)

// TaskStatus represents the current status of a tile task
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusLoading   TaskStatus = "loading"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusEmpty     TaskStatus = "empty"
	TaskStatusCanceled  TaskStatus = "canceled"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusEmpty, TaskStatusCanceled, TaskStatusFailed:
		return true
	}
	return false
}

// Callback receives the single result of a task
type Callback func(task *TileTask, result Result)

// TileTask is one unit of work: produce data for a tile, optionally for one sub-task.
// Cancellation is a terminal flag checked cooperatively by the source.
type TileTask struct {
	ID        string
	TileID    tile.ID
	SourceID  string
	SubTask   int
	CreatedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	canceled atomic.Bool

	mu        sync.Mutex
	status    TaskStatus
	raw       interface{}
	delivered bool
	doneHooks []func(*TileTask)
}

// NewTileTask creates a task in the Created state. It never blocks.
func NewTileTask(id tile.ID, sourceID string, subTask int) *TileTask {
	ctx, cancel := context.WithCancel(context.Background())
	return &TileTask{
		ID:        uuid.NewString(),
		TileID:    id,
		SourceID:  sourceID,
		SubTask:   subTask,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		status:    TaskStatusCreated,
	}
}

// Context is canceled when the task is canceled or reaches a terminal state.
// Network loaders pass it to their requests.
func (t *TileTask) Context() context.Context {
	return t.ctx
}

// Cancel marks the task canceled. It returns false if it already was.
func (t *TileTask) Cancel() bool {
	if !t.canceled.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	return true
}

// IsCanceled reports whether Cancel was called
func (t *TileTask) IsCanceled() bool {
	return t.canceled.Load()
}

// Status returns the lifecycle state
func (t *TileTask) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// MarkLoading moves a Created task to Loading.
// It returns false when the task is canceled or was already dispatched.
func (t *TileTask) MarkLoading() bool {
	if t.IsCanceled() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != TaskStatusCreated {
		return false
	}
	t.status = TaskStatusLoading
	return true
}

// SetRawData attaches the payload produced by loading, to be consumed by parse
func (t *TileTask) SetRawData(v interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.raw = v
}

// RawData returns the payload attached by SetRawData
func (t *TileTask) RawData() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.raw
}

// Deliver hands the result to cb, at most once per task.
// A result delivered after cancellation is turned into Canceled, so a canceled
// task never reaches the success path. It returns false if a result was already delivered.
func (t *TileTask) Deliver(cb Callback, r Result) bool {
	if t.IsCanceled() && r.Outcome != OutcomeCanceled {
		r = Canceled()
	}

	t.mu.Lock()
	if t.delivered {
		t.mu.Unlock()
		return false
	}
	t.delivered = true
	t.status = r.Outcome.status()
	if r.Outcome != OutcomeCompleted {
		t.raw = nil
	}
	hooks := t.doneHooks
	t.doneHooks = nil
	t.mu.Unlock()

	// releases the context; IsCanceled still reflects only explicit cancellation
	t.cancel()

	for _, h := range hooks {
		h(t)
	}
	if cb != nil {
		cb(t, r)
	}
	return true
}

// onDone registers a hook run once when the task reaches a terminal state
func (t *TileTask) onDone(fn func(*TileTask)) {
	t.mu.Lock()
	if !t.delivered {
		t.doneHooks = append(t.doneHooks, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn(t)
}
