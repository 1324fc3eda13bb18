package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ErrDispatcherClosed is returned by Dispatch after Close
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Loader produces data for a task and reports it through cb.
// Implemented by tile sources.
type Loader interface {
	LoadTileData(task *TileTask, cb Callback)
}

// DispatcherStatus reports worker pool activity
type DispatcherStatus struct {
	Workers   int   `json:"workers"`
	Queued    int64 `json:"queued"`
	Running   int64 `json:"running"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"` // canceled before a worker picked them up
}

type job struct {
	task   *TileTask
	loader Loader
	cb     Callback
}

// Dispatcher runs tile loads on a fixed pool of worker goroutines
type Dispatcher struct {
	jobs    chan job
	workers int

	// mu orders Dispatch sends against Close closing the channel
	mu     sync.RWMutex
	closed bool

	ctx        context.Context
	cancelFunc context.CancelFunc
	workerWg   sync.WaitGroup

	queued    atomic.Int64
	running   atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher starts workers goroutines reading from a queue of queueSize jobs
func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobs:       make(chan job, queueSize),
		workers:    workers,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	for i := 0; i < workers; i++ {
		d.workerWg.Add(1)
		go d.worker(i)
	}

	log.Printf("[TaskQueue] Dispatcher started with %d workers", workers)
	return d
}

// Dispatch queues the task for loading. It blocks only while the queue is full.
// A task canceled before a worker reaches it gets a single Canceled result and is never loaded.
func (d *Dispatcher) Dispatch(task *TileTask, loader Loader, cb Callback) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	d.queued.Add(1)
	select {
	case d.jobs <- job{task: task, loader: loader, cb: cb}:
		return nil
	case <-d.ctx.Done():
		d.queued.Add(-1)
		return ErrDispatcherClosed
	}
}

// Status returns a snapshot of the pool counters
func (d *Dispatcher) Status() DispatcherStatus {
	return DispatcherStatus{
		Workers:   d.workers,
		Queued:    d.queued.Load(),
		Running:   d.running.Load(),
		Processed: d.processed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Close stops accepting work, cancels queued tasks and waits for running loads to return
func (d *Dispatcher) Close() {
	d.cancelFunc()

	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	d.workerWg.Wait()
	log.Printf("[TaskQueue] Dispatcher stopped")
}
