package taskqueue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vector-tiles/internal/tile"
)

type loaderFunc func(task *TileTask, cb Callback)

func (f loaderFunc) LoadTileData(task *TileTask, cb Callback) { f(task, cb) }

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	return Result{}
}

func TestDispatcherRunsLoader(t *testing.T) {
	d := NewDispatcher(2, 4)
	defer d.Close()

	loader := loaderFunc(func(task *TileTask, cb Callback) {
		task.MarkLoading()
		task.Deliver(cb, Completed(&tile.Data{ID: task.TileID}))
	})

	results := make(chan Result, 1)
	task := NewTileTask(tile.NewID(0, 0, 0), "s", 0)
	if err := d.Dispatch(task, loader, func(_ *TileTask, r Result) { results <- r }); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	r := waitResult(t, results)
	if r.Outcome != OutcomeCompleted || r.Data.ID != task.TileID {
		t.Errorf("got %+v, want completed data for %v", r, task.TileID)
	}
}

func TestDispatcherCancelBeforeDispatch(t *testing.T) {
	d := NewDispatcher(1, 4)
	defer d.Close()

	release := make(chan struct{})
	blocker := loaderFunc(func(task *TileTask, cb Callback) {
		<-release
		task.Deliver(cb, Empty())
	})

	var loads atomic.Int32
	counting := loaderFunc(func(task *TileTask, cb Callback) {
		loads.Add(1)
		task.Deliver(cb, Completed(&tile.Data{}))
	})

	first := make(chan Result, 1)
	if err := d.Dispatch(NewTileTask(tile.NewID(0, 0, 0), "s", 0), blocker, func(_ *TileTask, r Result) { first <- r }); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	results := make(chan Result, 2)
	task := NewTileTask(tile.NewID(1, 1, 1), "s", 0)
	if err := d.Dispatch(task, counting, func(_ *TileTask, r Result) {
		calls.Add(1)
		results <- r
	}); err != nil {
		t.Fatal(err)
	}
	task.Cancel()
	close(release)

	waitResult(t, first)
	r := waitResult(t, results)
	if r.Outcome != OutcomeCanceled {
		t.Errorf("outcome = %s, want canceled", r.Outcome)
	}
	if loads.Load() != 0 {
		t.Error("loader ran for a task canceled before dispatch")
	}

	// give a stray second callback a chance to show up
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("callback fired %d times, want 1", calls.Load())
	}
	if d.Status().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", d.Status().Dropped)
	}
}

func TestDispatcherRecoversPanic(t *testing.T) {
	d := NewDispatcher(1, 1)
	defer d.Close()

	results := make(chan Result, 1)
	err := d.Dispatch(NewTileTask(tile.NewID(0, 0, 0), "s", 0), loaderFunc(func(*TileTask, Callback) {
		panic("boom")
	}), func(_ *TileTask, r Result) { results <- r })
	if err != nil {
		t.Fatal(err)
	}

	r := waitResult(t, results)
	if r.Outcome != OutcomeFailed || r.Err == nil {
		t.Errorf("got %+v, want a failed result", r)
	}
}

func TestDispatcherClose(t *testing.T) {
	d := NewDispatcher(1, 8)

	release := make(chan struct{})
	var wg sync.WaitGroup
	var canceled atomic.Int32

	loader := loaderFunc(func(task *TileTask, cb Callback) {
		<-release
		task.Deliver(cb, Empty())
	})
	cb := func(_ *TileTask, r Result) {
		if r.Outcome == OutcomeCanceled {
			canceled.Add(1)
		}
		wg.Done()
	}

	for i := 0; i < 4; i++ {
		wg.Add(1)
		if err := d.Dispatch(NewTileTask(tile.NewID(0, 0, 0), "s", i), loader, cb); err != nil {
			t.Fatal(err)
		}
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	d.Close()
	wg.Wait()

	// the running task finishes, or is canceled if Close won the race; queued ones are canceled
	if canceled.Load() < 3 {
		t.Errorf("%d tasks canceled by Close, want at least 3", canceled.Load())
	}

	err := d.Dispatch(NewTileTask(tile.NewID(0, 0, 0), "s", 0), loader, cb)
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Dispatch() after Close = %v, want ErrDispatcherClosed", err)
	}
}
