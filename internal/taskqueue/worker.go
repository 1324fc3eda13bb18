package taskqueue

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// worker processes queued jobs until the queue is closed
func (d *Dispatcher) worker(n int) {
	defer d.workerWg.Done()

	for j := range d.jobs {
		d.queued.Add(-1)

		// After Close, drain the queue without loading
		if d.ctx.Err() != nil {
			j.task.Cancel()
		}

		if j.task.IsCanceled() {
			d.dropped.Add(1)
			j.task.Deliver(j.cb, Canceled())
			continue
		}

		d.running.Add(1)
		d.run(n, j)
		d.running.Add(-1)
		d.processed.Add(1)
	}
}

// run calls the loader, turning a panic into a Failed result for that task only
func (d *Dispatcher) run(n int, j job) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"worker": n,
				"task":   j.task.ID,
				"tile":   j.task.TileID.String(),
				"source": j.task.SourceID,
			}).Errorf("[TaskQueue] Loader panic: %v", r)
			j.task.Deliver(j.cb, Failed(fmt.Errorf("loader panic: %v", r)))
		}
	}()

	j.loader.LoadTileData(j.task, j.cb)
}
