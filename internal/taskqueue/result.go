package taskqueue

import (
	"fmt"

	"vector-tiles/internal/tile"
)

// Outcome is the terminal signal of a tile task
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeEmpty
	OutcomeCanceled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeEmpty:
		return "empty"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

func (o Outcome) status() TaskStatus {
	switch o {
	case OutcomeCompleted:
		return TaskStatusCompleted
	case OutcomeEmpty:
		return TaskStatusEmpty
	case OutcomeCanceled:
		return TaskStatusCanceled
	}
	return TaskStatusFailed
}

// Result is what a callback receives. Data is set only for Completed, Err only for Failed.
type Result struct {
	Outcome Outcome
	Data    *tile.Data
	Err     error
}

// Completed wraps produced tile data
func Completed(data *tile.Data) Result {
	return Result{Outcome: OutcomeCompleted, Data: data}
}

// Empty signals that the tile has no data. It is not an error.
func Empty() Result {
	return Result{Outcome: OutcomeEmpty}
}

// Canceled signals a cooperatively aborted task
func Canceled() Result {
	return Result{Outcome: OutcomeCanceled, Err: tile.ErrCanceled}
}

// Failed wraps a load or parse error
func Failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: err}
}

// Cacheable reports whether the result may be stored: no-data is cacheable as empty,
// canceled and failed results must be retried instead.
func (r Result) Cacheable() bool {
	return r.Outcome == OutcomeCompleted || r.Outcome == OutcomeEmpty
}
