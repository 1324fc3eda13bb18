package tile

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is reported when a task was aborted cooperatively
	ErrCanceled = errors.New("tile task canceled")

	// ErrDegenerateGeometry marks a single feature that cannot be clipped or projected
	ErrDegenerateGeometry = errors.New("degenerate geometry")

	// ErrInvalidTile is returned for tile coordinates outside the tile pyramid
	ErrInvalidTile = errors.New("invalid tile")
)

// DecodeError is returned when a client payload cannot be decoded.
// The store is left unchanged when it is reported.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
