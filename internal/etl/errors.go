package etl

import (
	"errors"
	"fmt"
)

var (
	// ErrSliceInProgress is returned when another worker holds the slice.
	ErrSliceInProgress = errors.New("slice already in progress")

	ErrInvalidSlice = errors.New("invalid slice")
)

// Stage names a pipeline step.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
	StageRefresh   Stage = "refresh"
)

// StageError carries the slice and stage a run failed in. The whole slice
// is safe to retry.
type StageError struct {
	Stage Stage
	Slice Slice
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed for slice %s: %v", e.Stage, e.Slice, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
