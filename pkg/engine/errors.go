package engine

import "errors"

var (
	// ErrRunActive is returned when an operation needs the run to be idle in this process.
	ErrRunActive = errors.New("run is active")
	// ErrExecutorClosed is returned after Close.
	ErrExecutorClosed = errors.New("executor closed")
	// ErrRunAborted is returned when items are submitted to an aborted or aborting run.
	ErrRunAborted = errors.New("run is aborted")

	errDraining = errors.New("execution draining")
)
