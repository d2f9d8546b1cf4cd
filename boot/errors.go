package boot

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPrecondition marks an operation issued from a stage it cannot run
	// in. Nothing was sent to the device.
	ErrPrecondition = errors.New("precondition violation")

	// ErrMissingArgument marks a required file argument that is absent or
	// unreadable. Raised before any device traffic.
	ErrMissingArgument = errors.New("missing argument")
)

// PreconditionError names the stage that blocked an operation.
type PreconditionError struct {
	Op    string
	Stage Stage
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.Stage)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

// ArgumentError names the flag whose file is missing or unusable.
type ArgumentError struct {
	Flag string
	Path string
	Err  error
}

func (e *ArgumentError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("--%s is required", e.Flag)
	}
	return fmt.Sprintf("--%s %s: %v", e.Flag, e.Path, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

func (e *ArgumentError) Is(target error) bool { return target == ErrMissingArgument }

// StageError reports a failed operation together with the chain links that
// had already completed, so the operator knows where the board was left.
type StageError struct {
	Op        string
	Stage     Stage
	Completed []string
	Err       error
}

func (e *StageError) Error() string {
	if len(e.Completed) == 0 {
		return fmt.Sprintf("%s failed at %s: %v", e.Op, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failed at %s (completed: %s): %v",
		e.Op, e.Stage, strings.Join(e.Completed, ", "), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
