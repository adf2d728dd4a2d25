package executor

import (
	"errors"
	"fmt"
)

// ErrExecution marks a failed step inside a destroy attempt
var ErrExecution = errors.New("execution failed")

// Stage names the step of an attempt that failed
type Stage string

const (
	StageBeforeDestroy Stage = "beforeDestroy"
	StageCommand       Stage = "command"
	StageAfterDestroy  Stage = "afterDestroy"
)

// ExecutionError describes why an attempt did not complete. It is recorded in
// Execution.Error rather than returned to callers.
type ExecutionError struct {
	Stage    Stage
	Command  string
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s %q: %v", e.Stage, e.Command, e.Err)
	default:
		return fmt.Sprintf("%s %q exited with code %d", e.Stage, e.Command, e.ExitCode)
	}
}

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

func (e *ExecutionError) Unwrap() error { return e.Err }

var (
	errTimedOut  = errors.New("timed out")
	errCancelled = errors.New("cancelled")
)
