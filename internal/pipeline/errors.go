package pipeline

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

// ErrCancelled is returned by a stage that observed the cooperative
// cancellation flag at a suspension point.
var ErrCancelled = errors.New("pipeline: cancellation requested")

// Engine lookup errors.
var (
	ErrTaskNotFound    = errors.New("pipeline: task not found")
	ErrAlreadyTerminal = errors.New("pipeline: task already terminal")
	ErrAlreadyRunning  = errors.New("pipeline: task already running")
	ErrShuttingDown    = errors.New("pipeline: engine shutting down")
	ErrUnknownBackend  = errors.New("pipeline: unknown backend")
)

// StageError is a failure scoped to a single stage invocation. The engine
// uses the category to decide between the healing loop and fatal
// termination.
type StageError struct {
	Stage    Stage
	Category task.FailureCategory
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Category, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Failure converts the error into an error-log entry.
func (e *StageError) Failure() task.Failure {
	return task.Failure{
		Stage:    string(e.Stage),
		Category: e.Category,
		Message:  e.Err.Error(),
	}
}

// FatalError marks a stage error that occurred outside the validate/repair
// window, where no healing is possible and the task terminates.
type FatalError struct {
	Err *StageError
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
