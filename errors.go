package runloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopTerminated is returned when operations are attempted on a loop
	// that has been closed.
	ErrLoopTerminated = errors.New("runloop: loop has been terminated")

	// ErrLoopRunning is returned by Close while a Run frame is still active.
	ErrLoopRunning = errors.New("runloop: loop is running")

	// ErrLoopExists is returned by New when the calling goroutine already owns
	// a live loop.
	ErrLoopExists = errors.New("runloop: goroutine already owns a loop")

	// ErrWrongGoroutine is the panic value (wrapped) for owner-only methods
	// called from any goroutine other than the one that created the loop.
	ErrWrongGoroutine = errors.New("runloop: called from a goroutine that does not own the loop")

	// ErrNoActiveFrame is the panic value (wrapped) for RequestStop and
	// RequestStopWhenIdle called while the loop is not running.
	ErrNoActiveFrame = errors.New("runloop: no active run frame")

	// ErrNilTask is the panic value (wrapped) for posting a nil task.
	ErrNilTask = errors.New("runloop: nil task")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("runloop: task panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling [errors.Is] and [errors.As] through the recovered value.
//
// If the panic Value is not an error (e.g., a string), returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// contractViolation panics with err, annotated with the calling operation.
func contractViolation(op string, err error) {
	panic(fmt.Errorf("%s: %w", op, err))
}
