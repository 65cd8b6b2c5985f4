package microtask

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrSchedulerRunning is returned when Run is called on a scheduler that is
	// already running.
	ErrSchedulerRunning = errors.New("microtask: scheduler is already running")

	// ErrSchedulerNotRunning is returned when an operation requires a running
	// scheduler and the scheduler has not been started.
	ErrSchedulerNotRunning = errors.New("microtask: scheduler is not running")

	// ErrSchedulerTerminated is returned when operations are attempted on a
	// terminated scheduler. It is also the rejection reason delivered to every
	// promise still pending when the scheduler shuts down.
	ErrSchedulerTerminated = errors.New("microtask: scheduler has been terminated")

	// ErrReentrantRun is returned when Run is called from a task executing on
	// the scheduler goroutine.
	ErrReentrantRun = errors.New("microtask: cannot call Run from within the scheduler")

	// ErrTaskQueueFull is reserved for bounded-ingress configurations.
	// The default ingress never fills, so it is currently never returned.
	ErrTaskQueueFull = errors.New("microtask: task queue is full")

	// ErrTimerNotFound is returned when clearing a timer that does not exist
	// or has already fired.
	ErrTimerNotFound = errors.New("microtask: timer not found")

	// ErrGoexit rejects a promise whose Async goroutine exited via
	// runtime.Goexit.
	ErrGoexit = errors.New("microtask: goroutine exited via runtime.Goexit")

	// ErrPanic is the base sentinel for rejections caused by recovered panics.
	ErrPanic = errors.New("microtask: recovered panic")
)

// PanicError wraps a value recovered from a panic inside an executor, a
// reaction handler, a Try callback, or an Async function. The derived promise
// is rejected with this error.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("microtask: recovered panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// enabling [errors.Is] and [errors.As] matching through the cause chain.
// Returns nil when the panic value is not an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Is reports whether target is [ErrPanic], so all recovered panics can be
// matched with a single sentinel regardless of the panic value.
func (e PanicError) Is(target error) bool {
	return target == ErrPanic
}

// TypeError reports invalid use of the promise machinery, most notably a
// chaining cycle (a promise resolved with itself).
type TypeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "microtask: type error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *TypeError) Unwrap() error {
	return e.Cause
}

// RangeError reports a configuration value outside its valid range, e.g. a
// non-positive queue capacity passed to a scheduler option.
type RangeError struct {
	Cause   error
	Message string
}

// Error implements the error interface.
func (e *RangeError) Error() string {
	if e.Message == "" {
		return "microtask: range error"
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *RangeError) Unwrap() error {
	return e.Cause
}

// AggregateError is the rejection reason produced by [Any] when every input
// rejects. Errors preserves the order of the inputs, not the order of
// settlement.
type AggregateError struct {
	Message string
	Errors  []error
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "microtask: all promises were rejected"
}

// Unwrap returns the errors slice for multi-error unwrapping (Go 1.20+),
// enabling [errors.Is] and [errors.As] against every contained error.
func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// Is reports whether target is itself an *AggregateError, so the aggregate
// can be matched by type without inspecting its contents.
func (e *AggregateError) Is(target error) bool {
	var agg *AggregateError
	return errors.As(target, &agg)
}

// reasonError coerces an arbitrary rejection reason into an error for
// aggregation and logging. The original reason is never mutated in the chain.
type reasonError struct {
	Reason Result
}

// Error implements the error interface.
func (e *reasonError) Error() string {
	return fmt.Sprintf("%v", e.Reason)
}

// asError returns reason unchanged if it is an error, otherwise wraps it.
func asError(reason Result) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return &reasonError{Reason: reason}
}
