package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is the sentinel behind QueueOverflowError
	ErrQueueFull = errors.New("task queue full")

	// ErrAgentLost is reported for tasks whose agent died mid-execution
	ErrAgentLost = errors.New("agent lost")

	// ErrTaskExpired is reported for queued tasks that passed their deadline
	ErrTaskExpired = errors.New("task expired")

	// ErrUnknownHandler is returned when a handler task names no registered handler
	ErrUnknownHandler = errors.New("unknown task handler")

	// ErrUnsupportedTask is returned for task kinds the executor cannot run
	ErrUnsupportedTask = errors.New("unsupported task kind")

	// ErrInvalidTask is returned when a submitted task is malformed
	ErrInvalidTask = errors.New("invalid task")

	// ErrNotInitialized is returned by operations that need an initialized pool
	ErrNotInitialized = errors.New("orchestrator not initialized")

	// ErrStopped is returned once the control loop has exited
	ErrStopped = errors.New("orchestrator stopped")
)

// QueueOverflowError is returned when a task would exceed the queue bound
type QueueOverflowError struct {
	Limit int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("task queue full (limit %d)", e.Limit)
}

func (e *QueueOverflowError) Unwrap() error { return ErrQueueFull }
