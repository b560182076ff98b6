package discovery

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceNotFound is returned when no descriptor matches a name
	ErrServiceNotFound = errors.New("service not found")

	// ErrNoCommand is returned when probing a descriptor without a command
	ErrNoCommand = errors.New("service has no command")

	// ErrInvalidDescriptor is the sentinel behind ValidationError
	ErrInvalidDescriptor = errors.New("invalid service descriptor")
)

// ValidationError reports a descriptor rejected by validation
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("service %q rejected: %s", e.Name, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDescriptor }
