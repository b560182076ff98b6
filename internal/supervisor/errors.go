package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutableNotFound is returned when the command cannot be resolved
	ErrExecutableNotFound = errors.New("executable not found")

	// ErrProcessLimitReached is returned when the process ceiling is reached
	ErrProcessLimitReached = errors.New("process limit reached")

	// ErrProcessNotFound is returned when a process id is not tracked
	ErrProcessNotFound = errors.New("process not found")

	// ErrRestartLimit is returned when a process has used all its restarts
	ErrRestartLimit = errors.New("restart limit reached")

	// ErrKillTimeout is returned when a process survives a forced kill
	ErrKillTimeout = errors.New("process did not exit after kill")

	// ErrShuttingDown is returned when spawning during shutdown
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// SpawnError reports a failed spawn
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// RestartLimitError reports a restart refused by the restart limit
type RestartLimitError struct {
	ProcessID string
	Restarts  int
	Max       int
}

func (e *RestartLimitError) Error() string {
	return fmt.Sprintf("process %s restarted %d times (max %d)", e.ProcessID, e.Restarts, e.Max)
}

func (e *RestartLimitError) Unwrap() error { return ErrRestartLimit }
