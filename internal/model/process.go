package model

import (
	"io"
	"time"
)

// ProcessStatus represents the lifecycle state of a managed process
type ProcessStatus string

const (
	ProcessStatusNotStarted ProcessStatus = "not_started"
	ProcessStatusRunning    ProcessStatus = "running"
	ProcessStatusExited     ProcessStatus = "exited"
	ProcessStatusKilled     ProcessStatus = "killed"
)

// Terminal reports whether no further signals may be sent to the process.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessStatusExited || s == ProcessStatusKilled
}

// SpawnOptions controls how a process is started
type SpawnOptions struct {
	Env        map[string]string
	WorkingDir string
	// Owner is an opaque label, usually the agent id.
	Owner string
	// Output receives the process stdout and stderr when set.
	Output io.Writer
}

// ProcessInfo is a snapshot of a managed process
type ProcessInfo struct {
	ID           string        `json:"id"`
	PID          int           `json:"pid"`
	Command      string        `json:"command"`
	Args         []string      `json:"args,omitempty"`
	Owner        string        `json:"owner,omitempty"`
	Status       ProcessStatus `json:"status"`
	ExitCode     int           `json:"exit_code"`
	RestartCount int           `json:"restart_count"`
	StartedAt    time.Time     `json:"started_at"`
	Uptime       time.Duration `json:"uptime"`
	CPUPercent   float64       `json:"cpu_percent,omitempty"`
	RSSBytes     uint64        `json:"rss_bytes,omitempty"`
}

// ProcessEventKind tags a ProcessEvent
type ProcessEventKind string

const (
	ProcessStarted   ProcessEventKind = "started"
	ProcessExited    ProcessEventKind = "exited"
	ProcessError     ProcessEventKind = "error"
	ProcessRestarted ProcessEventKind = "restarted"
)

// ProcessEvent is emitted by the supervisor on every lifecycle change
type ProcessEvent struct {
	Kind         ProcessEventKind `json:"kind"`
	ProcessID    string           `json:"process_id"`
	Owner        string           `json:"owner,omitempty"`
	PID          int              `json:"pid,omitempty"`
	ExitCode     int              `json:"exit_code"`
	Requested    bool             `json:"requested"`
	RestartCount int              `json:"restart_count"`
	Error        string           `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}
