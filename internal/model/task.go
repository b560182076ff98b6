package model

import (
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusExpired   TaskStatus = "expired"
)

// TaskPriority represents the priority tier of a task
type TaskPriority int

const (
	TaskPriorityLow    TaskPriority = 1
	TaskPriorityNormal TaskPriority = 2
	TaskPriorityHigh   TaskPriority = 3
)

// Valid reports whether p is a known tier.
func (p TaskPriority) Valid() bool {
	return p >= TaskPriorityLow && p <= TaskPriorityHigh
}

// TaskKind is the closed set of work a task can carry.
type TaskKind interface {
	taskKind() string
}

// CommandTask runs an external command on behalf of an agent
type CommandTask struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
}

// HandlerTask is routed to a named handler registered on the executor
type HandlerTask struct {
	Handler string `json:"handler"`
	Data    []byte `json:"data,omitempty"`
}

func (CommandTask) taskKind() string { return "command" }
func (HandlerTask) taskKind() string { return "handler" }

// KindName returns the tag of a task kind.
func KindName(k TaskKind) string {
	if k == nil {
		return ""
	}
	return k.taskKind()
}

// Task represents a unit of work submitted to the orchestrator
type Task struct {
	ID          string       `json:"id"`
	Kind        TaskKind     `json:"-"`
	Priority    TaskPriority `json:"priority"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Deadline    *time.Time   `json:"deadline,omitempty"`
}

// Expired reports whether the task deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}

// TaskResult represents the result of a task execution
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	AgentID     string     `json:"agent_id,omitempty"`
	Status      TaskStatus `json:"status"`
	Output      []byte     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Dispatch tells the submitter what happened to its task
type Dispatch string

const (
	Dispatched Dispatch = "dispatched"
	Queued     Dispatch = "queued"
)
