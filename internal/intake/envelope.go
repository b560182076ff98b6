package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/agentpool/internal/model"
)

var (
	// ErrInvalidEnvelope is returned for submissions that cannot become a task
	ErrInvalidEnvelope = errors.New("invalid task envelope")
)

// Envelope is the JSON body accepted on the submit subject.
// Exactly one of Command or Handler must be set.
type Envelope struct {
	ID       string       `json:"id,omitempty"`
	Priority string       `json:"priority,omitempty"`
	Deadline *time.Time   `json:"deadline,omitempty"`
	Command  *CommandSpec `json:"command,omitempty"`
	Handler  *HandlerSpec `json:"handler,omitempty"`
}

// CommandSpec describes a command task; Timeout is a Go duration string
type CommandSpec struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
}

// HandlerSpec routes raw JSON data to a named handler
type HandlerSpec struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParsePriority maps a tier name to a priority; empty means normal
func ParsePriority(s string) (model.TaskPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return model.TaskPriorityNormal, nil
	case "high":
		return model.TaskPriorityHigh, nil
	case "low":
		return model.TaskPriorityLow, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidEnvelope, s)
}

// Decode parses a submission into a task
func Decode(data []byte) (*model.Task, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env.Task()
}

// Task converts the envelope into a task
func (e *Envelope) Task() (*model.Task, error) {
	priority, err := ParsePriority(e.Priority)
	if err != nil {
		return nil, err
	}

	task := &model.Task{
		ID:       e.ID,
		Priority: priority,
		Deadline: e.Deadline,
	}

	switch {
	case e.Command != nil && e.Handler != nil:
		return nil, fmt.Errorf("%w: command and handler are mutually exclusive", ErrInvalidEnvelope)
	case e.Command != nil:
		if e.Command.Command == "" {
			return nil, fmt.Errorf("%w: command is empty", ErrInvalidEnvelope)
		}
		kind := model.CommandTask{
			Command:    e.Command.Command,
			Args:       e.Command.Args,
			Env:        e.Command.Env,
			WorkingDir: e.Command.WorkingDir,
		}
		if e.Command.Timeout != "" {
			timeout, err := time.ParseDuration(e.Command.Timeout)
			if err != nil || timeout < 0 {
				return nil, fmt.Errorf("%w: bad timeout %q", ErrInvalidEnvelope, e.Command.Timeout)
			}
			kind.Timeout = timeout
		}
		task.Kind = kind
	case e.Handler != nil:
		if e.Handler.Name == "" {
			return nil, fmt.Errorf("%w: handler name is empty", ErrInvalidEnvelope)
		}
		task.Kind = model.HandlerTask{Handler: e.Handler.Name, Data: []byte(e.Handler.Data)}
	default:
		return nil, fmt.Errorf("%w: command or handler is required", ErrInvalidEnvelope)
	}

	return task, nil
}
