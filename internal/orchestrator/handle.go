package orchestrator

import (
	"context"

	"github.com/t77yq/agentpool/internal/model"
)

// TaskHandle tracks a submitted task until it resolves
type TaskHandle struct {
	TaskID  string
	Status  model.Dispatch
	AgentID string

	done   chan struct{}
	result *model.TaskResult
	err    error
}

func newTaskHandle(taskID string) *TaskHandle {
	return &TaskHandle{
		TaskID: taskID,
		done:   make(chan struct{}),
	}
}

// Done is closed once the task has completed, failed or expired
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome; only valid after Done is closed
func (h *TaskHandle) Result() (*model.TaskResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return nil, nil
	}
}

// Wait blocks until the task resolves or ctx ends
func (h *TaskHandle) Wait(ctx context.Context) (*model.TaskResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *TaskHandle) resolve(result *model.TaskResult, err error) {
	h.result = result
	h.err = err
	close(h.done)
}
