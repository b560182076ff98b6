package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/model"
)

const maxCommandOutput = 1 << 20

// Executor runs a task on behalf of an agent
type Executor interface {
	Execute(ctx context.Context, agent model.AgentRef, task *model.Task) (*model.TaskResult, error)
}

// TaskHandler runs the payload of a handler task
type TaskHandler interface {
	Handle(ctx context.Context, agent model.AgentRef, data []byte) ([]byte, error)
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context, agent model.AgentRef, data []byte) ([]byte, error)

// Handle implements TaskHandler
func (f HandlerFunc) Handle(ctx context.Context, agent model.AgentRef, data []byte) ([]byte, error) {
	return f(ctx, agent, data)
}

// ProcessRunner is the part of the supervisor used to run command tasks
type ProcessRunner interface {
	Spawn(ctx context.Context, command string, args []string, opts model.SpawnOptions) (*model.ProcessInfo, error)
	Wait(ctx context.Context, id string) (model.ProcessInfo, error)
	Kill(ctx context.Context, id string, force bool) error
	Remove(id string) error
}

// DefaultExecutor runs command tasks as supervised processes and routes
// handler tasks to registered handlers.
type DefaultExecutor struct {
	logger   *zap.Logger
	procs    ProcessRunner
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewDefaultExecutor creates an executor; procs may be nil when command tasks are not used
func NewDefaultExecutor(procs ProcessRunner, logger *zap.Logger) *DefaultExecutor {
	return &DefaultExecutor{
		logger:   logger.Named("executor"),
		procs:    procs,
		handlers: make(map[string]TaskHandler),
	}
}

// RegisterHandler registers a handler for handler tasks with the given name
func (e *DefaultExecutor) RegisterHandler(name string, h TaskHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// Execute implements Executor
func (e *DefaultExecutor) Execute(ctx context.Context, agent model.AgentRef, task *model.Task) (*model.TaskResult, error) {
	switch kind := task.Kind.(type) {
	case model.CommandTask:
		return e.runCommand(ctx, agent, task.ID, kind)
	case *model.CommandTask:
		return e.runCommand(ctx, agent, task.ID, *kind)
	case model.HandlerTask:
		return e.runHandler(ctx, agent, kind)
	case *model.HandlerTask:
		return e.runHandler(ctx, agent, *kind)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedTask, task.Kind)
	}
}

func (e *DefaultExecutor) runHandler(ctx context.Context, agent model.AgentRef, t model.HandlerTask) (*model.TaskResult, error) {
	e.mu.RLock()
	h, ok := e.handlers[t.Handler]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, t.Handler)
	}

	out, err := h.Handle(ctx, agent, t.Data)
	return &model.TaskResult{Output: out}, err
}

func (e *DefaultExecutor) runCommand(ctx context.Context, agent model.AgentRef, taskID string, t model.CommandTask) (*model.TaskResult, error) {
	if e.procs == nil {
		return nil, fmt.Errorf("%w: no process runner for command tasks", ErrUnsupportedTask)
	}

	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	output := &cappedBuffer{limit: maxCommandOutput}
	info, err := e.procs.Spawn(runCtx, t.Command, t.Args, model.SpawnOptions{
		Env:        t.Env,
		WorkingDir: t.WorkingDir,
		Owner:      "task:" + taskID,
		Output:     output,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Executing command task",
		zap.String("task_id", taskID),
		zap.String("agent_id", agent.AgentID),
		zap.String("command", t.Command),
		zap.Strings("args", t.Args))

	final, err := e.procs.Wait(runCtx, info.ID)
	if err != nil {
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if kerr := e.procs.Kill(killCtx, info.ID, true); kerr != nil {
			e.logger.Warn("Failed to kill command task",
				zap.String("task_id", taskID),
				zap.Error(kerr))
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("command timed out after %s", t.Timeout)
		}
		return &model.TaskResult{Output: output.Bytes()}, err
	}

	if err := e.procs.Remove(info.ID); err != nil {
		e.logger.Debug("Failed to remove finished command", zap.String("process_id", info.ID), zap.Error(err))
	}

	result := &model.TaskResult{Output: output.Bytes()}
	if final.ExitCode != 0 {
		return result, fmt.Errorf("command exited with code %d", final.ExitCode)
	}
	return result, nil
}

// cappedBuffer keeps at most limit bytes of output
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

var _ Executor = (*DefaultExecutor)(nil)
