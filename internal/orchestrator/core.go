// Package orchestrator owns the agent registry and task queue and drives pool scaling.
//
// All registry and queue mutation happens on a single control loop. Public
// methods hand closures to the loop and wait for them; spawns, kills, restarts
// and task execution run on their own goroutines and post their outcome back
// into the loop.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/events"
	"github.com/t77yq/agentpool/internal/model"
	"github.com/t77yq/agentpool/internal/platform"
)

// ProcessManager is the part of the supervisor the orchestrator drives
type ProcessManager interface {
	Spawn(ctx context.Context, command string, args []string, opts model.SpawnOptions) (*model.ProcessInfo, error)
	Kill(ctx context.Context, id string, force bool) error
	Restart(ctx context.Context, id string) (*model.ProcessInfo, error)
	ListAll(ctx context.Context) []model.ProcessInfo
	Subscribe(buffer int) <-chan model.ProcessEvent
}

// HistoryRecorder stores task executions
type HistoryRecorder interface {
	RecordDispatch(ctx context.Context, task *model.Task, agentID string) error
	RecordResult(ctx context.Context, result *model.TaskResult) error
}

// Deps are the collaborators of a Core
type Deps struct {
	Processes ProcessManager
	Executor  Executor
	Platform  platform.Provider
	Publisher events.Publisher
	History   HistoryRecorder
}

// HealthReport is one probe outcome for an agent
type HealthReport struct {
	AgentID string
	// Alive is false when the backing process failed its liveness probe
	Alive bool
	// Stalled is true when an agent with work has been silent too long
	Stalled bool
	Reason  string
}

// ScaleResult describes the outcome of a scale operation
type ScaleResult struct {
	From       int   `json:"from"`
	To         int   `json:"to"`
	Target     int   `json:"target"`
	Spawned    int   `json:"spawned"`
	Failed     int   `json:"failed"`
	Terminated int   `json:"terminated"`
	Draining   int   `json:"draining"`
	Batches    []int `json:"batches,omitempty"`
	// Skipped is set when another scale operation was already in flight
	Skipped bool `json:"skipped"`
}

type inflight struct {
	task    *model.Task
	handle  *TaskHandle
	cancel  context.CancelFunc
	started time.Time
}

type agent struct {
	model.Agent
	inflight        map[string]*inflight
	restarting      bool
	unhealthyCycles int
	condemned       bool
}

type outMsg struct {
	subject string
	value   interface{}
}

// Core is the orchestration core
type Core struct {
	logger    *zap.Logger
	config    Config
	procs     ProcessManager
	executor  Executor
	platform  platform.Provider
	publisher events.Publisher
	history   HistoryRecorder

	cmds    chan func()
	outbox  chan outMsg
	stopCh  chan struct{}
	done    chan struct{}
	started atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	stopped bool

	// owned by the control loop
	agents        map[string]*agent
	byProcess     map[string]string
	seq           uint64
	queue         *taskQueue
	initialized   bool
	scaling       bool
	policy        ScalePolicy
	batchPause    time.Duration
	caps          platform.Capabilities
	replacing     int
	running       int
	completed     int
	failed        int
	expired       int
	agentFailures int
}

// New creates a Core; call Start before using it
func New(config Config, deps Deps, logger *zap.Logger) (*Core, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if deps.Processes == nil {
		return nil, fmt.Errorf("process manager is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if deps.Platform == nil {
		return nil, fmt.Errorf("platform provider is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}

	return &Core{
		logger:    logger.Named("orchestrator"),
		config:    config,
		procs:     deps.Processes,
		executor:  deps.Executor,
		platform:  deps.Platform,
		publisher: deps.Publisher,
		history:   deps.History,
		cmds:      make(chan func(), 64),
		outbox:    make(chan outMsg, config.EventBuffer),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		agents:    make(map[string]*agent),
		byProcess: make(map[string]string),
		queue:     newTaskQueue(config.QueueLimit),
		policy:    config.Scale,
	}, nil
}

// Start runs the control loop until ctx ends or Shutdown is called
func (c *Core) Start(ctx context.Context) {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	if c.started.Load() || c.stopped {
		return
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	procEvents := c.procs.Subscribe(c.config.EventBuffer)
	c.started.Store(true)

	go c.loop(c.runCtx, procEvents)
	c.wg.Add(1)
	go c.publishLoop()

	c.logger.Info("Orchestrator started",
		zap.String("agent_command", c.config.AgentCommand),
		zap.Int("agent_capacity", c.config.AgentCapacity),
		zap.Int("queue_limit", c.config.QueueLimit))
}

func (c *Core) loop(ctx context.Context, procEvents <-chan model.ProcessEvent) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-procEvents:
			if !ok {
				procEvents = nil
				continue
			}
			c.handleProcessEvent(ev)
		case now := <-ticker.C:
			c.expireQueuedLocked(now)
		}
	}
}

// do runs fn on the control loop and waits for it
func (c *Core) do(ctx context.Context, fn func()) error {
	if !c.started.Load() {
		return ErrNotInitialized
	}
	finished := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// post queues fn on the control loop from a worker goroutine
func (c *Core) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

func (c *Core) publishLoop() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.outbox:
			if err := c.publisher.Publish(msg.subject, msg.value); err != nil {
				c.logger.Debug("Failed to publish event",
					zap.String("subject", msg.subject),
					zap.Error(err))
			}
		case <-c.done:
			return
		}
	}
}

func (c *Core) publish(subject string, v interface{}) {
	select {
	case c.outbox <- outMsg{subject: subject, value: v}:
	default:
		c.logger.Warn("Dropping event, outbox full", zap.String("subject", subject))
	}
}

func (c *Core) publishAgentLocked(a *agent, reason string) {
	c.publish(events.SubjectAgentState, model.AgentEvent{
		Agent:     a.Agent,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// Initialize creates the initial pool of poolSize agents, spawned in batches,
// and caps the pool at maxAgents.
func (c *Core) Initialize(ctx context.Context, poolSize, maxAgents int) (ScaleResult, error) {
	if maxAgents <= 0 {
		return ScaleResult{}, fmt.Errorf("max agents must be positive, got %d", maxAgents)
	}
	if poolSize < 0 {
		return ScaleResult{}, fmt.Errorf("pool size must not be negative, got %d", poolSize)
	}

	caps, err := c.platform.Capabilities(ctx)
	if err != nil {
		return ScaleResult{}, fmt.Errorf("failed to read platform capabilities: %w", err)
	}

	if caps.AppleSilicon() && c.config.SizeMultiplier != 1 {
		scaled := int(math.Ceil(float64(poolSize) * c.config.SizeMultiplier))
		c.logger.Info("Applying pool size multiplier",
			zap.Float64("multiplier", c.config.SizeMultiplier),
			zap.Int("pool_size", poolSize),
			zap.Int("scaled", scaled))
		poolSize = scaled
	}
	if poolSize > maxAgents {
		poolSize = maxAgents
	}

	var initErr error
	err = c.do(ctx, func() {
		if c.initialized {
			initErr = fmt.Errorf("orchestrator already initialized")
			return
		}
		c.initialized = true
		c.scaling = true
		c.caps = caps
		c.policy.Max = maxAgents
		c.policy.Min = c.config.MinAgents
		if c.policy.Min <= 0 {
			c.policy.Min = poolSize
		}
		if c.policy.Min > maxAgents {
			c.policy.Min = maxAgents
		}
		c.batchPause = c.config.BatchPause
		if c.batchPause <= 0 {
			c.batchPause = DefaultBatchPause(caps.OSFamily)
		}
	})
	if err != nil {
		return ScaleResult{}, err
	}
	if initErr != nil {
		return ScaleResult{}, initErr
	}

	c.logger.Info("Initializing agent pool",
		zap.Int("pool_size", poolSize),
		zap.Int("max_agents", maxAgents),
		zap.Int("cpu_count", caps.CPUCount),
		zap.Uint64("free_memory_mb", caps.FreeMemoryMB))

	result := ScaleResult{Target: poolSize}
	c.grow(ctx, poolSize, true, &result)
	c.finishScaling(ctx, &result)
	return result, nil
}

// ScaleTo grows or shrinks the pool to target agents. A call made while
// another scale operation is in flight does nothing and reports Skipped.
func (c *Core) ScaleTo(ctx context.Context, target int) (ScaleResult, error) {
	if target < 0 {
		return ScaleResult{}, fmt.Errorf("scale target must not be negative, got %d", target)
	}

	var result ScaleResult
	var opErr error
	grow := false
	err := c.do(ctx, func() {
		if !c.initialized {
			opErr = ErrNotInitialized
			return
		}
		if c.scaling {
			result.Skipped = true
			return
		}
		if target > c.policy.Max {
			target = c.policy.Max
		}
		result.From = c.activeLocked()
		result.Target = target

		switch {
		case target > result.From:
			c.scaling = true
			grow = true
			if c.replacing > 0 {
				c.replacing -= target - result.From
				if c.replacing < 0 {
					c.replacing = 0
				}
			}
		case target < result.From:
			// An explicit smaller target supersedes pending replacements.
			c.replacing = 0
			c.shrinkLocked(result.From-target, &result)
		}
		result.To = c.activeLocked()
	})
	if err != nil {
		return ScaleResult{}, err
	}
	if opErr != nil || result.Skipped || !grow {
		if result.Skipped {
			c.logger.Debug("Scale operation already in progress", zap.Int("target", target))
		}
		return result, opErr
	}

	c.logger.Info("Scaling up",
		zap.Int("from", result.From),
		zap.Int("target", target))
	c.grow(ctx, target, false, &result)
	c.finishScaling(ctx, &result)
	return result, nil
}

func (c *Core) finishScaling(ctx context.Context, result *ScaleResult) {
	// The flag must clear even when the caller's context is gone.
	_ = c.do(context.WithoutCancel(ctx), func() {
		c.scaling = false
		result.To = c.activeLocked()
		c.dispatchQueuedLocked()
	})
}

// grow spawns agents in batches until target agents are active or the
// planned number of spawns has been attempted.
func (c *Core) grow(ctx context.Context, target int, inPool bool, result *ScaleResult) {
	var planned int
	if err := c.do(ctx, func() {
		planned = target - c.activeLocked()
		if room := c.policy.Max - len(c.agents); planned > room {
			planned = room
		}
	}); err != nil {
		return
	}

	for attempted := 0; attempted < planned; {
		if ctx.Err() != nil {
			return
		}

		caps, err := c.platform.Capabilities(ctx)
		if err != nil {
			c.logger.Warn("Failed to refresh platform capabilities", zap.Error(err))
			caps = c.caps
		}
		size := BatchSize(caps, c.config.PerAgentMemoryMB, planned-attempted, c.config.MaxBatchSize)

		var ids []string
		if err := c.do(ctx, func() {
			ids = c.reserveLocked(size, inPool)
		}); err != nil {
			return
		}
		if len(ids) == 0 {
			return
		}
		attempted += size

		infos := make([]*model.ProcessInfo, len(ids))
		errs := make([]error, len(ids))
		var wg sync.WaitGroup
		for i, id := range ids {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				infos[i], errs[i] = c.procs.Spawn(ctx, c.config.AgentCommand, c.config.AgentArgs, model.SpawnOptions{
					Env:        c.config.AgentEnv,
					WorkingDir: c.config.AgentWorkingDir,
					Owner:      id,
				})
			}(i, id)
		}
		wg.Wait()

		spawned, failed := 0, 0
		_ = c.do(context.WithoutCancel(ctx), func() {
			for i, id := range ids {
				if c.attachLocked(id, infos[i], errs[i]) {
					spawned++
				} else {
					failed++
				}
			}
			c.dispatchQueuedLocked()
		})
		result.Spawned += spawned
		result.Failed += failed
		result.Batches = append(result.Batches, len(ids))

		c.logger.Info("Agent batch spawned",
			zap.Int("batch_size", len(ids)),
			zap.Int("spawned", spawned),
			zap.Int("failed", failed))

		if attempted < planned && c.batchPause > 0 {
			timer := time.NewTimer(c.batchPause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// reserveLocked registers up to n initializing agents within the max bound
func (c *Core) reserveLocked(n int, inPool bool) []string {
	if room := c.policy.Max - len(c.agents); n > room {
		n = room
	}
	now := time.Now()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		c.seq++
		a := &agent{
			Agent: model.Agent{
				ID:           fmt.Sprintf("agent-%06d", c.seq),
				Seq:          c.seq,
				State:        model.AgentStateInitializing,
				Capacity:     c.config.AgentCapacity,
				InPool:       inPool,
				CreatedAt:    now,
				LastActivity: now,
			},
			inflight: make(map[string]*inflight),
		}
		c.agents[a.ID] = a
		ids = append(ids, a.ID)
	}
	return ids
}

// attachLocked binds a spawned process to its reserved agent
func (c *Core) attachLocked(id string, info *model.ProcessInfo, err error) bool {
	a, ok := c.agents[id]
	if err != nil || info == nil {
		if ok {
			delete(c.agents, id)
		}
		c.logger.Error("Failed to spawn agent",
			zap.String("agent_id", id),
			zap.Error(err))
		return false
	}
	if !ok {
		// Shut down while spawning.
		c.killAsync(info.ID)
		return false
	}

	a.ProcessID = info.ID
	a.State = model.AgentStateIdle
	a.LastActivity = time.Now()
	c.byProcess[info.ID] = id

	c.logger.Debug("Agent ready",
		zap.String("agent_id", id),
		zap.String("process_id", info.ID),
		zap.Int("pid", info.PID))
	c.publishAgentLocked(a, "spawned")
	return true
}

// shrinkLocked drains the n most idle agents, preferring agents outside the reserved pool
func (c *Core) shrinkLocked(n int, result *ScaleResult) {
	candidates := make([]*agent, 0, len(c.agents))
	for _, a := range c.agents {
		if !a.Draining {
			candidates = append(candidates, a)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.InPool != b.InPool {
			return !a.InPool
		}
		if a.Healthy() != b.Healthy() {
			return !a.Healthy()
		}
		if a.TaskCount != b.TaskCount {
			return a.TaskCount < b.TaskCount
		}
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.Before(b.LastActivity)
		}
		return a.Seq > b.Seq
	})
	if n > len(candidates) {
		n = len(candidates)
	}

	for _, a := range candidates[:n] {
		a.Draining = true
		if a.TaskCount == 0 {
			c.terminateLocked(a, "scaled down", ErrStopped, false)
			result.Terminated++
			continue
		}
		result.Draining++
		c.logger.Info("Draining agent",
			zap.String("agent_id", a.ID),
			zap.Int("task_count", a.TaskCount))
	}
}

// terminateLocked removes an agent from the registry, fails its in-flight
// tasks with cause and kills its process.
func (c *Core) terminateLocked(a *agent, reason string, cause error, fatal bool) {
	c.failInflightLocked(a, cause)

	a.State = model.AgentStateTerminated
	delete(c.agents, a.ID)
	if a.ProcessID != "" {
		delete(c.byProcess, a.ProcessID)
		c.killAsync(a.ProcessID)
	}

	if fatal {
		c.agentFailures++
		c.replacing++
		c.logger.Error("Agent terminated",
			zap.String("agent_id", a.ID),
			zap.String("reason", reason))
	} else {
		c.logger.Info("Agent terminated",
			zap.String("agent_id", a.ID),
			zap.String("reason", reason))
	}
	c.publishAgentLocked(a, reason)
}

func (c *Core) killAsync(processID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.KillTimeout)
		defer cancel()
		if err := c.procs.Kill(ctx, processID, false); err != nil {
			c.logger.Debug("Failed to kill agent process",
				zap.String("process_id", processID),
				zap.Error(err))
		}
	}()
}

func (c *Core) failInflightLocked(a *agent, cause error) {
	now := time.Now()
	for id, f := range a.inflight {
		f.cancel()
		delete(a.inflight, id)
		c.running--
		c.failed++
		a.Failed++

		err := fmt.Errorf("%w: %s", cause, a.ID)
		result := &model.TaskResult{
			TaskID:      id,
			AgentID:     a.ID,
			Status:      model.TaskStatusFailed,
			Error:       err.Error(),
			StartedAt:   f.started,
			CompletedAt: now,
		}
		f.handle.resolve(result, err)
		c.recordResult(result)
	}
	a.TaskCount = 0
}

func (c *Core) handleProcessEvent(ev model.ProcessEvent) {
	agentID, ok := c.byProcess[ev.ProcessID]
	if !ok {
		return
	}
	a, ok := c.agents[agentID]
	if !ok {
		return
	}

	switch ev.Kind {
	case model.ProcessExited:
		if ev.Requested {
			return
		}
		c.logger.Warn("Agent process exited",
			zap.String("agent_id", a.ID),
			zap.String("process_id", ev.ProcessID),
			zap.Int("exit_code", ev.ExitCode),
			zap.Int("restart_count", ev.RestartCount))
		c.failInflightLocked(a, ErrAgentLost)

		if a.Draining {
			c.terminateLocked(a, "drained agent exited", ErrAgentLost, false)
			return
		}
		if ev.RestartCount >= c.config.MaxRestarts {
			c.terminateLocked(a, "restart limit reached", ErrAgentLost, true)
			c.dispatchQueuedLocked()
			return
		}

		a.State = model.AgentStateInitializing
		a.restarting = true
		c.publishAgentLocked(a, "restarting")
		c.restartAsync(a.ID, ev.ProcessID)

	case model.ProcessError:
		c.logger.Warn("Agent process error",
			zap.String("agent_id", a.ID),
			zap.String("process_id", ev.ProcessID),
			zap.String("error", ev.Error))
	}
}

func (c *Core) restartAsync(agentID, processID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		info, err := c.procs.Restart(c.runCtx, processID)
		c.post(func() {
			a, ok := c.agents[agentID]
			if !ok {
				return
			}
			a.restarting = false
			if err != nil {
				c.terminateLocked(a, fmt.Sprintf("restart failed: %v", err), ErrAgentLost, true)
				c.dispatchQueuedLocked()
				return
			}
			a.State = model.AgentStateIdle
			a.ProbeFails = 0
			a.unhealthyCycles = 0
			a.condemned = false
			a.LastActivity = time.Now()
			c.logger.Info("Agent restarted",
				zap.String("agent_id", agentID),
				zap.Int("restart_count", info.RestartCount))
			c.publishAgentLocked(a, "restarted")
			c.dispatchQueuedLocked()
		})
	}()
}

// Submit hands a task to the least-loaded available agent or queues it.
// A full queue fails with a QueueOverflowError.
func (c *Core) Submit(ctx context.Context, task *model.Task) (*TaskHandle, error) {
	if task == nil || task.Kind == nil {
		return nil, fmt.Errorf("%w: task kind is required", ErrInvalidTask)
	}
	if task.Priority == 0 {
		task.Priority = model.TaskPriorityNormal
	}
	if !task.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %d", ErrInvalidTask, task.Priority)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.SubmittedAt.IsZero() {
		task.SubmittedAt = time.Now()
	}

	var handle *TaskHandle
	var submitErr error
	if err := c.do(ctx, func() {
		handle, submitErr = c.submitLocked(task)
	}); err != nil {
		return nil, err
	}
	if submitErr != nil {
		return nil, submitErr
	}

	if handle.Status == model.Queued && c.config.ScaleOnQueue {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.EvaluateScaling(c.runCtx); err != nil {
				c.logger.Debug("Scaling evaluation failed", zap.Error(err))
			}
		}()
	}
	return handle, nil
}

func (c *Core) submitLocked(task *model.Task) (*TaskHandle, error) {
	if task.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrTaskExpired, task.ID)
	}

	handle := newTaskHandle(task.ID)
	p := &pending{task: task, handle: handle}

	if c.queue.Len() == 0 {
		if a := c.selectLocked(); a != nil {
			handle.Status = model.Dispatched
			handle.AgentID = a.ID
			c.dispatchLocked(a, p)
			return handle, nil
		}
	}

	if err := c.queue.Push(p); err != nil {
		c.logger.Warn("Task rejected",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return nil, err
	}
	handle.Status = model.Queued
	c.logger.Debug("Task queued",
		zap.String("task_id", task.ID),
		zap.Int("priority", int(task.Priority)),
		zap.Int("queue_length", c.queue.Len()))
	return handle, nil
}

func (c *Core) selectLocked() *agent {
	candidates := make([]*model.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		candidates = append(candidates, &a.Agent)
	}
	selected := SelectAgent(candidates)
	if selected == nil {
		return nil
	}
	return c.agents[selected.ID]
}

func (c *Core) dispatchLocked(a *agent, p *pending) {
	now := time.Now()
	ctx, cancel := context.WithCancel(c.runCtx)
	a.inflight[p.task.ID] = &inflight{
		task:    p.task,
		handle:  p.handle,
		cancel:  cancel,
		started: now,
	}
	a.TaskCount++
	a.State = model.AgentStateBusy
	a.LastActivity = now
	c.running++

	ref := model.AgentRef{AgentID: a.ID, ProcessID: a.ProcessID}
	task := p.task

	c.logger.Debug("Task dispatched",
		zap.String("task_id", task.ID),
		zap.String("agent_id", a.ID),
		zap.String("kind", model.KindName(task.Kind)))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.history != nil {
			if err := c.history.RecordDispatch(ctx, task, ref.AgentID); err != nil {
				c.logger.Warn("Failed to record dispatch", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
		result, err := c.executor.Execute(ctx, ref, task)
		c.post(func() {
			c.completeLocked(ref.AgentID, task.ID, result, err)
		})
	}()
}

func (c *Core) completeLocked(agentID, taskID string, result *model.TaskResult, err error) {
	a, ok := c.agents[agentID]
	if !ok {
		return
	}
	f, ok := a.inflight[taskID]
	if !ok {
		return
	}
	delete(a.inflight, taskID)
	f.cancel()

	now := time.Now()
	a.TaskCount--
	a.LastActivity = now
	c.running--

	if result == nil {
		result = &model.TaskResult{}
	}
	result.TaskID = taskID
	result.AgentID = agentID
	result.StartedAt = f.started
	result.CompletedAt = now
	if err != nil {
		result.Status = model.TaskStatusFailed
		result.Error = err.Error()
		c.failed++
		a.Failed++
	} else {
		result.Status = model.TaskStatusCompleted
		c.completed++
		a.Completed++
	}
	f.handle.resolve(result, err)
	c.recordResult(result)

	if a.TaskCount == 0 && a.State == model.AgentStateBusy {
		a.State = model.AgentStateIdle
	}
	if a.Draining && a.TaskCount == 0 {
		c.terminateLocked(a, "drained", ErrStopped, false)
	}
	c.dispatchQueuedLocked()
}

func (c *Core) recordResult(result *model.TaskResult) {
	if c.history == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.history.RecordResult(context.Background(), result); err != nil {
			c.logger.Warn("Failed to record task result",
				zap.String("task_id", result.TaskID),
				zap.Error(err))
		}
	}()
}

// dispatchQueuedLocked hands queued tasks to available agents in FIFO order per tier
func (c *Core) dispatchQueuedLocked() {
	now := time.Now()
	for c.queue.Len() > 0 {
		a := c.selectLocked()
		if a == nil {
			return
		}
		p := c.queue.Pop()
		if p.task.Expired(now) {
			c.expireLocked(p)
			continue
		}
		c.dispatchLocked(a, p)
	}
}

func (c *Core) expireQueuedLocked(now time.Time) {
	for _, p := range c.queue.Expire(now) {
		c.expireLocked(p)
	}
}

func (c *Core) expireLocked(p *pending) {
	c.expired++
	err := fmt.Errorf("%w: %s", ErrTaskExpired, p.task.ID)
	result := &model.TaskResult{
		TaskID:      p.task.ID,
		Status:      model.TaskStatusExpired,
		Error:       err.Error(),
		CompletedAt: time.Now(),
	}
	p.handle.resolve(result, err)
	c.recordResult(result)
	c.logger.Info("Queued task expired", zap.String("task_id", p.task.ID))
}

// ApplyHealth folds probe outcomes into agent states. Repeated probe failures
// or a stall mark an agent unhealthy; an agent still unhealthy one cycle later
// is condemned and replaced on the next scaling evaluation.
func (c *Core) ApplyHealth(ctx context.Context, reports []HealthReport) error {
	return c.do(ctx, func() {
		for _, r := range reports {
			a, ok := c.agents[r.AgentID]
			if !ok || a.restarting || a.State == model.AgentStateInitializing {
				continue
			}
			c.applyHealthLocked(a, r)
		}
		c.dispatchQueuedLocked()
	})
}

func (c *Core) applyHealthLocked(a *agent, r HealthReport) {
	if r.Alive && !r.Stalled {
		a.ProbeFails = 0
		if a.State == model.AgentStateUnhealthy {
			a.unhealthyCycles = 0
			a.condemned = false
			a.State = model.AgentStateIdle
			if a.TaskCount > 0 {
				a.State = model.AgentStateBusy
			}
			c.logger.Info("Agent recovered", zap.String("agent_id", a.ID))
			c.publishAgentLocked(a, "recovered")
		}
		return
	}

	if !r.Alive {
		a.ProbeFails++
	}

	if a.State == model.AgentStateUnhealthy {
		a.unhealthyCycles++
		if !a.condemned && a.unhealthyCycles >= 1 {
			a.condemned = true
			c.logger.Warn("Agent condemned for replacement",
				zap.String("agent_id", a.ID),
				zap.String("reason", r.Reason))
		}
		return
	}

	if r.Stalled || a.ProbeFails >= c.config.UnhealthyThreshold {
		a.State = model.AgentStateUnhealthy
		a.unhealthyCycles = 0
		c.logger.Warn("Agent marked unhealthy",
			zap.String("agent_id", a.ID),
			zap.Int("probe_failures", a.ProbeFails),
			zap.Bool("stalled", r.Stalled),
			zap.String("reason", r.Reason))
		c.publishAgentLocked(a, r.Reason)
	}
}

// EvaluateScaling replaces condemned agents and applies the scale policy
// to the current utilization.
func (c *Core) EvaluateScaling(ctx context.Context) (ScaleResult, error) {
	var active, target int
	skip := false
	if err := c.do(ctx, func() {
		if !c.initialized || c.scaling {
			skip = true
			return
		}
		for _, a := range c.agents {
			if a.condemned {
				c.terminateLocked(a, "unhealthy", ErrAgentLost, true)
			}
		}

		active = c.activeLocked()
		target = ScaleTarget(active, c.busyLocked(), c.queue.Len(), c.policy)
		if c.replacing > 0 {
			want := active + c.replacing
			if want > c.policy.Max {
				want = c.policy.Max
			}
			if want > target {
				target = want
			}
		}
	}); err != nil {
		return ScaleResult{}, err
	}
	if skip {
		return ScaleResult{Skipped: true}, nil
	}
	if target == active {
		return ScaleResult{From: active, To: active, Target: target}, nil
	}

	c.logger.Info("Scaling triggered",
		zap.Int("active", active),
		zap.Int("target", target))
	return c.ScaleTo(ctx, target)
}

func (c *Core) activeLocked() int {
	n := 0
	for _, a := range c.agents {
		if !a.Draining {
			n++
		}
	}
	return n
}

func (c *Core) busyLocked() int {
	n := 0
	for _, a := range c.agents {
		if !a.Draining && a.TaskCount > 0 {
			n++
		}
	}
	return n
}

// Status returns pool counters, health ratio and utilization
func (c *Core) Status(ctx context.Context) (model.PoolStatus, error) {
	var status model.PoolStatus
	err := c.do(ctx, func() {
		status = c.statusLocked()
	})
	return status, err
}

func (c *Core) statusLocked() model.PoolStatus {
	status := model.PoolStatus{
		Queued:        c.queue.Len(),
		Running:       c.running,
		Completed:     c.completed,
		Failed:        c.failed,
		Expired:       c.expired,
		AgentFailures: c.agentFailures,
		Scaling:       c.scaling,
		Replacing:     c.replacing,
	}
	healthy := 0
	for _, a := range c.agents {
		if a.InPool {
			status.Pooled++
		}
		if a.State == model.AgentStateUnhealthy {
			status.Unhealthy++
		}
		if a.Healthy() {
			healthy++
		}
		if a.Draining {
			continue
		}
		status.Active++
		if a.TaskCount > 0 {
			status.Busy++
		}
	}

	status.HealthRatio = 1
	if len(c.agents) > 0 {
		status.HealthRatio = float64(healthy) / float64(len(c.agents))
	}
	status.Utilization = Utilization(status.Busy, status.Active)
	return status
}

// ListAgents returns a snapshot of every registered agent ordered by creation
func (c *Core) ListAgents(ctx context.Context) ([]model.Agent, error) {
	var out []model.Agent
	err := c.do(ctx, func() {
		out = make([]model.Agent, 0, len(c.agents))
		for _, a := range c.agents {
			out = append(out, a.Agent)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, err
}

// ListProcesses returns the supervisor's process table
func (c *Core) ListProcesses(ctx context.Context) []model.ProcessInfo {
	return c.procs.ListAll(ctx)
}

// Shutdown fails queued and running tasks, terminates every agent and stops the loop
func (c *Core) Shutdown(ctx context.Context) error {
	c.stopMu.Lock()
	if c.stopped || !c.started.Load() {
		c.stopMu.Unlock()
		return nil
	}
	c.stopped = true
	c.stopMu.Unlock()

	err := c.do(ctx, func() {
		for _, p := range c.queue.Drain() {
			err := fmt.Errorf("%w: %s", ErrStopped, p.task.ID)
			p.handle.resolve(&model.TaskResult{
				TaskID:      p.task.ID,
				Status:      model.TaskStatusFailed,
				Error:       err.Error(),
				CompletedAt: time.Now(),
			}, err)
		}
		for _, a := range c.agents {
			c.terminateLocked(a, "shutdown", ErrStopped, false)
		}
		c.initialized = false
	})

	close(c.stopCh)
	<-c.done
	c.cancel()

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.logger.Info("Orchestrator stopped")
	return err
}
