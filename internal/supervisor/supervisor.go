// Package supervisor spawns, monitors, restarts and terminates OS processes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/model"
)

// Config defines configuration for the supervisor
type Config struct {
	MaxProcesses int           // Process ceiling; 0 means 2x logical CPUs
	MaxRestarts  int           // Restarts allowed per process
	KillGrace    time.Duration // Wait between graceful and forced termination
	Restart      RestartPolicy
	Output       *OutputConfig // nil disables output capture
}

// DefaultConfig returns the default supervisor configuration
func DefaultConfig() Config {
	return Config{
		MaxProcesses: 2 * runtime.NumCPU(),
		MaxRestarts:  3,
		KillGrace:    5 * time.Second,
		Restart:      ExponentialBackoff{InitialDelay: time.Second, Multiplier: 1},
	}
}

// managed is one entry of the process table
type managed struct {
	info      model.ProcessInfo
	opts      model.SpawnOptions
	cmd       *exec.Cmd
	done      chan struct{} // closed when cmd exits
	requested bool          // exit was asked for by Kill or Restart
}

// Supervisor owns the process table
type Supervisor struct {
	logger    *zap.Logger
	config    Config
	output    *OutputLog
	lookPath  func(string) (string, error)
	mu        sync.RWMutex
	processes map[string]*managed
	closed    bool
	subsMu    sync.Mutex
	subs      []chan model.ProcessEvent
}

// New creates a new supervisor
func New(config Config, logger *zap.Logger) (*Supervisor, error) {
	if config.MaxProcesses <= 0 {
		config.MaxProcesses = 2 * runtime.NumCPU()
	}
	if config.KillGrace <= 0 {
		config.KillGrace = 5 * time.Second
	}
	if config.Restart == nil {
		config.Restart = ExponentialBackoff{InitialDelay: time.Second, Multiplier: 1}
	}

	s := &Supervisor{
		logger:    logger.Named("supervisor"),
		config:    config,
		lookPath:  exec.LookPath,
		processes: make(map[string]*managed),
	}

	if config.Output != nil && config.Output.Dir != "" {
		output, err := NewOutputLog(*config.Output, logger)
		if err != nil {
			return nil, err
		}
		s.output = output
	}

	return s, nil
}

// Start starts background output handling
func (s *Supervisor) Start(ctx context.Context) {
	if s.output != nil {
		s.output.Start(ctx)
	}
	s.logger.Info("Supervisor started", zap.Int("max_processes", s.config.MaxProcesses))
}

// Subscribe returns a channel receiving every process event.
// Events are dropped for a subscriber whose buffer is full.
func (s *Supervisor) Subscribe(buffer int) <-chan model.ProcessEvent {
	ch := make(chan model.ProcessEvent, buffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Supervisor) emit(event model.ProcessEvent) {
	event.Timestamp = time.Now()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			s.logger.Warn("Dropping process event for slow subscriber",
				zap.String("process_id", event.ProcessID),
				zap.String("kind", string(event.Kind)))
		}
	}
}

// Spawn starts a new managed process
func (s *Supervisor) Spawn(ctx context.Context, command string, args []string, opts model.SpawnOptions) (*model.ProcessInfo, error) {
	if _, err := s.lookPath(command); err != nil {
		return nil, &SpawnError{Command: command, Err: fmt.Errorf("%w: %v", ErrExecutableNotFound, err)}
	}

	m := &managed{
		info: model.ProcessInfo{
			ID:      uuid.New().String(),
			Command: command,
			Args:    append([]string(nil), args...),
			Owner:   opts.Owner,
			Status:  model.ProcessStatusNotStarted,
		},
		opts: opts,
	}

	// Reserve a slot so the ceiling holds across concurrent spawns.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &SpawnError{Command: command, Err: ErrShuttingDown}
	}
	if s.liveLocked() >= s.config.MaxProcesses {
		s.mu.Unlock()
		return nil, &SpawnError{Command: command, Err: ErrProcessLimitReached}
	}
	s.processes[m.info.ID] = m
	s.mu.Unlock()

	if err := s.start(m); err != nil {
		s.mu.Lock()
		delete(s.processes, m.info.ID)
		s.mu.Unlock()
		return nil, &SpawnError{Command: command, Err: err}
	}

	info := s.snapshot(m)
	s.logger.Info("Process started",
		zap.String("process_id", info.ID),
		zap.String("command", command),
		zap.Int("pid", info.PID),
		zap.String("owner", opts.Owner))
	s.emit(model.ProcessEvent{
		Kind:      model.ProcessStarted,
		ProcessID: info.ID,
		Owner:     info.Owner,
		PID:       info.PID,
	})

	return &info, nil
}

// start launches the command of m and begins waiting on it
func (s *Supervisor) start(m *managed) error {
	cmd := exec.Command(m.info.Command, m.info.Args...)
	if m.opts.WorkingDir != "" {
		cmd.Dir = m.opts.WorkingDir
	}
	if len(m.opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range m.opts.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr []io.Writer
	if m.opts.Output != nil {
		shared := &syncWriter{w: m.opts.Output}
		stdout = append(stdout, shared)
		stderr = append(stderr, shared)
	}
	if s.output != nil {
		stdout = append(stdout, s.output.Writer(m.info.ID, "stdout"))
		stderr = append(stderr, s.output.Writer(m.info.ID, "stderr"))
	}
	if len(stdout) > 0 {
		cmd.Stdout = io.MultiWriter(stdout...)
		cmd.Stderr = io.MultiWriter(stderr...)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	m.cmd = cmd
	m.done = done
	m.requested = false
	m.info.PID = cmd.Process.Pid
	m.info.Status = model.ProcessStatusRunning
	m.info.StartedAt = time.Now()
	m.info.ExitCode = 0
	s.mu.Unlock()

	go s.wait(m, cmd, done)
	return nil
}

// wait records the exit of one generation of a process
func (s *Supervisor) wait(m *managed, cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	requested := m.requested
	if m.cmd == cmd {
		m.info.ExitCode = exitCode
		if requested {
			m.info.Status = model.ProcessStatusKilled
		} else {
			m.info.Status = model.ProcessStatusExited
		}
	}
	event := model.ProcessEvent{
		Kind:         model.ProcessExited,
		ProcessID:    m.info.ID,
		Owner:        m.info.Owner,
		PID:          cmd.Process.Pid,
		ExitCode:     exitCode,
		Requested:    requested,
		RestartCount: m.info.RestartCount,
	}
	close(done)
	s.mu.Unlock()

	if err != nil && !requested {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			event.Error = err.Error()
		}
	}

	s.logger.Info("Process exited",
		zap.String("process_id", event.ProcessID),
		zap.Int("exit_code", exitCode),
		zap.Bool("requested", requested))
	s.emit(event)
}

// Kill terminates a process and removes it from the table.
// Without force a graceful signal is sent first and escalated after the grace window.
func (s *Supervisor) Kill(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	m, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	s.mu.Unlock()

	if err := s.terminate(ctx, m, force); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.processes, id)
	s.mu.Unlock()

	s.logger.Info("Process killed", zap.String("process_id", id), zap.Bool("force", force))
	return nil
}

// terminate stops the current generation of m; terminal processes get no signals
func (s *Supervisor) terminate(ctx context.Context, m *managed, force bool) error {
	s.mu.Lock()
	if m.info.Status.Terminal() || m.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	m.requested = true
	proc, done := m.cmd.Process, m.done
	s.mu.Unlock()

	if !force {
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			force = true
		} else {
			timer := time.NewTimer(s.config.KillGrace)
			defer timer.Stop()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				force = true
			case <-timer.C:
				s.logger.Warn("Process ignored graceful termination, killing",
					zap.String("process_id", m.info.ID))
				force = true
			}
		}
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Failed to kill process",
			zap.String("process_id", m.info.ID),
			zap.Error(err))
	}

	timer := time.NewTimer(s.config.KillGrace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrKillTimeout, m.info.ID)
	}
}

// Restart kills a process and respawns it with the same command after the policy delay
func (s *Supervisor) Restart(ctx context.Context, id string) (*model.ProcessInfo, error) {
	s.mu.Lock()
	m, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	restarts := m.info.RestartCount
	if restarts >= s.config.MaxRestarts {
		s.mu.Unlock()
		return nil, &RestartLimitError{ProcessID: id, Restarts: restarts, Max: s.config.MaxRestarts}
	}
	s.mu.Unlock()

	if err := s.terminate(ctx, m, false); err != nil {
		return nil, err
	}

	delay := s.config.Restart.NextDelay(restarts)
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &SpawnError{Command: m.info.Command, Err: ErrShuttingDown}
	}
	if s.processes[id] != m {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	// The exited process no longer holds a slot; take one back before respawning.
	if s.liveLocked() >= s.config.MaxProcesses {
		s.mu.Unlock()
		return nil, &SpawnError{Command: m.info.Command, Err: ErrProcessLimitReached}
	}
	prevStatus := m.info.Status
	m.info.Status = model.ProcessStatusNotStarted
	m.info.RestartCount++
	s.mu.Unlock()

	if err := s.start(m); err != nil {
		s.mu.Lock()
		m.info.Status = prevStatus
		s.mu.Unlock()
		s.emit(model.ProcessEvent{
			Kind:         model.ProcessError,
			ProcessID:    id,
			Owner:        m.info.Owner,
			RestartCount: m.info.RestartCount,
			Error:        err.Error(),
		})
		return nil, &SpawnError{Command: m.info.Command, Err: err}
	}

	info := s.snapshot(m)
	s.logger.Info("Process restarted",
		zap.String("process_id", id),
		zap.Int("pid", info.PID),
		zap.Int("restart_count", info.RestartCount))
	s.emit(model.ProcessEvent{
		Kind:         model.ProcessRestarted,
		ProcessID:    id,
		Owner:        info.Owner,
		PID:          info.PID,
		RestartCount: info.RestartCount,
	})
	return &info, nil
}

// CheckHealth reports whether the process is tracked, running and its pid is alive
func (s *Supervisor) CheckHealth(ctx context.Context, id string) bool {
	s.mu.RLock()
	m, ok := s.processes[id]
	if !ok || m.info.Status != model.ProcessStatusRunning {
		s.mu.RUnlock()
		return false
	}
	pid := m.info.PID
	s.mu.RUnlock()

	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		s.logger.Debug("Liveness probe failed",
			zap.String("process_id", id),
			zap.Error(err))
		return false
	}
	return alive
}

// Wait blocks until the current generation of a process exits
func (s *Supervisor) Wait(ctx context.Context, id string) (model.ProcessInfo, error) {
	s.mu.RLock()
	m, ok := s.processes[id]
	if !ok {
		s.mu.RUnlock()
		return model.ProcessInfo{}, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	done := m.done
	s.mu.RUnlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return s.snapshot(m), ctx.Err()
		}
	}
	return s.snapshot(m), nil
}

// Remove drops a process that has already exited from the table
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.processes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if !m.info.Status.Terminal() {
		return fmt.Errorf("process %s is still %s", id, m.info.Status)
	}
	delete(s.processes, id)
	return nil
}

// Get returns a snapshot of one process
func (s *Supervisor) Get(id string) (model.ProcessInfo, bool) {
	s.mu.RLock()
	m, ok := s.processes[id]
	s.mu.RUnlock()
	if !ok {
		return model.ProcessInfo{}, false
	}
	return s.snapshot(m), true
}

// ListAll returns a snapshot of every tracked process, enriched with usage where available
func (s *Supervisor) ListAll(ctx context.Context) []model.ProcessInfo {
	s.mu.RLock()
	infos := make([]model.ProcessInfo, 0, len(s.processes))
	for _, m := range s.processes {
		infos = append(infos, s.snapshotLocked(m))
	}
	s.mu.RUnlock()

	for i := range infos {
		if infos[i].Status != model.ProcessStatusRunning {
			continue
		}
		p, err := process.NewProcessWithContext(ctx, int32(infos[i].PID))
		if err != nil {
			continue
		}
		if pct, err := p.CPUPercentWithContext(ctx); err == nil {
			infos[i].CPUPercent = pct
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			infos[i].RSSBytes = mem.RSS
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].StartedAt.Before(infos[j].StartedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Running returns the number of live processes
func (s *Supervisor) Running() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveLocked()
}

// Output returns captured output lines of a process
func (s *Supervisor) Output(id string, since time.Time) ([]OutputEntry, error) {
	if s.output == nil {
		return nil, errors.New("output capture disabled")
	}
	return s.output.Read(id, since)
}

// Shutdown terminates every process and refuses further spawns
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.processes))
	for id := range s.processes {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	s.logger.Info("Stopping supervisor", zap.Int("processes", len(ids)))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Kill(ctx, id, false); err != nil && !errors.Is(err, ErrProcessNotFound) {
				s.logger.Error("Failed to stop process",
					zap.String("process_id", id),
					zap.Error(err))
			}
		}(id)
	}
	wg.Wait()

	if s.output != nil {
		s.output.Stop()
	}
}

// liveLocked must be called with s.mu held
func (s *Supervisor) liveLocked() int {
	n := 0
	for _, m := range s.processes {
		if !m.info.Status.Terminal() {
			n++
		}
	}
	return n
}

func (s *Supervisor) snapshot(m *managed) model.ProcessInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(m)
}

// snapshotLocked must be called with s.mu held
func (s *Supervisor) snapshotLocked(m *managed) model.ProcessInfo {
	info := m.info
	info.Args = append([]string(nil), m.info.Args...)
	if info.Status == model.ProcessStatusRunning {
		info.Uptime = time.Since(info.StartedAt)
	}
	return info
}

// syncWriter serialises writes from the stdout and stderr copiers
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
