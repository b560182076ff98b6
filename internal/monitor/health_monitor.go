// Package monitor probes agent health, collects pool metrics and raises alerts.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/agentpool/internal/events"
	"github.com/t77yq/agentpool/internal/model"
	"github.com/t77yq/agentpool/internal/orchestrator"
)

// Orchestrator is the part of the core the monitor reads and feeds
type Orchestrator interface {
	ListAgents(ctx context.Context) ([]model.Agent, error)
	Status(ctx context.Context) (model.PoolStatus, error)
	ApplyHealth(ctx context.Context, reports []orchestrator.HealthReport) error
	EvaluateScaling(ctx context.Context) (orchestrator.ScaleResult, error)
}

// Prober checks process liveness
type Prober interface {
	CheckHealth(ctx context.Context, id string) bool
}

// EventSource delivers process events
type EventSource interface {
	Subscribe(buffer int) <-chan model.ProcessEvent
}

// Config holds monitor settings
type Config struct {
	HealthInterval      time.Duration
	MetricsInterval     time.Duration
	ProbeTimeout        time.Duration
	ActivityTimeout     time.Duration
	MaxConcurrentProbes int
	AutoScale           bool
	EventBuffer         int
}

// DefaultConfig returns the default monitor settings
func DefaultConfig() Config {
	return Config{
		HealthInterval:      30 * time.Second,
		MetricsInterval:     30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		ActivityTimeout:     5 * time.Minute,
		MaxConcurrentProbes: 8,
		AutoScale:           true,
		EventBuffer:         256,
	}
}

// HealthMonitor runs the health-check and metrics loops
type HealthMonitor struct {
	logger    *zap.Logger
	config    Config
	orch      Orchestrator
	prober    Prober
	source    EventSource
	publisher events.Publisher
	alerts    *AlertManager

	mu       sync.RWMutex
	latest   *model.MetricsSnapshot
	counters map[string]int

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHealthMonitor creates a monitor; alerts and publisher may be nil
func NewHealthMonitor(config Config, orch Orchestrator, prober Prober, source EventSource,
	publisher events.Publisher, alerts *AlertManager, logger *zap.Logger) *HealthMonitor {
	d := DefaultConfig()
	if config.HealthInterval <= 0 {
		config.HealthInterval = d.HealthInterval
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = d.MetricsInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = d.ProbeTimeout
	}
	if config.ActivityTimeout <= 0 {
		config.ActivityTimeout = d.ActivityTimeout
	}
	if config.MaxConcurrentProbes <= 0 {
		config.MaxConcurrentProbes = d.MaxConcurrentProbes
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = d.EventBuffer
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &HealthMonitor{
		logger:    logger.Named("health-monitor"),
		config:    config,
		orch:      orch,
		prober:    prober,
		source:    source,
		publisher: publisher,
		alerts:    alerts,
		counters:  make(map[string]int),
		stop:      make(chan struct{}),
	}
}

// Start starts the health, metrics and event loops
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.source != nil {
		ch := m.source.Subscribe(m.config.EventBuffer)
		m.wg.Add(1)
		go m.eventLoop(ctx, ch)
	}

	m.wg.Add(2)
	go m.run(ctx, m.config.HealthInterval, func(ctx context.Context) {
		if err := m.CheckHealth(ctx); err != nil {
			m.logger.Error("Health check failed", zap.Error(err))
		}
	})
	go m.run(ctx, m.config.MetricsInterval, func(ctx context.Context) {
		if _, err := m.Collect(ctx); err != nil {
			m.logger.Error("Metrics collection failed", zap.Error(err))
		}
	})

	m.logger.Info("Health monitor started",
		zap.Duration("health_interval", m.config.HealthInterval),
		zap.Duration("metrics_interval", m.config.MetricsInterval))
}

// Stop stops every loop and waits for them
func (m *HealthMonitor) Stop() {
	select {
	case <-m.stop:
		return
	default:
		close(m.stop)
	}
	m.wg.Wait()
	m.logger.Info("Health monitor stopped")
}

func (m *HealthMonitor) run(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (m *HealthMonitor) eventLoop(ctx context.Context, ch <-chan model.ProcessEvent) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.mu.Lock()
			m.counters[string(ev.Kind)]++
			m.mu.Unlock()

			if err := m.publisher.Publish(events.SubjectProcessEvent, ev); err != nil {
				m.logger.Debug("Failed to publish process event", zap.Error(err))
			}
		}
	}
}

// CheckHealth probes every serving agent in parallel and hands the
// outcomes to the orchestrator.
func (m *HealthMonitor) CheckHealth(ctx context.Context) error {
	agents, err := m.orch.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	now := time.Now()
	var mu sync.Mutex
	reports := make([]orchestrator.HealthReport, 0, len(agents))

	var g errgroup.Group
	g.SetLimit(m.config.MaxConcurrentProbes)
	for _, a := range agents {
		if a.ProcessID == "" || a.State == model.AgentStateInitializing || a.State == model.AgentStateTerminated {
			continue
		}
		a := a
		g.Go(func() error {
			report := orchestrator.HealthReport{AgentID: a.ID, Alive: true}

			alive, err := m.probe(ctx, a)
			if err != nil {
				report.Alive = false
				report.Reason = err.Error()
			} else if !alive {
				report.Alive = false
				report.Reason = "process not alive"
			}

			if a.TaskCount > 0 && now.Sub(a.LastActivity) > m.config.ActivityTimeout {
				report.Stalled = true
				report.Reason = fmt.Sprintf("no activity for %s", now.Sub(a.LastActivity).Round(time.Second))
			}

			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(reports) == 0 {
		return nil
	}
	return m.orch.ApplyHealth(ctx, reports)
}

func (m *HealthMonitor) probe(ctx context.Context, a model.Agent) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		result <- m.prober.CheckHealth(probeCtx, a.ProcessID)
	}()

	select {
	case alive := <-result:
		return alive, nil
	case <-probeCtx.Done():
		err := &HealthProbeTimeout{AgentID: a.ID, Timeout: m.config.ProbeTimeout}
		m.logger.Warn("Health probe timed out",
			zap.String("agent_id", a.ID),
			zap.Duration("timeout", m.config.ProbeTimeout))
		return false, err
	}
}

// Collect builds a metrics snapshot, publishes it, evaluates alerts and
// triggers the scaling evaluation.
func (m *HealthMonitor) Collect(ctx context.Context) (*model.MetricsSnapshot, error) {
	status, err := m.orch.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get pool status: %w", err)
	}
	agents, err := m.orch.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	snapshot := &model.MetricsSnapshot{
		Timestamp: time.Now(),
		Pool:      status,
		Agents:    make([]model.AgentLoad, 0, len(agents)),
	}
	for i := range agents {
		a := &agents[i]
		snapshot.Agents = append(snapshot.Agents, model.AgentLoad{
			AgentID:   a.ID,
			State:     a.State,
			TaskCount: a.TaskCount,
			Capacity:  a.Capacity,
			Load:      orchestrator.Load(a),
			Completed: a.Completed,
		})
	}

	if percent, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		m.logger.Debug("Failed to get CPU usage", zap.Error(err))
	} else if len(percent) > 0 {
		snapshot.CPUUsage = percent[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		m.logger.Debug("Failed to get memory usage", zap.Error(err))
	} else {
		snapshot.MemoryUsage = vm.UsedPercent
	}

	m.mu.Lock()
	snapshot.ProcessEvents = make(map[string]int, len(m.counters))
	for k, v := range m.counters {
		snapshot.ProcessEvents[k] = v
	}
	m.latest = snapshot
	m.mu.Unlock()

	if err := m.publisher.Publish(events.SubjectMetrics, snapshot); err != nil {
		m.logger.Error("Failed to publish metrics", zap.Error(err))
	}

	m.logger.Debug("Metrics collected",
		zap.Int("active", status.Active),
		zap.Int("busy", status.Busy),
		zap.Int("queued", status.Queued),
		zap.Float64("utilization", status.Utilization),
		zap.Float64("health_ratio", status.HealthRatio))

	if m.alerts != nil {
		m.alerts.Evaluate(snapshot)
	}

	if m.config.AutoScale {
		if _, err := m.orch.EvaluateScaling(ctx); err != nil {
			m.logger.Error("Scaling evaluation failed", zap.Error(err))
		}
	}

	return snapshot, nil
}

// Latest returns the most recent snapshot, or nil before the first collection
func (m *HealthMonitor) Latest() *model.MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}
