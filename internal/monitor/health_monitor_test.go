package monitor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentpool/internal/events"
	"github.com/t77yq/agentpool/internal/model"
	"github.com/t77yq/agentpool/internal/orchestrator"
)

type fakeOrchestrator struct {
	mu        sync.Mutex
	agents    []model.Agent
	status    model.PoolStatus
	reports   [][]orchestrator.HealthReport
	scaleRuns int
	listErr   error
}

func (f *fakeOrchestrator) ListAgents(context.Context) ([]model.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Agent(nil), f.agents...), nil
}

func (f *fakeOrchestrator) Status(context.Context) (model.PoolStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeOrchestrator) ApplyHealth(_ context.Context, reports []orchestrator.HealthReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := append([]orchestrator.HealthReport(nil), reports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })
	f.reports = append(f.reports, sorted)
	return nil
}

func (f *fakeOrchestrator) EvaluateScaling(context.Context) (orchestrator.ScaleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scaleRuns++
	return orchestrator.ScaleResult{}, nil
}

func (f *fakeOrchestrator) lastReports() []orchestrator.HealthReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return nil
	}
	return f.reports[len(f.reports)-1]
}

func (f *fakeOrchestrator) scaled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scaleRuns
}

// fakeProber answers per process id; ids in hang block until the probe is cancelled
type fakeProber struct {
	alive map[string]bool
	hang  map[string]bool
}

func (p *fakeProber) CheckHealth(ctx context.Context, id string) bool {
	if p.hang[id] {
		<-ctx.Done()
		return false
	}
	return p.alive[id]
}

type fakeSource struct {
	ch chan model.ProcessEvent
}

func (s *fakeSource) Subscribe(int) <-chan model.ProcessEvent { return s.ch }

func newAgent(id, processID string, state model.AgentState) model.Agent {
	return model.Agent{
		ID:           id,
		ProcessID:    processID,
		State:        state,
		Capacity:     2,
		LastActivity: time.Now(),
	}
}

func TestHealthMonitor_CheckHealth(t *testing.T) {
	stale := newAgent("agent-000004", "p4", model.AgentStateBusy)
	stale.TaskCount = 1
	stale.LastActivity = time.Now().Add(-time.Hour)

	orch := &fakeOrchestrator{agents: []model.Agent{
		newAgent("agent-000001", "p1", model.AgentStateIdle),
		newAgent("agent-000002", "p2", model.AgentStateBusy),
		newAgent("agent-000003", "p3", model.AgentStateUnhealthy),
		stale,
		newAgent("agent-000005", "", model.AgentStateInitializing),
		newAgent("agent-000006", "p6", model.AgentStateIdle),
	}}
	prober := &fakeProber{
		alive: map[string]bool{"p1": true, "p3": true, "p4": true},
		hang:  map[string]bool{"p6": true},
	}

	config := DefaultConfig()
	config.ProbeTimeout = 50 * time.Millisecond
	config.ActivityTimeout = time.Minute
	m := NewHealthMonitor(config, orch, prober, nil, nil, nil, zaptest.NewLogger(t))

	require.NoError(t, m.CheckHealth(context.Background()))

	reports := orch.lastReports()
	require.Len(t, reports, 5)

	assert.Equal(t, orchestrator.HealthReport{AgentID: "agent-000001", Alive: true}, reports[0])

	assert.Equal(t, "agent-000002", reports[1].AgentID)
	assert.False(t, reports[1].Alive)
	assert.Equal(t, "process not alive", reports[1].Reason)

	assert.Equal(t, "agent-000003", reports[2].AgentID)
	assert.True(t, reports[2].Alive)

	assert.Equal(t, "agent-000004", reports[3].AgentID)
	assert.True(t, reports[3].Alive)
	assert.True(t, reports[3].Stalled)
	assert.True(t, strings.HasPrefix(reports[3].Reason, "no activity for"))

	assert.Equal(t, "agent-000006", reports[4].AgentID)
	assert.False(t, reports[4].Alive)
	assert.Contains(t, reports[4].Reason, "timed out")
}

func TestHealthMonitor_ProbeTimeoutError(t *testing.T) {
	prober := &fakeProber{hang: map[string]bool{"p1": true}}
	config := DefaultConfig()
	config.ProbeTimeout = 20 * time.Millisecond
	m := NewHealthMonitor(config, &fakeOrchestrator{}, prober, nil, nil, nil, zaptest.NewLogger(t))

	alive, err := m.probe(context.Background(), newAgent("agent-000001", "p1", model.AgentStateIdle))
	assert.False(t, alive)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProbeTimeout))

	var timeout *HealthProbeTimeout
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, "agent-000001", timeout.AgentID)
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
}

func TestHealthMonitor_CheckHealthEmpty(t *testing.T) {
	orch := &fakeOrchestrator{}
	m := NewHealthMonitor(DefaultConfig(), orch, &fakeProber{}, nil, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, m.CheckHealth(context.Background()))
	assert.Nil(t, orch.lastReports())

	orch.listErr = errors.New("stopped")
	assert.Error(t, m.CheckHealth(context.Background()))
}

func TestHealthMonitor_Collect(t *testing.T) {
	busy := newAgent("agent-000002", "p2", model.AgentStateBusy)
	busy.TaskCount = 1
	busy.Completed = 7

	orch := &fakeOrchestrator{
		agents: []model.Agent{newAgent("agent-000001", "p1", model.AgentStateIdle), busy},
		status: model.PoolStatus{Active: 2, Busy: 1, Queued: 200, HealthRatio: 1, Utilization: 0.5},
	}
	publisher := &recordingPublisher{}
	alerts := NewAlertManager(zaptest.NewLogger(t), publisher)
	require.NoError(t, alerts.AddRule(&model.AlertRule{
		Name: "Backlog", Type: model.AlertTypeQueueDepth, Threshold: 100, Severity: model.AlertSeverityWarning,
	}))

	m := NewHealthMonitor(DefaultConfig(), orch, &fakeProber{}, nil, publisher, alerts, zaptest.NewLogger(t))
	assert.Nil(t, m.Latest())

	snap, err := m.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, orch.status, snap.Pool)
	require.Len(t, snap.Agents, 2)
	assert.Equal(t, 0.0, snap.Agents[0].Load)
	assert.Equal(t, 0.5, snap.Agents[1].Load)
	assert.Equal(t, 7, snap.Agents[1].Completed)
	assert.GreaterOrEqual(t, snap.CPUUsage, 0.0)
	assert.Greater(t, snap.MemoryUsage, 0.0)

	assert.Same(t, snap, m.Latest())
	assert.Equal(t, 1, orch.scaled())
	assert.Equal(t, []string{events.SubjectMetrics, "alert.queue_depth"}, publisher.subjects())
}

func TestHealthMonitor_CollectWithoutAutoScale(t *testing.T) {
	orch := &fakeOrchestrator{}
	config := DefaultConfig()
	config.AutoScale = false
	m := NewHealthMonitor(config, orch, &fakeProber{}, nil, nil, nil, zaptest.NewLogger(t))

	_, err := m.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, orch.scaled())
}

func TestHealthMonitor_StartStop(t *testing.T) {
	orch := &fakeOrchestrator{
		agents: []model.Agent{newAgent("agent-000001", "p1", model.AgentStateIdle)},
		status: model.PoolStatus{Active: 1, HealthRatio: 1},
	}
	source := &fakeSource{ch: make(chan model.ProcessEvent, 4)}
	publisher := &recordingPublisher{}

	config := DefaultConfig()
	config.HealthInterval = 10 * time.Millisecond
	config.MetricsInterval = 10 * time.Millisecond
	m := NewHealthMonitor(config, orch, &fakeProber{alive: map[string]bool{"p1": true}}, source, publisher, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	source.ch <- model.ProcessEvent{Kind: model.ProcessExited, ProcessID: "p9"}
	source.ch <- model.ProcessEvent{Kind: model.ProcessRestarted, ProcessID: "p9"}

	require.Eventually(t, func() bool {
		snap := m.Latest()
		return snap != nil && snap.ProcessEvents["exited"] == 1 && snap.ProcessEvents["restarted"] == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return orch.lastReports() != nil }, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, publisher.subjects(), events.SubjectProcessEvent)

	m.Stop()
	m.Stop()
}
