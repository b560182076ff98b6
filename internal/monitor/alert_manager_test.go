package monitor

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentpool/internal/events"
	"github.com/t77yq/agentpool/internal/model"
	"github.com/t77yq/agentpool/internal/testutil"
)

type published struct {
	subject string
	value   interface{}
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(subject string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject: subject, value: v})
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.subject)
	}
	return out
}

type recordingChannel struct {
	mu     sync.Mutex
	alerts []*model.Alert
	err    error
}

func (c *recordingChannel) Send(alert *model.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return c.err
}

func snapshot(pool model.PoolStatus) *model.MetricsSnapshot {
	return &model.MetricsSnapshot{Timestamp: time.Now(), Pool: pool}
}

func TestAlertManager_Rules(t *testing.T) {
	manager := NewAlertManager(zaptest.NewLogger(t), nil)

	rule := &model.AlertRule{
		Name:      "Queue backlog",
		Type:      model.AlertTypeQueueDepth,
		Threshold: 10,
		Severity:  model.AlertSeverityWarning,
	}
	require.NoError(t, manager.AddRule(rule))
	require.NotEmpty(t, rule.ID)
	require.False(t, rule.CreatedAt.IsZero())
	require.Equal(t, rule.CreatedAt, rule.UpdatedAt)

	other := &model.AlertRule{Name: "Failures", Type: model.AlertTypeAgentFailure}
	require.NoError(t, manager.AddRule(other))
	require.NotEqual(t, rule.ID, other.ID)

	err := manager.AddRule(&model.AlertRule{Name: "Bogus", Type: "disk_usage"})
	require.Error(t, err)

	got, err := manager.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Queue backlog", got.Name)

	updated := &model.AlertRule{
		ID:        rule.ID,
		Name:      "Queue backlog (strict)",
		Type:      model.AlertTypeQueueDepth,
		Threshold: 5,
		Severity:  model.AlertSeverityError,
	}
	require.NoError(t, manager.UpdateRule(updated))
	got, err = manager.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.Threshold)
	assert.Equal(t, rule.CreatedAt, got.CreatedAt)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt) || got.UpdatedAt.Equal(got.CreatedAt))

	err = manager.UpdateRule(&model.AlertRule{ID: "missing"})
	assert.True(t, errors.Is(err, ErrRuleNotFound))

	require.NoError(t, manager.DeleteRule(rule.ID))
	_, err = manager.GetRule(rule.ID)
	assert.True(t, errors.Is(err, ErrRuleNotFound))
	assert.True(t, errors.Is(manager.DeleteRule(rule.ID), ErrRuleNotFound))
}

func TestAlertManager_HealthRatio(t *testing.T) {
	publisher := &recordingPublisher{}
	manager := NewAlertManager(zaptest.NewLogger(t), publisher)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name: "Low health", Type: model.AlertTypeHealthRatio, Threshold: 0.5, Severity: model.AlertSeverityCritical,
	}))

	// empty pool never fires
	assert.Empty(t, manager.Evaluate(snapshot(model.PoolStatus{HealthRatio: 1})))

	raised := manager.Evaluate(snapshot(model.PoolStatus{Active: 4, Unhealthy: 3, HealthRatio: 0.25}))
	require.Len(t, raised, 1)
	assert.Equal(t, model.AlertTypeHealthRatio, raised[0].Type)
	assert.Equal(t, model.AlertSeverityCritical, raised[0].Severity)
	assert.Equal(t, 0.25, raised[0].Data["health_ratio"])

	// still degraded: suppressed
	assert.Empty(t, manager.Evaluate(snapshot(model.PoolStatus{Active: 4, Unhealthy: 3, HealthRatio: 0.25})))

	// recovers, then degrades again
	assert.Empty(t, manager.Evaluate(snapshot(model.PoolStatus{Active: 4, HealthRatio: 1})))
	assert.Len(t, manager.Evaluate(snapshot(model.PoolStatus{Active: 4, Unhealthy: 4, HealthRatio: 0})), 1)

	assert.Equal(t, []string{"alert.health_ratio", "alert.health_ratio"}, publisher.subjects())
	assert.Len(t, manager.Recent(), 2)
}

func TestAlertManager_QueueDepth(t *testing.T) {
	manager := NewAlertManager(zaptest.NewLogger(t), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name: "Backlog", Type: model.AlertTypeQueueDepth, Threshold: 10, Severity: model.AlertSeverityWarning,
	}))

	assert.Empty(t, manager.Evaluate(snapshot(model.PoolStatus{Queued: 10})))
	raised := manager.Evaluate(snapshot(model.PoolStatus{Queued: 11}))
	require.Len(t, raised, 1)
	assert.Equal(t, 11, raised[0].Data["queued"])
}

func TestAlertManager_AgentFailure(t *testing.T) {
	manager := NewAlertManager(zaptest.NewLogger(t), nil)
	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name: "Agent failure", Type: model.AlertTypeAgentFailure, Threshold: 1, Severity: model.AlertSeverityError,
	}))

	// first snapshot only establishes the baseline
	assert.Empty(t, manager.Evaluate(snapshot(model.PoolStatus{AgentFailures: 2})))
	assert.Empty(t, manager.Evaluate(snapshot(model.PoolStatus{AgentFailures: 2})))

	raised := manager.Evaluate(snapshot(model.PoolStatus{AgentFailures: 3}))
	require.Len(t, raised, 1)
	assert.Equal(t, 1, raised[0].Data["new_failures"])

	assert.Empty(t, manager.Evaluate(snapshot(model.PoolStatus{AgentFailures: 3})))
	assert.Len(t, manager.Evaluate(snapshot(model.PoolStatus{AgentFailures: 5})), 1)
}

func TestAlertManager_SilencedAndChannels(t *testing.T) {
	manager := NewAlertManager(zaptest.NewLogger(t), nil)
	ok := &recordingChannel{}
	broken := &recordingChannel{err: errors.New("smtp down")}
	manager.AddChannel("ok", ok)
	manager.AddChannel("broken", broken)
	manager.AddChannel("log", NewLogChannel(zaptest.NewLogger(t)))

	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name: "Muted", Type: model.AlertTypeQueueDepth, Threshold: 0, Silenced: true,
	}))
	assert.Empty(t, manager.Evaluate(snapshot(model.PoolStatus{Queued: 5})))

	require.NoError(t, manager.AddRule(&model.AlertRule{
		Name: "Loud", Type: model.AlertTypeQueueDepth, Threshold: 0, Severity: model.AlertSeverityInfo,
	}))
	require.Len(t, manager.Evaluate(snapshot(model.PoolStatus{Queued: 5})), 1)

	assert.Len(t, ok.alerts, 1)
	assert.Len(t, broken.alerts, 1)
}

func TestAlertManager_PublishesToJetStream(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	publisher, err := events.NewNATSPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	manager := NewAlertManager(zaptest.NewLogger(t), publisher)
	for _, rule := range DefaultRules() {
		require.NoError(t, manager.AddRule(rule))
	}

	sub, err := js.SubscribeSync("alert.>", nats.DeliverNew())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	raised := manager.Evaluate(snapshot(model.PoolStatus{Active: 2, Unhealthy: 2, HealthRatio: 0, Queued: 500}))
	require.Len(t, raised, 2)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, err := sub.NextMsg(5 * time.Second)
		require.NoError(t, err)

		var alert model.Alert
		require.NoError(t, json.Unmarshal(msg.Data, &alert))
		assert.Equal(t, "alert."+string(alert.Type), msg.Subject)
		seen[msg.Subject] = true
	}
	assert.True(t, seen["alert.health_ratio"])
	assert.True(t, seen["alert.queue_depth"])
}
