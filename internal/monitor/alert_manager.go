package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/events"
	"github.com/t77yq/agentpool/internal/model"
)

const maxRecentAlerts = 100

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(alert *model.Alert) error
}

// LogChannel writes alerts to a logger
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log notification channel
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alerts")}
}

// Send implements NotificationChannel
func (c *LogChannel) Send(alert *model.Alert) error {
	c.logger.Warn(alert.Message,
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.Any("data", alert.Data))
	return nil
}

// AlertManager evaluates alert rules against metrics snapshots.
// A rule fires once when its condition starts to hold and again only
// after the condition has cleared.
type AlertManager struct {
	logger    *zap.Logger
	publisher events.Publisher
	rules     sync.Map

	mu           sync.Mutex
	firing       map[string]bool
	lastFailures int
	seenFailures bool
	recent       []*model.Alert
	channels     map[string]NotificationChannel
}

// NewAlertManager creates a new alert manager
func NewAlertManager(logger *zap.Logger, publisher events.Publisher) *AlertManager {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &AlertManager{
		logger:    logger.Named("alert-manager"),
		publisher: publisher,
		firing:    make(map[string]bool),
		channels:  make(map[string]NotificationChannel),
	}
}

// DefaultRules returns the rules installed when none are configured
func DefaultRules() []*model.AlertRule {
	return []*model.AlertRule{
		{Name: "Low health ratio", Type: model.AlertTypeHealthRatio, Threshold: 0.5, Severity: model.AlertSeverityCritical},
		{Name: "Queue backlog", Type: model.AlertTypeQueueDepth, Threshold: 100, Severity: model.AlertSeverityWarning},
		{Name: "Agent failure", Type: model.AlertTypeAgentFailure, Threshold: 1, Severity: model.AlertSeverityError},
	}
}

// AddChannel registers a notification channel
func (m *AlertManager) AddChannel(name string, ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if !rule.Type.Known() {
		return fmt.Errorf("unsupported alert type: %q", rule.Type)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	existing, ok := m.rules.Load(rule.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = existing.(*model.AlertRule).CreatedAt
	rule.UpdatedAt = time.Now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	m.rules.Delete(id)

	m.mu.Lock()
	delete(m.firing, id)
	m.mu.Unlock()
	return nil
}

// Evaluate checks every rule against a snapshot and returns the alerts raised
func (m *AlertManager) Evaluate(snapshot *model.MetricsSnapshot) []*model.Alert {
	m.mu.Lock()
	newFailures := 0
	if m.seenFailures {
		newFailures = snapshot.Pool.AgentFailures - m.lastFailures
	}
	m.lastFailures = snapshot.Pool.AgentFailures
	m.seenFailures = true
	m.mu.Unlock()

	var raised []*model.Alert
	m.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Silenced {
			return true
		}

		holds, data := m.check(rule, snapshot, newFailures)

		m.mu.Lock()
		wasFiring := m.firing[rule.ID]
		m.firing[rule.ID] = holds
		m.mu.Unlock()

		if holds && !wasFiring {
			if alert := m.createAlert(rule, data); alert != nil {
				raised = append(raised, alert)
			}
		}
		return true
	})
	return raised
}

func (m *AlertManager) check(rule *model.AlertRule, s *model.MetricsSnapshot, newFailures int) (bool, map[string]interface{}) {
	switch rule.Type {
	case model.AlertTypeHealthRatio:
		if s.Pool.Active > 0 && s.Pool.HealthRatio < rule.Threshold {
			return true, map[string]interface{}{
				"health_ratio": s.Pool.HealthRatio,
				"unhealthy":    s.Pool.Unhealthy,
				"active":       s.Pool.Active,
			}
		}
	case model.AlertTypeQueueDepth:
		if float64(s.Pool.Queued) > rule.Threshold {
			return true, map[string]interface{}{"queued": s.Pool.Queued}
		}
	case model.AlertTypeAgentFailure:
		threshold := rule.Threshold
		if threshold <= 0 {
			threshold = 1
		}
		if float64(newFailures) >= threshold {
			return true, map[string]interface{}{
				"new_failures":   newFailures,
				"agent_failures": s.Pool.AgentFailures,
			}
		}
	}
	return false, nil
}

// createAlert creates and publishes a new alert
func (m *AlertManager) createAlert(rule *model.AlertRule, data map[string]interface{}) *model.Alert {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   fmt.Sprintf("Alert triggered for rule: %s", rule.Name),
		Data:      data,
		CreatedAt: time.Now(),
	}

	if err := m.publisher.Publish(events.SubjectAlertPrefix+"."+string(alert.Type), alert); err != nil {
		m.logger.Error("Failed to publish alert", zap.Error(err))
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > maxRecentAlerts {
		m.recent = m.recent[len(m.recent)-maxRecentAlerts:]
	}
	channels := make(map[string]NotificationChannel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	for name, ch := range channels {
		if err := ch.Send(alert); err != nil {
			m.logger.Error("Failed to send alert",
				zap.String("channel", name),
				zap.Error(err))
		}
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	return alert
}

// Recent returns the most recent alerts, oldest first
func (m *AlertManager) Recent() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Alert, len(m.recent))
	copy(out, m.recent)
	return out
}
