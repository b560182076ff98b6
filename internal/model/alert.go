package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType names the pool condition an alert rule watches
type AlertType string

const (
	AlertTypeHealthRatio  AlertType = "health_ratio"
	AlertTypeQueueDepth   AlertType = "queue_depth"
	AlertTypeAgentFailure AlertType = "agent_failure"
)

// Known reports whether t is a condition the alert manager can evaluate.
func (t AlertType) Known() bool {
	switch t {
	case AlertTypeHealthRatio, AlertTypeQueueDepth, AlertTypeAgentFailure:
		return true
	}
	return false
}

// AlertRule fires an alert when a metrics snapshot crosses Threshold.
// A silenced rule is kept but never evaluated.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AlertType     `json:"type"`
	Threshold float64       `json:"threshold,omitempty"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert is published on alert.<type> when a rule starts firing
type Alert struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"rule_id"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
