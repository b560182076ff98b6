package monitor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProbeTimeout is the sentinel behind HealthProbeTimeout
	ErrProbeTimeout = errors.New("health probe timed out")

	// ErrRuleNotFound is returned for unknown alert rule ids
	ErrRuleNotFound = errors.New("rule not found")
)

// HealthProbeTimeout reports a liveness probe that did not answer in time
type HealthProbeTimeout struct {
	AgentID string
	Timeout time.Duration
}

func (e *HealthProbeTimeout) Error() string {
	return fmt.Sprintf("health probe for %s timed out after %s", e.AgentID, e.Timeout)
}

func (e *HealthProbeTimeout) Unwrap() error { return ErrProbeTimeout }
