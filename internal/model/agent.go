package model

import "time"

// AgentState represents the lifecycle state of an agent
type AgentState string

const (
	AgentStateInitializing AgentState = "initializing"
	AgentStateIdle         AgentState = "idle"
	AgentStateBusy         AgentState = "busy"
	AgentStateUnhealthy    AgentState = "unhealthy"
	AgentStateTerminated   AgentState = "terminated"
)

// Agent is a logical worker backed by one managed process.
// Agents are owned by the orchestrator; values handed out are copies.
type Agent struct {
	ID           string     `json:"id"`
	Seq          uint64     `json:"seq"`
	State        AgentState `json:"state"`
	ProcessID    string     `json:"process_id,omitempty"`
	TaskCount    int        `json:"task_count"`
	Capacity     int        `json:"capacity"`
	InPool       bool       `json:"in_pool"`
	Draining     bool       `json:"draining"`
	Completed    int        `json:"completed"`
	Failed       int        `json:"failed"`
	ProbeFails   int        `json:"probe_failures"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
}

// Available reports whether the agent may accept another task.
func (a *Agent) Available() bool {
	if a.Draining || a.TaskCount >= a.Capacity {
		return false
	}
	return a.State == AgentStateIdle || a.State == AgentStateBusy
}

// Healthy reports whether the agent is in a serving state.
func (a *Agent) Healthy() bool {
	return a.State == AgentStateIdle || a.State == AgentStateBusy
}

// AgentRef identifies the agent and process a task runs on.
type AgentRef struct {
	AgentID   string `json:"agent_id"`
	ProcessID string `json:"process_id"`
}

// AgentEvent is published whenever an agent changes state
type AgentEvent struct {
	Agent     Agent     `json:"agent"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
