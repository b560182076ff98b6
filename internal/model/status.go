package model

import "time"

// PoolStatus summarises the orchestrator state
type PoolStatus struct {
	Active        int     `json:"active"`
	Pooled        int     `json:"pooled"`
	Busy          int     `json:"busy"`
	Unhealthy     int     `json:"unhealthy"`
	Queued        int     `json:"queued"`
	Running       int     `json:"running"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Expired       int     `json:"expired"`
	AgentFailures int     `json:"agent_failures"`
	HealthRatio   float64 `json:"health_ratio"`
	Utilization   float64 `json:"utilization"`
	Scaling       bool    `json:"scaling"`
	Replacing     int     `json:"replacing"`
}

// AgentLoad is the per-agent slice of a metrics snapshot
type AgentLoad struct {
	AgentID   string     `json:"agent_id"`
	State     AgentState `json:"state"`
	TaskCount int        `json:"task_count"`
	Capacity  int        `json:"capacity"`
	Load      float64    `json:"load"`
	Completed int        `json:"completed"`
}

// MetricsSnapshot is produced by the metrics loop on every cycle
type MetricsSnapshot struct {
	Timestamp     time.Time      `json:"timestamp"`
	Pool          PoolStatus     `json:"pool"`
	Agents        []AgentLoad    `json:"agents"`
	CPUUsage      float64        `json:"cpu_usage"`
	MemoryUsage   float64        `json:"memory_usage"`
	ProcessEvents map[string]int `json:"process_events,omitempty"`
}
