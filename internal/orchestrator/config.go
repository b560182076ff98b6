package orchestrator

import (
	"fmt"
	"time"
)

// Config holds orchestrator settings
type Config struct {
	// AgentCommand is the long-running worker each agent supervises
	AgentCommand    string
	AgentArgs       []string
	AgentEnv        map[string]string
	AgentWorkingDir string
	AgentCapacity   int

	PerAgentMemoryMB int
	MaxBatchSize     int
	// BatchPause of zero selects the platform default
	BatchPause time.Duration
	// SizeMultiplier scales the initial pool on Apple Silicon hosts
	SizeMultiplier float64
	// MinAgents of zero makes the initial pool size the floor
	MinAgents int
	Scale     ScalePolicy

	QueueLimit         int
	ScaleOnQueue       bool
	MaxRestarts        int
	UnhealthyThreshold int
	KillTimeout        time.Duration
	ExpiryInterval     time.Duration
	EventBuffer        int
}

// DefaultConfig returns the default orchestrator settings
func DefaultConfig() Config {
	return Config{
		AgentCommand:       "tail",
		AgentArgs:          []string{"-f", "/dev/null"},
		AgentCapacity:      1,
		PerAgentMemoryMB:   512,
		MaxBatchSize:       DefaultMaxBatchSize,
		SizeMultiplier:     1.0,
		Scale:              DefaultScalePolicy(),
		QueueLimit:         1000,
		ScaleOnQueue:       true,
		MaxRestarts:        3,
		UnhealthyThreshold: 3,
		KillTimeout:        10 * time.Second,
		ExpiryInterval:     time.Second,
		EventBuffer:        256,
	}
}

// Validate checks the settings for consistency
func (c Config) Validate() error {
	if c.AgentCommand == "" {
		return fmt.Errorf("agent command is required")
	}
	if c.AgentCapacity <= 0 {
		return fmt.Errorf("agent capacity must be positive, got %d", c.AgentCapacity)
	}
	if c.Scale.UpThreshold <= 0 || c.Scale.UpThreshold >= 1 {
		return fmt.Errorf("scale-up threshold must be in (0,1), got %v", c.Scale.UpThreshold)
	}
	if c.Scale.DownThreshold <= 0 || c.Scale.DownThreshold >= c.Scale.UpThreshold {
		return fmt.Errorf("scale-down threshold must be in (0,%v), got %v", c.Scale.UpThreshold, c.Scale.DownThreshold)
	}
	if c.Scale.UpFactor <= 1 {
		return fmt.Errorf("scale-up factor must exceed 1, got %v", c.Scale.UpFactor)
	}
	if c.Scale.DownFactor <= 0 || c.Scale.DownFactor >= 1 {
		return fmt.Errorf("scale-down factor must be in (0,1), got %v", c.Scale.DownFactor)
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("max restarts must not be negative, got %d", c.MaxRestarts)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.SizeMultiplier <= 0 {
		c.SizeMultiplier = d.SizeMultiplier
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = d.KillTimeout
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = d.ExpiryInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
}
