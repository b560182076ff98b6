// Package config loads orchestrator settings with viper and maps them onto
// the component configurations.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/discovery"
	"github.com/t77yq/agentpool/internal/model"
	"github.com/t77yq/agentpool/internal/monitor"
	"github.com/t77yq/agentpool/internal/orchestrator"
	"github.com/t77yq/agentpool/internal/supervisor"
)

// EnvPrefix prefixes every environment override, e.g. AGENTPOOL_POOL_MAX_AGENTS
const EnvPrefix = "AGENTPOOL"

// Config is the full application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Handlers   HandlersConfig   `mapstructure:"handlers"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	Intake         bool          `mapstructure:"intake"`
}

// PoolConfig sizes the agent pool and tunes scaling
type PoolConfig struct {
	Size               int               `mapstructure:"size"`
	MaxAgents          int               `mapstructure:"max_agents"`
	MinAgents          int               `mapstructure:"min_agents"`
	AgentCommand       string            `mapstructure:"agent_command"`
	AgentArgs          []string          `mapstructure:"agent_args"`
	AgentEnv           map[string]string `mapstructure:"agent_env"`
	AgentWorkingDir    string            `mapstructure:"agent_working_dir"`
	AgentCapacity      int               `mapstructure:"agent_capacity"`
	PerAgentMemoryMB   int               `mapstructure:"per_agent_memory_mb"`
	MaxBatchSize       int               `mapstructure:"max_batch_size"`
	BatchPause         time.Duration     `mapstructure:"batch_pause"`
	SizeMultiplier     float64           `mapstructure:"size_multiplier"`
	QueueLimit         int               `mapstructure:"queue_limit"`
	ScaleOnQueue       bool              `mapstructure:"scale_on_queue"`
	ScaleUpThreshold   float64           `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold float64           `mapstructure:"scale_down_threshold"`
	ScaleUpFactor      float64           `mapstructure:"scale_up_factor"`
	ScaleDownFactor    float64           `mapstructure:"scale_down_factor"`
	UnhealthyThreshold int               `mapstructure:"unhealthy_threshold"`
	KillTimeout        time.Duration     `mapstructure:"kill_timeout"`
}

type SupervisorConfig struct {
	MaxProcesses      int           `mapstructure:"max_processes"`
	MaxRestarts       int           `mapstructure:"max_restarts"`
	KillGrace         time.Duration `mapstructure:"kill_grace"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
	RestartMaxDelay   time.Duration `mapstructure:"restart_max_delay"`
	RestartMultiplier float64       `mapstructure:"restart_multiplier"`
	LogDir            string        `mapstructure:"log_dir"`
	LogMaxFileSize    int64         `mapstructure:"log_max_file_size"`
	LogMaxAge         time.Duration `mapstructure:"log_max_age"`
	LogFlushInterval  time.Duration `mapstructure:"log_flush_interval"`
}

type MonitorConfig struct {
	HealthInterval      time.Duration `mapstructure:"health_interval"`
	MetricsInterval     time.Duration `mapstructure:"metrics_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	ActivityTimeout     time.Duration `mapstructure:"activity_timeout"`
	MaxConcurrentProbes int           `mapstructure:"max_concurrent_probes"`
	AutoScale           bool          `mapstructure:"auto_scale"`
	Alerts              []AlertRule   `mapstructure:"alerts"`
}

type AlertRule struct {
	Name      string  `mapstructure:"name"`
	Type      string  `mapstructure:"type"`
	Threshold float64 `mapstructure:"threshold"`
	Severity  string  `mapstructure:"severity"`
}

type DiscoveryConfig struct {
	Directories         []string        `mapstructure:"directories"`
	ManifestPattern     string          `mapstructure:"manifest_pattern"`
	NPM                 bool            `mapstructure:"npm"`
	Docker              bool            `mapstructure:"docker"`
	NPMPrefixes         []string        `mapstructure:"npm_prefixes"`
	DockerPrefixes      []string        `mapstructure:"docker_prefixes"`
	ProbeTimeout        time.Duration   `mapstructure:"probe_timeout"`
	HealthInterval      time.Duration   `mapstructure:"health_interval"`
	RescanInterval      time.Duration   `mapstructure:"rescan_interval"`
	MaxConcurrentProbes int             `mapstructure:"max_concurrent_probes"`
	ResolveCacheTTL     time.Duration   `mapstructure:"resolve_cache_ttl"`
	Watch               bool            `mapstructure:"watch"`
	Custom              []CustomService `mapstructure:"custom"`
}

// CustomService is a user-declared service; Package defaults to the npm manager
type CustomService struct {
	Name        string            `mapstructure:"name"`
	Aliases     []string          `mapstructure:"aliases"`
	Category    string            `mapstructure:"category"`
	Description string            `mapstructure:"description"`
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	ProbeArgs   []string          `mapstructure:"probe_args"`
	Env         map[string]string `mapstructure:"env"`
	Package     string            `mapstructure:"package"`
	Manager     string            `mapstructure:"manager"`
}

// StorageConfig controls the task history database; an empty path disables it
type StorageConfig struct {
	Path            string        `mapstructure:"path"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// HandlersConfig controls the built-in named task handlers
type HandlersConfig struct {
	WorkspaceDir string `mapstructure:"workspace_dir"`
	HTTP         bool   `mapstructure:"http"`
}

func setDefaults(v *viper.Viper) {
	pool := orchestrator.DefaultConfig()
	sup := supervisor.DefaultConfig()
	mon := monitor.DefaultConfig()
	disc := discovery.DefaultConfig()

	v.SetDefault("app.name", "agentpool")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.intake", true)

	v.SetDefault("pool.size", 2)
	v.SetDefault("pool.max_agents", pool.Scale.Max)
	v.SetDefault("pool.min_agents", 0)
	v.SetDefault("pool.agent_command", pool.AgentCommand)
	v.SetDefault("pool.agent_args", pool.AgentArgs)
	v.SetDefault("pool.agent_env", map[string]string{})
	v.SetDefault("pool.agent_working_dir", "")
	v.SetDefault("pool.agent_capacity", pool.AgentCapacity)
	v.SetDefault("pool.per_agent_memory_mb", pool.PerAgentMemoryMB)
	v.SetDefault("pool.max_batch_size", pool.MaxBatchSize)
	v.SetDefault("pool.batch_pause", time.Duration(0))
	v.SetDefault("pool.size_multiplier", pool.SizeMultiplier)
	v.SetDefault("pool.queue_limit", pool.QueueLimit)
	v.SetDefault("pool.scale_on_queue", pool.ScaleOnQueue)
	v.SetDefault("pool.scale_up_threshold", pool.Scale.UpThreshold)
	v.SetDefault("pool.scale_down_threshold", pool.Scale.DownThreshold)
	v.SetDefault("pool.scale_up_factor", pool.Scale.UpFactor)
	v.SetDefault("pool.scale_down_factor", pool.Scale.DownFactor)
	v.SetDefault("pool.unhealthy_threshold", pool.UnhealthyThreshold)
	v.SetDefault("pool.kill_timeout", pool.KillTimeout)

	v.SetDefault("supervisor.max_processes", 0)
	v.SetDefault("supervisor.max_restarts", sup.MaxRestarts)
	v.SetDefault("supervisor.kill_grace", sup.KillGrace)
	v.SetDefault("supervisor.restart_delay", time.Second)
	v.SetDefault("supervisor.restart_max_delay", 30*time.Second)
	v.SetDefault("supervisor.restart_multiplier", 1.0)
	v.SetDefault("supervisor.log_dir", "")
	v.SetDefault("supervisor.log_max_file_size", int64(10*1024*1024))
	v.SetDefault("supervisor.log_max_age", 7*24*time.Hour)
	v.SetDefault("supervisor.log_flush_interval", 5*time.Second)

	v.SetDefault("monitor.health_interval", mon.HealthInterval)
	v.SetDefault("monitor.metrics_interval", mon.MetricsInterval)
	v.SetDefault("monitor.probe_timeout", mon.ProbeTimeout)
	v.SetDefault("monitor.activity_timeout", mon.ActivityTimeout)
	v.SetDefault("monitor.max_concurrent_probes", mon.MaxConcurrentProbes)
	v.SetDefault("monitor.auto_scale", mon.AutoScale)

	v.SetDefault("discovery.directories", []string{})
	v.SetDefault("discovery.manifest_pattern", disc.ManifestPattern)
	v.SetDefault("discovery.npm", true)
	v.SetDefault("discovery.docker", false)
	v.SetDefault("discovery.npm_prefixes", disc.NPMPrefixes)
	v.SetDefault("discovery.docker_prefixes", disc.DockerPrefixes)
	v.SetDefault("discovery.probe_timeout", disc.ProbeTimeout)
	v.SetDefault("discovery.health_interval", disc.HealthInterval)
	v.SetDefault("discovery.rescan_interval", disc.RescanInterval)
	v.SetDefault("discovery.max_concurrent_probes", disc.MaxConcurrentProbes)
	v.SetDefault("discovery.resolve_cache_ttl", disc.ResolveCacheTTL)
	v.SetDefault("discovery.watch", false)

	v.SetDefault("storage.path", "task_history.db")
	v.SetDefault("storage.retention", 30*24*time.Hour)
	v.SetDefault("storage.cleanup_schedule", "@daily")

	v.SetDefault("handlers.workspace_dir", "workspace")
	v.SetDefault("handlers.http", true)
}

// Load reads configuration from path, or from ./config/config.yaml when path
// is empty, and applies AGENTPOOL_ environment overrides. A missing default
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent settings
func (c *Config) Validate() error {
	p := c.Pool
	if p.AgentCapacity <= 0 {
		return fmt.Errorf("pool.agent_capacity must be positive, got %d", p.AgentCapacity)
	}
	if p.MaxAgents <= 0 {
		return fmt.Errorf("pool.max_agents must be positive, got %d", p.MaxAgents)
	}
	if p.Size < 0 || p.Size > p.MaxAgents {
		return fmt.Errorf("pool.size must be in [0,%d], got %d", p.MaxAgents, p.Size)
	}
	if p.MinAgents < 0 || p.MinAgents > p.MaxAgents {
		return fmt.Errorf("pool.min_agents must be in [0,%d], got %d", p.MaxAgents, p.MinAgents)
	}
	if p.ScaleUpThreshold <= 0 || p.ScaleUpThreshold >= 1 {
		return fmt.Errorf("pool.scale_up_threshold must be in (0,1), got %v", p.ScaleUpThreshold)
	}
	if p.ScaleDownThreshold <= 0 || p.ScaleDownThreshold >= 1 {
		return fmt.Errorf("pool.scale_down_threshold must be in (0,1), got %v", p.ScaleDownThreshold)
	}
	if p.ScaleDownThreshold >= p.ScaleUpThreshold {
		return fmt.Errorf("pool.scale_down_threshold (%v) must be below pool.scale_up_threshold (%v)",
			p.ScaleDownThreshold, p.ScaleUpThreshold)
	}
	if p.QueueLimit < 0 {
		return fmt.Errorf("pool.queue_limit must not be negative, got %d", p.QueueLimit)
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor.max_restarts must not be negative, got %d", c.Supervisor.MaxRestarts)
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative, got %s", c.Storage.Retention)
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for _, r := range c.Monitor.Alerts {
		if !model.AlertType(r.Type).Known() {
			return fmt.Errorf("monitor.alerts: unsupported type %q", r.Type)
		}
	}
	return nil
}

// NewLogger builds the application logger
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// OrchestratorConfig maps pool and supervisor settings onto the core
func (c *Config) OrchestratorConfig() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.AgentCommand = c.Pool.AgentCommand
	oc.AgentArgs = c.Pool.AgentArgs
	oc.AgentEnv = c.Pool.AgentEnv
	oc.AgentWorkingDir = c.Pool.AgentWorkingDir
	oc.AgentCapacity = c.Pool.AgentCapacity
	oc.PerAgentMemoryMB = c.Pool.PerAgentMemoryMB
	oc.MaxBatchSize = c.Pool.MaxBatchSize
	oc.BatchPause = c.Pool.BatchPause
	oc.SizeMultiplier = c.Pool.SizeMultiplier
	oc.MinAgents = c.Pool.MinAgents
	oc.QueueLimit = c.Pool.QueueLimit
	oc.ScaleOnQueue = c.Pool.ScaleOnQueue
	oc.MaxRestarts = c.Supervisor.MaxRestarts
	oc.UnhealthyThreshold = c.Pool.UnhealthyThreshold
	oc.KillTimeout = c.Pool.KillTimeout
	oc.Scale = orchestrator.ScalePolicy{
		Min:           c.Pool.MinAgents,
		Max:           c.Pool.MaxAgents,
		UpThreshold:   c.Pool.ScaleUpThreshold,
		DownThreshold: c.Pool.ScaleDownThreshold,
		UpFactor:      c.Pool.ScaleUpFactor,
		DownFactor:    c.Pool.ScaleDownFactor,
	}
	return oc
}

// SupervisorConfig maps supervisor settings
func (c *Config) SupervisorConfig() supervisor.Config {
	sc := supervisor.DefaultConfig()
	if c.Supervisor.MaxProcesses > 0 {
		sc.MaxProcesses = c.Supervisor.MaxProcesses
	}
	sc.MaxRestarts = c.Supervisor.MaxRestarts
	sc.KillGrace = c.Supervisor.KillGrace
	sc.Restart = supervisor.ExponentialBackoff{
		InitialDelay: c.Supervisor.RestartDelay,
		MaxDelay:     c.Supervisor.RestartMaxDelay,
		Multiplier:   c.Supervisor.RestartMultiplier,
	}
	if c.Supervisor.LogDir != "" {
		sc.Output = &supervisor.OutputConfig{
			Dir:           c.Supervisor.LogDir,
			MaxFileSize:   c.Supervisor.LogMaxFileSize,
			MaxAge:        c.Supervisor.LogMaxAge,
			FlushInterval: c.Supervisor.LogFlushInterval,
		}
	}
	return sc
}

// MonitorConfig maps monitor settings
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		HealthInterval:      c.Monitor.HealthInterval,
		MetricsInterval:     c.Monitor.MetricsInterval,
		ProbeTimeout:        c.Monitor.ProbeTimeout,
		ActivityTimeout:     c.Monitor.ActivityTimeout,
		MaxConcurrentProbes: c.Monitor.MaxConcurrentProbes,
		AutoScale:           c.Monitor.AutoScale,
	}
}

// AlertRules returns the configured rules, or the defaults when none are set
func (c *Config) AlertRules() []*model.AlertRule {
	if len(c.Monitor.Alerts) == 0 {
		return monitor.DefaultRules()
	}
	rules := make([]*model.AlertRule, 0, len(c.Monitor.Alerts))
	for _, r := range c.Monitor.Alerts {
		severity := model.AlertSeverity(r.Severity)
		if severity == "" {
			severity = model.AlertSeverityWarning
		}
		rules = append(rules, &model.AlertRule{
			Name:      r.Name,
			Type:      model.AlertType(r.Type),
			Threshold: r.Threshold,
			Severity:  severity,
		})
	}
	return rules
}

// DiscoveryConfig maps discovery settings
func (c *Config) DiscoveryConfig() discovery.Config {
	d := c.Discovery
	dc := discovery.Config{
		Directories:         d.Directories,
		ManifestPattern:     d.ManifestPattern,
		NPMPrefixes:         d.NPMPrefixes,
		DockerPrefixes:      d.DockerPrefixes,
		ProbeTimeout:        d.ProbeTimeout,
		HealthInterval:      d.HealthInterval,
		RescanInterval:      d.RescanInterval,
		MaxConcurrentProbes: d.MaxConcurrentProbes,
		ResolveCacheTTL:     d.ResolveCacheTTL,
		Watch:               d.Watch,
	}
	for _, s := range d.Custom {
		desc := model.ServiceDescriptor{
			Name:        s.Name,
			Aliases:     s.Aliases,
			Category:    s.Category,
			Description: s.Description,
			Command:     s.Command,
			Args:        s.Args,
			ProbeArgs:   s.ProbeArgs,
			Env:         s.Env,
		}
		if s.Package != "" {
			manager := s.Manager
			if manager == "" {
				manager = "npm"
			}
			desc.Package = &model.PackageRef{Manager: manager, Name: s.Package}
		}
		dc.Custom = append(dc.Custom, desc)
	}
	return dc
}
