package model

import "time"

// ServiceSource identifies the discovery strategy that produced a descriptor.
// Sources are ordered by merge priority, lowest first.
type ServiceSource string

const (
	SourceCatalog   ServiceSource = "catalog"
	SourcePackage   ServiceSource = "package"
	SourceDirectory ServiceSource = "directory"
	SourceCustom    ServiceSource = "custom"
)

// Rank returns the merge priority of a source; higher wins.
func (s ServiceSource) Rank() int {
	switch s {
	case SourceCatalog:
		return 0
	case SourcePackage:
		return 1
	case SourceDirectory:
		return 2
	case SourceCustom:
		return 3
	}
	return -1
}

// ServiceHealth represents the last observed health of a service
type ServiceHealth string

const (
	ServiceHealthUnknown   ServiceHealth = "unknown"
	ServiceHealthHealthy   ServiceHealth = "healthy"
	ServiceHealthUnhealthy ServiceHealth = "unhealthy"
	ServiceHealthError     ServiceHealth = "error"
)

// PackageRef names the package that backs a service
type PackageRef struct {
	Manager string `json:"manager" yaml:"manager"` // npm, docker
	Name    string `json:"name" yaml:"name"`
}

// ValidationResult records what validation could resolve
type ValidationResult struct {
	CommandFound bool      `json:"command_found"`
	CommandPath  string    `json:"command_path,omitempty"`
	PackageFound bool      `json:"package_found"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Valid reports whether at least one of command or package resolved.
func (v ValidationResult) Valid() bool {
	return v.CommandFound || v.PackageFound
}

// ServiceDescriptor describes a discoverable backend service
type ServiceDescriptor struct {
	Name        string            `json:"name" yaml:"name"`
	Aliases     []string          `json:"aliases,omitempty" yaml:"aliases"`
	Category    string            `json:"category" yaml:"category"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Command     string            `json:"command,omitempty" yaml:"command"`
	Args        []string          `json:"args,omitempty" yaml:"args"`
	ProbeArgs   []string          `json:"probe_args,omitempty" yaml:"probe_args"`
	Package     *PackageRef       `json:"package,omitempty" yaml:"package"`
	Env         map[string]string `json:"env,omitempty" yaml:"env"`
	Source      ServiceSource     `json:"source" yaml:"-"`
	Validation  ValidationResult  `json:"validation" yaml:"-"`
	Health      ServiceHealth     `json:"health" yaml:"-"`
	Latency     time.Duration     `json:"latency,omitempty" yaml:"-"`
	LastError   string            `json:"last_error,omitempty" yaml:"-"`
	LastCheck   time.Time         `json:"last_check,omitempty" yaml:"-"`
}

// ConnectionResult is the outcome of a connection test
type ConnectionResult struct {
	Name      string        `json:"name"`
	Success   bool          `json:"success"`
	LatencyMs int64         `json:"latency_ms"`
	Latency   time.Duration `json:"-"`
	Error     string        `json:"error,omitempty"`
}
