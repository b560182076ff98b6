// Package platform reports the host capabilities that drive batching and
// scaling decisions.
package platform

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Capabilities is a point-in-time view of the host
type Capabilities struct {
	OSFamily      string `json:"os_family"`
	Arch          string `json:"arch"`
	CPUCount      int    `json:"cpu_count"`
	TotalMemoryMB uint64 `json:"total_memory_mb"`
	FreeMemoryMB  uint64 `json:"free_memory_mb"`
	DefaultShell  string `json:"default_shell"`
}

// AppleSilicon reports whether the host is an arm64 darwin machine.
func (c Capabilities) AppleSilicon() bool {
	return c.OSFamily == "darwin" && c.Arch == "arm64"
}

// Provider supplies host capabilities
type Provider interface {
	Capabilities(ctx context.Context) (Capabilities, error)
}

// HostProvider reads capabilities from the running host via gopsutil
type HostProvider struct {
	logger *zap.Logger
}

// NewHostProvider creates a new host-backed provider
func NewHostProvider(logger *zap.Logger) *HostProvider {
	return &HostProvider{logger: logger.Named("platform")}
}

// Capabilities implements Provider
func (p *HostProvider) Capabilities(ctx context.Context) (Capabilities, error) {
	caps := Capabilities{
		OSFamily:     runtime.GOOS,
		Arch:         runtime.GOARCH,
		DefaultShell: DefaultShell(runtime.GOOS),
	}

	count, err := cpu.CountsWithContext(ctx, true)
	if err != nil || count <= 0 {
		p.logger.Warn("Failed to count logical CPUs, using runtime value", zap.Error(err))
		count = runtime.NumCPU()
	}
	caps.CPUCount = count

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return caps, fmt.Errorf("failed to read memory info: %w", err)
	}
	caps.TotalMemoryMB = vm.Total / (1 << 20)
	caps.FreeMemoryMB = vm.Available / (1 << 20)

	if info, err := host.InfoWithContext(ctx); err == nil && info.OS != "" {
		caps.OSFamily = info.OS
	}

	return caps, nil
}

// DefaultShell returns the user's shell for the given OS family.
func DefaultShell(osFamily string) string {
	if osFamily == "windows" {
		if comspec := os.Getenv("ComSpec"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// StaticProvider returns fixed capabilities
type StaticProvider struct {
	Caps Capabilities
}

// Capabilities implements Provider
func (p StaticProvider) Capabilities(context.Context) (Capabilities, error) {
	return p.Caps, nil
}

var _ Provider = (*HostProvider)(nil)
var _ Provider = StaticProvider{}
