package orchestrator

import (
	"time"

	"github.com/t77yq/agentpool/internal/platform"
)

// DefaultMaxBatchSize is the hard cap on agents spawned together
const DefaultMaxBatchSize = 50

// BatchSize returns how many agents to spawn in the next batch:
// min(2 x cpu, freeMB / (4 x perAgentMB), remaining, hardCap), at least 1
// while anything remains.
func BatchSize(caps platform.Capabilities, perAgentMB, remaining, hardCap int) int {
	if remaining <= 0 {
		return 0
	}
	if hardCap <= 0 {
		hardCap = DefaultMaxBatchSize
	}

	size := remaining
	if hardCap < size {
		size = hardCap
	}
	if caps.CPUCount > 0 && 2*caps.CPUCount < size {
		size = 2 * caps.CPUCount
	}
	if perAgentMB > 0 {
		byMemory := int(caps.FreeMemoryMB / uint64(4*perAgentMB))
		if byMemory < size {
			size = byMemory
		}
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Batches splits total into the sequence of batch sizes BatchSize yields
// for a fixed capability snapshot.
func Batches(caps platform.Capabilities, perAgentMB, total, hardCap int) []int {
	var out []int
	for remaining := total; remaining > 0; {
		n := BatchSize(caps, perAgentMB, remaining, hardCap)
		out = append(out, n)
		remaining -= n
	}
	return out
}

// DefaultBatchPause returns the pause between batches for an OS family
func DefaultBatchPause(osFamily string) time.Duration {
	switch osFamily {
	case "windows":
		return 2 * time.Second
	case "darwin":
		return time.Second
	default:
		return 500 * time.Millisecond
	}
}
