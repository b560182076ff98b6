package orchestrator

import "math"

// ScalePolicy holds the thresholds driving automatic scaling
type ScalePolicy struct {
	Min           int
	Max           int
	UpThreshold   float64
	DownThreshold float64
	UpFactor      float64
	DownFactor    float64
}

// DefaultScalePolicy returns the default thresholds
func DefaultScalePolicy() ScalePolicy {
	return ScalePolicy{
		Min:           1,
		Max:           100,
		UpThreshold:   0.8,
		DownThreshold: 0.3,
		UpFactor:      1.5,
		DownFactor:    0.8,
	}
}

// Utilization returns busy / active, or 0 for an empty pool
func Utilization(busy, active int) float64 {
	if active <= 0 {
		return 0
	}
	return float64(busy) / float64(active)
}

// ScaleTarget returns the pool size the policy asks for.
//
// Above the upper threshold the pool grows by UpFactor rounded up, capped at
// Max. Below the lower threshold it shrinks by DownFactor rounded down, never
// under Min. An empty pool with waiting tasks targets max(Min, 1).
func ScaleTarget(active, busy, queued int, p ScalePolicy) int {
	if active <= 0 {
		target := p.Min
		if queued > 0 && target < 1 {
			target = 1
		}
		if p.Max > 0 && target > p.Max {
			target = p.Max
		}
		return target
	}

	util := Utilization(busy, active)
	switch {
	case util > p.UpThreshold && active < p.Max:
		target := int(math.Ceil(float64(active) * p.UpFactor))
		if target <= active {
			target = active + 1
		}
		if target > p.Max {
			target = p.Max
		}
		return target
	case util < p.DownThreshold && active > p.Min:
		target := int(math.Floor(float64(active) * p.DownFactor))
		if target < p.Min {
			target = p.Min
		}
		return target
	}
	return active
}
