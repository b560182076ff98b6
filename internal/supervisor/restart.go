package supervisor

import "time"

// RestartPolicy computes the delay before a restart attempt
type RestartPolicy interface {
	// NextDelay returns the delay before restart number attempt (0-based)
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements an exponential restart delay.
// A Multiplier of 1 yields a fixed delay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextDelay implements RestartPolicy
func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(b.InitialDelay)
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 0; i < attempt; i++ {
		delay *= multiplier
	}

	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}
