package worker

import (
	"math/rand"
	"time"
)

// DefaultBackoff is used when a policy has no schedule.
var DefaultBackoff = []time.Duration{
	time.Second,
	4 * time.Second,
	16 * time.Second,
	time.Minute,
	4 * time.Minute,
	10 * time.Minute,
}

// RetryPolicy decides how long a failed fan-out waits before its next
// attempt and when it is given up on.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
	JitterPct   float64
}

// Exhausted reports whether attempt (1-based) was the last one allowed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Delay returns the backoff before the attempt after the given one.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	schedule := p.Backoff
	if len(schedule) == 0 {
		schedule = DefaultBackoff
	}
	return computeDelay(attempt, schedule, p.JitterPct, rand.Float64)
}

func computeDelay(attempt int, schedule []time.Duration, jitterPct float64, random func() float64) time.Duration {
	// attempt is 1-based; map to schedule index
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	// jitter: +/- jitterPct
	j := 1 + (random()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}
