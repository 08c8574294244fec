package engine

import (
	"math"
	"math/rand/v2"
	"time"
)

// backoffDelay computes the delay before retry number attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, with a
// symmetric jitter fraction applied so a burst of failures does not
// reschedule every operation onto the same instant.
func (o Options) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(o.BaseDelay) * math.Pow(o.Multiplier, float64(attempt-1))
	if d > float64(o.MaxDelay) {
		d = float64(o.MaxDelay)
	}

	if o.JitterFraction > 0 {
		// Uniform in [1-j, 1+j].
		d *= 1 + o.JitterFraction*(2*rand.Float64()-1)
	}

	return time.Duration(d)
}
