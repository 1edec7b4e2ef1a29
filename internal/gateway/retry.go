package gateway

import (
	"math/rand"
	"time"
)

// backoffDelay computes the sleep before retry attempt+1:
//
//	delay = min(max, base * 2^attempt) + delay*jitterFraction*rand
//
// The jitter is additive on top of the capped delay, so the result never
// exceeds max * (1 + jitterFraction).
func backoffDelay(attempt int, base, max time.Duration, jitterFraction float64) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(float64(d) * jitterFraction * rand.Float64())
	return d + jitter
}
