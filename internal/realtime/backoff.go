package realtime

import (
	"math"
	"math/rand/v2"
	"time"
)

// stableAfter is how long a connection must stay up before the attempt
// counter resets.
const stableAfter = 60 * time.Second

// reconnector computes exponential backoff with jitter between attempts.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration, maxAttempts int) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: max, maxAttempts: maxAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableAfter {
		r.attempt = 0
	}
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
