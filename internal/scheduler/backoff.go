package scheduler

import (
	"math"
	"math/rand"
	"time"
)

// Backoff decides whether and when a failed run is retried. attempt is the
// 1-based failure count. A nil return means no further retries.
type Backoff func(attempt int, err error, name string, data map[string]any) *time.Duration

// ExponentialBackoff doubles the delay per attempt up to max, with ±25%
// jitter to avoid thundering herds, and gives up after maxAttempts.
func ExponentialBackoff(base, max time.Duration, maxAttempts int) Backoff {
	return func(attempt int, _ error, _ string, _ map[string]any) *time.Duration {
		if attempt > maxAttempts {
			return nil
		}
		delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
		if delay > max {
			delay = max
		}
		jitter := time.Duration(rand.Int63n(int64(delay/2)+1)) - delay/4
		delay += jitter
		return &delay
	}
}

// LinearBackoff waits base×attempt between retries, up to maxAttempts.
func LinearBackoff(base time.Duration, maxAttempts int) Backoff {
	return func(attempt int, _ error, _ string, _ map[string]any) *time.Duration {
		if attempt > maxAttempts {
			return nil
		}
		delay := base * time.Duration(attempt)
		return &delay
	}
}
