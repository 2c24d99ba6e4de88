package queue

import (
	"math"
	"time"
)

// RetryPolicy bounds how long the poller keeps a failed message invisible
// before redelivery. The hard retry cutover (after which the backend routes
// to its dead-letter path) belongs to the backend configuration, not here.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// ExponentialBackoff returns initial * 2^(attempt-1) capped at max.
func ExponentialBackoff(initial, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// DefaultRetryPolicy matches the backend defaults: five attempts with
// exponential delays from 10s up to 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     ExponentialBackoff(10*time.Second, 5*time.Minute),
	}
}
