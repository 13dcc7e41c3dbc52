package outbox

import (
	"math"
	"time"
)

// DelayFunc is a function that returns the backoff delay after a given number
// of consecutive failures.
type DelayFunc func(failures int) time.Duration

// Fixed returns a DelayFunc that returns the same delay regardless of how many
// failures have occurred.
func Fixed(delay time.Duration) DelayFunc {
	return func(failures int) time.Duration {
		return delay
	}
}

// Exponential returns a DelayFunc that doubles the delay with every consecutive
// failure, bounded by maxDelay.
//
// For example, with initialDelay of 200 milliseconds and maxDelay of 1 minute:
//
// Delay after failure 1: 200ms
// Delay after failure 2: 400ms
// Delay after failure 3: 800ms
// Delay after failure 4: 1.6s
// Delay after failure 5: 3.2s
// ...
// Delay after failure 9: 51.2s
// Delay after failure 10: 1m0s
// Delay after failure 11: 1m0s
// ...
func Exponential(delay time.Duration, maxDelay time.Duration) DelayFunc {
	// Pre-calculate max shifts to prevent overflow
	logDelay := math.Floor(math.Log2(float64(delay)))
	var maxShifts uint
	if logDelay >= 62 {
		// If delay is already near maximum, no shifts allowed to prevent overflow
		maxShifts = 0
	} else {
		maxShifts = 62 - uint(logDelay)
	}

	return func(failures int) time.Duration {
		if failures <= 1 {
			return min(delay, maxDelay)
		}

		// nolint:gosec
		n := min(uint(failures-1), maxShifts)

		nextDelay := delay << n
		return min(nextDelay, maxDelay)
	}
}
