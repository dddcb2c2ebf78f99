package queue

import (
	"math"
	"time"
)

// RetryDelay is the job-level backoff for the n-th retry: base * 2^n,
// capped at maxDelay when maxDelay > 0.
func RetryDelay(base time.Duration, n int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if maxDelay > 0 && delay >= maxDelay {
			return maxDelay
		}
		if delay <= 0 { // overflow
			if maxDelay > 0 {
				return maxDelay
			}
			return math.MaxInt64
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}
