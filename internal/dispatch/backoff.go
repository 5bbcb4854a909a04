package dispatch

import (
	"time"

	"automation-scheduler/internal/models"
)

// retryDelay computes the wait before the next attempt. Exponential grows
// base * 2^(attempt-1) capped at max; fixed is a constant delay; none retries
// immediately.
func retryDelay(strategy models.BackoffStrategy, base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch strategy {
	case models.BackoffNone:
		return 0
	case models.BackoffFixed:
		return base
	default:
		d := base << uint(attempt-1)
		if d <= 0 || d > max {
			d = max
		}
		return d
	}
}
