package scheduler

import "time"

// Backoff returns base·2^n capped at max. Negative n yields base.
func Backoff(base, max time.Duration, n int) time.Duration {
	if n < 0 {
		return base
	}
	// 2^30 already exceeds any sensible cap.
	if n > 30 {
		return max
	}
	d := base * time.Duration(1<<n)
	if d > max || d <= 0 {
		return max
	}
	return d
}
