package classify

import "time"

// BackoffPolicy maps a zero-based attempt number to the delay before the
// next try. Kept as a standalone function so the cascade logic never embeds
// sleep arithmetic and a jittered variant can be swapped in.
type BackoffPolicy func(attempt int) time.Duration

// ExponentialBackoff returns 1s, 2s, 4s, ... capped at max.
func ExponentialBackoff(base, max time.Duration) BackoffPolicy {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

// DefaultBackoff is the policy the cascade uses for AI retries.
var DefaultBackoff = ExponentialBackoff(time.Second, 30*time.Second)
