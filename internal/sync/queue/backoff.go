package queue

import "time"

// Backoff returns min(base * 2^retryCount, max).
func Backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// due reports whether an entry last attempted at lastRetryAt with retryCount
// failures may be attempted at now.
func due(lastRetryAt *time.Time, retryCount int, now time.Time, base, max time.Duration) bool {
	if lastRetryAt == nil {
		return true
	}
	return now.Sub(*lastRetryAt) >= Backoff(retryCount, base, max)
}
