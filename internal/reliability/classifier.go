// Package reliability holds retry classification and backoff helpers for
// outbound HTTP delivery.
package reliability

import "time"

// IsRetryableHTTPStatus reports whether an HTTP status is worth retrying.
// Client errors other than 429 are permanent.
func IsRetryableHTTPStatus(code int) bool {
	if code == 429 {
		return true
	}
	switch code {
	case 500, 502, 503, 504:
		return true
	}
	return false
}

// ExponentialBackoff returns base doubled attempt times, capped at cap.
// Attempt numbering starts at zero.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for ; attempt > 0; attempt-- {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
