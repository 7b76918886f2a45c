package jobs

import "time"

// retryDelayCap bounds exponential backoff growth at one hour.
const retryDelayCap = 3600 * time.Second

// RetryDelay returns the delay before redelivering a failed attempt.
// Formula: min(base * 2^(attempt-1), 1h). The delay is deterministic so a
// worker seeing attempt n can predict exactly when attempt n+1 arrives.
func RetryDelay(baseSeconds, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if baseSeconds < 0 {
		baseSeconds = 0
	}

	delay := time.Duration(baseSeconds) * time.Second
	for i := 1; i < attempt && delay < retryDelayCap; i++ {
		delay *= 2
		if delay >= retryDelayCap {
			break
		}
	}
	if delay > retryDelayCap {
		delay = retryDelayCap
	}
	return delay
}
