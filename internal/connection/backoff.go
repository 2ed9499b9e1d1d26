package connection

import "time"

const (
	// DefaultBaseDelay is the delay before the first reconnection
	// attempt.
	DefaultBaseDelay = time.Second

	// DefaultMaxReconnectAttempts bounds the reconnection loop.
	DefaultMaxReconnectAttempts = 5
)

// backoffDelay returns the sleep preceding reconnection attempt n
// (1-based): base * 2^(n-1). The delay grows without cap or jitter; the
// attempt ceiling is what bounds the loop. For base=1s the sequence is
// 1s, 2s, 4s, 8s, ...
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}
