package safety

import (
	"errors"
	"fmt"
)

// ErrEmergencyStopActive gates every mutating operation while the switch
// is stopped. It is the consequence of prior violations and does not
// itself count as one.
var ErrEmergencyStopActive = errors.New("emergency stop active")

// RateLimitError reports an operation rejected by its per-kind limiter.
type RateLimitError struct {
	Kind  string
	Quota float64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q (%.0f ops/sec)", e.Kind, e.Quota)
}

// LimitError reports a parameter outside the configured safety limits.
type LimitError struct {
	Parameter string
	Value     float64
	Limit     float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s %.3f exceeds safety limit %.3f", e.Parameter, e.Value, e.Limit)
}

// IsSafetyError reports whether err belongs to the safety class. Safety
// errors are never auto-retried.
func IsSafetyError(err error) bool {
	if errors.Is(err, ErrEmergencyStopActive) {
		return true
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var le *LimitError
	return errors.As(err, &le)
}
