package driver

// Priority orders drivers during probing. Higher priorities are probed
// first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// PriorityFromLevel maps a manifest priority level onto the enum.
// Bands: 0-25 low, 26-75 normal, 76-150 high, 151-255 critical.
func PriorityFromLevel(level uint8) Priority {
	switch {
	case level <= 25:
		return PriorityLow
	case level <= 75:
		return PriorityNormal
	case level <= 150:
		return PriorityHigh
	default:
		return PriorityCritical
	}
}
