package system

import (
	"fmt"
	"time"

	"github.com/fleetcore-io/fleetcore/internal/safety"
)

// SystemState tracks the coarse lifecycle phase of the core.
type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s SystemState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[SystemState][]SystemState{
	StateInitializing: {StateRunning, StateStopping, StateError},
	StateRunning:      {StateStopping, StateError},
	StateStopping:     {StateStopped, StateError},
	StateStopped:      {StateInitializing},
	StateError:        {StateInitializing, StateStopping},
}

// ValidateTransition reports whether moving between two lifecycle states
// is a legal step.
func ValidateTransition(from, to SystemState) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}

// Status is the snapshot served by GET /system/status.
type Status struct {
	State         string       `json:"state"`
	StartedAt     time.Time    `json:"started_at"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Devices       DeviceCounts `json:"devices"`
	Sessions      int          `json:"sessions"`
	Drivers       int          `json:"drivers"`
	Plugins       int          `json:"plugins"`
	StreamClients int          `json:"stream_clients"`
	Safety        SafetyStatus `json:"safety"`
}

// DeviceCounts splits the registry into registered and currently
// connected devices.
type DeviceCounts struct {
	Registered int `json:"registered"`
	Connected  int `json:"connected"`
}

// SafetyStatus is the safety slice of the snapshot. GET /safety/status
// serves it on its own.
type SafetyStatus struct {
	Stopped    bool               `json:"stopped"`
	Reason     *safety.StopReason `json:"reason,omitempty"`
	Violations int                `json:"violations"`
	Limits     safety.Limits      `json:"limits"`
}
