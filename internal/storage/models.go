package storage

import (
	"time"
)

// ConnectionEventRow is one persisted connection lifecycle transition.
type ConnectionEventRow struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	DeviceID  string         `json:"device_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SafetyEventRow is one persisted emergency-stop transition.
type SafetyEventRow struct {
	ID        int64     `json:"id"`
	Stopped   bool      `json:"stopped"`
	Cause     string    `json:"cause,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
