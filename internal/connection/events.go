package connection

import (
	"time"

	"github.com/google/uuid"

	"github.com/fleetcore-io/fleetcore/internal/driver"
)

// EventType tags a connection lifecycle transition.
type EventType string

const (
	EventDeviceDetected          EventType = "device_detected"
	EventConnectionInitiated     EventType = "connection_initiated"
	EventConnectionEstablished   EventType = "connection_established"
	EventConnectionLost          EventType = "connection_lost"
	EventReconnectionAttempt     EventType = "reconnection_attempt"
	EventReconnectionSuccessful  EventType = "reconnection_successful"
	EventDeviceRemoved           EventType = "device_removed"
	EventConnectionError         EventType = "connection_error"
)

// Event is one lifecycle transition of one device. Data carries the
// per-type payload defined below.
type Event struct {
	Type      EventType `json:"type"`
	DeviceID  DeviceID  `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// DeviceDetectedData accompanies EventDeviceDetected.
type DeviceDetectedData struct {
	Kind     driver.ChannelKind `json:"kind"`
	Address  string             `json:"address"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}

// ConnectionEstablishedData accompanies EventConnectionEstablished.
type ConnectionEstablishedData struct {
	SessionID uuid.UUID `json:"session_id"`
	Driver    string    `json:"driver"`
}

// ConnectionLostData accompanies EventConnectionLost.
type ConnectionLostData struct {
	Reason string `json:"reason"`
}

// ReconnectionAttemptData accompanies EventReconnectionAttempt.
type ReconnectionAttemptData struct {
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

// ReconnectionSuccessfulData accompanies EventReconnectionSuccessful.
type ReconnectionSuccessfulData struct {
	Attempt int `json:"attempt"`
}

// ConnectionErrorData accompanies EventConnectionError. Recoverable
// failures feed the automatic reconnection path when it is enabled.
type ConnectionErrorData struct {
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

func newEvent(t EventType, id DeviceID, data any) Event {
	return Event{
		Type:      t,
		DeviceID:  id,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func NewDeviceDetected(id DeviceID, kind driver.ChannelKind, address string, metadata map[string]string) Event {
	return newEvent(EventDeviceDetected, id, DeviceDetectedData{
		Kind:     kind,
		Address:  address,
		Metadata: metadata,
	})
}

func NewConnectionInitiated(id DeviceID) Event {
	return newEvent(EventConnectionInitiated, id, nil)
}

func NewConnectionEstablished(id DeviceID, sessionID uuid.UUID, driverName string) Event {
	return newEvent(EventConnectionEstablished, id, ConnectionEstablishedData{
		SessionID: sessionID,
		Driver:    driverName,
	})
}

func NewConnectionLost(id DeviceID, reason string) Event {
	return newEvent(EventConnectionLost, id, ConnectionLostData{Reason: reason})
}

func NewReconnectionAttempt(id DeviceID, attempt, maxAttempts int, delay time.Duration) Event {
	return newEvent(EventReconnectionAttempt, id, ReconnectionAttemptData{
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Delay:       delay,
	})
}

func NewReconnectionSuccessful(id DeviceID, attempt int) Event {
	return newEvent(EventReconnectionSuccessful, id, ReconnectionSuccessfulData{Attempt: attempt})
}

func NewDeviceRemoved(id DeviceID) Event {
	return newEvent(EventDeviceRemoved, id, nil)
}

func NewConnectionError(id DeviceID, err error, recoverable bool) Event {
	return newEvent(EventConnectionError, id, ConnectionErrorData{
		Error:       err.Error(),
		Recoverable: recoverable,
	})
}
