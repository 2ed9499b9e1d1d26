package connection

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/fleetcore-io/fleetcore/internal/driver"
	"github.com/fleetcore-io/fleetcore/internal/safety"
)

var (
	// ErrDeviceNotRegistered means the device identifier has no
	// ConnectionState, either never registered or already removed.
	ErrDeviceNotRegistered = errors.New("device not registered")

	// ErrSessionNotFound means the session identifier is not in the
	// registry. Session errors are reported, never retried.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAlreadyConnected rejects a connect on a device with a live
	// session.
	ErrAlreadyConnected = errors.New("device already connected")

	// ErrConnectInProgress rejects a connect racing another connect on
	// the same device.
	ErrConnectInProgress = errors.New("connection already in progress")
)

// DeviceID identifies a device by its transport endpoint. It is derived
// from the channel kind and address, so the same physical endpoint always
// maps to the same identifier.
type DeviceID string

func NewDeviceID(kind driver.ChannelKind, address string) DeviceID {
	return DeviceID(string(kind) + ":" + address)
}

// State is the connection record of one device. Exactly one exists per
// device identifier, created on detection and removed only by explicit
// device removal.
type State struct {
	DeviceID          DeviceID           `json:"device_id"`
	Kind              driver.ChannelKind `json:"kind"`
	Address           string             `json:"address"`
	SessionID         *uuid.UUID         `json:"session_id,omitempty"`
	DriverName        string             `json:"driver_name,omitempty"`
	Connected         bool               `json:"connected"`
	ReconnectAttempts int                `json:"reconnect_attempts"`
	LastError         string             `json:"last_error,omitempty"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
}

// deviceState wraps State with the per-device lock that serializes
// read-modify-write, plus flags that are never exported. The channel is
// remembered across disconnects so a reconnection can reuse the
// endpoint's transport.
type deviceState struct {
	mu sync.Mutex
	State

	channel      driver.Channel
	connecting   bool
	reconnecting bool
	removed      bool
}

// snapshot copies the exported state under the device lock.
func (d *deviceState) snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.State
	if d.SessionID != nil {
		sid := *d.SessionID
		s.SessionID = &sid
	}
	if d.Metadata != nil {
		md := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	return s
}

// SessionRecord ties an open session to its owning device. The live
// session and channel handles stay private to the manager; callers work
// with the opaque session identifier.
type SessionRecord struct {
	SessionID  uuid.UUID `json:"session_id"`
	DeviceID   DeviceID  `json:"device_id"`
	DriverName string    `json:"driver_name"`

	session driver.Session
	channel driver.Channel
}

// Recoverable classifies a connect or transport failure. Permission and
// unsupported-device failures cannot be fixed by retrying; safety errors
// are never auto-retried; everything else drives reconnection when it is
// enabled.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrPermissionDenied) || errors.Is(err, driver.ErrUnsupportedDevice) {
		return false
	}
	if safety.IsSafetyError(err) {
		return false
	}
	return true
}
