package driver

import "errors"

var (
	// ErrPermissionDenied marks a device the process may not open.
	// Reconnection cannot fix it.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnsupportedDevice marks hardware the driver cannot control.
	// Reconnection cannot fix it.
	ErrUnsupportedDevice = errors.New("unsupported device")

	// ErrChannelUnavailable is the transport-failure class that drives
	// reconnection when enabled.
	ErrChannelUnavailable = errors.New("channel unavailable")

	ErrSessionClosed       = errors.New("session closed")
	ErrUnknownEndpoint     = errors.New("unknown endpoint")
	ErrUnknownStream       = errors.New("unknown stream")
	ErrUnknownSubscription = errors.New("unknown subscription")
)
