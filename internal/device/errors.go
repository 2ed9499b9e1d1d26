package device

import "errors"

var (
	// ErrDeviceNotFound means no registered driver recognized the device
	// behind the channel. Reported once per probe; never retried
	// automatically.
	ErrDeviceNotFound = errors.New("no driver recognized the device")

	// ErrAlreadyInitialized rejects a second Initialize call.
	ErrAlreadyInitialized = errors.New("device manager already initialized")

	// ErrCapabilityUnsupported rejects an operation the owning driver
	// does not declare support for.
	ErrCapabilityUnsupported = errors.New("driver does not support the requested capability")
)
