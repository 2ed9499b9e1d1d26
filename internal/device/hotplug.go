package device

import (
	"github.com/fleetcore-io/fleetcore/internal/driver"
)

// HotplugAction tags whether a device appeared or disappeared.
type HotplugAction string

const (
	HotplugAttached HotplugAction = "attached"
	HotplugDetached HotplugAction = "detached"
)

// HotplugEvent is an asynchronous device appearance or disappearance
// notification. Transport watchers live outside the core and feed these
// in through Manager.NotifyHotplug.
type HotplugEvent struct {
	Action   HotplugAction      `json:"action"`
	Kind     driver.ChannelKind `json:"kind"`
	Address  string             `json:"address"`
	Metadata map[string]string  `json:"metadata,omitempty"`
}
