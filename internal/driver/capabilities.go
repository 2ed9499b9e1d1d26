package driver

import (
	"strings"
	"time"
)

// Capability is a bit flag describing one feature a driver supports.
type Capability uint32

const (
	CapabilityHotPlug Capability = 1 << iota
	CapabilityTelemetry
	CapabilityPWM
	CapabilityGPIO
	CapabilityAnalogInput
	CapabilityPassthrough
	CapabilityFirmwareUpdate
	CapabilityRequiresAuth
)

var capabilityNames = []struct {
	flag Capability
	name string
}{
	{CapabilityHotPlug, "hotplug"},
	{CapabilityTelemetry, "telemetry"},
	{CapabilityPWM, "pwm"},
	{CapabilityGPIO, "gpio"},
	{CapabilityAnalogInput, "analog_input"},
	{CapabilityPassthrough, "passthrough"},
	{CapabilityFirmwareUpdate, "firmware_update"},
	{CapabilityRequiresAuth, "requires_auth"},
}

// Has reports whether flag is set.
func (c Capability) Has(flag Capability) bool {
	return c&flag != 0
}

// Names lists the set flags by their wire names.
func (c Capability) Names() []string {
	var names []string
	for _, cn := range capabilityNames {
		if c.Has(cn.flag) {
			names = append(names, cn.name)
		}
	}
	return names
}

func (c Capability) String() string {
	names := c.Names()
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// CapabilityByName resolves a wire name to its flag.
func CapabilityByName(name string) (Capability, bool) {
	for _, cn := range capabilityNames {
		if cn.name == name {
			return cn.flag, true
		}
	}
	return 0, false
}

// Capabilities is the fixed feature set a driver reports. MaxDataRate and
// MinLatency are optional; zero means unspecified.
type Capabilities struct {
	Flags       Capability    `json:"flags"`
	MaxDataRate uint32        `json:"max_data_rate,omitempty"`
	MinLatency  time.Duration `json:"min_latency,omitempty"`
}
