package device

import "fmt"

// Fixed-size registry limits.
const (
	// MaxEndpointsPerInterface is the maximum number of endpoints per interface.
	MaxEndpointsPerInterface = 4

	// MaxInterfacesPerConfiguration is the maximum number of interfaces per configuration.
	MaxInterfacesPerConfiguration = 2

	// MaxConfigurations is the maximum number of configurations per device.
	MaxConfigurations = 2

	// MaxStrings is the maximum number of string descriptors per device.
	MaxStrings = 8
)

// Speed represents USB connection speed.
type Speed uint8

// USB speeds.
const (
	SpeedLow  Speed = 0 // 1.5 Mbps
	SpeedFull Speed = 1 // 12 Mbps
	SpeedHigh Speed = 2 // 480 Mbps
)

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", s)
	}
}

// MaxPacketSize0 returns the maximum packet size for endpoint 0 at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedFull, SpeedHigh:
		return 64
	default:
		return 8
	}
}

// State represents USB device state (USB 2.0 section 9.1).
type State uint8

// Device states.
const (
	StateAttached   State = 0
	StatePowered    State = 1
	StateDefault    State = 2 // reset, responding at address 0
	StateAddress    State = 3
	StateConfigured State = 4
	StateSuspended  State = 5
)

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StatePowered:
		return "Powered"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}
