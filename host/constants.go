package host

import (
	"fmt"
	"time"
)

// DeviceState is the host's view of an enumerated device.
type DeviceState uint8

// Device states, in enumeration order.
const (
	DeviceStateDetached DeviceState = iota
	DeviceStateDefault              // reset, answering at address 0
	DeviceStateAddress
	DeviceStateConfigured
)

// String returns the state name.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "Detached"
	case DeviceStateDefault:
		return "Default"
	case DeviceStateAddress:
		return "Address"
	case DeviceStateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Limits for fixed-size bookkeeping.
const (
	// MaxDevices is the number of addresses the host hands out.
	MaxDevices = 16

	// MaxStringsPerDevice bounds the string descriptor cache.
	MaxStringsPerDevice = 16

	// MaxDescriptorSize is the largest configuration tree read in one request.
	MaxDescriptorSize = 512

	// probeLength is the device descriptor prefix read before addressing.
	// It ends with bMaxPacketSize0.
	probeLength = 8
)

// Timeouts.
const (
	// EnumerationTimeout bounds the whole enumeration of one device.
	EnumerationTimeout = 5 * time.Second

	// Connection defaults.
	DefaultDiscoveryTimeout = 5 * time.Second
	DefaultTransferTimeout  = 5 * time.Second
)

// Endpoint attributes.
const (
	EndpointTypeControl   = 0x00
	EndpointTypeBulk      = 0x02
	EndpointTypeInterrupt = 0x03
	EndpointDirectionIn   = 0x80
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Standard request codes.
const (
	RequestClearFeature     = 0x01
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetConfiguration = 0x09
)

// bmRequestType bits.
const (
	RequestTypeOut       = 0x00
	RequestTypeIn        = 0x80
	RequestTypeStandard  = 0x00
	RequestTypeVendor    = 0x40
	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
)

// FeatureEndpointHalt is the CLEAR_FEATURE selector for a stalled endpoint.
const FeatureEndpointHalt = 0x00

// LangIDUSEnglish is the language requested for string descriptors.
const LangIDUSEnglish = 0x0409
