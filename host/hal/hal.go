package hal

import (
	"context"
	"encoding/binary"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // 1.5 Mbit/s
	SpeedFull                 // 12 Mbit/s
	SpeedHigh                 // 480 Mbit/s
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// PortStatus represents the status of a root hub port.
type PortStatus struct {
	Connected bool  // a device is attached
	Enabled   bool  // the port is enabled
	PowerOn   bool  // the port has power applied
	Speed     Speed // speed of the attached device
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// IsIn reports whether the data stage flows from device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// ParseSetupPacket parses raw bytes into out.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// DeviceAddress represents a USB device address (0-127). Address 0 is the
// device most recently reset.
type DeviceAddress uint8

// HostHAL defines the hardware abstraction the host stack runs on.
//
// Ports are numbered from 1. A device is addressed at 0 between
// ResetPort and SetDeviceAddress.
type HostHAL interface {
	// Init prepares the controller. The context bounds background work
	// started by the HAL.
	Init(ctx context.Context) error

	// Start begins device detection.
	Start() error

	// Stop ends device detection and releases open devices.
	Stop() error

	// Close releases every resource held by the HAL.
	Close() error

	// NumPorts returns the number of root hub ports.
	NumPorts() int

	// GetPortStatus returns the status of a port.
	GetPortStatus(port int) (PortStatus, error)

	// PortSpeed returns the connection speed of the device on port.
	PortSpeed(port int) Speed

	// ResetPort resets the device on port, leaving it at address 0.
	ResetPort(port int) error

	// ControlTransfer performs a control transfer. For IN requests data
	// receives the data stage; for OUT requests it holds it. Returns the
	// number of data stage bytes transferred.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer moves one packet to or from an endpoint. For IN
	// endpoints data receives the packet and a zero-length packet returns 0.
	// For OUT endpoints an empty data slice sends a zero-length packet.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// SetDeviceAddress binds the device at address 0 to newAddr after the
	// SET_ADDRESS request completed.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ClaimInterface claims exclusive access to an interface.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// WaitForConnection blocks until a device attaches and returns its port.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until a device detaches and returns its
	// port.
	WaitForDisconnection(ctx context.Context) (int, error)
}
