package hal

import (
	"context"
	"encoding/binary"
)

// Speed represents the negotiated bus speed.
type Speed uint8

// Bus speeds.
const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
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

// EndpointConfig is the HAL view of a data endpoint that becomes active
// when the host selects a configuration.
type EndpointConfig struct {
	Address       uint8 // including direction bit
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 { return e.Address & 0x0F }

// IsIn returns true for device-to-host endpoints.
func (e *EndpointConfig) IsIn() bool { return e.Address&0x80 != 0 }

// SetupPacket is the 8-byte SETUP stage of a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// SetupPacketSize is the wire size of a SetupPacket.
const SetupPacketSize = 8

// ParseSetupPacket decodes data into out. It returns false if data is
// shorter than SetupPacketSize.
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

// MarshalTo writes the packet to buf.
// Returns the number of bytes written, or 0 if buf is too small.
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

// DeviceHAL is the contract between the device stack and the transport that
// carries its packets.
//
// The stack owns every protocol decision. A HAL only moves SETUP packets,
// control data and bulk packets, and reports bus events (reset) through
// errors returned from ReadSetup.
type DeviceHAL interface {
	// Init prepares the transport. The context bounds the lifetime of any
	// background work the HAL starts.
	Init(ctx context.Context) error

	// Start attaches to the bus. After Start returns the device is visible
	// to the host.
	Start() error

	// Stop detaches from the bus and releases the transport.
	Stop() error

	// SetAddress records the address assigned by the host.
	SetAddress(address uint8) error

	// ConfigureEndpoints activates the data endpoints of the selected
	// configuration. A nil slice releases them.
	ConfigureEndpoints(endpoints []EndpointConfig) error

	// ReadSetup blocks until a SETUP packet arrives. It returns
	// pkg.ErrReset when the host resets the bus and pkg.ErrNotRunning once
	// the HAL is stopped.
	ReadSetup(ctx context.Context, out *SetupPacket) error

	// WriteEP0 sends the IN data stage of a control transfer.
	WriteEP0(ctx context.Context, data []byte) error

	// ReadEP0 receives the OUT data stage, or the zero-length status stage
	// when buf is empty.
	ReadEP0(ctx context.Context, buf []byte) (int, error)

	// StallEP0 rejects the current control transfer.
	StallEP0() error

	// AckEP0 completes the status stage of an OUT control transfer.
	AckEP0() error

	// Read receives one packet from an OUT endpoint.
	Read(ctx context.Context, address uint8, buf []byte) (int, error)

	// Write sends one packet on an IN endpoint. An empty data slice sends a
	// zero-length packet.
	Write(ctx context.Context, address uint8, data []byte) (int, error)

	// IsConnected returns true while a host is attached.
	IsConnected() bool

	// GetSpeed returns the negotiated bus speed.
	GetSpeed() Speed
}
