package device

import (
	"fmt"
	"sync"

	"github.com/cring/acceleratorinator/pkg"
)

// Endpoint transfer types (USB 2.0 Table 9-13).
const (
	EndpointTypeControl   = 0x00
	EndpointTypeBulk      = 0x02
	EndpointTypeInterrupt = 0x03
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Endpoint represents a USB endpoint.
type Endpoint struct {
	Address       uint8 // including direction bit
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8

	stalled    bool
	dataToggle bool
	mutex      sync.Mutex
}

// Number returns the endpoint number (0-15).
func (e *Endpoint) Number() uint8 { return e.Address & 0x0F }

// IsIn returns true if this is an IN endpoint (device to host).
func (e *Endpoint) IsIn() bool { return e.Address&EndpointDirectionIn != 0 }

// TransferType returns the transfer type bits.
func (e *Endpoint) TransferType() uint8 { return e.Attributes & 0x03 }

// IsBulk returns true if this is a bulk endpoint.
func (e *Endpoint) IsBulk() bool { return e.TransferType() == EndpointTypeBulk }

// SetStall sets or clears the halt condition.
func (e *Endpoint) SetStall(stalled bool) {
	e.mutex.Lock()
	e.stalled = stalled
	e.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentDevice, "endpoint halt changed",
		"address", fmt.Sprintf("0x%02X", e.Address),
		"stalled", stalled)
}

// IsStalled returns true if the endpoint is halted.
func (e *Endpoint) IsStalled() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.stalled
}

// DataToggle returns the current data toggle state.
func (e *Endpoint) DataToggle() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.dataToggle
}

// ToggleData flips the data toggle after a successful transaction.
func (e *Endpoint) ToggleData() {
	e.mutex.Lock()
	e.dataToggle = !e.dataToggle
	e.mutex.Unlock()
}

// ResetDataToggle resets the data toggle to DATA0.
func (e *Endpoint) ResetDataToggle() {
	e.mutex.Lock()
	e.dataToggle = false
	e.mutex.Unlock()
}

// Descriptor returns the endpoint descriptor.
func (e *Endpoint) Descriptor() EndpointDescriptor {
	return EndpointDescriptor{
		EndpointAddress: e.Address,
		Attributes:      e.Attributes,
		MaxPacketSize:   e.MaxPacketSize,
		Interval:        e.Interval,
	}
}

// TransferTypeName returns a human-readable transfer type name.
func TransferTypeName(t uint8) string {
	switch t & 0x03 {
	case EndpointTypeControl:
		return "Control"
	case EndpointTypeBulk:
		return "Bulk"
	case EndpointTypeInterrupt:
		return "Interrupt"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}
