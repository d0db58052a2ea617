package host

import (
	"context"
	"sync"

	"github.com/cring/acceleratorinator/host/hal"
)

// Device is an enumerated device as seen from the host.
type Device struct {
	hal     hal.HostHAL
	address uint8
	port    int
	speed   hal.Speed

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor
	interfaces []InterfaceDescriptor
	strings    [MaxStringsPerDevice]string

	mutex              sync.RWMutex
	state              DeviceState
	configurationValue uint8
}

func newDevice(h hal.HostHAL, port int, speed hal.Speed) *Device {
	return &Device{
		hal:   h,
		port:  port,
		speed: speed,
		state: DeviceStateDefault,
	}
}

// Address returns the assigned device address.
func (d *Device) Address() uint8 {
	return d.address
}

// Port returns the root hub port.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the connection speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// VendorID returns idVendor.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns idProduct.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// Matches reports whether the device has the given identity.
func (d *Device) Matches(vendorID, productID uint16) bool {
	return d.descriptor.VendorID == vendorID && d.descriptor.ProductID == productID
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the configuration descriptor header.
func (d *Device) Configuration() ConfigurationDescriptor {
	return d.config
}

// Interfaces returns the interfaces of the configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []InterfaceDescriptor {
	return d.interfaces
}

// GetInterface returns the interface with the given number, or nil.
func (d *Device) GetInterface(num uint8) *InterfaceDescriptor {
	for i := range d.interfaces {
		if d.interfaces[i].InterfaceNumber == num {
			return &d.interfaces[i]
		}
	}
	return nil
}

// BulkEndpoints returns the first bulk IN and bulk OUT endpoint of an
// interface. Either is nil when absent.
func (d *Device) BulkEndpoints(iface uint8) (in, out *EndpointDescriptor) {
	desc := d.GetInterface(iface)
	if desc == nil {
		return nil, nil
	}
	for i := range desc.Endpoints {
		ep := &desc.Endpoints[i]
		switch {
		case !ep.IsBulk():
		case ep.IsIn() && in == nil:
			in = ep
		case !ep.IsIn() && out == nil:
			out = ep
		}
	}
	return in, out
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(state DeviceState) {
	d.mutex.Lock()
	d.state = state
	d.mutex.Unlock()
}

// GetConfiguration returns the value last set with SetConfiguration.
func (d *Device) GetConfiguration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configurationValue
}

// SetConfiguration issues SET_CONFIGURATION.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()
	return nil
}

// GetDescriptor issues GET_DESCRIPTOR for len(data) bytes.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(descIndex),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return d.ControlTransfer(ctx, &setup, data)
}

// ClearEndpointHalt clears a stall on endpoint.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}
	_, err := d.ControlTransfer(ctx, &setup, nil)
	return err
}

// ControlTransfer runs a control transfer at the device's address.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return d.hal.ControlTransfer(ctx, hal.DeviceAddress(d.address), setup, data)
}

// BulkTransfer runs one bulk transfer. The direction comes from endpoint.
func (d *Device) BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return d.hal.BulkTransfer(ctx, hal.DeviceAddress(d.address), endpoint, data)
}

// Close marks the device detached.
func (d *Device) Close() error {
	d.setState(DeviceStateDetached)
	return nil
}
