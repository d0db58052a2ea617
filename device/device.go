package device

import (
	"sync"

	"github.com/cring/acceleratorinator/pkg"
)

// Device represents a USB device: its descriptors, its configurations and
// the state reached through enumeration.
type Device struct {
	Descriptor *DeviceDescriptor

	configurations     [MaxConfigurations]*Configuration
	configurationCount int
	activeConfig       *Configuration

	// Pre-encoded string descriptors; index 0 lists language IDs.
	strings [MaxStrings][]byte

	state               State
	address             uint8
	speed               Speed
	remoteWakeupEnabled bool

	ep0   *Endpoint
	mutex sync.RWMutex

	onStateChange      func(old, new State)
	onReset            func()
	onSetAddress       func(address uint8)
	onSetConfiguration func(config uint8)
}

// NewDevice creates a new USB device.
func NewDevice(desc *DeviceDescriptor) *Device {
	return &Device{
		Descriptor: desc,
		state:      StateAttached,
		speed:      SpeedFull,
		ep0: &Endpoint{
			Address:       0x00,
			Attributes:    EndpointTypeControl,
			MaxPacketSize: uint16(desc.MaxPacketSize0),
		},
	}
}

// AddConfiguration adds a configuration to the device.
func (d *Device) AddConfiguration(config *Configuration) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.configurationCount >= MaxConfigurations {
		return pkg.ErrNoResources
	}
	for _, have := range d.configurations[:d.configurationCount] {
		if have.Value == config.Value {
			return pkg.ErrInvalidRequest
		}
	}
	d.configurations[d.configurationCount] = config
	d.configurationCount++

	pkg.LogDebug(pkg.ComponentDevice, "configuration added", "value", config.Value)
	return nil
}

// GetConfiguration returns the configuration with the given value, or nil.
func (d *Device) GetConfiguration(value uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	for _, config := range d.configurations[:d.configurationCount] {
		if config.Value == value {
			return config
		}
	}
	return nil
}

// configurationAt returns the configuration at descriptor index idx.
func (d *Device) configurationAt(idx uint8) *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if int(idx) >= d.configurationCount {
		return nil
	}
	return d.configurations[idx]
}

// ActiveConfiguration returns the currently selected configuration.
func (d *Device) ActiveConfiguration() *Configuration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.activeConfig
}

// SetStringFrom encodes s as a string descriptor into buf and stores the
// resulting slice at index. Returns the number of bytes written.
func (d *Device) SetStringFrom(index uint8, buf []byte, s string) int {
	if index == 0 || index >= MaxStrings {
		return 0
	}
	n := StringDescriptorTo(buf, s)
	if n > 0 {
		d.mutex.Lock()
		d.strings[index] = buf[:n]
		d.mutex.Unlock()
	}
	return n
}

// SetLanguagesFrom encodes langIDs as string descriptor zero into buf.
func (d *Device) SetLanguagesFrom(buf []byte, langIDs ...uint16) int {
	n := LanguageDescriptorTo(buf, langIDs...)
	if n > 0 {
		d.mutex.Lock()
		d.strings[0] = buf[:n]
		d.mutex.Unlock()
	}
	return n
}

// GetString returns the string descriptor at index, or nil.
func (d *Device) GetString(index uint8) []byte {
	if index >= MaxStrings {
		return nil
	}
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.strings[index]
}

// State returns the current device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

func (d *Device) setState(state State) {
	d.mutex.Lock()
	old := d.state
	d.state = state
	cb := d.onStateChange
	d.mutex.Unlock()

	if old == state {
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "device state changed",
		"from", old.String(),
		"to", state.String())
	if cb != nil {
		cb(old, state)
	}
}

// Address returns the device address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Speed returns the device speed.
func (d *Device) Speed() Speed {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.speed
}

// SetSpeed sets the device speed.
func (d *Device) SetSpeed(speed Speed) {
	d.mutex.Lock()
	d.speed = speed
	d.mutex.Unlock()
}

// ControlEndpoint returns endpoint zero.
func (d *Device) ControlEndpoint() *Endpoint {
	return d.ep0
}

// IsConfigured returns true if the device is configured.
func (d *Device) IsConfigured() bool {
	return d.State() == StateConfigured
}

// Reset handles a bus reset. The device returns to the Default state at
// address zero with no active configuration.
func (d *Device) Reset() {
	d.mutex.Lock()
	d.address = 0
	d.activeConfig = nil
	d.remoteWakeupEnabled = false
	cb := d.onReset
	d.mutex.Unlock()

	d.setState(StateDefault)
	if cb != nil {
		cb()
	}
	pkg.LogDebug(pkg.ComponentDevice, "device reset")
}

// SetAddress handles a SET_ADDRESS request.
func (d *Device) SetAddress(address uint8) error {
	d.mutex.Lock()
	if d.state != StateDefault && d.state != StateAddress {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}
	d.address = address
	cb := d.onSetAddress
	d.mutex.Unlock()

	if address == 0 {
		d.setState(StateDefault)
	} else {
		d.setState(StateAddress)
	}
	if cb != nil {
		cb(address)
	}
	pkg.LogDebug(pkg.ComponentDevice, "device address set", "address", address)
	return nil
}

// SetConfiguration handles a SET_CONFIGURATION request. Value zero returns
// the device to the Address state.
func (d *Device) SetConfiguration(value uint8) error {
	d.mutex.Lock()
	if d.state != StateAddress && d.state != StateConfigured {
		d.mutex.Unlock()
		return pkg.ErrInvalidState
	}

	var config *Configuration
	if value != 0 {
		for _, c := range d.configurations[:d.configurationCount] {
			if c.Value == value {
				config = c
				break
			}
		}
		if config == nil {
			d.mutex.Unlock()
			return pkg.ErrInvalidRequest
		}
	}
	d.activeConfig = config
	cb := d.onSetConfiguration
	d.mutex.Unlock()

	if config == nil {
		d.setState(StateAddress)
	} else {
		d.setState(StateConfigured)
	}
	if cb != nil {
		cb(value)
	}
	pkg.LogDebug(pkg.ComponentDevice, "device configuration set", "configuration", value)
	return nil
}

// EnableRemoteWakeup enables or disables remote wakeup.
func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	d.remoteWakeupEnabled = enabled
	d.mutex.Unlock()
}

// GetInterface returns an interface of the active configuration, or nil.
func (d *Device) GetInterface(number uint8) *Interface {
	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	return config.GetInterface(number)
}

// GetEndpoint returns an endpoint of the active configuration, or nil.
// Both directions of endpoint zero resolve to the control endpoint.
func (d *Device) GetEndpoint(address uint8) *Endpoint {
	if address&0x7F == 0 {
		return d.ep0
	}
	config := d.ActiveConfiguration()
	if config == nil {
		return nil
	}
	for _, iface := range config.Interfaces() {
		if ep := iface.GetEndpoint(address); ep != nil {
			return ep
		}
	}
	return nil
}

// DeviceStatus represents the GET_STATUS device bits.
type DeviceStatus uint16

// Device status bits.
const (
	DeviceStatusSelfPowered  DeviceStatus = 1 << 0
	DeviceStatusRemoteWakeup DeviceStatus = 1 << 1
)

// GetStatus returns the device status.
func (d *Device) GetStatus() DeviceStatus {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var status DeviceStatus
	if d.activeConfig != nil && d.activeConfig.IsSelfPowered() {
		status |= DeviceStatusSelfPowered
	}
	if d.remoteWakeupEnabled {
		status |= DeviceStatusRemoteWakeup
	}
	return status
}

// SetOnStateChange sets the state change callback.
func (d *Device) SetOnStateChange(cb func(old, new State)) {
	d.mutex.Lock()
	d.onStateChange = cb
	d.mutex.Unlock()
}

// SetOnReset sets the bus reset callback.
func (d *Device) SetOnReset(cb func()) {
	d.mutex.Lock()
	d.onReset = cb
	d.mutex.Unlock()
}

// SetOnSetAddress sets the SET_ADDRESS callback.
func (d *Device) SetOnSetAddress(cb func(address uint8)) {
	d.mutex.Lock()
	d.onSetAddress = cb
	d.mutex.Unlock()
}

// SetOnSetConfiguration sets the SET_CONFIGURATION callback.
func (d *Device) SetOnSetConfiguration(cb func(config uint8)) {
	d.mutex.Lock()
	d.onSetConfiguration = cb
	d.mutex.Unlock()
}

// Close closes every configuration and its class drivers.
func (d *Device) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var lastErr error
	for idx := range d.configurations[:d.configurationCount] {
		if err := d.configurations[idx].Close(); err != nil {
			lastErr = err
		}
		d.configurations[idx] = nil
	}
	d.configurationCount = 0
	d.activeConfig = nil
	return lastErr
}

// DeviceBuilder provides a fluent API for building devices.
// The first error encountered is reported by Build.
type DeviceBuilder struct {
	device *Device
	config *Configuration
	iface  *Interface
	err    error

	stringBufs [MaxStrings][256]byte
}

// NewDeviceBuilder creates a new device builder.
func NewDeviceBuilder() *DeviceBuilder {
	return &DeviceBuilder{}
}

func (b *DeviceBuilder) fail(err error) *DeviceBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// WithVendorProduct creates a USB 2.0 full-speed device with the given
// identity.
func (b *DeviceBuilder) WithVendorProduct(vendorID, productID uint16) *DeviceBuilder {
	if b.device == nil {
		b.device = NewDevice(&DeviceDescriptor{
			USBVersion:     0x0200,
			MaxPacketSize0: 64,
		})
	}
	b.device.Descriptor.VendorID = vendorID
	b.device.Descriptor.ProductID = productID
	return b
}

// WithDeviceClass sets the device class triple.
func (b *DeviceBuilder) WithDeviceClass(class, subClass, protocol uint8) *DeviceBuilder {
	if b.device == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	b.device.Descriptor.DeviceClass = class
	b.device.Descriptor.DeviceSubClass = subClass
	b.device.Descriptor.DeviceProtocol = protocol
	return b
}

// WithStrings sets the manufacturer, product and serial number strings.
func (b *DeviceBuilder) WithStrings(manufacturer, product, serial string) *DeviceBuilder {
	if b.device == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	b.device.SetLanguagesFrom(b.stringBufs[0][:], LangIDUSEnglish)
	for i, s := range [...]string{manufacturer, product, serial} {
		if s == "" {
			continue
		}
		idx := uint8(i + 1)
		b.device.SetStringFrom(idx, b.stringBufs[idx][:], s)
		switch idx {
		case 1:
			b.device.Descriptor.ManufacturerIndex = idx
		case 2:
			b.device.Descriptor.ProductIndex = idx
		case 3:
			b.device.Descriptor.SerialNumberIndex = idx
		}
	}
	return b
}

// AddConfiguration adds a new configuration and makes it current.
func (b *DeviceBuilder) AddConfiguration(value uint8) *DeviceBuilder {
	if b.device == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	b.config = NewConfiguration(value)
	if err := b.device.AddConfiguration(b.config); err != nil {
		return b.fail(err)
	}
	b.device.Descriptor.NumConfigurations++
	return b
}

// AddInterface adds a new interface to the current configuration and makes
// it current.
func (b *DeviceBuilder) AddInterface(class, subClass, protocol uint8) *DeviceBuilder {
	if b.config == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	b.iface = NewInterface(&InterfaceDescriptor{
		InterfaceNumber:   uint8(b.config.NumInterfaces()),
		InterfaceClass:    class,
		InterfaceSubClass: subClass,
		InterfaceProtocol: protocol,
	})
	if err := b.config.AddInterface(b.iface); err != nil {
		return b.fail(err)
	}
	return b
}

// AddEndpoint adds an endpoint to the current interface.
func (b *DeviceBuilder) AddEndpoint(address, transferType uint8, maxPacketSize uint16) *DeviceBuilder {
	if b.iface == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	ep := &Endpoint{
		Address:       address,
		Attributes:    transferType,
		MaxPacketSize: maxPacketSize,
	}
	if err := b.iface.AddEndpoint(ep); err != nil {
		return b.fail(err)
	}
	return b
}

// WithClassDriver binds driver to the current interface.
func (b *DeviceBuilder) WithClassDriver(driver ClassDriver) *DeviceBuilder {
	if b.iface == nil {
		return b.fail(pkg.ErrInvalidState)
	}
	if err := b.iface.SetClassDriver(driver); err != nil {
		return b.fail(err)
	}
	return b
}

// Build returns the constructed device.
func (b *DeviceBuilder) Build() (*Device, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.device == nil {
		return nil, pkg.ErrInvalidState
	}
	return b.device, nil
}
