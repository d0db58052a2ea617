package device

import (
	"sync"

	"github.com/cring/acceleratorinator/pkg"
)

// ClassDriver implements the class-specific behavior of an interface.
type ClassDriver interface {
	// Init binds the driver to its interface.
	Init(iface *Interface) error

	// HandleSetup processes a class-specific SETUP request addressed to the
	// interface. It reports whether the request was handled.
	HandleSetup(iface *Interface, setup *SetupPacket, data []byte) (bool, error)

	// SetAlternate is called when the host selects an alternate setting.
	SetAlternate(iface *Interface, alt uint8) error

	// Close releases any resources held by the driver.
	Close() error
}

// Interface represents a USB interface within a configuration.
type Interface struct {
	Number           uint8
	AlternateSetting uint8
	Class            uint8
	SubClass         uint8
	Protocol         uint8
	StringIndex      uint8

	endpoints     [MaxEndpointsPerInterface]*Endpoint
	endpointCount int
	classDriver   ClassDriver
	mutex         sync.RWMutex
}

// NewInterface creates a new interface from a descriptor.
func NewInterface(desc *InterfaceDescriptor) *Interface {
	return &Interface{
		Number:           desc.InterfaceNumber,
		AlternateSetting: desc.AlternateSetting,
		Class:            desc.InterfaceClass,
		SubClass:         desc.InterfaceSubClass,
		Protocol:         desc.InterfaceProtocol,
		StringIndex:      desc.InterfaceIndex,
	}
}

// AddEndpoint adds an endpoint to the interface.
func (i *Interface) AddEndpoint(ep *Endpoint) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.endpointCount >= MaxEndpointsPerInterface {
		return pkg.ErrNoResources
	}
	for _, have := range i.endpoints[:i.endpointCount] {
		if have.Address == ep.Address {
			return pkg.ErrInvalidEndpoint
		}
	}
	i.endpoints[i.endpointCount] = ep
	i.endpointCount++

	pkg.LogDebug(pkg.ComponentDevice, "endpoint added to interface",
		"interface", i.Number,
		"endpoint", ep.Address,
		"type", TransferTypeName(ep.TransferType()))
	return nil
}

// GetEndpoint returns the endpoint with the given address, or nil.
func (i *Interface) GetEndpoint(address uint8) *Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	for _, ep := range i.endpoints[:i.endpointCount] {
		if ep.Address == address {
			return ep
		}
	}
	return nil
}

// Endpoints returns all endpoints of the interface.
// The returned slice references internal storage; do not modify.
func (i *Interface) Endpoints() []*Endpoint {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.endpoints[:i.endpointCount]
}

// SetClassDriver binds driver to the interface, closing any previous one.
func (i *Interface) SetClassDriver(driver ClassDriver) error {
	i.mutex.Lock()
	old := i.classDriver
	i.classDriver = driver
	i.mutex.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "error closing previous class driver",
				"error", err)
		}
	}
	// Init runs unlocked; drivers call back into the interface.
	if driver != nil {
		return driver.Init(i)
	}
	return nil
}

// ClassDriver returns the bound class driver.
func (i *Interface) ClassDriver() ClassDriver {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.classDriver
}

// HandleSetup forwards a class-specific request to the class driver.
func (i *Interface) HandleSetup(setup *SetupPacket, data []byte) (bool, error) {
	driver := i.ClassDriver()
	if driver == nil {
		return false, nil
	}
	return driver.HandleSetup(i, setup, data)
}

// SetAlternate changes the alternate setting.
func (i *Interface) SetAlternate(alt uint8) error {
	i.mutex.Lock()
	i.AlternateSetting = alt
	driver := i.classDriver
	i.mutex.Unlock()

	if driver != nil {
		return driver.SetAlternate(i, alt)
	}
	return nil
}

// Descriptor returns the interface descriptor.
func (i *Interface) Descriptor() InterfaceDescriptor {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return InterfaceDescriptor{
		InterfaceNumber:   i.Number,
		AlternateSetting:  i.AlternateSetting,
		NumEndpoints:      uint8(i.endpointCount),
		InterfaceClass:    i.Class,
		InterfaceSubClass: i.SubClass,
		InterfaceProtocol: i.Protocol,
		InterfaceIndex:    i.StringIndex,
	}
}

// Close closes the bound class driver.
func (i *Interface) Close() error {
	i.mutex.Lock()
	driver := i.classDriver
	i.classDriver = nil
	i.mutex.Unlock()

	if driver != nil {
		return driver.Close()
	}
	return nil
}

// Configuration represents a USB device configuration.
type Configuration struct {
	Value       uint8 // for SET_CONFIGURATION
	Attributes  uint8
	MaxPower    uint8 // 2 mA units
	StringIndex uint8

	interfaces     [MaxInterfacesPerConfiguration]*Interface
	interfaceCount int
	mutex          sync.RWMutex
}

// NewConfiguration creates a bus-powered configuration drawing 100 mA.
func NewConfiguration(value uint8) *Configuration {
	return &Configuration{
		Value:      value,
		Attributes: ConfigAttrBusPowered,
		MaxPower:   50,
	}
}

// AddInterface adds an interface to the configuration.
func (c *Configuration) AddInterface(iface *Interface) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.interfaceCount >= MaxInterfacesPerConfiguration {
		return pkg.ErrNoResources
	}
	for _, have := range c.interfaces[:c.interfaceCount] {
		if have.Number == iface.Number {
			return pkg.ErrInvalidRequest
		}
	}
	c.interfaces[c.interfaceCount] = iface
	c.interfaceCount++

	pkg.LogDebug(pkg.ComponentDevice, "interface added to configuration",
		"config", c.Value,
		"interface", iface.Number)
	return nil
}

// GetInterface returns the interface with the given number, or nil.
func (c *Configuration) GetInterface(number uint8) *Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for _, iface := range c.interfaces[:c.interfaceCount] {
		if iface.Number == number {
			return iface
		}
	}
	return nil
}

// Interfaces returns all interfaces in the configuration.
// The returned slice references internal storage; do not modify.
func (c *Configuration) Interfaces() []*Interface {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaces[:c.interfaceCount]
}

// NumInterfaces returns the number of interfaces.
func (c *Configuration) NumInterfaces() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.interfaceCount
}

// IsSelfPowered returns true if the configuration is self-powered.
func (c *Configuration) IsSelfPowered() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.Attributes&ConfigAttrSelfPowered != 0
}

// totalLength returns the length of the full configuration tree.
// The caller must hold c.mutex.
func (c *Configuration) totalLength() uint16 {
	n := ConfigurationDescriptorSize
	for _, iface := range c.interfaces[:c.interfaceCount] {
		n += InterfaceDescriptorSize + len(iface.Endpoints())*EndpointDescriptorSize
	}
	return uint16(n)
}

// MarshalTo writes the configuration descriptor followed by every
// interface and endpoint descriptor to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *Configuration) MarshalTo(buf []byte) int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	total := int(c.totalLength())
	if len(buf) < total {
		return 0
	}

	hdr := ConfigurationDescriptor{
		TotalLength:        uint16(total),
		NumInterfaces:      uint8(c.interfaceCount),
		ConfigurationValue: c.Value,
		ConfigurationIndex: c.StringIndex,
		Attributes:         c.Attributes,
		MaxPower:           c.MaxPower,
	}
	off := hdr.MarshalTo(buf)
	for _, iface := range c.interfaces[:c.interfaceCount] {
		desc := iface.Descriptor()
		off += desc.MarshalTo(buf[off:])
		for _, ep := range iface.Endpoints() {
			epd := ep.Descriptor()
			off += epd.MarshalTo(buf[off:])
		}
	}
	return off
}

// Close closes every interface of the configuration.
func (c *Configuration) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var lastErr error
	for idx := range c.interfaces[:c.interfaceCount] {
		if err := c.interfaces[idx].Close(); err != nil {
			lastErr = err
		}
		c.interfaces[idx] = nil
	}
	c.interfaceCount = 0
	return lastErr
}
