package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// enumerateDevice resets the device on port, addresses it, reads its
// descriptors and selects its first configuration.
func (h *Host) enumerateDevice(ctx context.Context, port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	if err := h.hal.ResetPort(port); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	dev := newDevice(h.hal, port, h.hal.PortSpeed(port))

	var buf [MaxDescriptorSize]byte

	// The first 8 bytes carry bMaxPacketSize0 and are all a device must
	// answer before it has an address.
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:probeLength])
	if err != nil {
		return nil, fmt.Errorf("device descriptor probe: %w", err)
	}
	if n < probeLength {
		return nil, fmt.Errorf("device descriptor probe returned %d bytes: %w", n, ErrEnumerationFailed)
	}
	pkg.LogDebug(pkg.ComponentHost, "got max packet size", "size", buf[7])

	address := h.allocateAddress()
	if address == 0 {
		return nil, ErrNoAddress
	}
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(address),
	}
	if _, err := dev.ControlTransfer(ctx, &setup, nil); err != nil {
		return nil, fmt.Errorf("set address: %w", err)
	}
	if err := h.hal.SetDeviceAddress(ctx, hal.DeviceAddress(address)); err != nil {
		return nil, fmt.Errorf("set address: %w", err)
	}
	dev.address = address
	dev.setState(DeviceStateAddress)
	pkg.LogDebug(pkg.ComponentHost, "assigned address", "port", port, "address", address)

	if err := h.readDescriptors(ctx, dev, buf[:]); err != nil {
		return nil, err
	}
	h.readStrings(ctx, dev, buf[:])

	if dev.config.ConfigurationValue > 0 {
		if err := dev.SetConfiguration(ctx, dev.config.ConfigurationValue); err != nil {
				return nil, fmt.Errorf("set configuration: %w", err)
		}
	}
	return dev, nil
}

// readDescriptors reads the device descriptor and the configuration tree.
func (h *Host) readDescriptors(ctx context.Context, dev *Device, buf []byte) error {
	n, err := dev.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}
	if !ParseDeviceDescriptor(buf[:n], &dev.descriptor) {
		return fmt.Errorf("device descriptor of %d bytes: %w", n, ErrEnumerationFailed)
	}
	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", fmt.Sprintf("0x%04x", dev.descriptor.VendorID),
		"productID", fmt.Sprintf("0x%04x", dev.descriptor.ProductID),
		"class", dev.descriptor.DeviceClass)

	// Header first for wTotalLength, then the whole tree.
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return fmt.Errorf("configuration descriptor: %w", err)
	}
	if !ParseConfigurationDescriptor(buf[:n], &dev.config) {
		return fmt.Errorf("configuration descriptor of %d bytes: %w", n, ErrEnumerationFailed)
	}
	total := min(int(dev.config.TotalLength), len(buf))
	n, err = dev.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		return fmt.Errorf("configuration tree: %w", err)
	}
	config, interfaces, ok := parseConfigurationTree(buf[:n])
	if !ok {
		return fmt.Errorf("configuration tree of %d bytes: %w", n, ErrEnumerationFailed)
	}
	dev.config = config
	dev.interfaces = interfaces

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", len(dev.interfaces),
		"configValue", dev.config.ConfigurationValue)
	return nil
}

// readStrings caches the manufacturer, product and serial strings. Devices
// may stall string requests, so failures are only logged.
func (h *Host) readStrings(ctx context.Context, dev *Device, buf []byte) {
	for _, index := range []uint8{
		dev.descriptor.ManufacturerIndex,
		dev.descriptor.ProductIndex,
		dev.descriptor.SerialNumberIndex,
	} {
		if index == 0 || int(index) >= len(dev.strings) {
			continue
		}
		n, err := dev.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf[:255])
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed", "index", index, "error", err)
			continue
		}
		if s, ok := decodeString(buf[:n]); ok {
			dev.strings[index] = s
		}
	}
	pkg.LogDebug(pkg.ComponentHost, "device strings",
		"manufacturer", dev.Manufacturer(),
		"product", dev.Product(),
		"serial", dev.SerialNumber())
}
