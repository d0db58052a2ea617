// Package device implements the USB device stack of the accelerator.
//
// It is platform-agnostic and talks to hardware through the
// [hal.DeviceHAL] interface in [github.com/cring/acceleratorinator/device/hal].
//
// # Architecture
//
//   - [Device] holds descriptors, configurations and the enumeration state
//   - [Stack] runs the control pipe and exposes the bulk data endpoints
//   - [Interface] groups endpoints and binds a [ClassDriver]
//   - [StandardRequestHandler] answers the chapter 9 standard requests
//
// # Device States
//
// The stack follows the USB 2.0 device state machine:
//
//	Attached → Default → Address → Configured
//
// A bus reset returns the device to Default and releases its data
// endpoints. [Stack.WaitConfigured] blocks until the host selects a
// configuration, which is how class drivers learn that the link is up.
//
// # Allocation
//
// Descriptors serialize through MarshalTo(buf), registries are fixed-size
// arrays, and the standard request handler answers from a preallocated
// buffer.
//
// # Example
//
//	dev, err := device.NewDeviceBuilder().
//	    WithVendorProduct(0xC0DE, 0xCAFE).
//	    WithStrings("Cring Electronics", "Video acceleratorinator", "12345678").
//	    AddConfiguration(1).
//	    AddInterface(device.ClassVendor, 0, 0).
//	    AddEndpoint(0x01, device.EndpointTypeBulk, 64).
//	    AddEndpoint(0x81, device.EndpointTypeBulk, 64).
//	    Build()
//	stack := device.NewStack(dev, fifo.New(busDir))
//	err = stack.Start(ctx)
package device
