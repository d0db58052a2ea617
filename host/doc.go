// Package host implements a pure-Go USB host stack and the connection
// handle the accelerator client talks through.
//
// It is platform-agnostic and interacts with hardware via the [hal.HostHAL]
// interface defined in the github.com/cring/acceleratorinator/host/hal
// package.
//
// # Architecture
//
//   - Host watches the HAL for attached devices and enumerates them
//   - Device holds the descriptors read during enumeration
//   - Pipe moves packetised bulk data over an IN/OUT endpoint pair
//   - Connection binds one claimed interface of one device
//
// # Enumeration
//
// For every attached device the host resets the port, reads the first 8
// bytes of the device descriptor at address 0, assigns an address with
// SET_ADDRESS, reads the full device descriptor and configuration tree,
// caches the manufacturer, product and serial strings, and selects the
// first configuration.
//
// # Connections
//
// A Connection is unbound when created, bound after Connect and freed
// after Free. Its errors map onto [pkg.Code] values with [pkg.CodeOf]:
//
//	conn := host.NewConnection(h, host.WithDiscoveryTimeout(2*time.Second))
//	if err := conn.Connect(ctx, protocol.VendorID, protocol.ProductID); err != nil {
//	    return err // pkg.ErrNotPresent when nothing matched in time
//	}
//	defer conn.Free()
//
//	if err := conn.BulkOut(ctx, protocol.EndpointOut, payload); err != nil {
//	    return err
//	}
//	n, err := conn.BulkIn(ctx, protocol.EndpointIn, buf)
//
// HALs live in [github.com/cring/acceleratorinator/host/hal/fifo] and
// [github.com/cring/acceleratorinator/host/hal/linux].
package host
