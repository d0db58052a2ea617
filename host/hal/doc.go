// Package hal defines the hardware abstraction the host stack runs on.
//
// A [HostHAL] detects devices on root hub ports, resets them, and moves
// control and bulk packets. Everything above that, enumeration and
// descriptor parsing included, lives in the host package.
//
// Two implementations exist: [github.com/cring/acceleratorinator/host/hal/fifo]
// talks to device stacks over named pipes on the same machine, and
// [github.com/cring/acceleratorinator/host/hal/linux] drives real hardware
// through usbfs.
//
// # Addressing
//
// After ResetPort the device answers at address 0. The host assigns an
// address with a SET_ADDRESS control transfer at address 0 and then calls
// SetDeviceAddress so the HAL routes the new address to the same device.
package hal
