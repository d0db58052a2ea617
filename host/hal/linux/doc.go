// Package linux implements [hal.HostHAL] on Linux usbfs.
//
// Devices are discovered by scanning sysfs (/sys/bus/usb/devices) and
// opened through their /dev/bus/usb/BBB/DDD nodes. The scan repeats every
// 500ms by default, so hot-plug is noticed without netlink. Use
// [WithFilter] to limit the HAL to one vendor and product; otherwise every
// device the process can open occupies a port.
//
// # Requirements
//
// The process needs read/write access to the device nodes, either as root
// or through a udev rule such as:
//
//	SUBSYSTEM=="usb", ATTR{idVendor}=="c0de", ATTR{idProduct}=="cafe", MODE="0666"
//
// # Transfers
//
// Control and bulk transfers are synchronous USBDEVFS_CONTROL and
// USBDEVFS_BULK ioctls. Each one is bounded by the transfer timeout or the
// context deadline, whichever is sooner. Cancelling a context without a
// deadline takes effect before the next transfer, not during one.
//
// The kernel has already addressed the device, so ResetPort marks the
// device as the address-0 device, a SET_ADDRESS request completes without
// reaching the wire, and SetDeviceAddress only updates routing.
// SET_CONFIGURATION is issued with USBDEVFS_SETCONFIGURATION.
//
// Ioctl numbers are derived from the request structure sizes with the
// generic Linux encoding, which covers x86, arm, arm64, riscv and loong64.
package linux
