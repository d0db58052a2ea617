package linux

import "time"

// MaxPorts is the number of device slots the HAL reports as root hub ports.
// Every matching device found in sysfs occupies one slot.
const MaxPorts = 16

// MaxInterfaces bounds the interface numbers tracked for claims.
const MaxInterfaces = 32

// DevfsPathMaxLen is the maximum length of a devfs path.
const DevfsPathMaxLen = 64

// System paths.
const (
	SysfsUSBPath = "/sys/bus/usb/devices"
	DevfsUSBPath = "/dev/bus/usb"
)

// Defaults applied by NewHostHAL.
const (
	DefaultScanInterval    = 500 * time.Millisecond
	DefaultTransferTimeout = 5 * time.Second
)

// Standard requests intercepted by ControlTransfer.
const (
	requestSetAddress       = 0x05
	requestSetConfiguration = 0x09
	requestTypeStandardOut  = 0x00
)

// usbfsDriver is the driver name the kernel reports for interfaces claimed
// through usbfs.
const usbfsDriver = "usbfs"

// disconnectClaimExceptDriver tells USBDEVFS_DISCONNECT_CLAIM to leave the
// interface alone when the bound driver is the one named in the request.
const disconnectClaimExceptDriver = 0x02
