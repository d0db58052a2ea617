//go:build linux

package linux

import (
	"errors"
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/cring/acceleratorinator/pkg"
)

// ctrlTransfer matches struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds
	data        uintptr
}

// bulkTransfer matches struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	data     uintptr
}

// disconnectClaim matches struct usbdevfs_disconnect_claim.
type disconnectClaim struct {
	iface  uint32
	flags  uint32
	driver [256]byte
}

// Ioctl request encoding shared by x86, arm, arm64, riscv and loong64.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	usbdevfsType = 'U'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | usbdevfsType<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func iocIO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

func iocIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

func iocIOWR(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

var (
	ioctlControl          = iocIOWR(0, unsafe.Sizeof(ctrlTransfer{}))
	ioctlBulk             = iocIOWR(2, unsafe.Sizeof(bulkTransfer{}))
	ioctlSetConfiguration = iocIOR(5, unsafe.Sizeof(uint32(0)))
	ioctlClaimInterface   = iocIOR(15, unsafe.Sizeof(uint32(0)))
	ioctlReleaseInterface = iocIOR(16, unsafe.Sizeof(uint32(0)))
	ioctlReset            = iocIO(20)
	ioctlDisconnectClaim  = iocIOR(27, unsafe.Sizeof(disconnectClaim{}))
)

func openDevice(path string) (int, error) {
	return syscall.Open(path, syscall.O_RDWR|syscall.O_CLOEXEC, 0)
}

func closeDevice(fd int) error {
	return syscall.Close(fd)
}

func ioctl(fd int, req, arg uintptr) (int, error) {
	r, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

// controlTransfer runs one synchronous control transfer. The kernel picks
// the data direction from requestType.
func controlTransfer(fd int, requestType, request uint8, value, index uint16, data []byte, timeoutMs uint32) (int, error) {
	ctrl := ctrlTransfer{
		requestType: requestType,
		request:     request,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeoutMs,
	}
	if len(data) > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctl(fd, ioctlControl, uintptr(unsafe.Pointer(&ctrl)))
	runtime.KeepAlive(data)
	return n, err
}

// bulkTransferSync runs one synchronous bulk transfer on endpoint.
func bulkTransferSync(fd int, endpoint uint8, data []byte, timeoutMs uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeoutMs,
	}
	if len(data) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctl(fd, ioctlBulk, uintptr(unsafe.Pointer(&bulk)))
	runtime.KeepAlive(data)
	return n, err
}

func setConfiguration(fd int, value uint8) error {
	cfg := uint32(value)
	_, err := ioctl(fd, ioctlSetConfiguration, uintptr(unsafe.Pointer(&cfg)))
	return err
}

// claimInterface claims iface, detaching any kernel driver bound to it.
func claimInterface(fd int, iface uint8) error {
	claim := disconnectClaim{
		iface: uint32(iface),
		flags: disconnectClaimExceptDriver,
	}
	copy(claim.driver[:], usbfsDriver)
	_, err := ioctl(fd, ioctlDisconnectClaim, uintptr(unsafe.Pointer(&claim)))
	if errors.Is(err, syscall.ENOTTY) {
		// Kernels before 3.18 only know the plain claim.
		n := uint32(iface)
		_, err = ioctl(fd, ioctlClaimInterface, uintptr(unsafe.Pointer(&n)))
	}
	return err
}

func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctl(fd, ioctlReleaseInterface, uintptr(unsafe.Pointer(&n)))
	return err
}

func resetDevice(fd int) error {
	_, err := ioctl(fd, ioctlReset, 0)
	return err
}

// mapErrno translates a usbfs errno into the stack's sentinel errors,
// keeping the errno in the chain.
func mapErrno(err error) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case syscall.ENODEV, syscall.ESHUTDOWN:
		return fmt.Errorf("%w: %w", ErrNotConnected, errno)
	case syscall.EPIPE:
		return fmt.Errorf("%w: %w", pkg.ErrStall, errno)
	case syscall.ETIMEDOUT:
		return fmt.Errorf("%w: %w", pkg.ErrTimeout, errno)
	case syscall.EPROTO, syscall.EILSEQ, syscall.EOVERFLOW:
		return fmt.Errorf("%w: %w", pkg.ErrProtocol, errno)
	case syscall.EBUSY:
		return fmt.Errorf("%w: %w", pkg.ErrInvalidState, errno)
	default:
		return fmt.Errorf("%w: %w", pkg.ErrTransport, errno)
	}
}
