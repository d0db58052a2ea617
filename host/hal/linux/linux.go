//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/pkg"
)

const maxAddress = 127

// ErrNotConnected is returned for transfers to a port or address with no
// device behind it, and for transfers the kernel fails with ENODEV.
var ErrNotConnected = errors.New("linux: device not connected")

// deviceConn is an open usbfs device node.
type deviceConn struct {
	info    usbDeviceInfo
	port    int
	address hal.DeviceAddress
	claimed uint32 // bit per interface number

	// Transfers hold mutex for reading; closing the node holds it for writing.
	mutex  sync.RWMutex
	fd     int
	closed bool
}

// Option configures a HostHAL.
type Option func(*HostHAL)

// WithFilter restricts the HAL to devices with the given vendor and
// product IDs. Without it every device in sysfs is opened.
func WithFilter(vendorID, productID uint16) Option {
	return func(h *HostHAL) {
		h.match = func(d usbDeviceInfo) bool {
			return d.vendorID == vendorID && d.productID == productID
		}
	}
}

// WithScanInterval sets how often sysfs is rescanned for hot-plug.
func WithScanInterval(d time.Duration) Option {
	return func(h *HostHAL) { h.scanInterval = d }
}

// WithTransferTimeout caps each usbfs transfer. A context deadline that
// expires sooner takes precedence.
func WithTransferTimeout(d time.Duration) Option {
	return func(h *HostHAL) { h.transferTimeout = d }
}

// WithPaths overrides the sysfs device directory and the devfs root.
func WithPaths(sysfs, devfs string) Option {
	return func(h *HostHAL) {
		h.sysfsRoot = sysfs
		h.devfsRoot = devfs
	}
}

// HostHAL implements hal.HostHAL on Linux usbfs. Every device that passes
// the filter is opened and assigned to the first free port.
type HostHAL struct {
	sysfsRoot       string
	devfsRoot       string
	match           func(usbDeviceInfo) bool
	scanInterval    time.Duration
	transferTimeout time.Duration

	mutex     sync.RWMutex
	ports     [MaxPorts]*deviceConn
	addresses [maxAddress + 1]*deviceConn
	dflt      *deviceConn     // device answering at address 0
	failed    map[uint16]bool // devices whose node could not be opened

	connectCh    chan int
	disconnectCh chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHostHAL creates a usbfs host HAL.
func NewHostHAL(opts ...Option) *HostHAL {
	h := &HostHAL{
		sysfsRoot:       SysfsUSBPath,
		devfsRoot:       DevfsUSBPath,
		scanInterval:    DefaultScanInterval,
		transferTimeout: DefaultTransferTimeout,
		failed:          make(map[uint16]bool),
		connectCh:       make(chan int, MaxPorts),
		disconnectCh:    make(chan int, MaxPorts),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Init checks that sysfs is readable.
func (h *HostHAL) Init(ctx context.Context) error {
	if h.ctx != nil && h.ctx.Err() == nil {
		return pkg.ErrAlreadyRunning
	}
	if _, err := os.Stat(h.sysfsRoot); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrNotSupported, err)
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	pkg.LogInfo(pkg.ComponentHAL, "usbfs host HAL initialized", "sysfs", h.sysfsRoot)
	return nil
}

// Start opens the devices already present and begins rescanning sysfs.
func (h *HostHAL) Start() error {
	if h.ctx == nil {
		return pkg.ErrNotRunning
	}
	h.scan()
	h.wg.Add(1)
	go h.poll()
	pkg.LogInfo(pkg.ComponentHAL, "usbfs host HAL started")
	return nil
}

// Stop ends rescanning and closes every open device node.
func (h *HostHAL) Stop() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.wg.Wait()

	h.mutex.Lock()
	for i, c := range h.ports {
		if c != nil {
			h.detachLocked(c)
			h.ports[i] = nil
		}
	}
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHAL, "usbfs host HAL stopped")
	return nil
}

// Close stops the HAL.
func (h *HostHAL) Close() error {
	return h.Stop()
}

// NumPorts returns MaxPorts.
func (h *HostHAL) NumPorts() int {
	return MaxPorts
}

func (h *HostHAL) port(port int) (*deviceConn, error) {
	if port < 1 || port > MaxPorts {
		return nil, pkg.ErrInvalidParameter
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.ports[port-1], nil
}

// GetPortStatus reports whether a device occupies port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	c, err := h.port(port)
	if err != nil {
		return hal.PortStatus{}, err
	}
	if c == nil {
		return hal.PortStatus{PowerOn: true}, nil
	}
	return hal.PortStatus{
		Connected: true,
		Enabled:   true,
		PowerOn:   true,
		Speed:     c.info.speed,
	}, nil
}

// PortSpeed returns the speed sysfs reported for the device on port.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	c, err := h.port(port)
	if err != nil || c == nil {
		return hal.SpeedUnknown
	}
	return c.info.speed
}

// ResetPort resets the device on port. Afterwards it is the address-0
// device until SetDeviceAddress binds it again.
func (h *HostHAL) ResetPort(port int) error {
	c, err := h.port(port)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotConnected
	}

	err = c.do(resetDevice)
	if err != nil {
		return fmt.Errorf("reset port %d: %w", port, err)
	}

	h.mutex.Lock()
	if c.address != 0 && h.addresses[c.address] == c {
		h.addresses[c.address] = nil
	}
	c.address = 0
	c.claimed = 0
	h.dflt = c
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "port reset complete", "port", port)
	return nil
}

func (h *HostHAL) lookup(addr hal.DeviceAddress) (*deviceConn, error) {
	if addr > maxAddress {
		return nil, pkg.ErrInvalidParameter
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	c := h.addresses[addr]
	if addr == 0 {
		c = h.dflt
	}
	if c == nil {
		return nil, ErrNotConnected
	}
	return c, nil
}

// ControlTransfer runs a control transfer through USBDEVFS_CONTROL.
//
// The kernel owns device addressing, so SET_ADDRESS completes without
// reaching the device. SET_CONFIGURATION goes through
// USBDEVFS_SETCONFIGURATION so the kernel's view stays in sync.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	c, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	if err := h.check(ctx); err != nil {
		return 0, err
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}

	if setup.RequestType == requestTypeStandardOut {
		switch setup.Request {
		case requestSetAddress:
			pkg.LogDebug(pkg.ComponentHAL, "SET_ADDRESS handled by kernel", "port", c.port, "address", setup.Value)
			return 0, nil
		case requestSetConfiguration:
			err := c.do(func(fd int) error {
				return setConfiguration(fd, uint8(setup.Value))
			})
			return 0, err
		}
	}

	timeout := h.timeout(ctx)
	var n int
	err = c.do(func(fd int) error {
		var err error
		n, err = controlTransfer(fd, setup.RequestType, setup.Request, setup.Value, setup.Index, data, timeout)
		return err
	})
	if err != nil {
		return 0, h.deadline(ctx, err)
	}
	return n, nil
}

// BulkTransfer runs one bulk transfer through USBDEVFS_BULK. The direction
// comes from bit 7 of endpoint.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if num := endpoint & 0x0F; num == 0 || endpoint&0x70 != 0 {
		return 0, pkg.ErrInvalidEndpoint
	}
	c, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	if err := h.check(ctx); err != nil {
		return 0, err
	}

	timeout := h.timeout(ctx)
	var n int
	err = c.do(func(fd int) error {
		var err error
		n, err = bulkTransferSync(fd, endpoint, data, timeout)
		return err
	})
	if err != nil {
		return 0, h.deadline(ctx, err)
	}
	return n, nil
}

// SetDeviceAddress binds newAddr to the device last reset.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if newAddr == 0 || newAddr > maxAddress {
		return pkg.ErrInvalidParameter
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	c := h.dflt
	if c == nil {
		return ErrNotConnected
	}
	if other := h.addresses[newAddr]; other != nil && other != c {
		return fmt.Errorf("address %d in use by port %d: %w", newAddr, other.port, pkg.ErrInvalidState)
	}
	h.addresses[newAddr] = c
	c.address = newAddr
	h.dflt = nil

	pkg.LogDebug(pkg.ComponentHAL, "device address set", "port", c.port, "address", newAddr)
	return nil
}

// ClaimInterface claims iface through usbfs, detaching a bound kernel
// driver if there is one.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	if iface >= MaxInterfaces {
		return pkg.ErrInvalidParameter
	}
	c, err := h.lookup(addr)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if c.claimed&(1<<iface) != 0 {
		return pkg.ErrInvalidState
	}
	if err := c.do(func(fd int) error { return claimInterface(fd, iface) }); err != nil {
		return fmt.Errorf("claim interface %d: %w", iface, err)
	}
	c.claimed |= 1 << iface
	return nil
}

// ReleaseInterface releases a claimed interface.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	if iface >= MaxInterfaces {
		return pkg.ErrInvalidParameter
	}
	c, err := h.lookup(addr)
	if err != nil {
		return err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if c.claimed&(1<<iface) == 0 {
		return pkg.ErrInvalidState
	}
	c.claimed &^= 1 << iface
	if err := c.do(func(fd int) error { return releaseInterface(fd, iface) }); err != nil {
		return fmt.Errorf("release interface %d: %w", iface, err)
	}
	return nil
}

// WaitForConnection blocks until a device is attached to a port.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	return h.wait(ctx, h.connectCh)
}

// WaitForDisconnection blocks until a device leaves its port.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	return h.wait(ctx, h.disconnectCh)
}

func (h *HostHAL) wait(ctx context.Context, ch chan int) (int, error) {
	if h.ctx == nil {
		return 0, pkg.ErrNotRunning
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrNotRunning
	case port := <-ch:
		return port, nil
	}
}

func (h *HostHAL) poll() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.scan()
		}
	}
}

// scan reconciles the ports with the devices sysfs currently lists.
func (h *HostHAL) scan() {
	devices, err := scanUSBDevices(h.sysfsRoot, h.match)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "sysfs scan failed", "error", err)
		return
	}
	present := make(map[uint16]usbDeviceInfo, len(devices))
	for _, d := range devices {
		present[d.key()] = d
	}

	var attached, detached []int

	h.mutex.Lock()
	for i, c := range h.ports {
		if c == nil {
			continue
		}
		if _, ok := present[c.info.key()]; ok {
			delete(present, c.info.key())
			continue
		}
		h.detachLocked(c)
		h.ports[i] = nil
		detached = append(detached, c.port)
	}
	for key := range h.failed {
		if _, ok := present[key]; !ok {
			delete(h.failed, key)
		}
	}
	for _, d := range devices {
		if _, ok := present[d.key()]; !ok || h.failed[d.key()] {
			continue
		}
		slot := -1
		for i, c := range h.ports {
			if c == nil {
				slot = i
				break
			}
		}
		if slot < 0 {
			pkg.LogWarn(pkg.ComponentHAL, "no free port", "device", d.name)
			break
		}
		path := formatDevfsPath(h.devfsRoot, d.busNum, d.devNum)
		fd, err := openDevice(path)
		if err != nil {
			h.failed[d.key()] = true
			pkg.LogWarn(pkg.ComponentHAL, "failed to open device", "path", path, "error", err)
			continue
		}
		h.ports[slot] = &deviceConn{info: d, port: slot + 1, fd: fd}
		attached = append(attached, slot+1)
		pkg.LogDebug(pkg.ComponentHAL, "device opened",
			"path", path,
			"vid", fmt.Sprintf("0x%04x", d.vendorID),
			"pid", fmt.Sprintf("0x%04x", d.productID),
		)
	}
	h.mutex.Unlock()

	for _, port := range detached {
		pkg.LogInfo(pkg.ComponentHAL, "device detached", "port", port)
		h.notify(h.disconnectCh, port)
	}
	for _, port := range attached {
		pkg.LogInfo(pkg.ComponentHAL, "device attached", "port", port)
		h.notify(h.connectCh, port)
	}
}

func (h *HostHAL) notify(ch chan int, port int) {
	select {
	case ch <- port:
	default:
		pkg.LogDebug(pkg.ComponentHAL, "port event dropped", "port", port)
	}
}

func (h *HostHAL) detachLocked(c *deviceConn) {
	if c.address != 0 && h.addresses[c.address] == c {
		h.addresses[c.address] = nil
	}
	if h.dflt == c {
		h.dflt = nil
	}
	c.close()
}

// check fails fast when ctx or the HAL is already done.
func (h *HostHAL) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return h.deadline(ctx, err)
	}
	if h.ctx != nil && h.ctx.Err() != nil {
		return pkg.ErrNotRunning
	}
	return nil
}

// deadline replaces err with the context error once ctx is done. A
// missed deadline reports as pkg.ErrTimeout.
func (h *HostHAL) deadline(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == nil:
		return err
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", pkg.ErrTimeout, ctx.Err())
	default:
		return ctx.Err()
	}
}

// timeout returns the usbfs timeout in milliseconds for a transfer started
// now under ctx. Zero would mean no timeout, so the result is at least 1.
func (h *HostHAL) timeout(ctx context.Context) uint32 {
	d := h.transferTimeout
	if deadline, ok := ctx.Deadline(); ok {
		d = min(d, time.Until(deadline))
	}
	return uint32(max(d.Milliseconds(), 1))
}

// do runs fn on the open node, translating its errno.
func (c *deviceConn) do(fn func(fd int) error) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.closed {
		return ErrNotConnected
	}
	if err := fn(c.fd); err != nil {
		return mapErrno(err)
	}
	return nil
}

func (c *deviceConn) close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := closeDevice(c.fd); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "close device failed", "port", c.port, "error", err)
	}
}

var _ hal.HostHAL = (*HostHAL)(nil)
