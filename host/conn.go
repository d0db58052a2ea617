package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/pkg"
)

type connState uint8

const (
	connUnbound connState = iota
	connBound
	connFreed
)

// Option configures a Connection.
type Option func(*Connection)

// WithDiscoveryTimeout sets how long Connect waits for a matching device.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(c *Connection) { c.discoveryTimeout = d }
}

// WithTransferTimeout bounds each BulkOut and BulkIn call.
func WithTransferTimeout(d time.Duration) Option {
	return func(c *Connection) { c.transferTimeout = d }
}

// WithInterface selects the interface Connect claims. The default is 0.
func WithInterface(iface uint8) Option {
	return func(c *Connection) { c.iface = iface }
}

// Connection is a handle on one claimed interface of one device. It starts
// unbound, is bound by Connect, and is released for good by Free.
type Connection struct {
	host             *Host
	iface            uint8
	discoveryTimeout time.Duration
	transferTimeout  time.Duration

	mutex  sync.Mutex
	state  connState
	device *Device
	pipe   *Pipe
}

// NewConnection creates an unbound connection that will run a host stack
// on h.
func NewConnection(h hal.HostHAL, opts ...Option) *Connection {
	c := &Connection{
		host:             New(h),
		discoveryTimeout: DefaultDiscoveryTimeout,
		transferTimeout:  DefaultTransferTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts the host stack if needed, waits for an enumerated device
// with the given identity and claims the connection's interface.
//
// It returns pkg.ErrInvalidHandle for a nil or freed connection,
// pkg.ErrAlready when already bound, pkg.ErrNotPresent when no device
// matches within the discovery timeout and pkg.ErrTransport when the host
// cannot start or the interface cannot be claimed.
func (c *Connection) Connect(ctx context.Context, vendorID, productID uint16) error {
	if c == nil {
		return pkg.ErrInvalidHandle
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch c.state {
	case connFreed:
		return pkg.ErrInvalidHandle
	case connBound:
		return pkg.ErrAlready
	}

	if !c.host.IsRunning() {
		// The host outlives this call; only Free stops it.
		if err := c.host.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("%w: start host: %w", pkg.ErrTransport, err)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, c.discoveryTimeout)
	dev, err := c.discover(dctx, vendorID, productID)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %04x:%04x: %w", pkg.ErrNotPresent, vendorID, productID, err)
	}

	addr := hal.DeviceAddress(dev.Address())
	if err := c.host.HAL().ClaimInterface(addr, c.iface); err != nil {
		return fmt.Errorf("%w: claim interface %d: %w", pkg.ErrTransport, c.iface, err)
	}
	in, out := dev.BulkEndpoints(c.iface)
	if in == nil || out == nil || in.MaxPacketSize == 0 || out.MaxPacketSize == 0 {
		c.release(dev)
		return fmt.Errorf("%w: interface %d has no bulk endpoint pair", pkg.ErrTransport, c.iface)
	}

	c.device = dev
	c.pipe = NewPipe(dev, in.EndpointAddress, out.EndpointAddress,
		int(max(in.MaxPacketSize, out.MaxPacketSize)))
	c.state = connBound

	pkg.LogInfo(pkg.ComponentHost, "connected",
		"address", dev.Address(),
		"interface", c.iface,
		"product", dev.Product(),
		"serial", dev.SerialNumber())
	return nil
}

// discover returns an enumerated device with the given identity, waiting
// for one if none is present yet.
func (c *Connection) discover(ctx context.Context, vendorID, productID uint16) (*Device, error) {
	for _, dev := range c.host.Devices() {
		if dev.Matches(vendorID, productID) {
			return dev, nil
		}
	}
	for {
		dev, err := c.host.WaitDevice(ctx)
		if err != nil {
			return nil, err
		}
		if dev.Matches(vendorID, productID) {
			return dev, nil
		}
		pkg.LogDebug(pkg.ComponentHost, "ignoring device",
			"vid", fmt.Sprintf("0x%04x", dev.VendorID()),
			"pid", fmt.Sprintf("0x%04x", dev.ProductID()))
	}
}

// Device returns the bound device, or nil.
func (c *Connection) Device() *Device {
	if c == nil {
		return nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.device
}

func (c *Connection) bound() (*Pipe, error) {
	if c == nil {
		return nil, pkg.ErrInvalidHandle
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state != connBound {
		return nil, pkg.ErrInvalidHandle
	}
	return c.pipe, nil
}

// BulkOut sends data to the OUT endpoint ep of the claimed interface. Data
// longer than a packet is split; empty data sends a zero-length packet.
func (c *Connection) BulkOut(ctx context.Context, ep uint8, data []byte) error {
	pipe, err := c.bound()
	if err != nil {
		return err
	}
	if ep != pipe.Out() {
		return fmt.Errorf("%w: endpoint %#02x is not the bulk OUT endpoint", pkg.ErrInvalidParameter, ep)
	}

	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()
	if _, err := pipe.Write(ctx, data); err != nil {
		return c.transportError(pipe, ep, err)
	}
	return nil
}

// BulkIn reads one packet from the IN endpoint ep of the claimed interface.
func (c *Connection) BulkIn(ctx context.Context, ep uint8, buf []byte) (int, error) {
	pipe, err := c.bound()
	if err != nil {
		return 0, err
	}
	if ep != pipe.In() {
		return 0, fmt.Errorf("%w: endpoint %#02x is not the bulk IN endpoint", pkg.ErrInvalidParameter, ep)
	}

	ctx, cancel := context.WithTimeout(ctx, c.transferTimeout)
	defer cancel()
	n, err := pipe.Read(ctx, buf)
	if err != nil {
		return 0, c.transportError(pipe, ep, err)
	}
	return n, nil
}

// transportError wraps a failed transfer. A stalled endpoint is cleared so
// the next transfer can proceed.
func (c *Connection) transportError(pipe *Pipe, ep uint8, err error) error {
	if errors.Is(err, pkg.ErrStall) {
		pipe.Reset()
		ctx, cancel := context.WithTimeout(context.Background(), c.transferTimeout)
		if cerr := pipe.Device().ClearEndpointHalt(ctx, ep); cerr != nil {
			pkg.LogWarn(pkg.ComponentHost, "clear halt failed", "endpoint", ep, "error", cerr)
		}
		cancel()
	}
	return fmt.Errorf("%w: endpoint %#02x: %w", pkg.ErrTransport, ep, err)
}

func (c *Connection) release(dev *Device) {
	addr := hal.DeviceAddress(dev.Address())
	if err := c.host.HAL().ReleaseInterface(addr, c.iface); err != nil {
		pkg.LogDebug(pkg.ComponentHost, "release interface failed", "interface", c.iface, "error", err)
	}
}

// Free releases the interface, stops the host stack and closes the HAL.
// A nil connection gives pkg.ErrInvalidHandle and a second Free gives
// pkg.ErrAlready.
func (c *Connection) Free() error {
	if c == nil {
		return pkg.ErrInvalidHandle
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state == connFreed {
		return pkg.ErrAlready
	}
	if c.state == connBound {
		c.release(c.device)
	}
	c.state = connFreed
	c.device, c.pipe = nil, nil

	err := c.host.Stop()
	if cerr := c.host.HAL().Close(); err == nil {
		err = cerr
	}
	pkg.LogDebug(pkg.ComponentHost, "connection freed")
	return err
}
