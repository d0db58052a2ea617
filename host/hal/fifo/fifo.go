package fifo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/pkg"
)

// Message types shared with the device HAL.
const (
	msgSetup   = 0x01 // [address, setup(8), out data...]
	msgData    = 0x02
	msgAck     = 0x03
	msgNak     = 0x04
	msgStall   = 0x05
	msgReset   = 0x12
	msgAddress = 0x13 // [address]
)

// Sizes.
const (
	// MaxPorts is the number of device directories served at once.
	MaxPorts = 8

	// MaxEndpoints is the number of data endpoint pairs (1-15).
	MaxEndpoints = 15

	// MaxPacketSize bounds the payload of one data message.
	MaxPacketSize = 512

	headerSize = 3
	maxAddress = 127
)

// Timing.
const (
	// pollInterval is how often the bus directory is scanned.
	pollInterval = 50 * time.Millisecond

	// readPoll bounds a single blocked read or write so cancellation and
	// detach are observed.
	readPoll = 100 * time.Millisecond

	// ResponseTimeout bounds the wait for a control response.
	ResponseTimeout = 5 * time.Second
)

// File names inside a device directory.
const (
	deviceDirPrefix  = "device-"
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	presentFile      = "present"
)

// ErrNotConnected indicates no attached device answers at the address or
// port, or the device detached during the transfer.
var ErrNotConnected = errors.New("fifo: device not connected")

// deviceConn is one attached device directory.
type deviceConn struct {
	dir     string
	port    int
	address uint8
	claimed uint32

	hostToDevice *os.File
	deviceToHost *os.File
	epIn         [MaxEndpoints]*os.File // host reads
	epOut        [MaxEndpoints]*os.File // host writes

	gone chan struct{}

	// ctrlMutex serializes control transfers; inMutex and outMutex
	// serialize bulk traffic in each direction.
	ctrlMutex sync.Mutex
	inMutex   sync.Mutex
	outMutex  sync.Mutex

	ctrlBuf [headerSize + 1 + hal.SetupPacketSize + MaxPacketSize]byte
	outBuf  [headerSize + MaxPacketSize]byte
}

// HostHAL implements hal.HostHAL over named pipes. It polls a bus directory
// for device directories carrying a present marker and gives each one a
// port.
type HostHAL struct {
	busDir string

	mutex     sync.RWMutex
	ports     [MaxPorts]*deviceConn
	addresses [maxAddress + 1]*deviceConn
	dflt      *deviceConn // reset, not yet addressed

	connectCh    chan int
	disconnectCh chan int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHostHAL creates a FIFO host HAL watching busDir.
func NewHostHAL(busDir string) *HostHAL {
	return &HostHAL{
		busDir:       busDir,
		connectCh:    make(chan int, MaxPorts),
		disconnectCh: make(chan int, MaxPorts),
	}
}

// Init creates the bus directory.
func (h *HostHAL) Init(ctx context.Context) error {
	if h.ctx != nil && h.ctx.Err() == nil {
		return pkg.ErrAlreadyRunning
	}
	if err := os.MkdirAll(h.busDir, 0o755); err != nil {
		return fmt.Errorf("create bus dir: %w", err)
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	pkg.LogInfo(pkg.ComponentHAL, "fifo host HAL initialized", "busDir", h.busDir)
	return nil
}

// Start begins polling the bus directory.
func (h *HostHAL) Start() error {
	if h.ctx == nil {
		return pkg.ErrNotRunning
	}
	h.scan()
	h.wg.Add(1)
	go h.poll()
	pkg.LogInfo(pkg.ComponentHAL, "fifo host HAL started")
	return nil
}

// Stop ends polling and closes every attached device.
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

	pkg.LogInfo(pkg.ComponentHAL, "fifo host HAL stopped")
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

// GetPortStatus returns the status of a port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	c, err := h.port(port)
	if err != nil {
		return hal.PortStatus{}, err
	}
	st := hal.PortStatus{PowerOn: true}
	if c != nil {
		st.Connected, st.Enabled, st.Speed = true, true, hal.SpeedFull
	}
	return st, nil
}

// PortSpeed returns full speed for an attached port.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	if c, _ := h.port(port); c != nil {
		return hal.SpeedFull
	}
	return hal.SpeedUnknown
}

// ResetPort resets the device on port and makes it the address 0 device.
func (h *HostHAL) ResetPort(port int) error {
	c, err := h.port(port)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(h.ctx, ResponseTimeout)
	defer cancel()

	c.ctrlMutex.Lock()
	resp, _, err := h.request(ctx, c, msgReset, nil)
	c.ctrlMutex.Unlock()
	if err != nil {
		return err
	}
	if resp != msgAck {
		return fmt.Errorf("reset answered with message %#02x: %w", resp, pkg.ErrProtocol)
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

// ControlTransfer sends a SETUP message and waits for the response. OUT
// data travels inside the SETUP message.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	c, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	isIn := setup.IsIn()
	if !isIn && len(data) > MaxPacketSize {
		return 0, pkg.ErrBufferTooSmall
	}

	ctx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel()

	c.ctrlMutex.Lock()
	defer c.ctrlMutex.Unlock()

	var payload [1 + hal.SetupPacketSize]byte
	payload[0] = byte(addr)
	setup.MarshalTo(payload[1:])

	var out []byte
	if !isIn {
		out = data
	}
	resp, in, err := h.request(ctx, c, msgSetup, payload[:], out...)
	if err != nil {
		return 0, err
	}

	switch resp {
	case msgData:
		if !isIn {
			return 0, pkg.ErrProtocol
		}
		return copy(data, in), nil
	case msgAck:
		if isIn {
			return 0, nil
		}
		return len(data), nil
	case msgNak:
		return 0, pkg.ErrNAK
	case msgStall:
		return 0, pkg.ErrStall
	default:
		return 0, fmt.Errorf("control response %#02x: %w", resp, pkg.ErrProtocol)
	}
}

// BulkTransfer moves one DATA message on an endpoint FIFO.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	c, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	num := int(endpoint & 0x0F)
	if num == 0 || num > MaxEndpoints {
		return 0, pkg.ErrInvalidEndpoint
	}

	if endpoint&0x80 != 0 {
		c.inMutex.Lock()
		defer c.inMutex.Unlock()

		f := c.epIn[num-1]
		var header [headerSize]byte
		if err := h.readFull(ctx, c, f, header[:]); err != nil {
			return 0, err
		}
		if header[0] != msgData {
			return 0, fmt.Errorf("endpoint %#02x message %#02x: %w", endpoint, header[0], pkg.ErrProtocol)
		}
		length := int(binary.LittleEndian.Uint16(header[1:3]))
		n := min(length, len(data))
		if err := h.readFull(ctx, c, f, data[:n]); err != nil {
			return 0, err
		}
		if length > n {
			pkg.LogWarn(pkg.ComponentHAL, "bulk packet truncated",
				"endpoint", endpoint,
				"length", length,
				"buffer", len(data))
			if err := h.drain(ctx, c, f, length-n); err != nil {
				return n, err
			}
		}
		return n, nil
	}

	if len(data) > MaxPacketSize {
		return 0, pkg.ErrBufferTooSmall
	}
	c.outMutex.Lock()
	defer c.outMutex.Unlock()

	msg := c.outBuf[:headerSize+len(data)]
	msg[0] = msgData
	binary.LittleEndian.PutUint16(msg[1:3], uint16(len(data)))
	copy(msg[headerSize:], data)
	if err := h.writeFull(ctx, c, c.epOut[num-1], msg); err != nil {
		return 0, err
	}
	return len(data), nil
}

// SetDeviceAddress tells the address 0 device its new address and routes
// newAddr to it.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if newAddr == 0 || newAddr > maxAddress {
		return pkg.ErrInvalidParameter
	}
	c, err := h.lookup(0)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel()

	c.ctrlMutex.Lock()
	resp, _, err := h.request(ctx, c, msgAddress, []byte{byte(newAddr)})
	c.ctrlMutex.Unlock()
	if err != nil {
		return err
	}
	if resp != msgAck {
		return fmt.Errorf("address answered with message %#02x: %w", resp, pkg.ErrProtocol)
	}

	h.mutex.Lock()
	h.addresses[newAddr] = c
	c.address = uint8(newAddr)
	if h.dflt == c {
		h.dflt = nil
	}
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "device address set", "port", c.port, "address", newAddr)
	return nil
}

// ClaimInterface marks an interface as claimed.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	if iface >= 32 {
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
	c.claimed |= 1 << iface
	return nil
}

// ReleaseInterface releases a claimed interface.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	if iface >= 32 {
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
	return nil
}

// WaitForConnection blocks until a device directory attaches.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrNotRunning
	case port := <-h.connectCh:
		return port, nil
	}
}

// WaitForDisconnection blocks until a device directory detaches.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, pkg.ErrNotRunning
	case port := <-h.disconnectCh:
		return port, nil
	}
}

func (h *HostHAL) poll() {
	defer h.wg.Done()

	ticker := time.NewTicker(pollInterval)
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

// scan attaches new device directories and detaches those whose present
// marker is gone.
func (h *HostHAL) scan() {
	present := make(map[string]bool)
	entries, err := os.ReadDir(h.busDir)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "bus scan failed", "error", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), deviceDirPrefix) {
			continue
		}
		dir := filepath.Join(h.busDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, presentFile)); err == nil {
			present[dir] = true
		}
	}

	var attached, detached []int

	h.mutex.Lock()
	for i, c := range h.ports {
		if c == nil {
			continue
		}
		if present[c.dir] {
			delete(present, c.dir)
			continue
		}
		h.detachLocked(c)
		h.ports[i] = nil
		detached = append(detached, c.port)
	}
	for dir := range present {
		slot := -1
		for i, c := range h.ports {
			if c == nil {
				slot = i
				break
			}
		}
		if slot < 0 {
			pkg.LogWarn(pkg.ComponentHAL, "no free port", "dir", dir)
			break
		}
		c, err := openDevice(dir, slot+1)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "failed to open device FIFOs", "dir", dir, "error", err)
			continue
		}
		h.ports[slot] = c
		attached = append(attached, c.port)
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

// notify never blocks the scanner; events nobody waits for are dropped.
func (h *HostHAL) notify(ch chan int, port int) {
	select {
	case ch <- port:
	default:
		pkg.LogDebug(pkg.ComponentHAL, "port event dropped", "port", port)
	}
}

// detachLocked closes c and drops its routes. The caller holds h.mutex.
func (h *HostHAL) detachLocked(c *deviceConn) {
	if c.address != 0 && h.addresses[c.address] == c {
		h.addresses[c.address] = nil
	}
	if h.dflt == c {
		h.dflt = nil
	}
	close(c.gone)
	c.close()
}

func openDevice(dir string, port int) (*deviceConn, error) {
	c := &deviceConn{dir: dir, port: port, gone: make(chan struct{})}

	open := func(name string) (*os.File, error) {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_RDWR|syscall.O_NONBLOCK, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		return f, nil
	}

	var err error
	if c.hostToDevice, err = open(fifoHostToDevice); err != nil {
		c.close()
		return nil, err
	}
	if c.deviceToHost, err = open(fifoDeviceToHost); err != nil {
		c.close()
		return nil, err
	}
	for i := range MaxEndpoints {
		if c.epIn[i], err = open(fmt.Sprintf("ep%d_in", i+1)); err != nil {
			c.close()
			return nil, err
		}
		if c.epOut[i], err = open(fmt.Sprintf("ep%d_out", i+1)); err != nil {
			c.close()
			return nil, err
		}
	}
	return c, nil
}

func (c *deviceConn) close() {
	for _, f := range []*os.File{c.hostToDevice, c.deviceToHost} {
		if f != nil {
			f.Close()
		}
	}
	for i := range MaxEndpoints {
		if c.epIn[i] != nil {
			c.epIn[i].Close()
		}
		if c.epOut[i] != nil {
			c.epOut[i].Close()
		}
	}
}

// request writes one control message and reads the response. The caller
// holds c.ctrlMutex. The returned payload aliases c.ctrlBuf.
func (h *HostHAL) request(ctx context.Context, c *deviceConn, msgType byte, payload []byte, extra ...byte) (byte, []byte, error) {
	length := len(payload) + len(extra)
	msg := c.ctrlBuf[:headerSize+length]
	msg[0] = msgType
	binary.LittleEndian.PutUint16(msg[1:3], uint16(length))
	copy(msg[headerSize:], payload)
	copy(msg[headerSize+len(payload):], extra)
	if err := h.writeFull(ctx, c, c.hostToDevice, msg); err != nil {
		return 0, nil, err
	}

	header := c.ctrlBuf[:headerSize]
	if err := h.readFull(ctx, c, c.deviceToHost, header); err != nil {
		return 0, nil, err
	}
	resp := header[0]
	length = int(binary.LittleEndian.Uint16(header[1:3]))
	n := min(length, len(c.ctrlBuf)-headerSize)
	data := c.ctrlBuf[headerSize : headerSize+n]
	if err := h.readFull(ctx, c, c.deviceToHost, data); err != nil {
		return 0, nil, err
	}
	if length > n {
		if err := h.drain(ctx, c, c.deviceToHost, length-n); err != nil {
			return 0, nil, err
		}
	}
	return resp, data, nil
}

// check reports why a blocked transfer on c must end, if it must.
func (h *HostHAL) check(ctx context.Context, c *deviceConn) error {
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", pkg.ErrTimeout, ctx.Err())
		}
		return ctx.Err()
	case <-c.gone:
		return ErrNotConnected
	case <-h.ctx.Done():
		return pkg.ErrNotRunning
	default:
		return nil
	}
}

func (h *HostHAL) readFull(ctx context.Context, c *deviceConn, f *os.File, buf []byte) error {
	for total := 0; total < len(buf); {
		if err := h.check(ctx, c); err != nil {
			return err
		}
		f.SetReadDeadline(time.Now().Add(readPoll))
		n, err := f.Read(buf[total:])
		total += n
		if err != nil && !os.IsTimeout(err) && err != io.EOF {
			if cerr := h.check(ctx, c); cerr != nil {
				return cerr
			}
			return err
		}
	}
	return nil
}

func (h *HostHAL) writeFull(ctx context.Context, c *deviceConn, f *os.File, buf []byte) error {
	for total := 0; total < len(buf); {
		if err := h.check(ctx, c); err != nil {
			return err
		}
		f.SetWriteDeadline(time.Now().Add(readPoll))
		n, err := f.Write(buf[total:])
		total += n
		if err != nil && !os.IsTimeout(err) {
			if cerr := h.check(ctx, c); cerr != nil {
				return cerr
			}
			return err
		}
	}
	return nil
}

func (h *HostHAL) drain(ctx context.Context, c *deviceConn, f *os.File, n int) error {
	var scratch [64]byte
	for n > 0 {
		chunk := min(n, len(scratch))
		if err := h.readFull(ctx, c, f, scratch[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

var _ hal.HostHAL = (*HostHAL)(nil)
