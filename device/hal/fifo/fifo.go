package fifo

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cring/acceleratorinator/device/hal"
	"github.com/cring/acceleratorinator/pkg"
)

// MaxEndpoints is the number of data endpoint pairs (1-15).
const MaxEndpoints = 15

// MaxPacketSize bounds the payload of one FIFO message.
const MaxPacketSize = 512

// Message types shared with the host HAL.
const (
	msgSetup   = 0x01 // [address, setup(8), out data...]
	msgData    = 0x02
	msgAck     = 0x03
	msgNak     = 0x04
	msgStall   = 0x05
	msgReset   = 0x12
	msgAddress = 0x13 // [address]
)

// headerSize is the size of [type, len_lo, len_hi].
const headerSize = 3

// pollInterval bounds how long a blocked read waits before rechecking
// cancellation.
const pollInterval = 100 * time.Millisecond

// File names inside the device directory.
const (
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"

	// PresentFile exists while the device is attached. Hosts treat a device
	// directory without it as unplugged.
	PresentFile = "present"
)

// HAL implements hal.DeviceHAL over named pipes. Each instance owns a
// directory busDir/device-<uuid>/ holding its control and endpoint FIFOs.
type HAL struct {
	busDir    string
	deviceDir string
	uuid      string

	hostToDevice *os.File // control requests, read
	deviceToHost *os.File // control responses, written
	epIn         [MaxEndpoints]*os.File
	epOut        [MaxEndpoints]*os.File

	connected atomic.Bool
	speed     hal.Speed
	address   uint8
	active    [MaxEndpoints * 2]hal.EndpointConfig
	numActive int

	mutex    sync.RWMutex
	initDone bool
	closeCh  chan struct{}

	// ctrlBuf is owned by ReadSetup. outData holds the OUT data stage that
	// arrived with the last SETUP message, consumed by ReadEP0.
	ctrlBuf [headerSize + MaxPacketSize]byte
	outData []byte

	writeMutex sync.Mutex
	writeBuf   [headerSize + MaxPacketSize]byte
}

// New creates a FIFO device HAL rooted at busDir.
func New(busDir string) *HAL {
	return &HAL{
		busDir: busDir,
		speed:  hal.SpeedFull,
	}
}

func generateUUID() (string, error) {
	var uuid [16]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		return "", err
	}
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return hex.EncodeToString(uuid[:]), nil
}

// Init creates the device directory and its FIFOs. Every FIFO is opened
// read-write so neither side blocks waiting for the other.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.initDone {
		return pkg.ErrAlreadyRunning
	}

	uuid, err := generateUUID()
	if err != nil {
		return fmt.Errorf("generate uuid: %w", err)
	}
	h.uuid = uuid
	h.deviceDir = filepath.Join(h.busDir, "device-"+uuid)

	if err := os.MkdirAll(h.deviceDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	names := []string{fifoHostToDevice, fifoDeviceToHost}
	for i := 1; i <= MaxEndpoints; i++ {
		names = append(names, fmt.Sprintf("ep%d_in", i), fmt.Sprintf("ep%d_out", i))
	}
	for _, name := range names {
		if err := h.createFIFO(name); err != nil {
			h.cleanup()
			return err
		}
	}

	if h.hostToDevice, err = h.openFIFO(fifoHostToDevice); err != nil {
		h.cleanup()
		return err
	}
	if h.deviceToHost, err = h.openFIFO(fifoDeviceToHost); err != nil {
		h.cleanup()
		return err
	}
	for i := range MaxEndpoints {
		if h.epIn[i], err = h.openFIFO(fmt.Sprintf("ep%d_in", i+1)); err != nil {
			h.cleanup()
			return err
		}
		if h.epOut[i], err = h.openFIFO(fmt.Sprintf("ep%d_out", i+1)); err != nil {
			h.cleanup()
			return err
		}
	}

	h.closeCh = make(chan struct{})
	h.initDone = true
	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL initialized",
		"deviceDir", h.deviceDir,
		"uuid", h.uuid)
	return nil
}

// Start publishes the present marker so hosts can discover the device.
func (h *HAL) Start() error {
	h.mutex.RLock()
	ready, dir := h.initDone, h.deviceDir
	h.mutex.RUnlock()

	if !ready {
		return pkg.ErrNotRunning
	}
	if err := os.WriteFile(filepath.Join(dir, PresentFile), nil, 0o644); err != nil {
		return fmt.Errorf("create present marker: %w", err)
	}
	h.connected.Store(true)
	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL started")
	return nil
}

// Stop withdraws the present marker, unblocks pending reads and removes the
// device directory.
func (h *HAL) Stop() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if !h.initDone {
		return nil
	}
	os.Remove(filepath.Join(h.deviceDir, PresentFile))
	h.connected.Store(false)
	close(h.closeCh)
	h.cleanup()
	h.initDone = false

	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL stopped")
	return nil
}

// cleanup closes all FIFOs and removes the device directory.
// The caller must hold h.mutex.
func (h *HAL) cleanup() {
	closeFile := func(f **os.File) {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
	closeFile(&h.hostToDevice)
	closeFile(&h.deviceToHost)
	for i := range MaxEndpoints {
		closeFile(&h.epIn[i])
		closeFile(&h.epOut[i])
	}
	if h.deviceDir != "" {
		os.RemoveAll(h.deviceDir)
	}
}

// SetAddress records the assigned address.
func (h *HAL) SetAddress(address uint8) error {
	h.mutex.Lock()
	h.address = address
	h.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "address set", "address", address)
	return nil
}

// Address returns the last address assigned by the host.
func (h *HAL) Address() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.address
}

// ConfigureEndpoints records the active data endpoints. Read and Write
// reject endpoints that are not active.
func (h *HAL) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.numActive = 0
	for _, ep := range endpoints {
		if num := ep.Number(); num == 0 || num > MaxEndpoints {
			continue
		}
		if h.numActive == len(h.active) {
			break
		}
		h.active[h.numActive] = ep
		h.numActive++
	}
	pkg.LogDebug(pkg.ComponentHAL, "endpoints configured", "count", h.numActive)
	return nil
}

func (h *HAL) isActive(address uint8) bool {
	for _, ep := range h.active[:h.numActive] {
		if ep.Address == address {
			return true
		}
	}
	return false
}

// ReadSetup waits for the next SETUP message. Address assignments are
// acknowledged in place; bus resets are acknowledged and reported as
// pkg.ErrReset.
func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket) error {
	h.mutex.RLock()
	f, done := h.hostToDevice, h.closeCh
	h.mutex.RUnlock()

	if f == nil {
		return pkg.ErrNotRunning
	}

	for {
		msgType, payload, err := h.readMessage(ctx, done, f, h.ctrlBuf[:])
		if err != nil {
			return err
		}

		switch msgType {
		case msgSetup:
			if len(payload) < 1+hal.SetupPacketSize {
				return pkg.ErrSetupPacketTooShort
			}
			hal.ParseSetupPacket(payload[1:], out)
			h.outData = payload[1+hal.SetupPacketSize:]

			pkg.LogDebug(pkg.ComponentHAL, "setup received",
				"reqType", out.RequestType,
				"req", out.Request,
				"value", out.Value,
				"index", out.Index,
				"length", out.Length)
			return nil

		case msgReset:
			h.sendAck()
			pkg.LogDebug(pkg.ComponentHAL, "port reset received")
			return pkg.ErrReset

		case msgAddress:
			if len(payload) >= 1 {
				h.SetAddress(payload[0])
			}
			h.sendAck()

		default:
			pkg.LogWarn(pkg.ComponentHAL, "unexpected message on control pipe", "type", msgType)
		}
	}
}

// WriteEP0 sends the IN data stage.
func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	h.mutex.RLock()
	f, done := h.deviceToHost, h.closeCh
	h.mutex.RUnlock()

	if f == nil {
		return pkg.ErrNotRunning
	}
	return h.sendMessage(ctx, done, f, msgData, data)
}

// ReadEP0 returns the OUT data stage carried by the last SETUP message.
// The status stage of an IN transfer is implicit, so an empty buf reads
// nothing.
func (h *HAL) ReadEP0(ctx context.Context, buf []byte) (int, error) {
	n := copy(buf, h.outData)
	h.outData = nil
	return n, nil
}

// StallEP0 rejects the current control transfer.
func (h *HAL) StallEP0() error {
	h.mutex.RLock()
	f, done := h.deviceToHost, h.closeCh
	h.mutex.RUnlock()

	if f == nil {
		return pkg.ErrNotRunning
	}
	pkg.LogDebug(pkg.ComponentHAL, "EP0 stalled")
	return h.sendMessage(context.Background(), done, f, msgStall, nil)
}

// AckEP0 completes an OUT control transfer.
func (h *HAL) AckEP0() error {
	return h.sendAck()
}

func (h *HAL) sendAck() error {
	h.mutex.RLock()
	f, done := h.deviceToHost, h.closeCh
	h.mutex.RUnlock()

	if f == nil {
		return pkg.ErrNotRunning
	}
	return h.sendMessage(context.Background(), done, f, msgAck, nil)
}

func (h *HAL) endpointFile(address uint8) (*os.File, chan struct{}, error) {
	num := address & 0x0F
	if num == 0 || num > MaxEndpoints {
		return nil, nil, pkg.ErrInvalidEndpoint
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if !h.isActive(address) {
		return nil, nil, pkg.ErrNotConfigured
	}
	f := h.epOut[num-1]
	if address&0x80 != 0 {
		f = h.epIn[num-1]
	}
	if f == nil {
		return nil, nil, pkg.ErrNotRunning
	}
	return f, h.closeCh, nil
}

// Read receives one packet from an OUT endpoint. A zero-length packet
// returns n == 0. Bytes beyond len(buf) are discarded.
func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	if address&0x80 != 0 {
		return 0, pkg.ErrInvalidEndpoint
	}
	f, done, err := h.endpointFile(address)
	if err != nil {
		return 0, err
	}

	var header [headerSize]byte
	if err := readFull(ctx, done, f, header[:]); err != nil {
		return 0, err
	}
	if header[0] != msgData {
		return 0, pkg.ErrProtocol
	}

	length := int(binary.LittleEndian.Uint16(header[1:3]))
	n := min(length, len(buf))
	if err := readFull(ctx, done, f, buf[:n]); err != nil {
		return 0, err
	}
	if length > n {
		pkg.LogWarn(pkg.ComponentHAL, "packet exceeds read buffer",
			"endpoint", address,
			"length", length,
			"buffer", len(buf))
		if err := drain(ctx, done, f, length-n); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Write sends one packet on an IN endpoint. An empty data slice sends a
// zero-length packet.
func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	if address&0x80 == 0 {
		return 0, pkg.ErrInvalidEndpoint
	}
	if len(data) > MaxPacketSize {
		return 0, pkg.ErrBufferTooSmall
	}
	f, done, err := h.endpointFile(address)
	if err != nil {
		return 0, err
	}
	if err := h.sendMessage(ctx, done, f, msgData, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// IsConnected returns true between Start and Stop.
func (h *HAL) IsConnected() bool {
	return h.connected.Load()
}

// GetSpeed returns the emulated bus speed.
func (h *HAL) GetSpeed() hal.Speed {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.speed
}

// DeviceDir returns the device directory path.
func (h *HAL) DeviceDir() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.deviceDir
}

// UUID returns the device's unique identifier.
func (h *HAL) UUID() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.uuid
}

func (h *HAL) createFIFO(name string) error {
	path := filepath.Join(h.deviceDir, name)
	os.Remove(path)
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", name, err)
	}
	return nil
}

func (h *HAL) openFIFO(name string) (*os.File, error) {
	path := filepath.Join(h.deviceDir, name)
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// readMessage reads one message into buf and returns its type and payload.
// Payload bytes that do not fit in buf are discarded.
func (h *HAL) readMessage(ctx context.Context, done chan struct{}, f *os.File, buf []byte) (byte, []byte, error) {
	if err := readFull(ctx, done, f, buf[:headerSize]); err != nil {
		return 0, nil, err
	}
	msgType := buf[0]
	length := int(binary.LittleEndian.Uint16(buf[1:3]))

	n := min(length, len(buf)-headerSize)
	payload := buf[headerSize : headerSize+n]
	if err := readFull(ctx, done, f, payload); err != nil {
		return 0, nil, err
	}
	if length > n {
		if err := drain(ctx, done, f, length-n); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}

// sendMessage writes [type, len_lo, len_hi, data...] as a single write so
// messages from concurrent callers never interleave.
func (h *HAL) sendMessage(ctx context.Context, done chan struct{}, f *os.File, msgType byte, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return pkg.ErrNotRunning
	default:
	}
	if len(data) > MaxPacketSize {
		return pkg.ErrBufferTooSmall
	}

	h.writeMutex.Lock()
	defer h.writeMutex.Unlock()

	buf := h.writeBuf[:headerSize+len(data)]
	buf[0] = msgType
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(data)))
	copy(buf[headerSize:], data)

	for written := 0; written < len(buf); {
		n, err := f.Write(buf[written:])
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

// readFull fills buf, polling so that cancellation and Stop are observed.
func readFull(ctx context.Context, done chan struct{}, f *os.File, buf []byte) error {
	for total := 0; total < len(buf); {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return pkg.ErrNotRunning
		default:
		}

		f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := f.Read(buf[total:])
		total += n
		switch {
		case err == nil, os.IsTimeout(err), err == io.EOF:
		case isClosed(done):
			return pkg.ErrNotRunning
		default:
			return err
		}
	}
	return nil
}

// drain discards n bytes.
func drain(ctx context.Context, done chan struct{}, f *os.File, n int) error {
	var scratch [64]byte
	for n > 0 {
		chunk := min(n, len(scratch))
		if err := readFull(ctx, done, f, scratch[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func isClosed(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

var _ hal.DeviceHAL = (*HAL)(nil)
