package host

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/pkg"
)

// =============================================================================
// Mock HAL for Testing
// =============================================================================

type controlCall struct {
	addr  hal.DeviceAddress
	setup hal.SetupPacket
}

// mockHAL implements hal.HostHAL with one scripted device behind it.
type mockHAL struct {
	initErr    error
	startErr   error
	controlErr error
	claimErr   error
	bulkErr    error

	connectCh    chan int
	disconnectCh chan int

	device  []byte
	config  []byte
	strings map[uint8][]byte

	mu        sync.Mutex
	controls  []controlCall
	addresses []hal.DeviceAddress
	claimed   map[uint8]bool
	bulkOut   [][]byte
	bulkIn    [][]byte
	running   bool
	closed    bool
}

func newMockHAL(vendorID, productID uint16) *mockHAL {
	return &mockHAL{
		connectCh:    make(chan int, 16),
		disconnectCh: make(chan int, 16),
		device:       testDeviceDescriptor(vendorID, productID),
		config:       testConfigurationTree(),
		strings: map[uint8][]byte{
			0: {4, DescriptorTypeString, 0x09, 0x04},
			1: testStringDescriptor("Cring Electronics"),
			2: testStringDescriptor("Video acceleratorinator"),
			3: testStringDescriptor("12345678"),
		},
		claimed: make(map[uint8]bool),
	}
}

func (m *mockHAL) Init(ctx context.Context) error {
	return m.initErr
}

func (m *mockHAL) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = m.startErr == nil
	return m.startErr
}

func (m *mockHAL) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	return nil
}

func (m *mockHAL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockHAL) NumPorts() int {
	return 4
}

func (m *mockHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	return hal.PortStatus{Connected: true, Enabled: true, PowerOn: true, Speed: hal.SpeedFull}, nil
}

func (m *mockHAL) PortSpeed(port int) hal.Speed {
	return hal.SpeedFull
}

func (m *mockHAL) ResetPort(port int) error {
	return nil
}

func (m *mockHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, controlCall{addr, *setup})
	if m.controlErr != nil {
		return 0, m.controlErr
	}
	if !setup.IsIn() || setup.Request != RequestGetDescriptor {
		return 0, nil
	}

	var src []byte
	switch setup.Value >> 8 {
	case DescriptorTypeDevice:
		src = m.device
	case DescriptorTypeConfiguration:
		src = m.config
	case DescriptorTypeString:
		src = m.strings[uint8(setup.Value)]
	}
	if src == nil {
		return 0, pkg.ErrStall
	}
	return copy(data[:min(len(data), int(setup.Length))], src), nil
}

func (m *mockHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bulkErr != nil {
		return 0, m.bulkErr
	}
	if endpoint&EndpointDirectionIn == 0 {
		m.bulkOut = append(m.bulkOut, append([]byte(nil), data...))
		return len(data), nil
	}
	if len(m.bulkIn) == 0 {
		return 0, pkg.ErrTimeout
	}
	packet := m.bulkIn[0]
	m.bulkIn = m.bulkIn[1:]
	return copy(data, packet), nil
}

func (m *mockHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses = append(m.addresses, newAddr)
	return nil
}

func (m *mockHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return m.claimErr
	}
	m.claimed[iface] = true
	return nil
}

func (m *mockHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, iface)
	return nil
}

func (m *mockHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.connectCh:
		return port, nil
	}
}

func (m *mockHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.disconnectCh:
		return port, nil
	}
}

func (m *mockHAL) simulateConnect(port int) {
	m.connectCh <- port
}

func (m *mockHAL) simulateDisconnect(port int) {
	m.disconnectCh <- port
}

func (m *mockHAL) controlLog() []controlCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]controlCall(nil), m.controls...)
}

var _ hal.HostHAL = (*mockHAL)(nil)

// =============================================================================
// Descriptor Fixtures
// =============================================================================

func testDeviceDescriptor(vendorID, productID uint16) []byte {
	d := []byte{
		DeviceDescriptorSize, DescriptorTypeDevice,
		0x00, 0x02, // USB 2.0
		0xFF, 0x00, 0x00, // vendor class
		64,         // bMaxPacketSize0
		0, 0, 0, 0, // VID, PID
		0x00, 0x01,
		1, 2, 3, // strings
		1,
	}
	binary.LittleEndian.PutUint16(d[8:], vendorID)
	binary.LittleEndian.PutUint16(d[10:], productID)
	return d
}

// testConfigurationTree is one vendor interface with bulk OUT 0x01 and
// bulk IN 0x81, an alternate setting with an interrupt endpoint, and a
// class-specific descriptor in between.
func testConfigurationTree() []byte {
	tree := []byte{
		ConfigurationDescriptorSize, DescriptorTypeConfiguration, 0, 0, 1, 1, 0, 0x80, 50,
		InterfaceDescriptorSize, DescriptorTypeInterface, 0, 0, 2, 0xFF, 0, 0, 0,
		5, 0x24, 0x00, 0x10, 0x01, // class-specific
		EndpointDescriptorSize, DescriptorTypeEndpoint, 0x01, EndpointTypeBulk, 64, 0, 0,
		EndpointDescriptorSize, DescriptorTypeEndpoint, 0x81, EndpointTypeBulk, 64, 0, 0,
		InterfaceDescriptorSize, DescriptorTypeInterface, 0, 1, 1, 0xFF, 0, 0, 0,
		EndpointDescriptorSize, DescriptorTypeEndpoint, 0x82, EndpointTypeInterrupt, 8, 0, 10,
	}
	binary.LittleEndian.PutUint16(tree[2:], uint16(len(tree)))
	return tree
}

func testStringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	d := []byte{byte(2 + 2*len(units)), DescriptorTypeString}
	for _, u := range units {
		d = binary.LittleEndian.AppendUint16(d, u)
	}
	return d
}

// =============================================================================
// Host Tests
// =============================================================================

func startTestHost(t *testing.T, m *mockHAL) *Host {
	t.Helper()
	h := New(m)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Stop() })
	return h
}

func waitDevice(t *testing.T, h *Host) *Device {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dev, err := h.WaitDevice(ctx)
	if err != nil {
		t.Fatalf("WaitDevice() error = %v", err)
	}
	return dev
}

func TestHost_StartStop(t *testing.T) {
	m := newMockHAL(0xC0DE, 0xCAFE)
	h := New(m)

	if _, err := h.WaitDevice(context.Background()); !errors.Is(err, pkg.ErrNotRunning) {
		t.Errorf("WaitDevice() before Start error = %v, want ErrNotRunning", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !h.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := h.Start(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if h.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if h.NumPorts() != 4 {
		t.Errorf("NumPorts() = %d, want 4", h.NumPorts())
	}
}

func TestHost_StartErrors(t *testing.T) {
	initErr := errors.New("no controller")
	m := newMockHAL(0xC0DE, 0xCAFE)
	m.initErr = initErr

	h := New(m)
	if err := h.Start(context.Background()); !errors.Is(err, initErr) {
		t.Errorf("Start() error = %v, want %v", err, initErr)
	}
	if h.IsRunning() {
		t.Error("host running after failed Init")
	}
}

func TestHost_Enumerate(t *testing.T) {
	m := newMockHAL(0xC0DE, 0xCAFE)
	h := startTestHost(t, m)

	var connected *Device
	var mu sync.Mutex
	h.SetOnDeviceConnect(func(d *Device) {
		mu.Lock()
		connected = d
		mu.Unlock()
	})
	m.simulateConnect(2)
	dev := waitDevice(t, h)

	if dev.Address() != 1 || dev.Port() != 2 || dev.Speed() != hal.SpeedFull {
		t.Errorf("device address %d port %d speed %v", dev.Address(), dev.Port(), dev.Speed())
	}
	if !dev.Matches(0xC0DE, 0xCAFE) || dev.Matches(0xC0DE, 0xBEEF) {
		t.Error("Matches() disagrees with the descriptor")
	}
	if dev.State() != DeviceStateConfigured || dev.GetConfiguration() != 1 {
		t.Errorf("state %v config %d, want Configured 1", dev.State(), dev.GetConfiguration())
	}
	if dev.Manufacturer() != "Cring Electronics" ||
		dev.Product() != "Video acceleratorinator" ||
		dev.SerialNumber() != "12345678" {
		t.Errorf("strings %q %q %q", dev.Manufacturer(), dev.Product(), dev.SerialNumber())
	}
	if got := h.GetDevice(1); got != dev {
		t.Error("GetDevice(1) does not return the enumerated device")
	}
	if got := h.Devices(); len(got) != 1 {
		t.Errorf("Devices() has %d entries, want 1", len(got))
	}

	in, out := dev.BulkEndpoints(0)
	if in == nil || out == nil || in.EndpointAddress != 0x81 || out.EndpointAddress != 0x01 {
		t.Fatalf("BulkEndpoints(0) = %+v, %+v", in, out)
	}
	if in, out := dev.BulkEndpoints(1); in != nil || out != nil {
		t.Error("BulkEndpoints(1) found endpoints on a missing interface")
	}

	calls := m.controlLog()
	if len(calls) < 3 {
		t.Fatalf("only %d control transfers", len(calls))
	}
	if c := calls[0]; c.addr != 0 || c.setup.Request != RequestGetDescriptor || c.setup.Length != probeLength {
		t.Errorf("first transfer = %+v, want an 8-byte device descriptor probe at address 0", c)
	}
	if c := calls[1]; c.addr != 0 || c.setup.Request != RequestSetAddress || c.setup.Value != 1 {
		t.Errorf("second transfer = %+v, want SET_ADDRESS 1 at address 0", c)
	}
	last := calls[len(calls)-1]
	if last.addr != 1 || last.setup.Request != RequestSetConfiguration || last.setup.Value != 1 {
		t.Errorf("last transfer = %+v, want SET_CONFIGURATION 1 at address 1", last)
	}
	m.mu.Lock()
	addresses := m.addresses
	m.mu.Unlock()
	if len(addresses) != 1 || addresses[0] != 1 {
		t.Errorf("SetDeviceAddress calls = %v, want [1]", addresses)
	}

	mu.Lock()
	defer mu.Unlock()
	if connected != dev {
		t.Error("OnDeviceConnect not called with the device")
	}
}

func TestHost_EnumerationFailure(t *testing.T) {
	m := newMockHAL(0xC0DE, 0xCAFE)
	m.controlErr = pkg.ErrStall
	h := startTestHost(t, m)

	m.simulateConnect(1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if dev, err := h.WaitDevice(ctx); err == nil {
		t.Fatalf("WaitDevice() returned %v for a stalling device", dev)
	}
	if len(h.Devices()) != 0 {
		t.Error("failed enumeration left a device behind")
	}
}

func TestHost_Disconnect(t *testing.T) {
	m := newMockHAL(0xC0DE, 0xCAFE)
	h := startTestHost(t, m)

	gone := make(chan *Device, 1)
	h.SetOnDeviceDisconnect(func(d *Device) { gone <- d })

	m.simulateConnect(3)
	dev := waitDevice(t, h)
	m.simulateDisconnect(3)

	select {
	case d := <-gone:
		if d != dev {
			t.Error("OnDeviceDisconnect called with another device")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDeviceDisconnect not called")
	}
	if dev.State() != DeviceStateDetached {
		t.Errorf("State() = %v, want Detached", dev.State())
	}
	if h.GetDevice(dev.Address()) != nil {
		t.Error("device still listed after disconnect")
	}
}

func TestHost_Reenumerate(t *testing.T) {
	m := newMockHAL(0xC0DE, 0xCAFE)
	h := startTestHost(t, m)

	m.simulateConnect(1)
	first := waitDevice(t, h)
	m.simulateConnect(1)
	second := waitDevice(t, h)

	if first.Address() == second.Address() {
		t.Errorf("both enumerations got address %d", first.Address())
	}
	if first.State() != DeviceStateDetached {
		t.Error("replaced device not detached")
	}
	if devs := h.Devices(); len(devs) != 1 || devs[0] != second {
		t.Errorf("Devices() = %v, want only the new device", devs)
	}
}

func TestHost_AllocateAddress(t *testing.T) {
	h := New(newMockHAL(0, 0))

	for want := uint8(1); want <= MaxDevices; want++ {
		if got := h.allocateAddress(); got != want {
			t.Fatalf("allocateAddress() = %d, want %d", got, want)
		}
	}
	// Nothing was recorded, so the counter wraps back to 1.
	if got := h.allocateAddress(); got != 1 {
		t.Errorf("allocateAddress() after wrap = %d, want 1", got)
	}

	for i := range h.devices {
		h.devices[i] = &Device{}
	}
	if got := h.allocateAddress(); got != 0 {
		t.Errorf("allocateAddress() with every address taken = %d, want 0", got)
	}
}

func BenchmarkHost_GetDevice(b *testing.B) {
	h := New(newMockHAL(0, 0))
	for i := range MaxDevices {
		h.devices[i] = &Device{address: uint8(i + 1)}
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = h.GetDevice(uint8(i%MaxDevices) + 1)
	}
}
