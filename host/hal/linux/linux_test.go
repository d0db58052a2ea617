//go:build linux

package linux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/pkg"
)

// fakeBus is a sysfs tree plus a devfs tree of plain files. Plain files open
// fine but reject every usbfs ioctl.
type fakeBus struct {
	sysfs string
	devfs string
}

func newFakeBus(t *testing.T) *fakeBus {
	t.Helper()
	root := t.TempDir()
	b := &fakeBus{
		sysfs: filepath.Join(root, "sys"),
		devfs: filepath.Join(root, "dev"),
	}
	for _, dir := range []string{b.sysfs, b.devfs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return b
}

func (b *fakeBus) plug(t *testing.T, name string, bus, dev uint8, vid, pid uint16) {
	t.Helper()
	node := formatDevfsPath(b.devfs, bus, dev)
	if err := os.MkdirAll(filepath.Dir(node), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(node, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	writeSysfsDevice(t, b.sysfs, name, bus, dev, vid, pid)
}

func (b *fakeBus) unplug(t *testing.T, name string) {
	t.Helper()
	if err := os.RemoveAll(filepath.Join(b.sysfs, name)); err != nil {
		t.Fatal(err)
	}
}

func startHost(t *testing.T, b *fakeBus) *HostHAL {
	t.Helper()
	h := NewHostHAL(
		WithPaths(b.sysfs, b.devfs),
		WithFilter(0xC0DE, 0xCAFE),
		WithScanInterval(10*time.Millisecond),
	)
	if err := h.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func waitPort(t *testing.T, wait func(context.Context) (int, error)) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	port, err := wait(ctx)
	if err != nil {
		t.Fatalf("wait for port event: %v", err)
	}
	return port
}

func TestHostHAL_Lifecycle(t *testing.T) {
	t.Run("missing sysfs", func(t *testing.T) {
		h := NewHostHAL(WithPaths(filepath.Join(t.TempDir(), "none"), ""))
		if err := h.Init(context.Background()); !errors.Is(err, pkg.ErrNotSupported) {
			t.Errorf("Init() error = %v, want ErrNotSupported", err)
		}
	})

	t.Run("start before init", func(t *testing.T) {
		h := NewHostHAL()
		if err := h.Start(); !errors.Is(err, pkg.ErrNotRunning) {
			t.Errorf("Start() error = %v, want ErrNotRunning", err)
		}
		if _, err := h.WaitForConnection(context.Background()); !errors.Is(err, pkg.ErrNotRunning) {
			t.Errorf("WaitForConnection() error = %v, want ErrNotRunning", err)
		}
	})

	t.Run("double init", func(t *testing.T) {
		h := startHost(t, newFakeBus(t))
		if err := h.Init(context.Background()); !errors.Is(err, pkg.ErrAlreadyRunning) {
			t.Errorf("second Init() error = %v, want ErrAlreadyRunning", err)
		}
	})

	t.Run("stop", func(t *testing.T) {
		b := newFakeBus(t)
		b.plug(t, "1-1", 1, 2, 0xC0DE, 0xCAFE)
		h := startHost(t, b)
		waitPort(t, h.WaitForConnection)

		if err := h.Stop(); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if _, err := h.WaitForDisconnection(context.Background()); !errors.Is(err, pkg.ErrNotRunning) {
			t.Errorf("WaitForDisconnection() after Stop error = %v, want ErrNotRunning", err)
		}
		if status, _ := h.GetPortStatus(1); status.Connected {
			t.Error("port 1 still connected after Stop")
		}
	})
}

func TestHostHAL_AttachDetach(t *testing.T) {
	b := newFakeBus(t)
	b.plug(t, "1-4", 1, 9, 0x046D, 0xC52B) // filtered out
	b.plug(t, "1-1", 1, 2, 0xC0DE, 0xCAFE)
	h := startHost(t, b)

	if port := waitPort(t, h.WaitForConnection); port != 1 {
		t.Fatalf("first device on port %d, want 1", port)
	}
	status, err := h.GetPortStatus(1)
	if err != nil {
		t.Fatalf("GetPortStatus(1) error = %v", err)
	}
	if !status.Connected || !status.Enabled || status.Speed != hal.SpeedFull {
		t.Errorf("GetPortStatus(1) = %+v", status)
	}
	if status, _ := h.GetPortStatus(2); status.Connected {
		t.Error("filtered device attached to port 2")
	}

	b.plug(t, "1-2", 1, 3, 0xC0DE, 0xCAFE)
	if port := waitPort(t, h.WaitForConnection); port != 2 {
		t.Errorf("second device on port %d, want 2", port)
	}

	b.unplug(t, "1-1")
	if port := waitPort(t, h.WaitForDisconnection); port != 1 {
		t.Errorf("detach reported port %d, want 1", port)
	}
	if got := h.PortSpeed(1); got != hal.SpeedUnknown {
		t.Errorf("PortSpeed(1) after detach = %v", got)
	}

	// Re-enumeration gives the device a new devnum and the free port.
	b.plug(t, "1-1", 1, 4, 0xC0DE, 0xCAFE)
	if port := waitPort(t, h.WaitForConnection); port != 1 {
		t.Errorf("reattached device on port %d, want 1", port)
	}
}

func TestHostHAL_OpenFailure(t *testing.T) {
	b := newFakeBus(t)
	writeSysfsDevice(t, b.sysfs, "2-1", 2, 7, 0xC0DE, 0xCAFE) // no devfs node
	h := startHost(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if port, err := h.WaitForConnection(ctx); err == nil {
		t.Errorf("device without a node attached to port %d", port)
	}
}

func TestHostHAL_Addressing(t *testing.T) {
	b := newFakeBus(t)
	b.plug(t, "1-1", 1, 2, 0xC0DE, 0xCAFE)
	h := startHost(t, b)
	port := waitPort(t, h.WaitForConnection)
	ctx := context.Background()

	setAddress := &hal.SetupPacket{RequestType: 0x00, Request: 0x05, Value: 7}
	if _, err := h.ControlTransfer(ctx, 0, setAddress, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("address 0 before reset: error = %v, want ErrNotConnected", err)
	}
	if err := h.SetDeviceAddress(ctx, 7); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetDeviceAddress() before reset error = %v, want ErrNotConnected", err)
	}

	// The plain file rejects the reset ioctl.
	if err := h.ResetPort(port); !errors.Is(err, pkg.ErrTransport) {
		t.Errorf("ResetPort() error = %v, want ErrTransport", err)
	}

	h.mutex.Lock()
	h.dflt = h.ports[port-1]
	h.mutex.Unlock()

	n, err := h.ControlTransfer(ctx, 0, setAddress, nil)
	if err != nil || n != 0 {
		t.Fatalf("SET_ADDRESS = (%d, %v), want (0, nil) without an ioctl", n, err)
	}
	if err := h.SetDeviceAddress(ctx, 7); err != nil {
		t.Fatalf("SetDeviceAddress() error = %v", err)
	}
	if _, err := h.lookup(0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("address 0 still routed after SetDeviceAddress: %v", err)
	}
	if c, err := h.lookup(7); err != nil || c.port != port {
		t.Errorf("lookup(7) = (%v, %v), want port %d", c, err, port)
	}

	getStatus := &hal.SetupPacket{RequestType: 0x80, Request: 0x00, Length: 2}
	if _, err := h.ControlTransfer(ctx, 7, getStatus, make([]byte, 2)); !errors.Is(err, pkg.ErrTransport) {
		t.Errorf("GET_STATUS on a plain file: error = %v, want ErrTransport", err)
	}

	b.unplug(t, "1-1")
	waitPort(t, h.WaitForDisconnection)
	if _, err := h.lookup(7); !errors.Is(err, ErrNotConnected) {
		t.Errorf("address 7 still routed after detach: %v", err)
	}
}

func TestHostHAL_InvalidArguments(t *testing.T) {
	h := startHost(t, newFakeBus(t))
	ctx := context.Background()

	if _, err := h.GetPortStatus(0); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("GetPortStatus(0) error = %v", err)
	}
	if _, err := h.GetPortStatus(MaxPorts + 1); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("GetPortStatus(%d) error = %v", MaxPorts+1, err)
	}
	if err := h.ResetPort(3); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ResetPort(empty) error = %v", err)
	}
	if err := h.SetDeviceAddress(ctx, 128); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetDeviceAddress(128) error = %v", err)
	}
	if _, err := h.BulkTransfer(ctx, 1, 0x80, nil); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("BulkTransfer(ep 0x80) error = %v", err)
	}
	if _, err := h.BulkTransfer(ctx, 200, 0x81, nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("BulkTransfer(addr 200) error = %v", err)
	}
	if _, err := h.BulkTransfer(ctx, 9, 0x01, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("BulkTransfer(unbound addr) error = %v", err)
	}
	if err := h.ClaimInterface(1, MaxInterfaces); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("ClaimInterface(%d) error = %v", MaxInterfaces, err)
	}
}

func TestHostHAL_ClaimInterface(t *testing.T) {
	b := newFakeBus(t)
	b.plug(t, "1-1", 1, 2, 0xC0DE, 0xCAFE)
	h := startHost(t, b)
	port := waitPort(t, h.WaitForConnection)

	h.mutex.Lock()
	h.dflt = h.ports[port-1]
	h.mutex.Unlock()
	if err := h.SetDeviceAddress(context.Background(), 3); err != nil {
		t.Fatal(err)
	}

	if err := h.ReleaseInterface(3, 0); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("ReleaseInterface(unclaimed) error = %v, want ErrInvalidState", err)
	}
	for range 2 {
		// A failed claim leaves the interface unclaimed, so the retry fails
		// the same way.
		if err := h.ClaimInterface(3, 0); !errors.Is(err, pkg.ErrTransport) {
			t.Errorf("ClaimInterface() on a plain file error = %v, want ErrTransport", err)
		}
	}
}

func TestHostHAL_Timeout(t *testing.T) {
	h := NewHostHAL(WithTransferTimeout(2 * time.Second))

	if got := h.timeout(context.Background()); got != 2000 {
		t.Errorf("timeout(no deadline) = %d, want 2000", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if got := h.timeout(ctx); got == 0 || got > 100 {
		t.Errorf("timeout(100ms deadline) = %d, want 1..100", got)
	}

	expired, cancel2 := context.WithTimeout(context.Background(), -time.Second)
	defer cancel2()
	if got := h.timeout(expired); got != 1 {
		t.Errorf("timeout(expired) = %d, want 1", got)
	}
	err := h.deadline(expired, pkg.ErrTransport)
	if !errors.Is(err, pkg.ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("deadline(expired) = %v, want ErrTimeout and DeadlineExceeded", err)
	}
	if err := h.deadline(context.Background(), pkg.ErrStall); err != pkg.ErrStall {
		t.Errorf("deadline(live ctx) = %v, want the transfer error", err)
	}
}
