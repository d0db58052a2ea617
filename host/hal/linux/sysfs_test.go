//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/cring/acceleratorinator/host/hal"
)

// writeSysfsDevice creates a sysfs device directory under root with the
// attributes parseUSBDevice reads.
func writeSysfsDevice(t *testing.T, root, name string, bus, dev uint8, vid, pid uint16) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	attrs := map[string]string{
		"busnum":    strconv.Itoa(int(bus)),
		"devnum":    strconv.Itoa(int(dev)),
		"idVendor":  fmt.Sprintf("%04x", vid),
		"idProduct": fmt.Sprintf("%04x", pid),
		"speed":     "12",
	}
	for attr, val := range attrs {
		if err := os.WriteFile(filepath.Join(dir, attr), []byte(val+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFormatDevfsPath(t *testing.T) {
	tests := []struct {
		busNum   uint8
		devNum   uint8
		expected string
	}{
		{1, 1, "/dev/bus/usb/001/001"},
		{1, 123, "/dev/bus/usb/001/123"},
		{12, 34, "/dev/bus/usb/012/034"},
		{255, 255, "/dev/bus/usb/255/255"},
	}

	for _, tt := range tests {
		got := formatDevfsPath(DevfsUSBPath, tt.busNum, tt.devNum)
		if got != tt.expected {
			t.Errorf("formatDevfsPath(%d, %d) = %q, want %q",
				tt.busNum, tt.devNum, got, tt.expected)
		}
	}
}

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		input    string
		expected hal.Speed
	}{
		{"1.5", hal.SpeedLow},
		{"12", hal.SpeedFull},
		{"480", hal.SpeedHigh},
		{"", hal.SpeedUnknown},
		{"5000", hal.SpeedUnknown},
		{"invalid", hal.SpeedUnknown},
	}

	for _, tt := range tests {
		if got := parseSpeed(tt.input); got != tt.expected {
			t.Errorf("parseSpeed(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestParseUSBDevice(t *testing.T) {
	root := t.TempDir()
	writeSysfsDevice(t, root, "3-2", 3, 17, 0xC0DE, 0xCAFE)

	info, err := parseUSBDevice(filepath.Join(root, "3-2"))
	if err != nil {
		t.Fatalf("parseUSBDevice() error = %v", err)
	}
	want := usbDeviceInfo{
		name:      "3-2",
		busNum:    3,
		devNum:    17,
		vendorID:  0xC0DE,
		productID: 0xCAFE,
		speed:     hal.SpeedFull,
	}
	if info != want {
		t.Errorf("parseUSBDevice() = %+v, want %+v", info, want)
	}
	if info.key() != 0x0311 {
		t.Errorf("key() = %#04x, want 0x0311", info.key())
	}

	t.Run("missing attribute", func(t *testing.T) {
		if err := os.Remove(filepath.Join(root, "3-2", "idProduct")); err != nil {
			t.Fatal(err)
		}
		if _, err := parseUSBDevice(filepath.Join(root, "3-2")); err == nil {
			t.Error("parseUSBDevice() accepted a device without idProduct")
		}
	})

	t.Run("bad busnum", func(t *testing.T) {
		writeSysfsDevice(t, root, "3-3", 3, 18, 1, 2)
		if err := os.WriteFile(filepath.Join(root, "3-3", "busnum"), []byte("300\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := parseUSBDevice(filepath.Join(root, "3-3")); err == nil {
			t.Error("parseUSBDevice() accepted busnum 300")
		}
	})
}

func TestScanUSBDevices(t *testing.T) {
	root := t.TempDir()
	writeSysfsDevice(t, root, "1-2", 1, 5, 0xC0DE, 0xCAFE)
	writeSysfsDevice(t, root, "1-1", 1, 4, 0x046D, 0xC52B)
	writeSysfsDevice(t, root, "usb1", 1, 1, 0x1D6B, 0x0002)
	writeSysfsDevice(t, root, "1-1:1.0", 1, 4, 0x046D, 0xC52B)
	if err := os.Mkdir(filepath.Join(root, "1-9"), 0o755); err != nil {
		t.Fatal(err)
	}

	all, err := scanUSBDevices(root, nil)
	if err != nil {
		t.Fatalf("scanUSBDevices() error = %v", err)
	}
	if len(all) != 2 || all[0].name != "1-1" || all[1].name != "1-2" {
		t.Fatalf("scanUSBDevices() = %+v, want 1-1 and 1-2", all)
	}

	filtered, err := scanUSBDevices(root, func(d usbDeviceInfo) bool {
		return d.vendorID == 0xC0DE
	})
	if err != nil {
		t.Fatalf("scanUSBDevices() error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].devNum != 5 {
		t.Errorf("filtered scan = %+v, want only 1-2", filtered)
	}

	if _, err := scanUSBDevices(filepath.Join(root, "missing"), nil); err == nil {
		t.Error("scanUSBDevices() on a missing root returned no error")
	}
}
