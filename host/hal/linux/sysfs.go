//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cring/acceleratorinator/host/hal"
)

// usbDeviceInfo holds what sysfs reports about one USB device.
type usbDeviceInfo struct {
	name      string // sysfs entry, e.g. "1-1.2"
	busNum    uint8
	devNum    uint8
	vendorID  uint16
	productID uint16
	speed     hal.Speed
}

// key identifies the device for as long as it stays plugged in. The kernel
// hands out a new devnum on every re-enumeration.
func (d usbDeviceInfo) key() uint16 {
	return uint16(d.busNum)<<8 | uint16(d.devNum)
}

// scanUSBDevices lists the devices under root, skipping root hubs,
// interface entries and anything match rejects. A nil match accepts all.
// The result is sorted by sysfs name so port assignment is stable.
func scanUSBDevices(root string, match func(usbDeviceInfo) bool) ([]usbDeviceInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []usbDeviceInfo
	for _, entry := range entries {
		name := entry.Name()

		// Root hubs are usbN, interfaces are <device>:<config>.<interface>.
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		info, err := parseUSBDevice(filepath.Join(root, name))
		if err != nil {
			continue
		}
		if match != nil && !match(info) {
			continue
		}
		devices = append(devices, info)
	}

	slices.SortFunc(devices, func(a, b usbDeviceInfo) int {
		return strings.Compare(a.name, b.name)
	})
	return devices, nil
}

// parseUSBDevice reads the attributes of one sysfs device directory.
// busnum, devnum and the IDs are required; speed is optional.
func parseUSBDevice(path string) (usbDeviceInfo, error) {
	info := usbDeviceInfo{name: filepath.Base(path)}

	var err error
	if info.busNum, err = readSysfsUint8(filepath.Join(path, "busnum")); err != nil {
		return info, err
	}
	if info.devNum, err = readSysfsUint8(filepath.Join(path, "devnum")); err != nil {
		return info, err
	}
	if info.vendorID, err = readSysfsHexUint16(filepath.Join(path, "idVendor")); err != nil {
		return info, err
	}
	if info.productID, err = readSysfsHexUint16(filepath.Join(path, "idProduct")); err != nil {
		return info, err
	}
	if s, err := readSysfsString(filepath.Join(path, "speed")); err == nil {
		info.speed = parseSpeed(s)
	}
	return info, nil
}

// readSysfsString reads a sysfs attribute without its trailing newline.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint8 reads a decimal attribute such as busnum.
func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

// readSysfsHexUint16 reads a hexadecimal attribute such as idVendor.
func readSysfsHexUint16(path string) (uint16, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// formatDevfsPath builds root/BBB/DDD with zero-padded bus and device
// numbers.
func formatDevfsPath(root string, busNum, devNum uint8) string {
	buf := make([]byte, 0, len(root)+8)
	buf = append(buf, root...)
	buf = append(buf, '/')
	buf = appendPadded(buf, busNum)
	buf = append(buf, '/')
	buf = appendPadded(buf, devNum)
	return string(buf)
}

// appendPadded appends val as three decimal digits.
func appendPadded(buf []byte, val uint8) []byte {
	return append(buf, '0'+val/100, '0'+val/10%10, '0'+val%10)
}

// parseSpeed converts a sysfs speed string to a hal.Speed value.
func parseSpeed(s string) hal.Speed {
	switch s {
	case "1.5":
		return hal.SpeedLow
	case "12":
		return hal.SpeedFull
	case "480":
		return hal.SpeedHigh
	default:
		return hal.SpeedUnknown
	}
}
