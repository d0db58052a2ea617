// Package protocol defines the wire identity of the accelerator device and
// the status byte it reports after each transfer.
//
// A transfer from the host is an RLE-encoded image split into packets of at
// most [MaxPacketSize] bytes on [EndpointOut], a zero-length terminator, and
// one zero-length "ready" probe. The device answers on [EndpointIn] with one
// status byte and, only for [StatusOK], the RLE-encoded result split into
// packets. The reply carries no terminator; the host stops on a short packet
// or once it has the expected number of decoded bytes.
package protocol

import "github.com/cring/acceleratorinator/pkg"

// Device identity.
const (
	VendorID  uint16 = 0xC0DE
	ProductID uint16 = 0xCAFE

	Manufacturer = "Cring Electronics"
	Product      = "Video acceleratorinator"
	SerialNumber = "12345678"
)

// Interface and endpoints.
const (
	Interface      uint8 = 0
	InterfaceClass uint8 = 0xFF // vendor specific

	EndpointOut uint8 = 0x01
	EndpointIn  uint8 = 0x81

	MaxPacketSize = 64
)

// Status is the one-byte outcome the device reports for a transfer.
type Status uint8

// Status values. Any byte not listed decodes as [StatusUnknown].
const (
	StatusOK                     Status = 0
	StatusUnsupportedCompression Status = 1
	StatusParseError             Status = 2
	StatusUnknown                Status = 0xFF
)

// ParseStatus maps a received status byte onto a [Status].
func ParseStatus(b byte) Status {
	switch s := Status(b); s {
	case StatusOK, StatusUnsupportedCompression, StatusParseError:
		return s
	default:
		return StatusUnknown
	}
}

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnsupportedCompression:
		return "unsupported compression"
	case StatusParseError:
		return "parse error"
	default:
		return "unknown"
	}
}

// Err returns the host-side error for the status, or nil for [StatusOK].
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusUnsupportedCompression:
		return pkg.ErrAccUnsupportedCompression
	case StatusParseError:
		return pkg.ErrAccParse
	default:
		return pkg.ErrAccUnknown
	}
}
