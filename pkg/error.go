package pkg

import "errors"

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (device busy).
	ErrNAK = errors.New("NAK received")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid device state for the operation.
	ErrInvalidState = errors.New("invalid device state")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrAlreadyRunning indicates the stack is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the stack is not running.
	ErrNotRunning = errors.New("not running")

	// ErrReset indicates a bus reset was received.
	ErrReset = errors.New("bus reset")

	// ErrNoResources indicates a fixed-size table has no free slot.
	ErrNoResources = errors.New("no resources available")
)

// Connection errors reported by the host library.
var (
	// ErrAlready indicates the connection is already in the requested state.
	ErrAlready = errors.New("already in requested state")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidHandle indicates a nil, unbound, or freed connection.
	ErrInvalidHandle = errors.New("invalid connection handle")

	// ErrNotPresent indicates no matching device was found.
	ErrNotPresent = errors.New("device not present")

	// ErrTransport indicates the USB transport failed.
	ErrTransport = errors.New("USB transport error")
)

// Accelerator errors decoded from the device status byte.
var (
	// ErrAccUnsupportedCompression indicates the bitmap uses a compression
	// method the device cannot transform.
	ErrAccUnsupportedCompression = errors.New("accelerator: unsupported bitmap compression")

	// ErrAccParse indicates the device could not parse the transferred image.
	ErrAccParse = errors.New("accelerator: image parse error")

	// ErrAccUnknown indicates the device reported an unrecognized status.
	ErrAccUnknown = errors.New("accelerator: unknown status")
)

// Code is the integer result code reported to users of the host library.
type Code int

// Result codes.
const (
	CodeOK           Code = 0
	CodeAlready      Code = -1
	CodeInvalid      Code = -2
	CodeNotPresent   Code = -3
	CodeUSB          Code = -4
	CodeAccUnknown   Code = -100
	CodeAccUnsupComp Code = -101
	CodeAccParse     Code = -102
)

// String returns the symbolic name of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeAlready:
		return "ALREADY"
	case CodeInvalid:
		return "INVAL"
	case CodeNotPresent:
		return "NOTPRESENT"
	case CodeUSB:
		return "USB"
	case CodeAccUnknown:
		return "ACC_UNKNOWN"
	case CodeAccUnsupComp:
		return "ACC_UNSUP_COMP"
	case CodeAccParse:
		return "ACC_PARSE"
	default:
		return "UNKNOWN"
	}
}

// CodeOf maps err onto a result code. Errors that match none of the
// connection or accelerator sentinels are reported as [CodeUSB].
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrAlready):
		return CodeAlready
	case errors.Is(err, ErrInvalidHandle), errors.Is(err, ErrInvalidParameter):
		return CodeInvalid
	case errors.Is(err, ErrNotPresent):
		return CodeNotPresent
	case errors.Is(err, ErrAccUnsupportedCompression):
		return CodeAccUnsupComp
	case errors.Is(err, ErrAccParse):
		return CodeAccParse
	case errors.Is(err, ErrAccUnknown):
		return CodeAccUnknown
	default:
		return CodeUSB
	}
}
