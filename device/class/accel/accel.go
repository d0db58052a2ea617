package accel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cring/acceleratorinator/bitmap"
	"github.com/cring/acceleratorinator/device"
	"github.com/cring/acceleratorinator/pkg"
	"github.com/cring/acceleratorinator/protocol"
	"github.com/cring/acceleratorinator/rle"
)

// DefaultCapacity is the default size of the decoded image buffer.
const DefaultCapacity = 32 * 1024

// retryDelay is the pause after a cycle fails on the transport.
const retryDelay = 10 * time.Millisecond

// Link carries bulk packets for the accelerator. *device.Stack implements
// it.
type Link interface {
	// WaitConfigured blocks until the host has configured the device.
	WaitConfigured(ctx context.Context) error

	// Read receives one packet; a zero-length packet returns 0.
	Read(ctx context.Context, ep *device.Endpoint, buf []byte) (int, error)

	// Write sends one packet; an empty slice sends a zero-length packet.
	Write(ctx context.Context, ep *device.Endpoint, data []byte) (int, error)
}

// Result describes one transfer cycle.
type Result struct {
	Status   protocol.Status
	Fault    bool // a transport error occurred or an error status was sent
	Received int  // encoded bytes received
	Sent     int  // encoded bytes sent after the status byte
}

// Option configures an Accelerator.
type Option func(*Accelerator)

// WithCapacity sets the decoded image capacity. The encoded buffer is sized
// so that any image that fits decodes and re-encodes without overflow.
func WithCapacity(n int) Option {
	return func(a *Accelerator) {
		if n > 0 {
			a.capacity = n
		}
	}
}

// WithOnResult registers a hook that receives every completed cycle.
func WithOnResult(fn func(Result)) Option {
	return func(a *Accelerator) { a.onResult = fn }
}

// Accelerator is the class driver for the vendor interface. It receives an
// RLE-encoded bitmap on the bulk OUT endpoint, inverts it, and answers on
// the bulk IN endpoint with a status byte and the re-encoded image.
type Accelerator struct {
	capacity int
	onResult func(Result)

	link  Link
	iface *device.Interface
	epOut *device.Endpoint
	epIn  *device.Endpoint
	mutex sync.RWMutex

	// Lock order: encoded, then decoded.
	encoded *Buffer
	decoded *Buffer

	chunk [protocol.MaxPacketSize]byte
}

// New creates an accelerator with preallocated working buffers.
func New(opts ...Option) *Accelerator {
	a := &Accelerator{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(a)
	}
	a.decoded = NewBuffer(a.capacity)
	a.encoded = NewBuffer(rle.MaxEncodedLen(a.capacity))
	return a
}

// SetLink sets the packet link, normally the device stack.
func (a *Accelerator) SetLink(link Link) {
	a.mutex.Lock()
	a.link = link
	a.mutex.Unlock()
}

// Capacity returns the decoded image capacity.
func (a *Accelerator) Capacity() int { return a.capacity }

// Init binds the driver to its interface and locates the bulk endpoints.
func (a *Accelerator) Init(iface *device.Interface) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.iface = iface
	a.epOut, a.epIn = nil, nil
	for _, ep := range iface.Endpoints() {
		switch {
		case !ep.IsBulk():
		case ep.IsIn():
			a.epIn = ep
		default:
			a.epOut = ep
		}
	}
	if a.epOut == nil || a.epIn == nil {
		return fmt.Errorf("accelerator interface %d needs bulk IN and OUT: %w",
			iface.Number, pkg.ErrInvalidEndpoint)
	}
	pkg.LogDebug(pkg.ComponentProtocol, "accelerator bound",
		"interface", iface.Number,
		"out", a.epOut.Address,
		"in", a.epIn.Address)
	return nil
}

// HandleSetup declines every request; the accelerator has no class
// requests.
func (a *Accelerator) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) (bool, error) {
	return false, nil
}

// SetAlternate accepts the only alternate setting.
func (a *Accelerator) SetAlternate(iface *device.Interface, alt uint8) error {
	if alt != 0 {
		return pkg.ErrInvalidRequest
	}
	return nil
}

// Close unbinds the driver.
func (a *Accelerator) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.iface = nil
	a.epOut, a.epIn = nil, nil
	return nil
}

// ConfigureDevice adds the accelerator interface to the current
// configuration of builder and binds this driver to it.
func (a *Accelerator) ConfigureDevice(builder *device.DeviceBuilder) *device.DeviceBuilder {
	return builder.
		AddInterface(protocol.InterfaceClass, 0, 0).
		AddEndpoint(protocol.EndpointOut, device.EndpointTypeBulk, protocol.MaxPacketSize).
		AddEndpoint(protocol.EndpointIn, device.EndpointTypeBulk, protocol.MaxPacketSize).
		WithClassDriver(a)
}

// BuildDevice builds the complete accelerator device around a.
func BuildDevice(a *Accelerator) (*device.Device, error) {
	b := device.NewDeviceBuilder().
		WithVendorProduct(protocol.VendorID, protocol.ProductID).
		WithDeviceClass(device.ClassVendor, 0, 0).
		WithStrings(protocol.Manufacturer, protocol.Product, protocol.SerialNumber).
		AddConfiguration(1)
	return a.ConfigureDevice(b).Build()
}

func (a *Accelerator) endpoints() (Link, *device.Endpoint, *device.Endpoint, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	if a.link == nil || a.epOut == nil || a.epIn == nil {
		return nil, nil, nil, pkg.ErrNotConfigured
	}
	return a.link, a.epOut, a.epIn, nil
}

// Serve runs transfer cycles until ctx ends, the link stops, or a fatal
// capacity error occurs. Transport errors are logged and the next cycle
// waits for the link again.
func (a *Accelerator) Serve(ctx context.Context) error {
	for {
		res, err := a.Cycle(ctx)
		if err == nil || res.Fault {
			if a.onResult != nil {
				a.onResult(res)
			}
		}

		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrCapacity):
			pkg.LogError(pkg.ComponentProtocol, "fatal transfer error",
				"error", err,
				"received", res.Received,
				"capacity", a.encoded.Cap())
			return err
		case errors.Is(err, pkg.ErrNotRunning), errors.Is(err, pkg.ErrNotConfigured):
			return err
		}

		pkg.LogWarn(pkg.ComponentProtocol, "endpoint error", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Cycle runs one transfer: wait for the link, receive an encoded image,
// decode and invert it, and reply with a status byte followed, on success,
// by the re-encoded image.
//
// Both working buffers are held for the whole cycle and are empty when it
// returns. An error wrapping ErrCapacity is fatal; any other error is a
// transport failure and sets Result.Fault.
func (a *Accelerator) Cycle(ctx context.Context) (Result, error) {
	link, epOut, epIn, err := a.endpoints()
	if err != nil {
		return Result{}, err
	}
	if err := link.WaitConfigured(ctx); err != nil {
		return Result{}, err
	}

	a.encoded.Lock()
	a.decoded.Lock()
	defer func() {
		a.decoded.Clear()
		a.encoded.Clear()
		a.decoded.Unlock()
		a.encoded.Unlock()
	}()

	var res Result
	if err := a.receive(ctx, link, epOut); err != nil {
		res.Received = a.encoded.Len()
		res.Fault = true
		return res, err
	}
	res.Received = a.encoded.Len()

	res.Status, err = a.process()
	if err != nil {
		res.Fault = true
		return res, err
	}

	a.chunk[0] = byte(res.Status)
	if _, err := link.Write(ctx, epIn, a.chunk[:1]); err != nil {
		res.Fault = true
		return res, fmt.Errorf("send status: %w", err)
	}
	if res.Status != protocol.StatusOK {
		res.Fault = true
		pkg.LogInfo(pkg.ComponentProtocol, "transfer rejected",
			"status", res.Status.String(),
			"received", res.Received)
		return res, nil
	}

	res.Sent, err = a.transmit(ctx, link, epIn)
	if err != nil {
		res.Fault = true
		return res, err
	}
	pkg.LogInfo(pkg.ComponentProtocol, "transfer complete",
		"received", res.Received,
		"sent", res.Sent)
	return res, nil
}

// receive reads packets into the encoded buffer until a zero-length packet
// ends the message. Zero-length packets before the first payload byte are
// the previous transfer's ready probe and are skipped.
func (a *Accelerator) receive(ctx context.Context, link Link, ep *device.Endpoint) error {
	for {
		n, err := link.Read(ctx, ep, a.chunk[:])
		if err != nil {
			return fmt.Errorf("receive image: %w", err)
		}
		if n == 0 {
			if a.encoded.Len() == 0 {
				pkg.LogDebug(pkg.ComponentProtocol, "skipping ready probe")
				continue
			}
			return nil
		}
		if err := a.encoded.Append(a.chunk[:n]); err != nil {
			return fmt.Errorf("receive image after %d bytes: %w", a.encoded.Len(), err)
		}
	}
}

// process decodes, inverts and re-encodes the image held in the encoded
// buffer. Decode and parse failures are reported as a status; only a
// re-encode overflow is an error.
func (a *Accelerator) process() (protocol.Status, error) {
	runtime.Gosched()
	n, err := rle.DecodeInto(a.decoded.Space(), a.encoded.Bytes())
	runtime.Gosched()
	if err != nil {
		pkg.LogDebug(pkg.ComponentCodec, "decode failed", "error", err, "decoded", n)
		return protocol.StatusParseError, nil
	}
	a.decoded.SetLen(n)

	view, err := bitmap.Parse(a.decoded.Bytes())
	if err != nil {
		pkg.LogDebug(pkg.ComponentTransform, "bitmap rejected", "error", err)
		if errors.Is(err, bitmap.ErrUnsupportedCompression) {
			return protocol.StatusUnsupportedCompression, nil
		}
		return protocol.StatusParseError, nil
	}
	runtime.Gosched()
	view.Invert()
	runtime.Gosched()

	a.encoded.Clear()
	m, err := rle.EncodeInto(a.encoded.Space(), a.decoded.Bytes())
	runtime.Gosched()
	if err != nil {
		return protocol.StatusUnknown, fmt.Errorf("re-encode %d bytes: %w", n, ErrCapacity)
	}
	a.encoded.SetLen(m)
	return protocol.StatusOK, nil
}

// transmit writes the encoded buffer in packets of at most MaxPacketSize.
// The reply carries no zero-length terminator.
func (a *Accelerator) transmit(ctx context.Context, link Link, ep *device.Endpoint) (int, error) {
	data := a.encoded.Bytes()
	sent := 0
	for sent < len(data) {
		end := min(sent+protocol.MaxPacketSize, len(data))
		if _, err := link.Write(ctx, ep, data[sent:end]); err != nil {
			return sent, fmt.Errorf("send image: %w", err)
		}
		sent = end
	}
	return sent, nil
}

var _ device.ClassDriver = (*Accelerator)(nil)
