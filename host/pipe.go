package host

import (
	"context"
	"sync"
)

// Pipe moves bulk data over one IN and one OUT endpoint of a device.
// Writes are split into packets of the endpoint's maximum size. Reads
// return one packet at a time; a packet larger than the caller's buffer is
// held and returned by the following reads.
type Pipe struct {
	device  *Device
	epIn    uint8
	epOut   uint8
	maxSize int

	readBuf []byte
	readPos int
	readLen int

	mu sync.Mutex
}

// NewPipe creates a pipe over the given endpoints.
func NewPipe(dev *Device, epIn, epOut uint8, maxPacketSize int) *Pipe {
	return &Pipe{
		device:  dev,
		epIn:    epIn,
		epOut:   epOut,
		maxSize: maxPacketSize,
		readBuf: make([]byte, maxPacketSize),
	}
}

// In returns the IN endpoint address.
func (p *Pipe) In() uint8 { return p.epIn }

// Out returns the OUT endpoint address.
func (p *Pipe) Out() uint8 { return p.epOut }

// MaxPacketSize returns the packet size writes are split at.
func (p *Pipe) MaxPacketSize() int { return p.maxSize }

// Read returns the next packet, or what is left of a packet a previous
// Read could not hold.
func (p *Pipe) Read(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readPos < p.readLen {
		n := copy(data, p.readBuf[p.readPos:p.readLen])
		p.readPos += n
		return n, nil
	}

	// Large buffers take the packet directly.
	if len(data) >= p.maxSize {
		return p.device.BulkTransfer(ctx, p.epIn, data[:p.maxSize])
	}

	n, err := p.device.BulkTransfer(ctx, p.epIn, p.readBuf)
	if err != nil {
		return 0, err
	}
	p.readLen = n
	p.readPos = copy(data, p.readBuf[:n])
	return p.readPos, nil
}

// Write sends data as packets of at most MaxPacketSize bytes. An empty
// write sends a single zero-length packet.
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) == 0 {
		_, err := p.device.BulkTransfer(ctx, p.epOut, nil)
		return 0, err
	}

	total := 0
	for len(data) > 0 {
		n := min(len(data), p.maxSize)
		written, err := p.device.BulkTransfer(ctx, p.epOut, data[:n])
		total += written
		if err != nil {
			return total, err
		}
		data = data[n:]
	}
	return total, nil
}

// Reset drops any partially read packet.
func (p *Pipe) Reset() {
	p.mu.Lock()
	p.readPos, p.readLen = 0, 0
	p.mu.Unlock()
}

// Device returns the device the pipe is bound to.
func (p *Pipe) Device() *Device {
	return p.device
}
