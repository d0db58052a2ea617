package accel

import (
	"context"
	"errors"
	"fmt"

	"github.com/cring/acceleratorinator/pkg"
	"github.com/cring/acceleratorinator/protocol"
	"github.com/cring/acceleratorinator/rle"
)

// ErrEmptyImage is returned by Send for an image with no bytes. It wraps
// pkg.ErrInvalidParameter.
var ErrEmptyImage = fmt.Errorf("%w: empty image", pkg.ErrInvalidParameter)

// Transport moves bulk packets to and from the accelerator. *host.Connection
// implements it.
type Transport interface {
	// BulkOut sends data on the OUT endpoint ep. Empty data sends a
	// zero-length packet.
	BulkOut(ctx context.Context, ep uint8, data []byte) error

	// BulkIn receives one packet from the IN endpoint ep into buf.
	BulkIn(ctx context.Context, ep uint8, buf []byte) (int, error)
}

// Send has the accelerator invert img in place.
//
// The image is RLE-encoded and sent in packets of at most
// protocol.MaxPacketSize bytes, followed by a zero-length terminator and a
// zero-length ready probe. The device answers with one status byte; for a
// non-OK status Send returns the matching pkg.ErrAcc* error and img is left
// untouched. On success the encoded reply is read until a short packet
// arrives or it covers len(img) decoded bytes, and the decoded result is
// copied back over img.
//
// Transport failures are returned wrapped with pkg.ErrTransport. Send does
// not retry.
func Send(ctx context.Context, t Transport, img []byte) error {
	if len(img) == 0 {
		return ErrEmptyImage
	}
	if err := send(ctx, t, rle.Encode(img)); err != nil {
		return err
	}

	var status [1]byte
	if err := receiveStatus(ctx, t, status[:]); err != nil {
		return err
	}
	if err := protocol.ParseStatus(status[0]).Err(); err != nil {
		pkg.LogInfo(pkg.ComponentProtocol, "transfer rejected",
			"status", protocol.ParseStatus(status[0]).String(),
			"raw", status[0])
		return err
	}

	reply, err := receive(ctx, t, len(img))
	if err != nil {
		return err
	}
	decoded, err := rle.Decode(reply)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if len(decoded) != len(img) {
		pkg.LogWarn(pkg.ComponentProtocol, "reply length differs from image",
			"decoded", len(decoded),
			"image", len(img))
	}
	copy(img, decoded)
	pkg.LogDebug(pkg.ComponentProtocol, "transfer complete",
		"image", len(img),
		"reply", len(reply))
	return nil
}

func send(ctx context.Context, t Transport, encoded []byte) error {
	for sent := 0; sent < len(encoded); {
		end := min(sent+protocol.MaxPacketSize, len(encoded))
		if err := t.BulkOut(ctx, protocol.EndpointOut, encoded[sent:end]); err != nil {
			return transportError("send image", err)
		}
		sent = end
	}
	if err := t.BulkOut(ctx, protocol.EndpointOut, nil); err != nil {
		return transportError("send terminator", err)
	}
	if err := t.BulkOut(ctx, protocol.EndpointOut, nil); err != nil {
		return transportError("send ready probe", err)
	}
	return nil
}

func receiveStatus(ctx context.Context, t Transport, status []byte) error {
	n, err := t.BulkIn(ctx, protocol.EndpointIn, status)
	if err != nil {
		return transportError("receive status", err)
	}
	if n != len(status) {
		return fmt.Errorf("%w: receive status: got %d bytes", pkg.ErrTransport, n)
	}
	return nil
}

// receive reads the encoded reply. The reply has no terminator: it ends at
// the first short packet, or once its complete blocks cover want bytes.
func receive(ctx context.Context, t Transport, want int) ([]byte, error) {
	buf := make([]byte, rle.MaxEncodedLen(want))
	n := 0
	for n < len(buf) {
		end := min(n+protocol.MaxPacketSize, len(buf))
		m, err := t.BulkIn(ctx, protocol.EndpointIn, buf[n:end])
		if err != nil {
			return nil, transportError("receive image", err)
		}
		n += m
		if m < protocol.MaxPacketSize {
			break
		}
		if decoded, _ := rle.Measure(buf[:n]); decoded >= want {
			break
		}
	}
	return buf[:n], nil
}

func transportError(op string, err error) error {
	if errors.Is(err, pkg.ErrTransport) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", pkg.ErrTransport, op, err)
}
