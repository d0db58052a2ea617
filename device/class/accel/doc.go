// Package accel implements the accelerator class driver: a vendor-specific
// interface with one bulk OUT and one bulk IN endpoint that inverts bitmap
// images.
//
// # Transfer Cycle
//
// The host sends an RLE-encoded bitmap as bulk packets terminated by a
// zero-length packet. The driver decodes it into a fixed-capacity buffer,
// inverts every color channel in place and answers with a single status
// byte. When the status is [protocol.StatusOK] the re-encoded image follows
// in packets of up to [protocol.MaxPacketSize] bytes, with no terminator;
// the host reads until a short packet or until the reply decodes to as
// many bytes as it sent.
//
// Zero-length packets that arrive before any payload are ready probes from
// the host and are skipped.
//
// # Buffers
//
// Two buffers are allocated once, by [New]: the decoded image and the
// encoded stream. Both are held for a whole cycle and zeroed before it
// returns. An encoded stream that overruns its buffer ends [Accelerator.Serve]
// with an error wrapping [ErrCapacity].
//
// # Indicator
//
// [Indicator] turns cycle results into a PWM waveform: a smooth sine while
// transfers succeed and a glitchy one after a fault.
//
// # Example
//
//	acc := accel.New(accel.WithCapacity(64 * 1024))
//	dev, err := accel.BuildDevice(acc)
//	if err != nil {
//	    return err
//	}
//	stack := device.NewStack(dev, fifo.New(busDir))
//	acc.SetLink(stack)
//	if err := stack.Start(ctx); err != nil {
//	    return err
//	}
//	defer stack.Stop()
//	return acc.Serve(ctx)
package accel
