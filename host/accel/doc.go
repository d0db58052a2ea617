// Package accel is the host side of the accelerator protocol.
//
// [Send] encodes an image, pushes it through a [Transport] and writes the
// device's inverted result back into the same buffer:
//
//	conn := host.NewConnection(fifo.NewHostHAL(busDir))
//	if err := conn.Connect(ctx, protocol.VendorID, protocol.ProductID); err != nil {
//	    return err
//	}
//	defer conn.Free()
//
//	img, err := os.ReadFile("in.bmp")
//	if err != nil {
//	    return err
//	}
//	if err := accel.Send(ctx, conn, img); err != nil {
//	    return err
//	}
//
// Outbound, the encoded image ends with a zero-length terminator and is
// followed by a zero-length ready probe. Inbound, the reply has no
// terminator; it ends with a short packet or when it covers the length of
// the image that was sent.
package accel
