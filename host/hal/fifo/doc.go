// Package fifo implements [hal.HostHAL] over named pipes, pairing with the
// device-side HAL in github.com/cring/acceleratorinator/device/hal/fifo.
//
// The host scans the bus directory every 50ms. A directory named device-*
// that holds a present marker is attached to the first free port; when the
// marker disappears the port detaches and pending transfers on it fail
// with [ErrNotConnected].
//
//	busDir/
//	└── device-<uuid>/
//	    ├── present
//	    ├── host_to_device   # SETUP, reset and address messages
//	    ├── device_to_host   # DATA, ACK and STALL responses
//	    ├── ep1_in … ep15_in
//	    └── ep1_out … ep15_out
//
// # Protocol
//
// Every message is [type][length_lo][length_hi][payload]. Messages are read
// header first, then exactly length payload bytes, so several messages may
// sit in a pipe at once.
//
//	0x01 SETUP    [address, setup(8), out data...]
//	0x02 DATA     one packet; zero length is a zero-length packet
//	0x03 ACK
//	0x04 NAK
//	0x05 STALL
//	0x12 RESET
//	0x13 ADDRESS  [address]
//
// A control IN transfer is answered with DATA or STALL, a control OUT
// transfer with ACK or STALL.
//
// # Usage
//
//	h := fifo.NewHostHAL("/tmp/acc-bus")
//	conn := host.NewConnection(h)
//	if err := conn.Connect(ctx, protocol.VendorID, protocol.ProductID); err != nil {
//	    return err
//	}
//	defer conn.Free()
package fifo
