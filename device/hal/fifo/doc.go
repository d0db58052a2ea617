// Package fifo implements [hal.DeviceHAL] over named pipes, so the
// accelerator's device stack and the host library can talk on one machine
// without USB hardware.
//
// # Bus Layout
//
// A bus is a plain directory shared by the host and any number of devices.
// Each device creates its own subdirectory:
//
//	busDir/
//	└── device-<uuid>/
//	    ├── present          # exists while the device is attached
//	    ├── host_to_device   # SETUP, reset and address messages
//	    ├── device_to_host   # DATA, ACK and STALL responses
//	    ├── ep1_in … ep15_in
//	    └── ep1_out … ep15_out
//
// The host discovers devices by polling for directories that contain the
// present marker.
//
// # Message Framing
//
// Every message is a 3-byte header followed by its payload:
//
//	[type] [length_lo] [length_hi] [payload...]
//
// A SETUP message carries [address, setup(8), out data...]. Data endpoint
// FIFOs carry only DATA messages, one per USB packet, so a zero-length DATA
// message is a zero-length packet.
//
// # Example
//
//	h := fifo.New("/tmp/acc-bus")
//	stack := device.NewStack(dev, h)
//	if err := stack.Start(ctx); err != nil {
//	    return err
//	}
//	defer stack.Stop()
package fifo
