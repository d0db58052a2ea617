// Package hal defines the transport interface beneath the accelerator's
// device stack.
//
// [DeviceHAL] is deliberately narrow. The stack in
// [github.com/cring/acceleratorinator/device] decodes every request and
// tracks every state transition; a HAL moves bytes and reports bus resets.
//
// # Implementing a HAL
//
//  1. Bring up the transport in Init and attach in Start
//  2. Deliver SETUP packets from ReadSetup, returning pkg.ErrReset on reset
//  3. Move control data through WriteEP0, ReadEP0, AckEP0 and StallEP0
//  4. Move bulk packets through Read and Write once ConfigureEndpoints runs
//
// Packet boundaries matter. The accelerator protocol terminates transfers
// with short and zero-length packets, so Write with an empty slice must put
// a zero-length packet on the wire and Read must return one as n == 0.
//
// The FIFO implementation in
// [github.com/cring/acceleratorinator/device/hal/fifo] runs the whole
// protocol between two processes on one machine.
package hal
