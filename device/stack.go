package device

import (
	"context"
	"errors"
	"sync"

	"github.com/cring/acceleratorinator/device/hal"
	"github.com/cring/acceleratorinator/pkg"
)

// MaxControlDataSize is the maximum data stage accepted on EP0.
const MaxControlDataSize = 64

// Stack runs the control pipe of a Device over a DeviceHAL and gives class
// drivers access to their data endpoints.
type Stack struct {
	device  *Device
	hal     hal.DeviceHAL
	handler *StandardRequestHandler

	running bool
	mutex   sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Closed while the device is configured; replaced on reset.
	configured chan struct{}

	setupBuf   hal.SetupPacket
	ep0ReadBuf [MaxControlDataSize]byte
}

func halSpeedToDeviceSpeed(s hal.Speed) Speed {
	switch s {
	case hal.SpeedLow:
		return SpeedLow
	case hal.SpeedHigh:
		return SpeedHigh
	default:
		return SpeedFull
	}
}

// NewStack creates a new device stack. The stack takes over the device's
// reset, address and configuration callbacks to keep the HAL in step.
func NewStack(dev *Device, h hal.DeviceHAL) *Stack {
	s := &Stack{
		device:     dev,
		hal:        h,
		handler:    NewStandardRequestHandler(dev),
		configured: make(chan struct{}),
	}
	dev.SetOnReset(s.onReset)
	dev.SetOnSetAddress(s.onSetAddress)
	dev.SetOnSetConfiguration(s.onSetConfiguration)
	return s
}

// Start initializes the HAL, attaches to the bus and starts the control
// loop.
func (s *Stack) Start(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mutex.Unlock()

	if err := s.hal.Init(s.ctx); err != nil {
		s.cancel()
		return err
	}
	if err := s.hal.Start(); err != nil {
		s.cancel()
		return err
	}
	s.device.SetSpeed(halSpeedToDeviceSpeed(s.hal.GetSpeed()))
	s.device.Reset()

	s.mutex.Lock()
	s.running = true
	s.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentStack, "device stack started")

	s.wg.Add(1)
	go s.controlLoop()
	return nil
}

// Stop stops the control loop and detaches from the bus.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mutex.Unlock()

	s.wg.Wait()
	s.setConfigured(false)

	if err := s.hal.Stop(); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return nil
}

// IsRunning returns true if the stack is running.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// Device returns the underlying device.
func (s *Stack) Device() *Device {
	return s.device
}

// WaitConfigured blocks until the host has configured the device.
// It returns pkg.ErrNotRunning if the stack is not running or stops while
// waiting.
func (s *Stack) WaitConfigured(ctx context.Context) error {
	s.mutex.RLock()
	running, done, ch := s.running, s.ctx, s.configured
	s.mutex.RUnlock()

	if !running {
		return pkg.ErrNotRunning
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done.Done():
		return pkg.ErrNotRunning
	case <-ch:
		return nil
	}
}

// IsConnected returns true if the device is attached to a host.
func (s *Stack) IsConnected() bool {
	return s.hal.IsConnected()
}

// Read receives one packet from an OUT endpoint.
func (s *Stack) Read(ctx context.Context, ep *Endpoint, buf []byte) (int, error) {
	if err := s.checkEndpoint(ep); err != nil {
		return 0, err
	}
	n, err := s.hal.Read(ctx, ep.Address, buf)
	if err != nil {
		return n, err
	}
	ep.ToggleData()
	return n, nil
}

// Write sends one packet on an IN endpoint.
func (s *Stack) Write(ctx context.Context, ep *Endpoint, data []byte) (int, error) {
	if err := s.checkEndpoint(ep); err != nil {
		return 0, err
	}
	n, err := s.hal.Write(ctx, ep.Address, data)
	if err != nil {
		return n, err
	}
	ep.ToggleData()
	return n, nil
}

func (s *Stack) checkEndpoint(ep *Endpoint) error {
	switch {
	case !s.device.IsConfigured():
		return pkg.ErrNotConfigured
	case ep == nil:
		return pkg.ErrInvalidEndpoint
	case ep.IsStalled():
		return pkg.ErrStall
	}
	return nil
}

func (s *Stack) controlLoop() {
	defer s.wg.Done()

	for {
		err := s.hal.ReadSetup(s.ctx, &s.setupBuf)
		switch {
		case s.ctx.Err() != nil:
			return
		case errors.Is(err, pkg.ErrReset):
			s.device.Reset()
			continue
		case errors.Is(err, pkg.ErrNotRunning):
			return
		case err != nil:
			pkg.LogWarn(pkg.ComponentStack, "error reading setup", "error", err)
			continue
		}

		setup := SetupPacket{
			RequestType: s.setupBuf.RequestType,
			Request:     s.setupBuf.Request,
			Value:       s.setupBuf.Value,
			Index:       s.setupBuf.Index,
			Length:      s.setupBuf.Length,
		}
		if err := s.handleSetup(&setup); err != nil {
			pkg.LogDebug(pkg.ComponentStack, "stalling request",
				"error", err,
				"request", setup.String())
			s.hal.StallEP0()
		}
	}
}

// handleSetup processes a single SETUP transaction.
func (s *Stack) handleSetup(setup *SetupPacket) error {
	pkg.LogDebug(pkg.ComponentStack, "setup received", "request", setup.String())

	if setup.IsStandard() {
		resp, err := s.handler.HandleSetup(setup, nil)
		if err != nil {
			return err
		}
		return s.completeSetup(setup, resp)
	}

	if setup.IsClass() && setup.IsInterfaceRecipient() {
		if iface := s.device.GetInterface(setup.InterfaceNumber()); iface != nil {
			handled, err := iface.HandleSetup(setup, nil)
			if handled {
				if err != nil {
					return err
				}
				return s.completeSetup(setup, nil)
			}
		}
	}
	return pkg.ErrInvalidRequest
}

// completeSetup runs the data and status stages of a control transfer.
func (s *Stack) completeSetup(setup *SetupPacket, data []byte) error {
	if setup.IsDeviceToHost() {
		if err := s.hal.WriteEP0(s.ctx, data); err != nil {
			return err
		}
		_, err := s.hal.ReadEP0(s.ctx, s.ep0ReadBuf[:0])
		return err
	}

	if setup.Length > 0 {
		n := min(int(setup.Length), MaxControlDataSize)
		if _, err := s.hal.ReadEP0(s.ctx, s.ep0ReadBuf[:n]); err != nil {
			return err
		}
	}
	return s.hal.AckEP0()
}

func (s *Stack) onReset() {
	if err := s.hal.ConfigureEndpoints(nil); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "error releasing endpoints", "error", err)
	}
	s.setConfigured(false)
}

func (s *Stack) onSetAddress(address uint8) {
	if err := s.hal.SetAddress(address); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "error setting address", "error", err)
	}
}

func (s *Stack) onSetConfiguration(value uint8) {
	var eps []hal.EndpointConfig
	if config := s.device.ActiveConfiguration(); config != nil {
		for _, iface := range config.Interfaces() {
			for _, ep := range iface.Endpoints() {
				ep.ResetDataToggle()
				eps = append(eps, hal.EndpointConfig{
					Address:       ep.Address,
					Attributes:    ep.Attributes,
					MaxPacketSize: ep.MaxPacketSize,
					Interval:      ep.Interval,
				})
			}
		}
	}
	if err := s.hal.ConfigureEndpoints(eps); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "error configuring endpoints", "error", err)
	}
	s.setConfigured(value != 0)
}

// setConfigured closes the configured channel when on, and re-arms it when
// off.
func (s *Stack) setConfigured(on bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	closed := false
	select {
	case <-s.configured:
		closed = true
	default:
	}
	switch {
	case on && !closed:
		close(s.configured)
		pkg.LogInfo(pkg.ComponentStack, "device configured")
	case !on && closed:
		s.configured = make(chan struct{})
	}
}
