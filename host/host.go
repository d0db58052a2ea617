package host

import (
	"context"
	"sync"

	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/pkg"
)

// Host enumerates the devices a HostHAL reports and keeps track of them.
type Host struct {
	hal hal.HostHAL

	// Enumerated devices, indexed by address - 1.
	devices     [MaxDevices]*Device
	deviceCount int
	nextAddress uint8

	running bool
	mutex   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	deviceConnected chan *Device

	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a host on top of h.
func New(h hal.HostHAL) *Host {
	return &Host{
		hal:             h,
		nextAddress:     1,
		deviceConnected: make(chan *Device, MaxDevices),
	}
}

// HAL returns the HAL the host runs on.
func (h *Host) HAL() hal.HostHAL {
	return h.hal
}

// Start initializes and starts the HAL and begins enumerating devices. The
// host runs until Stop or until ctx is done.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := h.hal.Init(ctx); err != nil {
		cancel()
		return err
	}
	if err := h.hal.Start(); err != nil {
		cancel()
		return err
	}
	h.ctx, h.cancel = ctx, cancel
	h.running = true

	h.wg.Add(2)
	go h.monitorConnections()
	go h.monitorDisconnections()

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())
	return nil
}

// Stop stops enumeration and the HAL and marks every device detached.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	h.mutex.Unlock()

	err := h.hal.Stop()
	h.wg.Wait()

	h.mutex.Lock()
	for i, dev := range h.devices {
		if dev != nil {
			dev.Close()
			h.devices[i] = nil
		}
	}
	h.deviceCount = 0
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return err
}

// IsRunning reports whether the host has been started and not stopped.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns the enumerated devices.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for _, dev := range h.devices {
		if dev != nil {
			result = append(result, dev)
		}
	}
	return result
}

// GetDevice returns the device at address, or nil.
func (h *Host) GetDevice(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// WaitDevice blocks until the next device finishes enumeration.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	h.mutex.RLock()
	hostCtx := h.ctx
	h.mutex.RUnlock()
	if hostCtx == nil {
		return nil, pkg.ErrNotRunning
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-hostCtx.Done():
		return nil, pkg.ErrNotRunning
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets a callback run after each enumeration.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets a callback run when an enumerated device
// leaves its port.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}

func (h *Host) monitorConnections() {
	defer h.wg.Done()

	for {
		port, err := h.hal.WaitForConnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection", "error", err)
			continue
		}
		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

		ctx, cancel := context.WithTimeout(h.ctx, EnumerationTimeout)
		dev, err := h.enumerateDevice(ctx, port)
		cancel()
		if err != nil {
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed", "port", port, "error", err)
			continue
		}
		h.addDevice(dev)
	}
}

// addDevice records dev, replacing whatever was enumerated on its port
// before.
func (h *Host) addDevice(dev *Device) {
	h.mutex.Lock()
	for i, old := range h.devices {
		if old != nil && old.port == dev.port {
			old.Close()
			h.devices[i] = nil
			h.deviceCount--
		}
	}
	if h.devices[dev.address-1] == nil {
		h.deviceCount++
	}
	h.devices[dev.address-1] = dev
	cb := h.onDeviceConnect
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"port", dev.port,
		"address", dev.address,
		"product", dev.Product())

	select {
	case h.deviceConnected <- dev:
	default:
		pkg.LogDebug(pkg.ComponentHost, "device event dropped", "address", dev.address)
	}
	if cb != nil {
		cb(dev)
	}
}

func (h *Host) monitorDisconnections() {
	defer h.wg.Done()

	for {
		port, err := h.hal.WaitForDisconnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for disconnection", "error", err)
			continue
		}
		pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port)
		h.removePort(port)
	}
}

// removePort forgets every device enumerated on port.
func (h *Host) removePort(port int) {
	var removed []*Device

	h.mutex.Lock()
	for i, dev := range h.devices {
		if dev != nil && dev.port == port {
			h.devices[i] = nil
			h.deviceCount--
			removed = append(removed, dev)
		}
	}
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	for _, dev := range removed {
		dev.Close()
		if cb != nil {
			cb(dev)
		}
	}
}

// allocateAddress returns the next free address, or 0 when all are taken.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for range MaxDevices {
		addr := h.nextAddress
		h.nextAddress = addr%MaxDevices + 1
		if h.devices[addr-1] == nil {
			return addr
		}
	}
	return 0
}
