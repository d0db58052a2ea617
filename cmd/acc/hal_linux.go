//go:build linux

package main

import (
	"time"

	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/host/hal/linux"
	"github.com/cring/acceleratorinator/protocol"
)

func usbfsHAL(timeout time.Duration) (hal.HostHAL, error) {
	return linux.NewHostHAL(
		linux.WithFilter(protocol.VendorID, protocol.ProductID),
		linux.WithTransferTimeout(timeout),
	), nil
}
