//go:build !linux

package main

import (
	"fmt"
	"time"

	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/pkg"
)

func usbfsHAL(time.Duration) (hal.HostHAL, error) {
	return nil, fmt.Errorf("%w: usbfs requires Linux, use -bus", pkg.ErrNotSupported)
}
