// Command acc inverts a bitmap on the accelerator device.
//
// Usage:
//
//	acc [options] <input.bmp> <output.bmp>
//
// The output file is written only after the device has returned the
// inverted image. Library failures are reported as
//
//	Cring error `-102` => ACC_PARSE: accelerator: image parse error
//
// and the command exits with status 1.
//
// Options:
//
//	-bus dir                     Use the FIFO bus in dir instead of usbfs
//	-v                           Enable verbose (debug) logging
//	-json                        Use JSON log format
//	-timeout duration            Timeout for each bulk transfer (default: 5s)
//	-discovery-timeout duration  Timeout for finding the device (default: 5s)
//	-cpuprofile file             Write a CPU profile (requires -tags profile)
//	-memprofile file             Write a heap profile (requires -tags profile)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cring/acceleratorinator/host"
	"github.com/cring/acceleratorinator/host/accel"
	"github.com/cring/acceleratorinator/host/hal"
	"github.com/cring/acceleratorinator/host/hal/fifo"
	"github.com/cring/acceleratorinator/pkg"
	"github.com/cring/acceleratorinator/pkg/prof"
	"github.com/cring/acceleratorinator/protocol"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentHost

// errUsage marks a command line error.
var errUsage = errors.New("usage: acc [options] <input.bmp> <output.bmp>")

type options struct {
	bus              string
	verbose          bool
	json             bool
	timeout          time.Duration
	discoveryTimeout time.Duration
	cpuProfile       string
	memProfile       string
}

func main() {
	var opts options
	flag.StringVar(&opts.bus, "bus", "", "use the FIFO bus in `dir` instead of usbfs")
	flag.BoolVar(&opts.verbose, "v", false, "enable verbose (debug) logging")
	flag.BoolVar(&opts.json, "json", false, "use JSON log format")
	flag.DurationVar(&opts.timeout, "timeout", host.DefaultTransferTimeout, "timeout for each bulk transfer")
	flag.DurationVar(&opts.discoveryTimeout, "discovery-timeout", host.DefaultDiscoveryTimeout, "timeout for finding the device")
	flag.StringVar(&opts.cpuProfile, "cpuprofile", "", "write a CPU profile to `file`")
	flag.StringVar(&opts.memProfile, "memprofile", "", "write a heap profile to `file`")
	flag.Parse()

	if opts.verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if opts.json {
		pkg.SetLogFormat(os.Stderr, pkg.LogFormatJSON)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, opts, flag.Args())
	stop()
	if err != nil {
		report(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	input, output := args[0], args[1]

	if opts.cpuProfile != "" {
		if err := prof.StartCPU(opts.cpuProfile); err != nil {
			return fmt.Errorf("start CPU profile: %w", err)
		}
		defer prof.StopCPU()
	}
	if opts.memProfile != "" {
		defer func() {
			if err := prof.Write(prof.ProfileHeap, opts.memProfile); err != nil {
				pkg.LogWarn(component, "heap profile failed", "error", err)
			}
		}()
	}

	img, err := os.ReadFile(input)
	if err != nil {
		return &ioError{err}
	}

	h, err := newHAL(opts)
	if err != nil {
		return err
	}
	conn := host.NewConnection(h,
		host.WithDiscoveryTimeout(opts.discoveryTimeout),
		host.WithTransferTimeout(opts.timeout))
	defer func() {
		if err := conn.Free(); err != nil {
			pkg.LogDebug(component, "free failed", "error", err)
		}
	}()

	pkg.LogInfo(component, "connecting",
		"vendor", fmt.Sprintf("%#04x", protocol.VendorID),
		"product", fmt.Sprintf("%#04x", protocol.ProductID))
	if err := conn.Connect(ctx, protocol.VendorID, protocol.ProductID); err != nil {
		return err
	}
	if dev := conn.Device(); dev != nil {
		pkg.LogInfo(component, "device connected",
			"address", dev.Address(),
			"product", dev.Product())
	}

	start := time.Now()
	if err := accel.Send(ctx, conn, img); err != nil {
		return err
	}
	pkg.LogInfo(component, "image inverted",
		"bytes", len(img),
		"elapsed", time.Since(start))

	if err := os.WriteFile(output, img, 0o644); err != nil {
		return &ioError{err}
	}
	return nil
}

func newHAL(opts options) (hal.HostHAL, error) {
	if opts.bus != "" {
		return fifo.NewHostHAL(opts.bus), nil
	}
	return usbfsHAL(opts.timeout)
}

// ioError is a local file failure, reported without a result code.
type ioError struct{ err error }

func (e *ioError) Error() string { return e.err.Error() }
func (e *ioError) Unwrap() error { return e.err }

// report prints err to stderr. Library errors carry their result code.
func report(err error) {
	var ioErr *ioError
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, err)
		flag.PrintDefaults()
	case errors.As(err, &ioErr):
		fmt.Fprintf(os.Stderr, "acc: %v\n", err)
	default:
		code := pkg.CodeOf(err)
		fmt.Fprintf(os.Stderr, "Cring error `%d` => %s: %v\n", int(code), code, err)
	}
}
