// Command accd runs the accelerator device on a FIFO bus.
//
// Usage:
//
//	accd [options] <bus-dir>
//
// The bus directory is shared with acc -bus. The device creates its own
// device-<uuid>/ subdirectory and serves transfers until interrupted. When
// an encoded image overruns the receive buffer the device is torn down and
// rebuilt, up to -max-resets times.
//
// Options:
//
//	-v                 Enable verbose (debug) logging
//	-json              Use JSON log format
//	-capacity bytes    Decoded image capacity (default: 32768)
//	-max-resets n      Resets allowed after a capacity error (default: 3)
//	-cpuprofile file   Write a CPU profile (requires -tags profile)
//	-memprofile file   Write a heap profile on exit (requires -tags profile)
//	-pprof addr        Serve /debug/pprof on addr (requires -tags profile)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cring/acceleratorinator/device"
	"github.com/cring/acceleratorinator/device/class/accel"
	"github.com/cring/acceleratorinator/device/hal/fifo"
	"github.com/cring/acceleratorinator/pkg"
	"github.com/cring/acceleratorinator/pkg/prof"
)

// component identifies this executable for structured logging.
const component = pkg.ComponentDevice

type options struct {
	busDir     string
	capacity   int
	maxResets  int
	cpuProfile string
	memProfile string
	pprofAddr  string
}

func main() {
	var opts options
	verbose := flag.Bool("v", false, "enable verbose (debug) logging")
	jsonLog := flag.Bool("json", false, "use JSON log format")
	flag.IntVar(&opts.capacity, "capacity", accel.DefaultCapacity, "decoded image capacity in `bytes`")
	flag.IntVar(&opts.maxResets, "max-resets", 3, "resets allowed after a capacity error")
	flag.StringVar(&opts.cpuProfile, "cpuprofile", "", "write a CPU profile to `file`")
	flag.StringVar(&opts.memProfile, "memprofile", "", "write a heap profile to `file` on exit")
	flag.StringVar(&opts.pprofAddr, "pprof", "", "serve /debug/pprof on `addr`")
	flag.Parse()

	if flag.NArg() != 1 {
		pkg.LogError(component, "missing bus directory argument",
			"usage", "accd [options] <bus-dir>")
		os.Exit(1)
	}
	opts.busDir = flag.Arg(0)

	if *verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if *jsonLog {
		pkg.SetLogFormat(os.Stderr, pkg.LogFormatJSON)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, opts)
	stop()
	if err != nil {
		pkg.LogError(component, "device stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
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
	if opts.pprofAddr != "" {
		prof.Serve(opts.pprofAddr)
	}

	pwm := &logPWM{}
	ind := accel.NewIndicator(pwm, accel.WithOnModeChange(pwm.modeChanged))

	for resets := 0; ; resets++ {
		err := serve(ctx, opts, ind)
		switch {
		case err == nil, ctx.Err() != nil:
			pkg.LogInfo(component, "shutting down")
			return nil
		case !errors.Is(err, accel.ErrCapacity):
			return err
		case resets >= opts.maxResets:
			return fmt.Errorf("giving up after %d resets: %w", resets, err)
		}
		pkg.LogWarn(component, "resetting device",
			"error", err,
			"reset", resets+1,
			"max", opts.maxResets)
	}
}

// serve builds one device instance and runs its three tasks: the USB
// stack, the transfer protocol and the indicator. It returns when the
// protocol task ends.
func serve(ctx context.Context, opts options, ind *accel.Indicator) error {
	acc := accel.New(
		accel.WithCapacity(opts.capacity),
		accel.WithOnResult(ind.Report))
	dev, err := accel.BuildDevice(acc)
	if err != nil {
		return fmt.Errorf("build device: %w", err)
	}

	h := fifo.New(opts.busDir)
	stack := device.NewStack(dev, h)
	acc.SetLink(stack)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := stack.Start(ctx); err != nil {
		return fmt.Errorf("start stack: %w", err)
	}
	defer func() {
		if err := stack.Stop(); err != nil {
			pkg.LogWarn(component, "stack stop failed", "error", err)
		}
	}()
	pkg.LogInfo(component, "accelerator ready",
		"busDir", opts.busDir,
		"deviceDir", h.DeviceDir(),
		"capacity", acc.Capacity())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ind.Run(ctx)
	}()

	err = acc.Serve(ctx)
	cancel()
	wg.Wait()
	return err
}

// logPWM stands in for the indicator LED. It keeps the last duty sample
// and logs waveform changes.
type logPWM struct {
	mutex sync.Mutex
	duty  uint16
}

func (p *logPWM) SetDuty(duty uint16) {
	p.mutex.Lock()
	p.duty = duty
	p.mutex.Unlock()
}

func (p *logPWM) modeChanged(m accel.Mode) {
	p.mutex.Lock()
	duty := p.duty
	p.mutex.Unlock()
	pkg.LogInfo(pkg.ComponentIndicator, "indicator waveform", "mode", m.String(), "duty", duty)
}
