// Package prof provides optional profiling for the acc and accd commands.
//
// The package wraps [runtime/pprof] and is conditionally compiled using the
// "profile" build tag:
//
//	go build -tags profile ./cmd/accd
//
// Without the tag every exported function is a no-op, so the commands can
// keep their -cpuprofile and -memprofile flags wired unconditionally.
//
// # CPU Profiling
//
//	if err := prof.StartCPU("cpu.prof"); err != nil {
//	    return err
//	}
//	defer prof.StopCPU()
//
// Starting a second CPU profile while one is active returns
// [ErrCPUProfileActive].
//
// # Snapshots
//
//	prof.Write(prof.ProfileHeap, "heap.prof")
//
// # HTTP
//
// [Serve] exposes the [net/http/pprof] handlers, which is useful while the
// device emulator runs indefinitely:
//
//	prof.Serve("localhost:6060")
package prof
