// Package pkg provides shared utilities for the acceleratorinator device
// firmware emulator and its host library.
//
// This package contains common functionality used by the codec, the device
// and host USB stacks, and the commands:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for transport and accelerator failures
//   - Integer result codes for reporting errors to users
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentProtocol, "image received", "bytes", n)
//
// # Errors
//
// Failures are reported as sentinel values, wrapped with context:
//
//	if errors.Is(err, pkg.ErrAccParse) {
//	    // the device could not parse the image
//	}
//
// [CodeOf] reduces any error to the [Code] printed by the host CLI.
package pkg
