// Package pkg provides shared utilities for the softgb bridge and protocol
// drivers.
//
// This package contains common functionality used by every other package:
//
//   - Structured logging via [go.uber.org/zap], tagged by component
//   - Sentinel error values for transport and protocol failures
//   - The [OperationStatus] result byte carried in operation responses
//
// # Logging
//
// The logging subsystem wraps a root zap logger with component context:
//
//	pkg.SetLogLevel(zapcore.DebugLevel)
//	pkg.LogInfo(pkg.ComponentBridge, "cport connected", "cport", 3)
//
// The initial level is read from the SOFTGB_LOG environment variable.
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrNotConnected) {
//	    // retry later
//	}
package pkg
