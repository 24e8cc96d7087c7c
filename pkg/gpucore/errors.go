// Package gpucore implements a periodic sampler that discovers DRM devices,
// attributes per-client GPU engine and memory consumption to the processes
// that hold open DRM file descriptors, and computes derived utilization
// rates.
//
// The package never registers a prometheus.Collector itself; callers read
// Snapshot and publish it however they like.
package gpucore

import "errors"

// Error taxonomy. Each entry point returns one of these wrapped with more
// specific context via fmt.Errorf("...: %w", ...).
var (
	// ErrDiscovery covers udev/sysfs enumeration failures. A device-scoped
	// discovery error skips that device; a global one (no devices at all on
	// a system expected to have them) is surfaced to the caller.
	ErrDiscovery = errors.New("device discovery error")

	// ErrDriverBind covers an ioctl returning an error or a header/size
	// mismatch while attaching a driver backend. The device keeps
	// DeviceTypeUnknown and no backend.
	ErrDriverBind = errors.New("driver bind error")

	// ErrSampleRead covers a missing or unparsable sysfs file, or a failed
	// perf read, during a refresh. The affected metric is left unchanged or
	// zero; never fatal to the tick.
	ErrSampleRead = errors.New("sample read error")

	// ErrClientScan covers a per-PID or per-fd failure while scanning DRM
	// clients. The scan continues with the next PID/fd.
	ErrClientScan = errors.New("client scan error")

	// ErrProtocolMismatch covers a DRM node whose major number isn't 226.
	// Treated as a bug signal, not a runtime condition.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrNoData indicates an operation found nothing to report, but had no
	// other error worth logging above debug level.
	ErrNoData = errors.New("no data")
)

// IsNoDataError reports whether err is (or wraps) ErrNoData.
func IsNoDataError(err error) bool {
	return errors.Is(err, ErrNoData)
}
