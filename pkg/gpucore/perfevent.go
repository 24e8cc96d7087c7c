package gpucore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PerfSrcDir is the sysfs root under which perf PMU sources expose their
// type, format and named-event definitions.
const PerfSrcDir = "/sys/devices"

// PerfEvent wraps a perf_event_open(2) file descriptor and any additional
// fds opened into the same group (PERF_FORMAT_GROUP reads). Modeled after
// the original counter-group abstraction: the first Open/GroupOpen call
// becomes the group leader, subsequent GroupOpen calls join it.
type PerfEvent struct {
	fd     int
	grpFds []int
}

// NewPerfEvent returns an unopened PerfEvent.
func NewPerfEvent() *PerfEvent {
	return &PerfEvent{fd: -1}
}

// Read reads nr uint64 values from the group leader's fd (PERF_FORMAT_GROUP
// layout: nr_events, then one value per counter in open order).
func (p *PerfEvent) Read(nr int) ([]uint64, error) {
	buf := make([]byte, nr*8)

	n, err := unix.Read(p.fd, buf)
	if err != nil {
		return nil, err
	}

	if n != len(buf) {
		return nil, fmt.Errorf("perf event short read: got %d bytes, want %d", n, len(buf))
	}

	out := make([]uint64, nr)
	for i := range out {
		out[i] = *(*uint64)(unsafe.Pointer(&buf[i*8])) //nolint:gosec
	}

	return out, nil
}

// GroupOpen opens evtAttr for (pid, cpu) as a member of this PerfEvent's
// counter group. The first call establishes the group leader. Runs through
// privExec since perf_event_open requires CAP_PERFMON.
func (p *PerfEvent) GroupOpen(evtAttr *unix.PerfEventAttr, pid, cpu int, flags int) (int, error) {
	var fd int

	err := privExec(func() error {
		var err error

		fd, err = unix.PerfEventOpen(evtAttr, pid, cpu, p.fd, flags)

		return err
	})
	if err != nil {
		return -1, err
	}

	if p.fd == -1 {
		p.fd = fd
	} else {
		p.grpFds = append(p.grpFds, fd)
	}

	return fd, nil
}

// Open opens evtAttr as a standalone (non-grouped) event. Runs through
// privExec since perf_event_open requires CAP_PERFMON.
func (p *PerfEvent) Open(evtAttr *unix.PerfEventAttr, pid, cpu int, flags int) (int, error) {
	if p.fd != -1 {
		return -1, fmt.Errorf("perf event already opened")
	}

	var fd int

	err := privExec(func() error {
		var err error

		fd, err = unix.PerfEventOpen(evtAttr, pid, cpu, -1, flags)

		return err
	})
	if err != nil {
		return -1, err
	}

	p.fd = fd

	return fd, nil
}

// Enable issues PERF_EVENT_IOC_ENABLE on the group leader, starting counting
// for every member opened with Disabled initially set.
func (p *PerfEvent) Enable() error {
	return unix.IoctlSetInt(p.fd, unix.PERF_EVENT_IOC_ENABLE, 0)
}

// Close releases the group leader and every joined fd.
func (p *PerfEvent) Close() error {
	var firstErr error

	for _, fd := range p.grpFds {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if p.fd != -1 {
		if err := unix.Close(p.fd); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// NewDisabledAttr returns a perf_event_attr with Disabled, ExcludeKernel and
// ExcludeHv set (the common configuration for a userspace-readable counter),
// and the given sample/read format flags.
func NewDisabledAttr(config uint64, sampleType, readFormat uint64) *unix.PerfEventAttr {
	attr := &unix.PerfEventAttr{
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})), //nolint:gosec
		Config:      config,
		Sample_type: sampleType,
		Read_format: readFormat,
	}

	// Bits packs: disabled=bit0, inherit=bit1, pinned=bit2, exclusive=bit3,
	// exclude_user=bit4, exclude_kernel=bit5, exclude_hv=bit6, ...
	const (
		bitDisabled      = 1 << 0
		bitExcludeKernel = 1 << 5
		bitExcludeHv     = 1 << 6
	)

	attr.Bits = bitDisabled | bitExcludeKernel | bitExcludeHv

	return attr
}

// FormatShift reads /sys/devices/<src>/format/<param> (shape
// "config:<shift>-<width>") and returns val shifted into that field.
func FormatShift(src, param string, val uint64) (uint64, error) {
	return formatShiftIn(PerfSrcDir, src, param, val)
}

func formatShiftIn(root, src, param string, val uint64) (uint64, error) {
	fpath := filepath.Join(root, src, "format", param)

	raw, err := os.ReadFile(fpath)
	if err != nil {
		return 0, err
	}

	paramStr := strings.TrimSpace(string(raw))

	values, ok := strings.CutPrefix(paramStr, "config:")
	if !ok {
		return 0, fmt.Errorf("invalid param %q in file %s", paramStr, fpath)
	}

	shiftStr, _, ok := strings.Cut(values, "-")
	if !ok {
		return 0, fmt.Errorf("invalid param %q in file %s", paramStr, fpath)
	}

	shift, err := strconv.ParseUint(shiftStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return val << shift, nil
}

// FormatConfig ORs together each named param's shifted value into val, per
// the PMU's /sys/devices/<src>/format definitions.
func FormatConfig(src string, ops map[string]uint64, val uint64) (uint64, error) {
	nval := val

	for param, pval := range ops {
		shifted, err := FormatShift(src, param, pval)
		if err != nil {
			return 0, err
		}

		nval |= shifted
	}

	return nval, nil
}

// EventConfig resolves a named event (e.g. "energy-pkg") under
// /sys/devices/<src>/events/<evt> into a raw config value, combining its
// event and umask fields.
func EventConfig(src, evt string) (uint64, error) {
	return eventConfigIn(PerfSrcDir, src, evt)
}

func eventConfigIn(root, src, evt string) (uint64, error) {
	efn := filepath.Join(root, src, "events", evt)

	raw, err := os.ReadFile(efn)
	if err != nil {
		return 0, err
	}

	cfgStr := strings.TrimSpace(string(raw))

	var (
		config    *uint64
		umask     uint64
		haveUmask bool
	)

	for _, c := range strings.Split(cfgStr, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(c), "=")
		if !ok {
			return 0, fmt.Errorf("unparseable entry %q in %s", c, efn)
		}

		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch {
		case strings.HasPrefix(key, "event"):
			v, err := strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 64)
			if err != nil {
				return 0, err
			}

			config = &v
		case strings.HasPrefix(key, "umask"):
			v, err := strconv.ParseUint(strings.TrimPrefix(val, "0x"), 16, 64)
			if err != nil {
				return 0, err
			}

			umask = v
			haveUmask = true
		default:
			return 0, fmt.Errorf("unknown key %q in %s event file", key, efn)
		}
	}

	if config == nil {
		return 0, fmt.Errorf("no valid data in %s event file", efn)
	}

	if !haveUmask {
		umask = 0
	}

	return (umask << 8) | *config, nil
}

// HasEvent reports whether /sys/devices/<src>/events/<evt> exists.
func HasEvent(src, evt string) bool {
	_, err := os.Stat(filepath.Join(PerfSrcDir, src, "events", evt))

	return err == nil
}

// SourceType reads /sys/devices/<src>/type, the perf_event_attr.Type value
// identifying this PMU.
func SourceType(src string) (uint32, error) {
	raw, err := os.ReadFile(filepath.Join(PerfSrcDir, src, "type"))
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return 0, err
	}

	return uint32(v), nil
}

// HasSource reports whether src is a registered perf PMU source.
func HasSource(src string) bool {
	if _, err := os.Lstat(filepath.Join("/sys/bus/event_source/devices", src)); err != nil {
		return false
	}

	info, err := os.Stat(filepath.Join(PerfSrcDir, src))

	return err == nil && info.IsDir()
}

// IsPerfCapable reports whether the kernel exposes perf_event_open support,
// judged by the presence of /proc/sys/kernel/perf_event_paranoid. It does not
// check whether the current process is root or holds CAP_PERFMON.
// Capability dropping/raising around the actual open call is handled by the
// caller via internal/security.
func IsPerfCapable() bool {
	if _, err := os.Stat("/proc/sys/kernel/perf_event_paranoid"); err != nil {
		return false
	}

	return true
}
