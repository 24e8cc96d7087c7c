package gpucore

// intelpower.go implements GPU/package power accounting shared by the xe and
// i915 driver backends: RAPL-via-perf for integrated GPUs (the energy-gpu and
// energy-pkg counters under /sys/devices/power), and hwmon power1_average for
// discrete GPUs exposing their own board sensor.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// intelPower reports current GPU (and, for integrated parts, package) power
// draw in watts.
type intelPower interface {
	PowerUsage() (Power, error)
}

func readTrimmed(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(raw)), nil
}

func readFloat(path string) (float64, error) {
	s, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}

	return strconv.ParseFloat(s, 64)
}

// raplPower reads the energy-gpu/energy-pkg RAPL counters as a grouped perf
// event, converting the joule delta between reads into an average watt
// figure. Only meaningful for integrated GPUs, which share a package power
// domain with the CPU.
type raplPower struct {
	evt      *PerfEvent
	gpuScale float64
	pkgScale float64

	lastGPU, lastPkg uint64
	nrUpdates        uint64
	lastUpdate       time.Time
}

func newRaplPower() (*raplPower, error) {
	if !IsPerfCapable() {
		return nil, fmt.Errorf("%w: no perf_event_open support", ErrSampleRead)
	}

	evtDir := filepath.Join(PerfSrcDir, "power", "events")

	gpuUnit, err := readTrimmed(filepath.Join(evtDir, "energy-gpu.unit"))
	if err != nil {
		return nil, err
	}

	pkgUnit, err := readTrimmed(filepath.Join(evtDir, "energy-pkg.unit"))
	if err != nil {
		return nil, err
	}

	if gpuUnit != "Joules" || pkgUnit != "Joules" {
		return nil, fmt.Errorf("rapl energy units not in Joules: gpu=%q pkg=%q", gpuUnit, pkgUnit)
	}

	gpuScale, err := readFloat(filepath.Join(evtDir, "energy-gpu.scale"))
	if err != nil {
		return nil, err
	}

	pkgScale, err := readFloat(filepath.Join(evtDir, "energy-pkg.scale"))
	if err != nil {
		return nil, err
	}

	if gpuScale == 0 || pkgScale == 0 {
		return nil, fmt.Errorf("rapl energy scales must be > 0: gpu=%v pkg=%v", gpuScale, pkgScale)
	}

	typ, err := SourceType("power")
	if err != nil {
		return nil, err
	}

	gpuCfg, err := EventConfig("power", "energy-gpu")
	if err != nil {
		return nil, err
	}

	pkgCfg, err := EventConfig("power", "energy-pkg")
	if err != nil {
		return nil, err
	}

	// Any online CPU works: energy-gpu/energy-pkg are package-scoped
	// uncore counters, not per-core ones.
	const cpu = 0

	attr := NewDisabledAttr(gpuCfg, unix.PERF_SAMPLE_IDENTIFIER, unix.PERF_FORMAT_GROUP)
	attr.Type = typ

	evt := NewPerfEvent()
	if _, err := evt.GroupOpen(attr, -1, cpu, 0); err != nil {
		return nil, fmt.Errorf("opening energy-gpu perf event: %w", err)
	}

	attr.Config = pkgCfg
	if _, err := evt.GroupOpen(attr, -1, cpu, 0); err != nil {
		evt.Close()

		return nil, fmt.Errorf("opening energy-pkg perf event: %w", err)
	}

	if err := evt.Enable(); err != nil {
		evt.Close()

		return nil, fmt.Errorf("enabling rapl perf group: %w", err)
	}

	return &raplPower{
		evt:        evt,
		gpuScale:   gpuScale,
		pkgScale:   pkgScale,
		lastUpdate: time.Now(),
	}, nil
}

// PowerUsage reads the current RAPL counters and returns the average watts
// drawn since the previous read. The first read after open always returns
// zero, since there is no prior sample to delta against.
func (r *raplPower) PowerUsage() (Power, error) {
	vals, err := r.evt.Read(3) // layout: nr_events, gpu, pkg
	if err != nil {
		return Power{}, err
	}

	r.nrUpdates++

	elapsed := time.Since(r.lastUpdate).Seconds()
	r.lastUpdate = time.Now()

	var deltaGPU, deltaPkg uint64
	if r.nrUpdates >= 2 {
		deltaGPU = vals[1] - r.lastGPU
		deltaPkg = vals[2] - r.lastPkg
	}

	r.lastGPU = vals[1]
	r.lastPkg = vals[2]

	if elapsed <= 0 {
		return Power{}, nil
	}

	return Power{
		GPUCurPower: float64(deltaGPU) * r.gpuScale / elapsed,
		PkgCurPower: float64(deltaPkg) * r.pkgScale / elapsed,
	}, nil
}

// hwmonPower reads a discrete Intel GPU's board power sensor. The original
// implementation left this unimplemented for discrete parts; amdgpu's
// hwmon-based power accounting is the grounding for doing it here instead.
type hwmonPower struct {
	hwmon  *Hwmon
	sensor string
}

func newHwmonPower(hw *Hwmon) (*hwmonPower, error) {
	sensors := hw.Sensors("power")
	if len(sensors) == 0 {
		return nil, fmt.Errorf("%w: no power sensor under hwmon", ErrSampleRead)
	}

	return &hwmonPower{hwmon: hw, sensor: sensors[0].Sensor}, nil
}

// PowerUsage reads power<N>_average (microwatts) and converts to watts.
// PkgCurPower is left zero: a discrete GPU has no package power domain.
func (h *hwmonPower) PowerUsage() (Power, error) {
	microwatts, err := h.hwmon.ReadSensor(h.sensor, "average")
	if err != nil {
		return Power{}, err
	}

	return Power{GPUCurPower: float64(microwatts) / 1e6}, nil
}

// newIntelPower picks the power accounting strategy for devType: RAPL via
// perf for integrated GPUs, hwmon for discrete ones with a hwmon node. Returns
// (nil, nil) if no power source is available, matching the original's
// "no rapl/hwmon power reporting" fallback.
func newIntelPower(devType DeviceType, hw *Hwmon) (intelPower, error) {
	switch {
	case devType.IsIntegrated():
		p, err := newRaplPower()
		if err != nil {
			return nil, nil //nolint:nilerr
		}

		return p, nil
	case devType.IsDiscrete() && hw != nil:
		p, err := newHwmonPower(hw)
		if err != nil {
			return nil, nil //nolint:nilerr
		}

		return p, nil
	default:
		return nil, nil
	}
}
