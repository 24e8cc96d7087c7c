package gpucore

// driver_i915.go implements the DriverBackend for Intel's legacy i915 kernel
// driver (pre-Meteor-Lake integrated parts, and older discrete Arc cards
// before the xe driver took over). Unlike xe, i915 has no dedicated config
// query to tell integrated from discrete: device type is derived from
// whether DRM_IOCTL_I915_QUERY reports any VRAM. i915 also has no PMU-based
// engine utilization accounting at all.

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type i915Driver struct {
	dnFile     *os.File // kept open only to hold dnFd alive; never read directly
	dnFd       int
	baseGtsDir string

	devType    *DeviceType
	freqLimits []FreqLimits
	power      intelPower
	hwmon      *Hwmon

	logger *slog.Logger
}

func newI915Driver(dev *DeviceInfo) (DriverBackend, error) {
	if len(dev.Minors) == 0 {
		return nil, fmt.Errorf("%w: no DRM minors for %s", ErrDriverBind, dev.PciDev)
	}

	f, err := os.OpenFile(dev.Minors[0].DevNode, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrDriverBind, dev.Minors[0].DevNode, err)
	}

	card := filepath.Base(dev.Minors[0].DevNode)
	devPath := filepath.Join(DrmClassDir, card, "device")

	drv := &i915Driver{
		dnFile:     f,
		dnFd:       int(f.Fd()),
		baseGtsDir: filepath.Join(devPath, "gt"),
		logger:     slog.Default(),
	}

	dtype, err := drv.DevType()
	if err != nil {
		f.Close()

		return nil, err
	}

	if _, err := drv.FreqLimits(); err != nil {
		drv.logger.Debug("i915: freq limits probe failed", "pci_dev", dev.PciDev, "err", err)
	}

	switch {
	case dtype.IsIntegrated():
		p, err := newIntelPower(DeviceTypeIntegrated, nil)
		if err != nil {
			drv.logger.Debug("i915: rapl power init failed", "pci_dev", dev.PciDev, "err", err)
		}

		drv.power = p
	case dtype.IsDiscrete():
		hw, err := HwmonFrom(devPath)
		if err != nil {
			drv.logger.Debug("i915: no hwmon on discrete GPU", "pci_dev", dev.PciDev, "err", err)
		} else if hw != nil {
			drv.hwmon = hw

			p, err := newIntelPower(DeviceTypeDiscrete, hw)
			if err != nil {
				drv.logger.Debug("i915: hwmon power init failed", "pci_dev", dev.PciDev, "err", err)
			}

			drv.power = p
		}
	}

	return drv, nil
}

func (d *i915Driver) Name() string { return "i915" }

// DevType has no dedicated config query on i915: a device counts as discrete
// if MemInfo reports any VRAM at all.
func (d *i915Driver) DevType() (DeviceType, error) {
	if d.devType != nil {
		return *d.devType, nil
	}

	mi, err := d.MemInfo()
	if err != nil {
		return DeviceTypeUnknown, err
	}

	dtype := DeviceTypeIntegrated
	if mi.VramTotal > 0 {
		dtype = DeviceTypeDiscrete
	}

	d.devType = &dtype

	return dtype, nil
}

func (d *i915Driver) MemInfo() (DeviceMemInfo, error) {
	buf, err := i915QueryRaw(d.dnFd, i915QueryMemoryRegions)
	if err != nil {
		return DeviceMemInfo{}, err
	}

	var mi DeviceMemInfo

	if len(buf) == 0 {
		return mi, nil
	}

	numRegions := int(readUint32LE(buf, 0))
	const headerSize, regionSize = 16, 88

	for i := 0; i < numRegions; i++ {
		off := headerSize + i*regionSize
		class := readUint32LE(buf, off) & 0xffff //nolint:gosec
		probed := readUint64LE(buf, off+8)
		unallocated := readUint64LE(buf, off+16)
		used := probed - unallocated

		switch uint16(class) {
		case i915MemoryClassSystem:
			mi.SmemTotal += probed
			mi.SmemUsed += used
		case i915MemoryClassDevice:
			mi.VramTotal += probed
			mi.VramUsed += used
		}
	}

	return mi, nil
}

func (d *i915Driver) FreqLimits() ([]FreqLimits, error) {
	if d.freqLimits != nil {
		return d.freqLimits, nil
	}

	var limits []FreqLimits

	for nr := 0; ; nr++ {
		gtDir := filepath.Join(d.baseGtsDir, fmt.Sprintf("gt%d", nr))
		if info, err := os.Stat(gtDir); err != nil || !info.IsDir() {
			break
		}

		rpn, err := readUintFile(filepath.Join(gtDir, "rps_RPn_freq_mhz"))
		if err != nil {
			return nil, err
		}

		rpe, err := readUintFile(filepath.Join(gtDir, "rps_RP1_freq_mhz"))
		if err != nil {
			return nil, err
		}

		rp0, err := readUintFile(filepath.Join(gtDir, "rps_RP0_freq_mhz"))
		if err != nil {
			return nil, err
		}

		limits = append(limits, FreqLimits{
			Name: fmt.Sprintf("gt%d", nr), Minimum: rpn, Efficient: rpe, Maximum: rp0, MaximumRaw: rp0,
		})
	}

	d.freqLimits = limits

	return limits, nil
}

func (d *i915Driver) Freqs() (Freqs, error) {
	gtDir := filepath.Join(d.baseGtsDir, "gt0")

	minVal, err := readUintFile(filepath.Join(gtDir, "rps_min_freq_mhz"))
	if err != nil {
		return Freqs{}, err
	}

	cur, err := readUintFile(filepath.Join(gtDir, "rps_cur_freq_mhz"))
	if err != nil {
		return Freqs{}, err
	}

	act, err := readUintFile(filepath.Join(gtDir, "rps_act_freq_mhz"))
	if err != nil {
		return Freqs{}, err
	}

	maxVal, err := readUintFile(filepath.Join(gtDir, "rps_max_freq_mhz"))
	if err != nil {
		return Freqs{}, err
	}

	return Freqs{
		MinFreq: minVal, CurFreq: cur, ActFreq: act, MaxFreq: maxVal,
		ThrottleReasons: ThrottleReasons{
			PL1:          readBoolFile(filepath.Join(gtDir, "throttle_reason_pl1")),
			PL2:          readBoolFile(filepath.Join(gtDir, "throttle_reason_pl2")),
			PL4:          readBoolFile(filepath.Join(gtDir, "throttle_reason_pl4")),
			Prochot:      readBoolFile(filepath.Join(gtDir, "throttle_reason_prochot")),
			Ratl:         readBoolFile(filepath.Join(gtDir, "throttle_reason_ratl")),
			Thermal:      readBoolFile(filepath.Join(gtDir, "throttle_reason_thermal")),
			VrTdc:        readBoolFile(filepath.Join(gtDir, "throttle_reason_vr_tdc")),
			VrThermalert: readBoolFile(filepath.Join(gtDir, "throttle_reason_vr_thermalert")),
			Status:       readBoolFile(filepath.Join(gtDir, "throttle_reason_status")),
		},
	}, nil
}

func (d *i915Driver) Power() (Power, error) {
	if d.power == nil {
		return Power{}, nil
	}

	return d.power.PowerUsage()
}

// EngsUtilization always returns no data: i915 has no engines-PMU support.
func (d *i915Driver) EngsUtilization() (map[string]float64, error) {
	return nil, nil
}

func (d *i915Driver) ClientMemInfo(regions map[string]MemRegion) ClientMemInfo {
	var cmi ClientMemInfo

	for name, mr := range regions {
		switch {
		case strings.HasPrefix(name, "system"), strings.HasPrefix(name, "stolen-system"):
			cmi.SmemUsed += mr.Total
			cmi.SmemRss += mr.Resident
		case strings.HasPrefix(name, "local"), strings.HasPrefix(name, "stolen-local"):
			cmi.VramUsed += mr.Total
			cmi.VramRss += mr.Resident
		default:
			d.logger.Debug("i915: unknown memory region, skipping", "region", name)
		}
	}

	return cmi
}

func (d *i915Driver) Temps() ([]Temperature, error) {
	if d.hwmon == nil {
		return nil, nil
	}

	return temperaturesFromHwmon(d.hwmon)
}

func (d *i915Driver) Fans() ([]Fan, error) {
	if d.hwmon == nil {
		return nil, nil
	}

	return fansFromHwmon(d.hwmon)
}
