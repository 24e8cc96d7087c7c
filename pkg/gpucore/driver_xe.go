package gpucore

// driver_xe.go implements the DriverBackend for Intel's xe kernel driver
// (Meteor Lake and later Xe/Xe2/Xe3 integrated and discrete GPUs). Topology
// and memory accounting come from DRM_IOCTL_XE_DEVICE_QUERY; clocks and
// throttle state come from sysfs under <device>/tile0/gt<N>/freq0/.

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var xeEngineClassName = []string{"rcs", "bcs", "vcs", "vecs", "ccs"}

const xeEngineClassTotal = len(xeEngineClassName)

type xeEnginePmuData struct {
	baseIdx    int
	lastActive uint64
	lastTotal  uint64
}

type xeEnginesPmu struct {
	evt       *PerfEvent
	nrEvts    int
	engsData  [][]xeEnginePmuData
	nrUpdates uint64
}

func (x *xeEnginesPmu) engsUtilization() (map[string]float64, error) {
	data, err := x.evt.Read(x.nrEvts + 1)
	if err != nil {
		return nil, err
	}

	x.nrUpdates++

	ut := make(map[string]float64, xeEngineClassTotal)

	for cn := 0; cn < xeEngineClassTotal; cn++ {
		var acumActive, acumTotal uint64

		for i := range x.engsData[cn] {
			epd := &x.engsData[cn][i]
			currActive := data[1+epd.baseIdx]
			currTotal := data[1+epd.baseIdx+1]

			if x.nrUpdates >= 2 {
				acumActive += deltaU64(currActive, epd.lastActive)
				acumTotal += deltaU64(currTotal, epd.lastTotal)
			}

			epd.lastActive = currActive
			epd.lastTotal = currTotal
		}

		eut := 0.0
		if acumActive != 0 && acumTotal != 0 {
			eut = float64(acumActive) / float64(acumTotal) * 100
		}

		if eut > 100 {
			eut = 100
		}

		ut[xeEngineClassName[cn]] = eut
	}

	return ut, nil
}

type xeEngineInfo struct {
	gtID     uint16
	class    uint16
	instance uint16
}

type xeDriver struct {
	dnFile     *os.File // kept open only to hold dnFd alive; never read directly
	dnFd       int
	baseGtsDir string

	devType     *DeviceType
	freqLimits  []FreqLimits
	power       intelPower
	hwmon       *Hwmon
	engsPmu     *xeEnginesPmu

	logger *slog.Logger
}

func newXeDriver(dev *DeviceInfo) (DriverBackend, error) {
	if len(dev.Minors) == 0 {
		return nil, fmt.Errorf("%w: no DRM minors for %s", ErrDriverBind, dev.PciDev)
	}

	f, err := os.OpenFile(dev.Minors[0].DevNode, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrDriverBind, dev.Minors[0].DevNode, err)
	}

	card := filepath.Base(dev.Minors[0].DevNode)
	devPath := filepath.Join(DrmClassDir, card, "device")

	// TODO: handle more than one tile; qmmd only ever reads tile0.
	xe := &xeDriver{
		dnFile:     f,
		dnFd:       int(f.Fd()),
		baseGtsDir: filepath.Join(devPath, "tile0"),
		logger:     slog.Default(),
	}

	dtype, err := xe.DevType()
	if err != nil {
		f.Close()

		return nil, err
	}

	if _, err := xe.FreqLimits(); err != nil {
		xe.logger.Debug("xe: freq limits probe failed", "pci_dev", dev.PciDev, "err", err)
	}

	switch {
	case dtype.IsIntegrated():
		p, err := newIntelPower(DeviceTypeIntegrated, nil)
		if err != nil {
			xe.logger.Debug("xe: rapl power init failed", "pci_dev", dev.PciDev, "err", err)
		}

		xe.power = p
	case dtype.IsDiscrete():
		hw, err := HwmonFrom(devPath)
		if err != nil {
			xe.logger.Debug("xe: no hwmon on discrete GPU", "pci_dev", dev.PciDev, "err", err)
		} else if hw != nil {
			xe.hwmon = hw

			p, err := newIntelPower(DeviceTypeDiscrete, hw)
			if err != nil {
				xe.logger.Debug("xe: hwmon power init failed", "pci_dev", dev.PciDev, "err", err)
			}

			xe.power = p
		}
	}

	if ResolveIntelDriverOpts(dev.PciDev, dev.DriverOpts).HasEngsPMU() {
		if err := xe.initEnginesPmu(); err != nil {
			xe.logger.Debug("xe: engines PMU init failed", "pci_dev", dev.PciDev, "err", err)
		}
	}

	return xe, nil
}

func (x *xeDriver) Name() string { return "xe" }

func (x *xeDriver) DevType() (DeviceType, error) {
	if x.devType != nil {
		return *x.devType, nil
	}

	buf, err := xeDeviceQueryRaw(x.dnFd, xeDeviceQueryConfig)
	if err != nil {
		return DeviceTypeUnknown, err
	}

	if len(buf) == 0 {
		return DeviceTypeUnknown, nil
	}

	numParams := int(readUint32LE(buf, 0))
	const flagsIdx = 1

	if numParams <= flagsIdx {
		return DeviceTypeUnknown, fmt.Errorf("%w: xe config query too short", ErrDriverBind)
	}

	flags := readUint64LE(buf, 8+flagsIdx*8)

	dtype := DeviceTypeIntegrated
	if flags&xeQueryConfigFlagHasVram != 0 {
		dtype = DeviceTypeDiscrete
	}

	x.devType = &dtype

	return dtype, nil
}

func (x *xeDriver) engines() ([]xeEngineInfo, error) {
	buf, err := xeDeviceQueryRaw(x.dnFd, xeDeviceQueryEngines)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: xe engines query returned no data", ErrDriverBind)
	}

	numEngines := int(readUint32LE(buf, 0))
	const headerSize, engineSize = 8, 32

	out := make([]xeEngineInfo, 0, numEngines)

	for i := 0; i < numEngines; i++ {
		off := headerSize + i*engineSize
		out = append(out, xeEngineInfo{
			class:    uint16(readUint32LE(buf, off) & 0xffff), //nolint:gosec
			instance: uint16(readUint32LE(buf, off) >> 16),
			gtID:     uint16(readUint32LE(buf, off+4) & 0xffff),
		})
	}

	return out, nil
}

func (x *xeDriver) initEnginesPmu() error {
	if !IsPerfCapable() {
		return fmt.Errorf("%w: no PMU support", ErrSampleRead)
	}

	src := "xe_" + strings.ReplaceAll(x.srcPciDev(), ":", "_")
	if !HasSource(src) {
		return fmt.Errorf("%w: no PMU source %s", ErrSampleRead, src)
	}

	typ, err := SourceType(src)
	if err != nil {
		return err
	}

	actCfg, err := EventConfig(src, "engine-active-ticks")
	if err != nil {
		return err
	}

	totCfg, err := EventConfig(src, "engine-total-ticks")
	if err != nil {
		return err
	}

	engs, err := x.engines()
	if err != nil {
		return err
	}

	engsData := make([][]xeEnginePmuData, xeEngineClassTotal)

	evt := NewPerfEvent()

	idx := 0

	for _, eng := range engs {
		eActCfg, err := FormatConfig(src, map[string]uint64{
			"gt": uint64(eng.gtID), "engine_class": uint64(eng.class), "engine_instance": uint64(eng.instance),
		}, actCfg)
		if err != nil {
			evt.Close()

			return err
		}

		eTotCfg, err := FormatConfig(src, map[string]uint64{
			"gt": uint64(eng.gtID), "engine_class": uint64(eng.class), "engine_instance": uint64(eng.instance),
		}, totCfg)
		if err != nil {
			evt.Close()

			return err
		}

		attr := NewDisabledAttr(eActCfg, 0, unix.PERF_FORMAT_GROUP)
		attr.Type = typ

		if _, err := evt.GroupOpen(attr, -1, 0, 0); err != nil {
			evt.Close()

			return err
		}

		attr.Config = eTotCfg
		if _, err := evt.GroupOpen(attr, -1, 0, 0); err != nil {
			evt.Close()

			return err
		}

		if int(eng.class) >= xeEngineClassTotal {
			idx += 2

			continue
		}

		engsData[eng.class] = append(engsData[eng.class], xeEnginePmuData{baseIdx: idx})
		idx += 2
	}

	if err := evt.Enable(); err != nil {
		evt.Close()

		return err
	}

	x.engsPmu = &xeEnginesPmu{evt: evt, nrEvts: idx, engsData: engsData}

	return nil
}

// srcPciDev returns the device's PCI slot for the PMU source name. xe has
// no direct handle to its own PciDev field once bound, so the slot is
// derived from the device symlink that is the parent of baseGtsDir.
func (x *xeDriver) srcPciDev() string {
	deviceDir, err := filepath.EvalSymlinks(filepath.Dir(x.baseGtsDir))
	if err != nil {
		return ""
	}

	return filepath.Base(deviceDir)
}

func (x *xeDriver) FreqLimits() ([]FreqLimits, error) {
	if x.freqLimits != nil {
		return x.freqLimits, nil
	}

	var limits []FreqLimits

	for nr := 0; ; nr++ {
		freqsDir := filepath.Join(x.baseGtsDir, fmt.Sprintf("gt%d", nr), "freq0")
		if info, err := os.Stat(freqsDir); err != nil || !info.IsDir() {
			break
		}

		rpn, err := readUintFile(filepath.Join(freqsDir, "rpn_freq"))
		if err != nil {
			return nil, err
		}

		rpe, err := readUintFile(filepath.Join(freqsDir, "rpe_freq"))
		if err != nil {
			return nil, err
		}

		rp0, err := readUintFile(filepath.Join(freqsDir, "rp0_freq"))
		if err != nil {
			return nil, err
		}

		limits = append(limits, FreqLimits{
			Name: fmt.Sprintf("gt%d", nr), Minimum: rpn, Efficient: rpe, Maximum: rp0, MaximumRaw: rp0,
		})
	}

	x.freqLimits = limits

	return limits, nil
}

func (x *xeDriver) Freqs() (Freqs, error) {
	// xe exposes clocks per-GT; return the first GT's reading (qmmd itself
	// only ever surfaces gt0 to its top-level Freqs accessor).
	freqsDir := filepath.Join(x.baseGtsDir, "gt0", "freq0")
	throttleDir := filepath.Join(freqsDir, "throttle")

	minVal, err := readUintFile(filepath.Join(freqsDir, "min_freq"))
	if err != nil {
		return Freqs{}, err
	}

	cur, err := readUintFile(filepath.Join(freqsDir, "cur_freq"))
	if err != nil {
		return Freqs{}, err
	}

	act, err := readUintFile(filepath.Join(freqsDir, "act_freq"))
	if err != nil {
		return Freqs{}, err
	}

	maxVal, err := readUintFile(filepath.Join(freqsDir, "max_freq"))
	if err != nil {
		return Freqs{}, err
	}

	return Freqs{
		MinFreq: minVal, CurFreq: cur, ActFreq: act, MaxFreq: maxVal,
		ThrottleReasons: ThrottleReasons{
			PL1:          readBoolFile(filepath.Join(throttleDir, "reason_pl1")),
			PL2:          readBoolFile(filepath.Join(throttleDir, "reason_pl2")),
			PL4:          readBoolFile(filepath.Join(throttleDir, "reason_pl4")),
			Prochot:      readBoolFile(filepath.Join(throttleDir, "reason_prochot")),
			Ratl:         readBoolFile(filepath.Join(throttleDir, "reason_ratl")),
			Thermal:      readBoolFile(filepath.Join(throttleDir, "reason_thermal")),
			VrTdc:        readBoolFile(filepath.Join(throttleDir, "reason_vr_tdc")),
			VrThermalert: readBoolFile(filepath.Join(throttleDir, "reason_vr_thermalert")),
			Status:       readBoolFile(filepath.Join(throttleDir, "status")),
		},
	}, nil
}

func (x *xeDriver) Power() (Power, error) {
	if x.power == nil {
		return Power{}, nil
	}

	return x.power.PowerUsage()
}

func (x *xeDriver) MemInfo() (DeviceMemInfo, error) {
	buf, err := xeDeviceQueryRaw(x.dnFd, xeDeviceQueryMemRegions)
	if err != nil {
		return DeviceMemInfo{}, err
	}

	var mi DeviceMemInfo

	if len(buf) == 0 {
		return mi, nil
	}

	numRegions := int(readUint32LE(buf, 0))
	const headerSize, regionSize = 8, 88

	for i := 0; i < numRegions; i++ {
		off := headerSize + i*regionSize
		class := readUint32LE(buf, off) & 0xffff //nolint:gosec
		total := readUint64LE(buf, off+8)
		used := readUint64LE(buf, off+16)

		switch uint16(class) {
		case xeMemRegionClassSysmem:
			mi.SmemTotal += total
			mi.SmemUsed += used
		case xeMemRegionClassVram:
			mi.VramTotal += total
			mi.VramUsed += used
		}
	}

	return mi, nil
}

func (x *xeDriver) EngsUtilization() (map[string]float64, error) {
	if x.engsPmu == nil {
		return nil, nil
	}

	return x.engsPmu.engsUtilization()
}

func (x *xeDriver) ClientMemInfo(regions map[string]MemRegion) ClientMemInfo {
	var cmi ClientMemInfo

	dtype, _ := x.DevType()

	for name, mr := range regions {
		switch {
		case strings.HasPrefix(name, "system"), strings.HasPrefix(name, "gtt"):
			cmi.SmemUsed += mr.Total
			cmi.SmemRss += mr.Resident
		case strings.HasPrefix(name, "vram"):
			cmi.VramUsed += mr.Total
			cmi.VramRss += mr.Resident
		case strings.HasPrefix(name, "stolen"):
			if dtype.IsDiscrete() {
				cmi.VramUsed += mr.Total
				cmi.VramRss += mr.Resident
			} else {
				cmi.SmemUsed += mr.Total
				cmi.SmemRss += mr.Resident
			}
		default:
			x.logger.Debug("xe: unknown memory region, skipping", "region", name)
		}
	}

	return cmi
}

func (x *xeDriver) Temps() ([]Temperature, error) {
	if x.hwmon == nil {
		return nil, nil
	}

	return temperaturesFromHwmon(x.hwmon)
}

func (x *xeDriver) Fans() ([]Fan, error) {
	if x.hwmon == nil {
		return nil, nil
	}

	return fansFromHwmon(x.hwmon)
}

func readUintFile(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}

func readBoolFile(path string) bool {
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	return strings.TrimSpace(string(raw)) == "1"
}

// temperaturesFromHwmon and fansFromHwmon turn a Hwmon's temp*/fan* sensors
// into sorted Temperature/Fan slices, shared by every hwmon-backed driver.
func temperaturesFromHwmon(hw *Hwmon) ([]Temperature, error) {
	var temps []Temperature

	for _, s := range hw.Sensors("temp") {
		v, err := hw.ReadSensor(s.Sensor, "input")
		if err != nil {
			continue
		}

		name := s.Label
		if name == "" {
			name = s.Sensor
		}

		temps = append(temps, Temperature{Name: name, Temp: float64(v) / 1000})
	}

	sort.Slice(temps, func(i, j int) bool { return temps[i].Name < temps[j].Name })

	return temps, nil
}

func fansFromHwmon(hw *Hwmon) ([]Fan, error) {
	var fans []Fan

	for _, s := range hw.Sensors("fan") {
		v, err := hw.ReadSensor(s.Sensor, "input")
		if err != nil {
			continue
		}

		name := s.Label
		if name == "" {
			name = s.Sensor
		}

		fans = append(fans, Fan{Name: name, Speed: v})
	}

	sort.Slice(fans, func(i, j int) bool { return fans[i].Name < fans[j].Name })

	return fans, nil
}
