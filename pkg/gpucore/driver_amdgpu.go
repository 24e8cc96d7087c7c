package gpucore

// driver_amdgpu.go implements the DriverBackend for AMD's amdgpu kernel
// driver. Topology and memory accounting come from DRM_IOCTL_AMDGPU_INFO;
// clocks come from the pp_dpm_sclk sysfs knob, whose highest listed level
// this backend inflates by 50% into FreqLimits.Maximum, keeping the
// uninflated sysfs value in MaximumRaw.

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"unsafe"
)

// DRM_IOCTL_AMDGPU_INFO is _IOW('d', DRM_COMMAND_BASE+0x05,
// sizeof(drm_amdgpu_info)).
const drmIoctlAmdgpuInfo = 0x40206445 //nolint:stylecheck

const (
	amdgpuInfoDevInfo = 0x16
	amdgpuInfoMemory  = 0x19
)

const amdgpuIDSFlagsFusion = 0x1

// amdgpuInfoDevice mirrors struct drm_amdgpu_info_device's byte layout.
// Only ids_flags is read, but the buffer must be the full struct size so
// the kernel doesn't truncate its copy_to_user and shift later fields.
type amdgpuInfoDevice struct {
	raw [440]byte
}

func (d *amdgpuInfoDevice) idsFlags() uint64 {
	return readUint64LE(d.raw[:], 136)
}

// amdgpuHeapInfo mirrors struct drm_amdgpu_heap_info.
type amdgpuHeapInfo struct {
	TotalHeapSize uint64
	UsableSize    uint64
	HeapUsage     uint64
	MaxAllocation uint64
}

// amdgpuMemoryInfo mirrors struct drm_amdgpu_memory_info.
type amdgpuMemoryInfo struct {
	Vram              amdgpuHeapInfo
	CPUAccessibleVram amdgpuHeapInfo
	Gtt               amdgpuHeapInfo
}

// amdgpuInfoReq mirrors the prefix of struct drm_amdgpu_info: return_pointer,
// return_size, query, followed by the info_extra union. Only the two
// query selectors used here (dev info, memory info) leave extra untouched.
type amdgpuInfoReq struct {
	ReturnPointer uint64
	ReturnSize    uint32
	Query         uint32
	Extra         [16]byte
}

func amdgpuInfoIoctl(fd int, query uint32, data uintptr, size uint32) error {
	req := amdgpuInfoReq{ReturnPointer: uint64(data), ReturnSize: size, Query: query}

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd),
		drmIoctlAmdgpuInfo, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return fmt.Errorf("amdgpu info query %#x: %w", query, errno)
	}

	return nil
}

type amdgpuDriver struct {
	dnFile   *os.File // kept open only to hold dnFd alive; never read directly
	dnFd     int
	freqsDir string

	devType    *DeviceType
	freqLimits []FreqLimits
	hwmon      *Hwmon
	sensor     string

	logger *slog.Logger
}

func newAmdgpuDriver(dev *DeviceInfo) (DriverBackend, error) {
	dn := ""

	for _, m := range dev.Minors {
		if strings.Contains(m.DevNode, "render") {
			dn = m.DevNode

			break
		}
	}

	if dn == "" {
		return nil, fmt.Errorf("%w: no render node for %s", ErrDriverBind, dev.PciDev)
	}

	f, err := os.OpenFile(dn, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrDriverBind, dn, err)
	}

	card := filepath.Base(dn)
	devPath := filepath.Join(DrmClassDir, card, "device")

	amd := &amdgpuDriver{
		dnFile:   f,
		dnFd:     int(f.Fd()),
		freqsDir: devPath,
		logger:   slog.Default(),
	}

	dtype, err := amd.DevType()
	if err != nil {
		f.Close()

		return nil, err
	}

	if _, err := amd.FreqLimits(); err != nil {
		amd.logger.Debug("amdgpu: freq limits probe failed", "pci_dev", dev.PciDev, "err", err)
	}

	if dtype.IsDiscrete() {
		hw, err := HwmonFrom(filepath.Join(devPath, "hwmon"))
		if err != nil {
			amd.logger.Debug("amdgpu: no hwmon on discrete GPU", "pci_dev", dev.PciDev, "err", err)
		} else if hw != nil {
			amd.hwmon = hw

			for _, s := range hw.Sensors("power") {
				if s.HasItem("average") {
					amd.sensor = s.Sensor

					break
				}
			}
		}
	}

	return amd, nil
}

func (a *amdgpuDriver) Name() string { return "amdgpu" }

func (a *amdgpuDriver) DevType() (DeviceType, error) {
	if a.devType != nil {
		return *a.devType, nil
	}

	var qid amdgpuInfoDevice

	if err := amdgpuInfoIoctl(a.dnFd, amdgpuInfoDevInfo,
		uintptr(unsafe.Pointer(&qid)), uint32(unsafe.Sizeof(qid))); err != nil { //nolint:gosec
		return DeviceTypeUnknown, err
	}

	dtype := DeviceTypeDiscrete
	if qid.idsFlags()&amdgpuIDSFlagsFusion != 0 {
		dtype = DeviceTypeIntegrated
	}

	a.devType = &dtype

	return dtype, nil
}

func (a *amdgpuDriver) MemInfo() (DeviceMemInfo, error) {
	var qim amdgpuMemoryInfo

	if err := amdgpuInfoIoctl(a.dnFd, amdgpuInfoMemory,
		uintptr(unsafe.Pointer(&qim)), uint32(unsafe.Sizeof(qim))); err != nil { //nolint:gosec
		return DeviceMemInfo{}, err
	}

	return DeviceMemInfo{
		SmemTotal: qim.Gtt.TotalHeapSize,
		SmemUsed:  qim.Gtt.HeapUsage,
		VramTotal: qim.Vram.TotalHeapSize,
		VramUsed:  qim.Vram.HeapUsage,
	}, nil
}

// parsePpDpmSclk parses pp_dpm_sclk's "<level>: <freq>Mhz [*]" lines, where
// a trailing "*" marks the currently active level.
func parsePpDpmSclk(path string) (minFreq, maxFreq, actFreq uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		active := strings.HasSuffix(line, "*")
		line = strings.TrimSuffix(strings.TrimSpace(line), "*")
		line = strings.TrimSpace(line)

		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			continue
		}

		level, cerr := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 64)
		if cerr != nil {
			continue
		}

		v := strings.TrimSpace(kv[1])
		if !strings.HasSuffix(v, "Mhz") {
			continue
		}

		freq, cerr := strconv.ParseUint(strings.TrimSuffix(v, "Mhz"), 10, 64)
		if cerr != nil {
			continue
		}

		switch level {
		case 0:
			minFreq = freq
		case 2:
			maxFreq = freq
		}

		if active {
			actFreq = freq
		}
	}

	return minFreq, maxFreq, actFreq, sc.Err()
}

func (a *amdgpuDriver) FreqLimits() ([]FreqLimits, error) {
	if a.freqLimits != nil {
		return a.freqLimits, nil
	}

	minFreq, maxFreq, _, err := parsePpDpmSclk(filepath.Join(a.freqsDir, "pp_dpm_sclk"))
	if err != nil {
		return nil, err
	}

	// Real boost clocks can exceed the highest pp_dpm_sclk level, so the
	// recorded maximum is that level plus 50%.
	inflated := maxFreq + maxFreq/2

	limits := []FreqLimits{{Name: "gfx", Minimum: minFreq, Maximum: inflated, MaximumRaw: maxFreq}}
	a.freqLimits = limits

	return limits, nil
}

func (a *amdgpuDriver) Freqs() (Freqs, error) {
	_, _, actFreq, err := parsePpDpmSclk(filepath.Join(a.freqsDir, "pp_dpm_sclk"))
	if err != nil {
		return Freqs{}, err
	}

	return Freqs{ActFreq: actFreq}, nil
}

func (a *amdgpuDriver) Power() (Power, error) {
	if a.hwmon == nil || a.sensor == "" {
		return Power{}, nil
	}

	val, err := a.hwmon.ReadSensor(a.sensor, "average")
	if err != nil {
		return Power{}, err
	}

	return Power{GPUCurPower: float64(val) / 1e6}, nil
}

// EngsUtilization always returns no data: amdgpu's engine busy percentages
// come from per-client fdinfo, not a device-wide PMU.
func (a *amdgpuDriver) EngsUtilization() (map[string]float64, error) {
	return nil, nil
}

func (a *amdgpuDriver) ClientMemInfo(regions map[string]MemRegion) ClientMemInfo {
	var cmi ClientMemInfo

	for name, mr := range regions {
		switch {
		case strings.HasPrefix(name, "cpu"), strings.HasPrefix(name, "gtt"):
			cmi.SmemUsed += mr.Total
			cmi.SmemRss += mr.Resident
		case strings.HasPrefix(name, "vram"):
			cmi.VramUsed += mr.Total
			cmi.VramRss += mr.Resident
		default:
			a.logger.Debug("amdgpu: unknown memory region, skipping", "region", name)
		}
	}

	return cmi
}

func (a *amdgpuDriver) Temps() ([]Temperature, error) {
	if a.hwmon == nil {
		return nil, nil
	}

	return temperaturesFromHwmon(a.hwmon)
}

func (a *amdgpuDriver) Fans() ([]Fan, error) {
	if a.hwmon == nil {
		return nil, nil
	}

	return fansFromHwmon(a.hwmon)
}
