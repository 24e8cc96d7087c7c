package gpucore

import "fmt"

// DeviceType classifies a GPU as integrated (shares package power/cooling
// with the CPU) or discrete (its own board, its own hwmon).
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeIntegrated
	DeviceTypeDiscrete
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeIntegrated:
		return "Integrated"
	case DeviceTypeDiscrete:
		return "Discrete"
	default:
		return "Unknown"
	}
}

// IsDiscrete reports whether t is DeviceTypeDiscrete.
func (t DeviceType) IsDiscrete() bool { return t == DeviceTypeDiscrete }

// IsIntegrated reports whether t is DeviceTypeIntegrated.
func (t DeviceType) IsIntegrated() bool { return t == DeviceTypeIntegrated }

// ThrottleReasons mirrors the Intel gt/gt<N>/throttle_reason_* sysfs flags.
// Drivers that don't expose a reason leave it false.
type ThrottleReasons struct {
	PL1          bool
	PL2          bool
	PL4          bool
	Prochot      bool
	Ratl         bool
	Thermal      bool
	VrTdc        bool
	VrThermalert bool
	Status       bool
}

// FreqLimits is a device's static clock domain limits, queried once at bind
// time (unlike Freqs, which is refreshed every tick). Maximum is what the
// driver advertises as the clock ceiling; on amdgpu the backend inflates
// the sysfs maximum by 50%, and the uninflated sysfs value is exposed as
// MaximumRaw.
type FreqLimits struct {
	Name       string
	Minimum    uint64
	Efficient  uint64
	Maximum    uint64
	MaximumRaw uint64
}

// Freqs is a device's current clock domain state, refreshed every tick.
type Freqs struct {
	MinFreq         uint64
	CurFreq         uint64
	ActFreq         uint64
	MaxFreq         uint64
	ThrottleReasons ThrottleReasons
}

// Power is a device's current power draw in watts. PkgCurPower is only
// meaningful for integrated GPUs sharing a package-power domain with the
// CPU.
type Power struct {
	GPUCurPower float64
	PkgCurPower float64
}

// DeviceMemInfo is a device's aggregate memory footprint.
type DeviceMemInfo struct {
	SmemTotal uint64
	SmemUsed  uint64
	VramTotal uint64
	VramUsed  uint64
}

// Temperature is one hwmon temp sensor reading, in degrees Celsius.
type Temperature struct {
	Name string
	Temp float64
}

// Fan is one hwmon fan sensor reading, in RPM.
type Fan struct {
	Name  string
	Speed uint64
}

// DriverBackend is the per-driver-family implementation bound to a
// DeviceInfo: it knows how to query device type, clocks, power, memory and
// (for discrete devices) thermal/fan sensors, and how to classify a
// client's raw fdinfo memory regions into the smem/vram split.
type DriverBackend interface {
	Name() string
	DevType() (DeviceType, error)
	FreqLimits() ([]FreqLimits, error)
	Freqs() (Freqs, error)
	Power() (Power, error)
	MemInfo() (DeviceMemInfo, error)
	EngsUtilization() (map[string]float64, error)
	ClientMemInfo(regions map[string]MemRegion) ClientMemInfo
	Temps() ([]Temperature, error)
	Fans() ([]Fan, error)
}

// driverConstructor builds a DriverBackend for a device whose drv_name
// (kernel driver name reported in uevent) matches the registered key.
type driverConstructor func(dev *DeviceInfo) (DriverBackend, error)

var driverRegistry = map[string]driverConstructor{
	"xe":     newXeDriver,
	"i915":   newI915Driver,
	"amdgpu": newAmdgpuDriver,
}

// NewDriver builds the DriverBackend for dev's kernel driver name, or
// returns (nil, nil) if no backend is registered for it (the device is
// still enumerated, just without engine/power/thermal telemetry).
func NewDriver(dev *DeviceInfo) (DriverBackend, error) {
	ctor, ok := driverRegistry[dev.DrvName]
	if !ok {
		return nil, nil
	}

	drv, err := ctor(dev)
	if err != nil {
		return nil, fmt.Errorf("binding %s driver for %s: %w", dev.DrvName, dev.PciDev, err)
	}

	return drv, nil
}
