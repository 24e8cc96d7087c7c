package gpucore

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DrmClassDir is the sysfs directory enumerating DRM minors (card* and
// renderD* nodes), each a symlink to the owning device's sysfs node.
const DrmClassDir = "/sys/class/drm"

// DevDriDir is where the DRM minors' device nodes live.
const DevDriDir = "/dev/dri"

// MinorInfo is one DRM minor (a primary "card*" or render "renderD*" node)
// belonging to a device.
type MinorInfo struct {
	DevNode  string
	DrmMinor uint32
}

// DeviceInfo is one PCI GPU device: its identity, the DRM minors it exposes
// and (once bound) its driver-reported state.
type DeviceInfo struct {
	PciDev   string // sysfs slot name, e.g. "0000:00:02.0"
	VendorID string
	Vendor   string
	DeviceID string
	Device   string
	Revision string
	DrvName  string
	Minors   []MinorInfo

	// DriverOpts are the caller-supplied driver options (e.g. "engines=pmu")
	// registered under this device's driver name, resolved once at
	// discovery time and consumed by the bound DriverBackend constructor.
	DriverOpts []DriverOpt

	DevType    DeviceType
	FreqLimits []FreqLimits
	Freqs      Freqs
	Power      Power
	MemInfo    DeviceMemInfo
	Temps      []Temperature
	Fans       []Fan

	engsUtilization map[string]float64
	driver          DriverBackend
	clients         []*ClientInfo
}

// EngUtilization returns eng's device-wide utilization, preferring the
// bound driver's own accounting and falling back to summing each tracked
// client's utilization (clamped to 100) when the driver exposes none.
func (d *DeviceInfo) EngUtilization(eng string) float64 {
	if len(d.engsUtilization) > 0 {
		return d.engsUtilization[eng]
	}

	var res float64

	for _, c := range d.clients {
		res += c.EngineUtilization(eng)
	}

	if res > 100 {
		res = 100
	}

	return res
}

// Engines returns the sorted set of engine names known for this device,
// preferring the driver's own accounting and falling back to the union of
// tracked clients' engines.
func (d *DeviceInfo) Engines() []string {
	if len(d.engsUtilization) > 0 {
		names := make([]string, 0, len(d.engsUtilization))
		for name := range d.engsUtilization {
			names = append(names, name)
		}

		sort.Strings(names)

		return names
	}

	seen := map[string]bool{}

	for _, c := range d.clients {
		for _, name := range c.Engines() {
			seen[name] = true
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Clients returns the clients currently tracked for this device.
func (d *DeviceInfo) Clients() []*ClientInfo {
	return d.clients
}

// refresh re-queries the bound driver's dynamic state. dev_type and
// freq_limits are queried once at bind time and never refreshed. Each field
// is refreshed independently: a failure reading one (a transient or missing
// sysfs file, a GT gone to sleep mid-read) is logged at debug and leaves
// that field at its last known value, but never skips the rest of this
// device's fields or any other device's refresh.
func (d *DeviceInfo) refresh(logger *slog.Logger) {
	if d.driver == nil {
		return
	}

	if freqs, err := d.driver.Freqs(); err != nil {
		logger.Debug("refresh freqs failed", "dev", d.PciDev, "err", err)
	} else {
		d.Freqs = freqs
	}

	if power, err := d.driver.Power(); err != nil {
		logger.Debug("refresh power failed", "dev", d.PciDev, "err", err)
	} else {
		d.Power = power
	}

	if mem, err := d.driver.MemInfo(); err != nil {
		logger.Debug("refresh meminfo failed", "dev", d.PciDev, "err", err)
	} else {
		d.MemInfo = mem
	}

	if eng, err := d.driver.EngsUtilization(); err != nil {
		logger.Debug("refresh engine utilization failed", "dev", d.PciDev, "err", err)
	} else {
		d.engsUtilization = eng
	}

	if d.DevType.IsDiscrete() {
		if temps, err := d.driver.Temps(); err != nil {
			logger.Debug("refresh temps failed", "dev", d.PciDev, "err", err)
		} else {
			d.Temps = temps
		}

		if fans, err := d.driver.Fans(); err != nil {
			logger.Debug("refresh fans failed", "dev", d.PciDev, "err", err)
		} else {
			d.Fans = fans
		}
	}
}

// DeviceRegistry enumerates GPU devices from sysfs and keeps their dynamic
// state refreshed alongside a ClientRegistry. Replaces the original's
// udev-based discovery (no udev binding exists for Go in this stack) with
// a direct sysfs walk plus an optional pci.ids name lookup.
type DeviceRegistry struct {
	classDir string
	devDir   string
	pciNames *PciIDProvider
	logger   *slog.Logger

	devSlots []string
	drvOpts  map[string][]DriverOpt

	infos   map[string]*DeviceInfo
	clients *ClientRegistry
}

// DeviceRegistryOption configures NewDeviceRegistry.
type DeviceRegistryOption func(*DeviceRegistry)

// WithPciNames enables vendor/device name resolution via p.
func WithPciNames(p *PciIDProvider) DeviceRegistryOption {
	return func(r *DeviceRegistry) { r.pciNames = p }
}

// WithDeviceSlots restricts discovery to the given PCI slot names (e.g.
// "0000:00:02.0"); an empty list discovers every DRM device.
func WithDeviceSlots(slots []string) DeviceRegistryOption {
	return func(r *DeviceRegistry) { r.devSlots = slots }
}

// WithDriverOpts supplies per-driver-name option sets parsed by ParseDriverOpt.
func WithDriverOpts(opts map[string][]DriverOpt) DeviceRegistryOption {
	return func(r *DeviceRegistry) { r.drvOpts = opts }
}

// WithRegistryLogger sets the logger used for per-field/per-device refresh
// failures. Defaults to slog.Default().
func WithRegistryLogger(logger *slog.Logger) DeviceRegistryOption {
	return func(r *DeviceRegistry) { r.logger = logger }
}

// NewDeviceRegistry returns a registry that will enumerate DRM devices under
// classDir/devDir (normally DrmClassDir/DevDriDir) and track their clients
// via clients.
func NewDeviceRegistry(classDir, devDir string, clients *ClientRegistry, opts ...DeviceRegistryOption) *DeviceRegistry {
	r := &DeviceRegistry{
		classDir: classDir,
		devDir:   devDir,
		infos:    make(map[string]*DeviceInfo),
		clients:  clients,
		logger:   slog.Default(),
	}

	for _, o := range opts {
		o(r)
	}

	if r.logger == nil {
		r.logger = slog.Default()
	}

	return r
}

func readUeventField(path, key string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), "=")
		if ok && k == key {
			return v, true
		}
	}

	return "", false
}

// Discover walks classDir for DRM minor nodes, groups them by owning PCI
// device and builds (or refreshes the static identity of) DeviceInfo
// entries. Bound drivers are (re)constructed for any newly seen device.
func (r *DeviceRegistry) Discover() error {
	entries, err := os.ReadDir(r.classDir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "card") && !strings.HasPrefix(name, "renderD") {
			continue
		}

		// "card0-DP-1" style connector entries aren't DRM minors.
		if strings.HasPrefix(name, "card") && strings.Contains(name, "-") {
			continue
		}

		minorPath := filepath.Join(r.classDir, name)

		deviceDir, err := filepath.EvalSymlinks(filepath.Join(minorPath, "device"))
		if err != nil {
			continue
		}

		sysname := filepath.Base(deviceDir)

		if len(r.devSlots) > 0 && !containsString(r.devSlots, sysname) {
			continue
		}

		devNode := filepath.Join(r.devDir, name)

		minorNum, ok, err := statDevNodeMinor(devNode)
		if err != nil || !ok {
			continue
		}

		dinf, ok := r.infos[sysname]
		if !ok {
			dinf, err = buildDeviceInfo(deviceDir, sysname, r.pciNames)
			if err != nil {
				continue
			}

			dinf.DriverOpts = r.drvOpts[dinf.DrvName]

			r.infos[sysname] = dinf
		}

		dinf.Minors = append(dinf.Minors, MinorInfo{DevNode: devNode, DrmMinor: minorNum})
	}

	for _, dinf := range r.infos {
		sort.Slice(dinf.Minors, func(i, j int) bool {
			return dinf.Minors[i].DrmMinor < dinf.Minors[j].DrmMinor
		})

		if dinf.driver != nil {
			continue
		}

		drv, err := NewDriver(dinf)
		if err != nil || drv == nil {
			continue
		}

		devType, err := drv.DevType()
		if err != nil {
			continue
		}

		limits, err := drv.FreqLimits()
		if err != nil {
			continue
		}

		dinf.DevType = devType
		dinf.FreqLimits = limits
		dinf.driver = drv
	}

	return nil
}

func buildDeviceInfo(deviceDir, sysname string, pciNames *PciIDProvider) (*DeviceInfo, error) {
	pciID, ok := readUeventField(filepath.Join(deviceDir, "uevent"), "PCI_ID")
	if !ok || len(pciID) < 9 {
		return nil, os.ErrNotExist
	}

	vendorID := strings.ToLower(pciID[0:4])
	deviceID := strings.ToLower(pciID[5:9])

	vendor, device := vendorID, deviceID
	if pciNames != nil {
		if v := pciNames.VendorName(vendorID); v != "" {
			vendor = v
		}

		if d := pciNames.DeviceName(vendorID, deviceID); d != "" {
			device = d
		}
	}

	revisionRaw, err := os.ReadFile(filepath.Join(deviceDir, "revision"))
	if err != nil {
		return nil, err
	}

	revision := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(revisionRaw)), "0x"))

	driverLink, err := filepath.EvalSymlinks(filepath.Join(deviceDir, "driver"))
	if err != nil {
		return nil, err
	}

	return &DeviceInfo{
		PciDev:   sysname,
		VendorID: vendorID,
		Vendor:   vendor,
		DeviceID: deviceID,
		Device:   device,
		Revision: revision,
		DrvName:  filepath.Base(driverLink),
	}, nil
}

// Refresh re-scans clients (if a ClientRegistry is bound), rebinds each
// device's client list and driver, and refreshes every device's dynamic
// state. One device's refresh failures never skip any other device's: each
// DeviceInfo.refresh logs its own field failures and always runs to
// completion.
func (r *DeviceRegistry) Refresh() error {
	if r.clients != nil {
		r.clients.Refresh()

		for _, dinf := range r.infos {
			dinf.clients = r.clients.DeviceClients(dinf.PciDev)

			if dinf.driver != nil {
				r.clients.SetDeviceDriver(dinf.PciDev, dinf.driver)
			}
		}
	}

	for _, dinf := range r.infos {
		dinf.refresh(r.logger)
	}

	return nil
}

// Devices returns the sorted list of discovered PCI device slot names.
func (r *DeviceRegistry) Devices() []string {
	names := make([]string, 0, len(r.infos))
	for name := range r.infos {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// DeviceInfo returns the device registered under pciDev, or nil.
func (r *DeviceRegistry) DeviceInfo(pciDev string) *DeviceInfo {
	return r.infos[pciDev]
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}

	return false
}

func statDevNodeMinor(path string) (minor uint32, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, err
	}

	return statDrmMinor(info)
}
