package collector

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ceems-dev/gputelemetry/internal/security"
	"github.com/ceems-dev/gputelemetry/pkg/gpucore"
	"github.com/prometheus/client_golang/prometheus"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

var (
	gpuInterval = CEEMSExporterApp.Flag(
		"collector.gpu.interval",
		"Interval at which GPU device and client state is sampled.",
	).Default("5s").Duration()
	gpuMaxIterations = CEEMSExporterApp.Flag(
		"collector.gpu.max-iterations",
		"Number of sampling ticks to run before stopping. A negative value runs forever. Only for testing.",
	).Default("-1").Int()
	gpuDeviceSlots = CEEMSExporterApp.Flag(
		"collector.gpu.device-slot",
		"Restrict discovery to this PCI device slot (e.g. 0000:00:02.0). Repeatable; default discovers every DRM device.",
	).Strings()
	gpuDriverOpts = CEEMSExporterApp.Flag(
		"collector.gpu.driver-opts",
		"Per-driver option string, e.g. 'xe=engines=pmu,devslot=0000:00:02.0'. Repeatable.",
	).Strings()
	gpuBasePID = CEEMSExporterApp.Flag(
		"collector.gpu.pid",
		"Restrict DRM client discovery to this PID and its descendants. 0 scans the whole system.",
	).Default("0").Int()
	gpuPciIDsFile = CEEMSExporterApp.Flag(
		"collector.gpu.pci-ids-file",
		"Path to a pci.ids database for vendor/device name resolution. Falls back to the conventional hwdata/pciutils locations.",
	).Default("").String()
)

var (
	gpuDeviceInfoDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "info"),
		"GPU device identity. Constant 1-valued metric carrying identity labels.",
		[]string{"pci_dev", "vendor_id", "vendor", "device_id", "device", "revision", "driver", "dev_type"},
		nil,
	)
	gpuEngineUtilDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "engine_utilization_ratio"),
		"Device-wide engine utilization, in [0, 1].",
		[]string{"pci_dev", "engine"},
		nil,
	)
	gpuFreqCurDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "frequency_hertz"),
		"Current GPU clock frequency.",
		[]string{"pci_dev"},
		nil,
	)
	gpuPowerDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "power_watts"),
		"Current GPU power draw in watts.",
		[]string{"pci_dev", "domain"},
		nil,
	)
	gpuMemUsedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "memory_used_bytes"),
		"Device memory currently in use.",
		[]string{"pci_dev", "region"},
		nil,
	)
	gpuMemTotalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "memory_total_bytes"),
		"Device memory total capacity.",
		[]string{"pci_dev", "region"},
		nil,
	)
	gpuClientInfoDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "client_info"),
		"A DRM client currently holding a device fd. Constant 1-valued metric carrying identity labels.",
		[]string{"pci_dev", "drm_minor", "client_id", "pid", "comm"},
		nil,
	)
	gpuClientEngineUtilDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "client_engine_utilization_ratio"),
		"Per-client engine utilization since the previous sample, in [0, 1].",
		[]string{"pci_dev", "client_id", "engine"},
		nil,
	)
	gpuClientCPUUtilDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "client_cpu_utilization_ratio"),
		"CPU utilization of the client's owning process since the previous sample.",
		[]string{"pci_dev", "client_id"},
		nil,
	)
	gpuClientMemUsedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "client_memory_used_bytes"),
		"Memory in use attributed to a single client.",
		[]string{"pci_dev", "client_id", "region"},
		nil,
	)
	gpuClientActiveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "gpu", "client_active"),
		"1 if the client has engine activity or allocated memory as of the last sample, 0 otherwise.",
		[]string{"pci_dev", "client_id"},
		nil,
	)
)

// snapshotSource is the part of gpucore.Sampler the collector depends on.
// Narrowing to an interface keeps metric translation testable without a
// live Sampler goroutine.
type snapshotSource interface {
	Latest() *gpucore.Snapshot
}

// gpuCollector adapts a gpucore.Sampler's bounded-history Snapshot to the
// Collector interface: each Update reads the latest sample and emits its
// current (most recent ring element) values as Prometheus gauges.
type gpuCollector struct {
	sampler snapshotSource
	cancel  context.CancelFunc
	logger  *slog.Logger
}

func newGPUCollector(logger *slog.Logger) (Collector, error) {
	driverOpts := make(map[string][]gpucore.DriverOpt)

	for _, token := range *gpuDriverOpts {
		drv, opt, ok := gpucore.ParseDriverOpt(token)
		if !ok {
			logger.Warn("ignoring malformed --collector.gpu.driver-opts token", "token", token)

			continue
		}

		driverOpts[drv] = append(driverOpts[drv], opt)

		var needed []string
		if strings.Contains(string(opt), gpucore.IntelOptPowerMSR) {
			needed = append(needed, "cap_sys_rawio")
		}

		if strings.Contains(string(opt), gpucore.IntelOptEngsPMU) || strings.Contains(string(opt), gpucore.IntelOptFreqsPMU) {
			needed = append(needed, "cap_perfmon")
		}

		if _, err := setupAppCaps(needed); err != nil {
			logger.Warn("failed to resolve required capabilities for driver opt", "token", token, "err", err)
		}
	}

	// RAPL-via-perf energy reads (intelpower.go) attempt perf_event_open on
	// every integrated xe/i915 device regardless of driver-opts, so
	// cap_perfmon and its security context are always set up, not just when
	// PMU engine accounting was explicitly requested.
	if _, err := setupAppCaps([]string{"cap_perfmon"}); err != nil {
		logger.Warn("failed to resolve cap_perfmon", "err", err)
	}

	if err := installPerfSecurityContext(logger); err != nil {
		logger.Warn(
			"failed to set up a security context for perf_event_open; PMU engine utilization and RAPL power reads will be unavailable unless running as root",
			"err", err,
		)
	}

	var pciIDCandidates []string
	if *gpuPciIDsFile != "" {
		pciIDCandidates = []string{*gpuPciIDsFile}
	}

	pciNames := gpucore.NewPciIDProvider(pciIDCandidates)

	clients := gpucore.NewClientRegistry(procRoot(), *gpuBasePID, logger.With("component", "client_registry"))

	registry := gpucore.NewDeviceRegistry(
		sysFilePath("class/drm"),
		gpucore.DevDriDir,
		clients,
		gpucore.WithPciNames(pciNames),
		gpucore.WithDeviceSlots(*gpuDeviceSlots),
		gpucore.WithDriverOpts(driverOpts),
		gpucore.WithRegistryLogger(logger.With("component", "device_registry")),
	)

	sampler := gpucore.NewSampler(registry, *gpuInterval, logger.With("component", "sampler"))

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := sampler.Run(ctx, *gpuMaxIterations); err != nil {
			logger.Error("gpu sampler stopped", "err", err)
		}
	}()

	return &gpuCollector{sampler: sampler, cancel: cancel, logger: logger}, nil
}

// errPerfExecDataAssertion is returned when installPerfSecurityContext's
// security.SCConfig.Func is invoked with data of the wrong type, which
// would only happen on a programming error in this package.
var errPerfExecDataAssertion = errors.New("perf security context: data is not a func() error")

// installPerfSecurityContext wires a security context raising CAP_PERFMON
// for the duration of each perf_event_open call into gpucore, the way the
// teacher's rapl collector wrapped its RAPL energy-counter reads in a
// security.SecurityContext rather than relying on the capability being
// permanently effective.
func installPerfSecurityContext(logger *slog.Logger) error {
	securityCtx, err := security.NewSecurityContext(&security.SCConfig{
		Name:   "gpu_perf_event_open",
		Logger: logger,
		Caps:   []cap.Value{cap.PERFMON},
		Func: func(data any) error {
			fn, ok := data.(func() error)
			if !ok {
				return errPerfExecDataAssertion
			}

			return fn()
		},
	})
	if err != nil {
		return err
	}

	gpucore.SetPrivilegedExec(func(fn func() error) error {
		return securityCtx.Exec(fn)
	})

	return nil
}

// Update implements Collector.
func (c *gpuCollector) Update(ch chan<- prometheus.Metric) error {
	snap := c.sampler.Latest()
	if snap == nil || len(snap.DevsState) == 0 {
		return ErrNoData
	}

	for _, dev := range snap.DevsState {
		ch <- prometheus.MustNewConstMetric(
			gpuDeviceInfoDesc, prometheus.GaugeValue, 1,
			dev.PciDev, dev.VendorID, dev.Vendor, dev.DeviceID, dev.Device, dev.Revision, dev.DriverName, dev.DevType,
		)

		for _, eng := range dev.EngStats {
			if len(eng.Usage) == 0 {
				continue
			}

			ch <- prometheus.MustNewConstMetric(
				gpuEngineUtilDesc, prometheus.GaugeValue, eng.Usage[len(eng.Usage)-1]/100,
				dev.PciDev, eng.Name,
			)
		}

		if len(dev.Freqs) > 0 {
			f := dev.Freqs[len(dev.Freqs)-1]
			ch <- prometheus.MustNewConstMetric(gpuFreqCurDesc, prometheus.GaugeValue, float64(f.CurFreq)*1e6, dev.PciDev)
		}

		if len(dev.Power) > 0 {
			p := dev.Power[len(dev.Power)-1]
			ch <- prometheus.MustNewConstMetric(gpuPowerDesc, prometheus.GaugeValue, p.GPUCurPower, dev.PciDev, "gpu")

			if dev.DevType == gpucore.DeviceTypeIntegrated.String() {
				ch <- prometheus.MustNewConstMetric(gpuPowerDesc, prometheus.GaugeValue, p.PkgCurPower, dev.PciDev, "package")
			}
		}

		if len(dev.MemInfo) > 0 {
			m := dev.MemInfo[len(dev.MemInfo)-1]
			ch <- prometheus.MustNewConstMetric(gpuMemUsedDesc, prometheus.GaugeValue, float64(m.SmemUsed), dev.PciDev, "system")
			ch <- prometheus.MustNewConstMetric(gpuMemTotalDesc, prometheus.GaugeValue, float64(m.SmemTotal), dev.PciDev, "system")
			ch <- prometheus.MustNewConstMetric(gpuMemUsedDesc, prometheus.GaugeValue, float64(m.VramUsed), dev.PciDev, "vram")
			ch <- prometheus.MustNewConstMetric(gpuMemTotalDesc, prometheus.GaugeValue, float64(m.VramTotal), dev.PciDev, "vram")
		}

		c.updateClients(ch, dev)
	}

	return nil
}

func (c *gpuCollector) updateClients(ch chan<- prometheus.Metric, dev *gpucore.DeviceState) {
	for _, cli := range dev.ClisStats {
		clientID := strconv.FormatUint(uint64(cli.ClientID), 10)

		ch <- prometheus.MustNewConstMetric(
			gpuClientInfoDesc, prometheus.GaugeValue, 1,
			dev.PciDev, strconv.FormatUint(uint64(cli.DrmMinor), 10), clientID, strconv.Itoa(cli.PID), cli.Comm,
		)

		for _, eng := range cli.EngStats {
			if len(eng.Usage) == 0 {
				continue
			}

			ch <- prometheus.MustNewConstMetric(
				gpuClientEngineUtilDesc, prometheus.GaugeValue, eng.Usage[len(eng.Usage)-1]/100,
				dev.PciDev, clientID, eng.Name,
			)
		}

		if len(cli.CPUUsage) > 0 {
			ch <- prometheus.MustNewConstMetric(
				gpuClientCPUUtilDesc, prometheus.GaugeValue, cli.CPUUsage[len(cli.CPUUsage)-1]/100,
				dev.PciDev, clientID,
			)
		}

		if len(cli.MemInfo) > 0 {
			m := cli.MemInfo[len(cli.MemInfo)-1]
			ch <- prometheus.MustNewConstMetric(gpuClientMemUsedDesc, prometheus.GaugeValue, float64(m.SmemUsed), dev.PciDev, clientID, "system")
			ch <- prometheus.MustNewConstMetric(gpuClientMemUsedDesc, prometheus.GaugeValue, float64(m.VramUsed), dev.PciDev, clientID, "vram")
		}

		active := 0.0
		if cli.IsActive {
			active = 1
		}

		ch <- prometheus.MustNewConstMetric(gpuClientActiveDesc, prometheus.GaugeValue, active, dev.PciDev, clientID)
	}
}

// Stop implements Collector.
func (c *gpuCollector) Stop(_ context.Context) error {
	c.cancel()

	return nil
}

func init() {
	RegisterCollector("gpu", true, newGPUCollector)
}
