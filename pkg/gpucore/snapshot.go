package gpucore

// snapshot.go implements the bounded history model consumed by every caller
// of the sampler: a fixed-size ring per metric, per device and per client,
// serialized verbatim via encoding/json struct tags.

import "sort"

// MaxHistory bounds every ring in a Snapshot: once full, the oldest sample
// is dropped before the newest is pushed.
const MaxHistory = 40

// EngineHistory is one engine's utilization-percentage ring.
type EngineHistory struct {
	Name  string    `json:"name"`
	Usage []float64 `json:"usage"`
}

// ClientState is one client's identity plus its bounded history rings, as
// they stood at the time Snapshot() was called.
type ClientState struct {
	DrmMinor uint32 `json:"drm_minor"`
	ClientID uint32 `json:"client_id"`
	PID      int    `json:"pid"`
	Comm     string `json:"comm"`
	Cmdline  string `json:"cmdline"`

	Engines  []string        `json:"engines"`
	CPUUsage []float64       `json:"cpu_usage"`
	EngStats []EngineHistory `json:"eng_stats"`
	MemInfo  []ClientMemInfo `json:"mem_info"`
	IsActive bool            `json:"is_active"`
}

// DeviceState is one device's identity plus its bounded history rings and
// its currently tracked clients' states.
type DeviceState struct {
	PciDev     string `json:"pci_dev"`
	VendorID   string `json:"vendor_id"`
	Vendor     string `json:"vendor"`
	DeviceID   string `json:"device_id"`
	Device     string `json:"device"`
	Revision   string `json:"revision"`
	DriverName string `json:"driver_name"`
	DevType    string `json:"dev_type"`

	Engines    []string     `json:"engines"`
	FreqLimits []FreqLimits `json:"freq_limits"`

	Freqs    []Freqs         `json:"freqs"`
	MemInfo  []DeviceMemInfo `json:"mem_info"`
	Power    []Power         `json:"power"`
	EngStats []EngineHistory `json:"eng_stats"`

	ClisStats []*ClientState `json:"clis_stats"`
}

// Snapshot is the JSON-serializable view of everything SnapshotModel has
// accumulated: one shared timestamp ring, and per-device state carrying its
// own parallel rings.
type Snapshot struct {
	Timestamps []int64        `json:"timestamps"`
	DevsState  []*DeviceState `json:"devs_state"`
}

func pushBounded[T any](ring []T, v T) []T {
	if len(ring) >= MaxHistory {
		ring = ring[1:]
	}

	return append(ring, v)
}

type clientHistory struct {
	drmMinor uint32
	clientID uint32

	pid     int
	comm    string
	cmdline string

	isActive bool

	cpuUsage []float64
	engUsage map[string][]float64
	memInfo  []ClientMemInfo
}

type deviceHistory struct {
	pciDev     string
	vendorID   string
	vendor     string
	deviceID   string
	device     string
	revision   string
	drvName    string
	devType    DeviceType
	freqLimits []FreqLimits

	freqs    []Freqs
	memInfo  []DeviceMemInfo
	power    []Power
	engUsage map[string][]float64

	clients map[uint64]*clientHistory
}

// SnapshotModel accumulates bounded per-tick history for every device and
// client a Sampler discovers, and renders it into a Snapshot on demand.
type SnapshotModel struct {
	timestamps []int64
	devices    map[string]*deviceHistory
}

// NewSnapshotModel returns an empty model.
func NewSnapshotModel() *SnapshotModel {
	return &SnapshotModel{devices: make(map[string]*deviceHistory)}
}

// Push folds one tick's device/client state into the model, advancing every
// ring by exactly one sample and bounding it to MaxHistory. Devices or
// clients absent from infos are dropped, matching ClientRegistry/
// DeviceRegistry's own "absence means gone" semantics.
func (m *SnapshotModel) Push(timestampMs int64, infos []*DeviceInfo) {
	m.timestamps = pushBounded(m.timestamps, timestampMs)

	seenDevices := make(map[string]bool, len(infos))

	for _, dinf := range infos {
		seenDevices[dinf.PciDev] = true

		dh, ok := m.devices[dinf.PciDev]
		if !ok {
			dh = &deviceHistory{
				pciDev:     dinf.PciDev,
				vendorID:   dinf.VendorID,
				vendor:     dinf.Vendor,
				deviceID:   dinf.DeviceID,
				device:     dinf.Device,
				revision:   dinf.Revision,
				drvName:    dinf.DrvName,
				devType:    dinf.DevType,
				freqLimits: dinf.FreqLimits,
				engUsage:   make(map[string][]float64),
				clients:    make(map[uint64]*clientHistory),
			}
			m.devices[dinf.PciDev] = dh
		}

		dh.freqs = pushBounded(dh.freqs, dinf.Freqs)
		dh.memInfo = pushBounded(dh.memInfo, dinf.MemInfo)
		dh.power = pushBounded(dh.power, dinf.Power)

		for _, eng := range dinf.Engines() {
			dh.engUsage[eng] = pushBounded(dh.engUsage[eng], dinf.EngUtilization(eng))
		}

		clients := dinf.Clients()
		seenClients := make(map[uint64]bool, len(clients))

		for _, c := range clients {
			key := clientKey(c.DrmMinor, c.ClientID)
			seenClients[key] = true

			ch, ok := dh.clients[key]
			if !ok {
				ch = &clientHistory{drmMinor: c.DrmMinor, clientID: c.ClientID, engUsage: make(map[string][]float64)}
				dh.clients[key] = ch
			}

			if c.Proc != nil {
				ch.pid = c.Proc.PID
				ch.comm = c.Proc.Comm
				ch.cmdline = c.Proc.Cmdline
				ch.cpuUsage = pushBounded(ch.cpuUsage, c.Proc.CPUUtilization())
			}

			ch.isActive = c.IsActive()
			ch.memInfo = pushBounded(ch.memInfo, c.MemInfo())

			for _, eng := range c.Engines() {
				ch.engUsage[eng] = pushBounded(ch.engUsage[eng], c.EngineUtilization(eng))
			}
		}

		for key := range dh.clients {
			if !seenClients[key] {
				delete(dh.clients, key)
			}
		}
	}

	for slot := range m.devices {
		if !seenDevices[slot] {
			delete(m.devices, slot)
		}
	}
}

func sortedEngineStats(engUsage map[string][]float64) ([]string, []EngineHistory) {
	names := make([]string, 0, len(engUsage))
	for name := range engUsage {
		names = append(names, name)
	}

	sort.Strings(names)

	stats := make([]EngineHistory, 0, len(names))
	for _, name := range names {
		stats = append(stats, EngineHistory{Name: name, Usage: append([]float64(nil), engUsage[name]...)})
	}

	return names, stats
}

// Snapshot renders the model's current accumulated state. The returned value
// shares no mutable state with the model: later Push calls never retroactively
// change a previously returned Snapshot.
func (m *SnapshotModel) Snapshot() *Snapshot {
	slots := make([]string, 0, len(m.devices))
	for slot := range m.devices {
		slots = append(slots, slot)
	}

	sort.Strings(slots)

	devsState := make([]*DeviceState, 0, len(slots))

	for _, slot := range slots {
		dh := m.devices[slot]

		engNames, engStats := sortedEngineStats(dh.engUsage)

		clientKeys := make([]uint64, 0, len(dh.clients))
		for k := range dh.clients {
			clientKeys = append(clientKeys, k)
		}

		sort.Slice(clientKeys, func(i, j int) bool {
			ci, cj := dh.clients[clientKeys[i]], dh.clients[clientKeys[j]]
			if ci.drmMinor != cj.drmMinor {
				return ci.drmMinor < cj.drmMinor
			}

			return ci.clientID < cj.clientID
		})

		clis := make([]*ClientState, 0, len(clientKeys))

		for _, k := range clientKeys {
			ch := dh.clients[k]
			cEngNames, cEngStats := sortedEngineStats(ch.engUsage)

			clis = append(clis, &ClientState{
				DrmMinor: ch.drmMinor,
				ClientID: ch.clientID,
				PID:      ch.pid,
				Comm:     ch.comm,
				Cmdline:  ch.cmdline,
				Engines:  cEngNames,
				CPUUsage: append([]float64(nil), ch.cpuUsage...),
				EngStats: cEngStats,
				MemInfo:  append([]ClientMemInfo(nil), ch.memInfo...),
				IsActive: ch.isActive,
			})
		}

		devsState = append(devsState, &DeviceState{
			PciDev:     dh.pciDev,
			VendorID:   dh.vendorID,
			Vendor:     dh.vendor,
			DeviceID:   dh.deviceID,
			Device:     dh.device,
			Revision:   dh.revision,
			DriverName: dh.drvName,
			DevType:    dh.devType.String(),
			Engines:    engNames,
			FreqLimits: dh.freqLimits,
			Freqs:      append([]Freqs(nil), dh.freqs...),
			MemInfo:    append([]DeviceMemInfo(nil), dh.memInfo...),
			Power:      append([]Power(nil), dh.power...),
			EngStats:   engStats,
			ClisStats:  clis,
		})
	}

	return &Snapshot{
		Timestamps: append([]int64(nil), m.timestamps...),
		DevsState:  devsState,
	}
}
