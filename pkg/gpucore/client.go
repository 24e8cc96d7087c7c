package gpucore

import (
	"encoding/binary"
	"log/slog"
	"sort"
	"time"

	"github.com/zeebo/xxh3"
)

// EngineDelta is the per-tick change in one engine's counters.
type EngineDelta struct {
	DeltaTime        uint64
	DeltaCycles      uint64
	DeltaTotalCycles uint64
}

// ClientMemInfo is a client's memory footprint split by region class, as
// classified by its bound DriverBackend.
type ClientMemInfo struct {
	SmemUsed uint64
	SmemRss  uint64
	VramUsed uint64
	VramRss  uint64
}

// SharedHolder records another process observed holding the same DRM fd
// (minor, client-id pair) as a ClientInfo's primary process. Appended in
// first-observed order and never re-sorted or pruned.
type SharedHolder struct {
	Proc       *ProcInfo
	FdinfoPath string
}

// ClientInfo tracks one DRM client (a unique (drm_minor, client_id) pair)
// across ticks: its owning process, accumulated engine/memory counters, and
// any other processes found sharing the same fd.
type ClientInfo struct {
	PciDev     string
	DrmMinor   uint32
	ClientID   uint32
	Proc       *ProcInfo
	FdinfoPath string
	SharedWith []SharedHolder

	engsLast  map[string]EngineSample
	engsDelta map[string]EngineDelta

	acumTime        uint64
	acumCycles      uint64
	acumTotalCycles uint64

	memRegions map[string]MemRegion

	nrUpdates  uint64
	msElapsed  uint64
	lastUpdate time.Time

	driver DriverBackend
}

func newClientInfo(proc *ProcInfo, fi *Fdinfo) *ClientInfo {
	c := &ClientInfo{
		PciDev:    fi.PciDev,
		DrmMinor:  fi.DrmMinor,
		ClientID:  fi.ClientID,
		engsLast:  make(map[string]EngineSample),
		engsDelta: make(map[string]EngineDelta),
	}

	for name := range fi.Engines {
		c.engsLast[name] = EngineSample{Capacity: 1}
		c.engsDelta[name] = EngineDelta{}
	}

	c.update(proc, fi)

	return c
}

// SetDriver binds the DriverBackend used to classify this client's memory
// regions. Replaces the original's weak back-reference: driver lookups are
// by device key rather than a pointer cycle.
func (c *ClientInfo) SetDriver(d DriverBackend) {
	c.driver = d
}

// MemInfo classifies this client's raw memory regions via its bound driver.
// Returns a zero value if no driver is bound.
func (c *ClientInfo) MemInfo() ClientMemInfo {
	if c.driver == nil {
		return ClientMemInfo{}
	}

	return c.driver.ClientMemInfo(c.memRegions)
}

// EngineUtilization returns eng's percentage utilization since the previous
// update, clamped to [0, 100]. Returns 0 for an unknown engine or before two
// samples exist.
func (c *ClientInfo) EngineUtilization(eng string) float64 {
	last, ok := c.engsLast[eng]
	if !ok || c.nrUpdates < 2 {
		return 0
	}

	if c.acumTime == 0 && c.acumCycles == 0 {
		return 0
	}

	delta := c.engsDelta[eng]
	capacity := float64(last.Capacity)

	var res float64

	switch {
	case c.acumCycles > 0:
		res = (float64(delta.DeltaCycles) * 100) / (float64(delta.DeltaTotalCycles) * capacity)
	case c.acumTime > 0:
		res = ((float64(delta.DeltaTime) / 1e6) * 100) / (float64(c.msElapsed) * capacity)
	}

	if res > 100 {
		res = 100
	}

	return res
}

// Engines returns the sorted list of engine names this client reports.
func (c *ClientInfo) Engines() []string {
	names := make([]string, 0, len(c.engsDelta))
	for name := range c.engsDelta {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (c *ClientInfo) totalMem() uint64 {
	var tot uint64
	for _, r := range c.memRegions {
		tot += r.Total
	}

	return tot
}

// IsActive reports whether this client has any engine activity or allocated
// (total) memory as of the last update.
func (c *ClientInfo) IsActive() bool {
	if c.acumTime > 0 || c.acumCycles > 0 {
		return true
	}

	return c.totalMem() > 0
}

// update folds in a new fdinfo read, advancing per-engine deltas and
// accumulator totals. Monotonic regressions in any counter leave that
// counter's delta at 0 rather than wrapping.
func (c *ClientInfo) update(proc *ProcInfo, fi *Fdinfo) {
	if c.Proc == nil || !c.Proc.Equal(proc) {
		c.Proc = proc
	}

	if err := c.Proc.Update(); err != nil {
		slog.Debug("failed to refresh process info for drm client", "pid", c.Proc.PID, "err", err)
	}

	c.FdinfoPath = fi.Path

	c.acumTime, c.acumCycles, c.acumTotalCycles = 0, 0, 0

	for name, oldEng := range c.engsLast {
		newEng, ok := fi.Engines[name]
		if !ok {
			continue
		}

		delta := EngineDelta{}

		if newEng.Time >= oldEng.Time {
			c.acumTime += newEng.Time
			delta.DeltaTime = newEng.Time - oldEng.Time
			oldEng.Time = newEng.Time
		}

		if newEng.Cycles >= oldEng.Cycles {
			c.acumCycles += newEng.Cycles
			delta.DeltaCycles = newEng.Cycles - oldEng.Cycles
			oldEng.Cycles = newEng.Cycles
		}

		if newEng.TotalCycles >= oldEng.TotalCycles {
			c.acumTotalCycles += newEng.TotalCycles
			delta.DeltaTotalCycles = newEng.TotalCycles - oldEng.TotalCycles
			oldEng.TotalCycles = newEng.TotalCycles
		}

		c.engsLast[name] = oldEng
		c.engsDelta[name] = delta
	}

	c.memRegions = fi.MemRegions

	c.nrUpdates++

	if !c.lastUpdate.IsZero() {
		c.msElapsed = uint64(time.Since(c.lastUpdate).Milliseconds())
	}

	c.lastUpdate = time.Now()
}

// clientKey hashes (drmMinor, clientID) into a fast map key via xxh3.
func clientKey(drmMinor, clientID uint32) uint64 {
	var b [8]byte

	binary.LittleEndian.PutUint32(b[0:4], drmMinor)
	binary.LittleEndian.PutUint32(b[4:8], clientID)

	return xxh3.Hash(b[:])
}

// ClientRegistry discovers DRM clients via a ProcScanner and tracks their
// state across ticks, indexed per PCI device.
type ClientRegistry struct {
	scanner *ProcScanner
	basePID int // 0 means whole-system scan

	byDevice map[string][]*ClientInfo
}

// NewClientRegistry returns a registry that scans procRoot. basePID of 0
// scans the whole system; a non-zero basePID restricts the scan to that
// process and its descendants.
func NewClientRegistry(procRoot string, basePID int, logger *slog.Logger) *ClientRegistry {
	return &ClientRegistry{
		scanner:  NewProcScanner(procRoot, logger),
		basePID:  basePID,
		byDevice: make(map[string][]*ClientInfo),
	}
}

// DeviceClients returns the current clients bound to a PCI device, or nil.
func (r *ClientRegistry) DeviceClients(pciDev string) []*ClientInfo {
	return r.byDevice[pciDev]
}

// SetDeviceDriver binds driver to every current client of pciDev.
func (r *ClientRegistry) SetDeviceDriver(pciDev string, driver DriverBackend) {
	for _, c := range r.byDevice[pciDev] {
		c.SetDriver(driver)
	}
}

func findClient(byKey map[uint64]*ClientInfo, drmMinor, clientID uint32) *ClientInfo {
	c, ok := byKey[clientKey(drmMinor, clientID)]
	if !ok {
		return nil
	}

	if c.DrmMinor != drmMinor || c.ClientID != clientID {
		return nil
	}

	return c
}

// Refresh re-scans the tracked process set and rebuilds the per-device
// client lists, carrying forward per-engine history for clients that
// persist across the tick and appending newly observed shared fd holders.
func (r *ClientRegistry) Refresh() {
	var obs []DrmFdObservation
	if r.basePID == 0 {
		obs = r.scanner.ScanAll()
	} else {
		obs = r.scanner.ScanSubtree(r.basePID)
	}

	oldByKey := make(map[uint64]*ClientInfo)

	for _, clients := range r.byDevice {
		for _, c := range clients {
			oldByKey[clientKey(c.DrmMinor, c.ClientID)] = c
		}
	}

	newByDevice := make(map[string][]*ClientInfo)
	newByKey := make(map[uint64]*ClientInfo)

	for _, o := range obs {
		fi := o.Fdinfo

		if existing := findClient(newByKey, fi.DrmMinor, fi.ClientID); existing != nil {
			existing.SharedWith = append(existing.SharedWith, SharedHolder{Proc: o.Proc, FdinfoPath: fi.Path})

			continue
		}

		var c *ClientInfo
		if prev := findClient(oldByKey, fi.DrmMinor, fi.ClientID); prev != nil {
			prev.update(o.Proc, fi)
			c = prev
		} else {
			c = newClientInfo(o.Proc, fi)
		}

		newByDevice[fi.PciDev] = append(newByDevice[fi.PciDev], c)
		newByKey[clientKey(fi.DrmMinor, fi.ClientID)] = c
	}

	for _, clients := range newByDevice {
		sort.Slice(clients, func(i, j int) bool {
			if clients[i].DrmMinor != clients[j].DrmMinor {
				return clients[i].DrmMinor < clients[j].DrmMinor
			}

			return clients[i].ClientID < clients[j].ClientID
		})
	}

	r.byDevice = newByDevice
}
