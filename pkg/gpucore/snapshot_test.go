package gpucore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceWithClient(pciDev string, eng string, util float64, cli *ClientInfo) *DeviceInfo {
	d := &DeviceInfo{
		PciDev:   pciDev,
		VendorID: "8086",
		Vendor:   "Intel",
		DrvName:  "xe",
		DevType:  DeviceTypeDiscrete,
	}

	if eng != "" {
		d.engsUtilization = map[string]float64{eng: util}
	}

	if cli != nil {
		d.clients = []*ClientInfo{cli}
	}

	return d
}

func TestSnapshotModelPushAccumulatesRings(t *testing.T) {
	m := NewSnapshotModel()

	cli := &ClientInfo{PciDev: "0000:00:02.0", DrmMinor: 0, ClientID: 1}
	dev := deviceWithClient("0000:00:02.0", "render", 42, cli)

	m.Push(100, []*DeviceInfo{dev})
	m.Push(200, []*DeviceInfo{dev})

	snap := m.Snapshot()
	require.Equal(t, []int64{100, 200}, snap.Timestamps)
	require.Len(t, snap.DevsState, 1)

	ds := snap.DevsState[0]
	assert.Equal(t, "0000:00:02.0", ds.PciDev)
	require.Len(t, ds.EngStats, 1)
	assert.Equal(t, "render", ds.EngStats[0].Name)
	assert.Equal(t, []float64{42, 42}, ds.EngStats[0].Usage)

	require.Len(t, ds.ClisStats, 1)
	assert.Equal(t, uint32(1), ds.ClisStats[0].ClientID)
}

func TestSnapshotModelBoundsRingsAtMaxHistory(t *testing.T) {
	m := NewSnapshotModel()
	dev := deviceWithClient("0000:00:02.0", "render", 1, nil)

	for i := 0; i < MaxHistory+10; i++ {
		m.Push(int64(i), []*DeviceInfo{dev})
	}

	snap := m.Snapshot()
	require.Len(t, snap.Timestamps, MaxHistory)
	assert.Equal(t, int64(10), snap.Timestamps[0])
	assert.Equal(t, int64(MaxHistory+9), snap.Timestamps[MaxHistory-1])

	require.Len(t, snap.DevsState[0].EngStats[0].Usage, MaxHistory)
}

func TestSnapshotModelDropsAbsentDevicesAndClients(t *testing.T) {
	m := NewSnapshotModel()

	cli := &ClientInfo{PciDev: "0000:00:02.0", DrmMinor: 0, ClientID: 1}
	dev1 := deviceWithClient("0000:00:02.0", "render", 10, cli)
	dev2 := deviceWithClient("0000:00:03.0", "render", 20, nil)

	m.Push(1, []*DeviceInfo{dev1, dev2})

	snap := m.Snapshot()
	require.Len(t, snap.DevsState, 2)

	// Next tick: dev2 vanishes, dev1's client vanishes.
	dev1NoClient := deviceWithClient("0000:00:02.0", "render", 11, nil)
	m.Push(2, []*DeviceInfo{dev1NoClient})

	snap = m.Snapshot()
	require.Len(t, snap.DevsState, 1)
	assert.Equal(t, "0000:00:02.0", snap.DevsState[0].PciDev)
	assert.Empty(t, snap.DevsState[0].ClisStats)
}

func TestSnapshotModelSortsDevicesClientsAndEngines(t *testing.T) {
	m := NewSnapshotModel()

	d := &DeviceInfo{
		PciDev:          "0000:00:02.0",
		DrvName:         "xe",
		engsUtilization: map[string]float64{"video": 1, "render": 2, "blitter": 3},
		clients: []*ClientInfo{
			{PciDev: "0000:00:02.0", DrmMinor: 0, ClientID: 5},
			{PciDev: "0000:00:02.0", DrmMinor: 0, ClientID: 1},
		},
	}

	other := &DeviceInfo{PciDev: "0000:00:01.0", DrvName: "i915"}

	m.Push(1, []*DeviceInfo{d, other})

	snap := m.Snapshot()
	require.Len(t, snap.DevsState, 2)
	assert.Equal(t, "0000:00:01.0", snap.DevsState[0].PciDev)
	assert.Equal(t, "0000:00:02.0", snap.DevsState[1].PciDev)

	ds := snap.DevsState[1]
	assert.Equal(t, []string{"blitter", "render", "video"}, ds.Engines)

	require.Len(t, ds.ClisStats, 2)
	assert.Equal(t, uint32(1), ds.ClisStats[0].ClientID)
	assert.Equal(t, uint32(5), ds.ClisStats[1].ClientID)
}

func TestSnapshotSnapshotIsIndependentOfLaterPushes(t *testing.T) {
	m := NewSnapshotModel()
	dev := deviceWithClient("0000:00:02.0", "render", 5, nil)

	m.Push(1, []*DeviceInfo{dev})
	first := m.Snapshot()

	m.Push(2, []*DeviceInfo{dev})

	assert.Equal(t, []int64{1}, first.Timestamps)
	assert.Equal(t, []float64{5}, first.DevsState[0].EngStats[0].Usage)
}
