package gpucore

import (
	"encoding/binary"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeXeGt0(t *testing.T, baseGtsDir string) string {
	t.Helper()

	freqsDir := filepath.Join(baseGtsDir, "gt0", "freq0")
	require.NoError(t, os.MkdirAll(filepath.Join(freqsDir, "throttle"), 0o755))

	files := map[string]string{
		"rpn_freq":            "300\n",
		"rpe_freq":            "900\n",
		"rp0_freq":            "1600\n",
		"min_freq":            "300\n",
		"cur_freq":            "1200\n",
		"act_freq":            "1190\n",
		"max_freq":            "1600\n",
		"throttle/reason_pl1": "1\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(freqsDir, name), []byte(content), 0o644))
	}

	return freqsDir
}

func TestXeFreqLimitsFromSysfs(t *testing.T) {
	root := t.TempDir()
	writeXeGt0(t, root)

	x := &xeDriver{baseGtsDir: root}

	limits, err := x.FreqLimits()
	require.NoError(t, err)
	require.Len(t, limits, 1)

	assert.Equal(t, "gt0", limits[0].Name)
	assert.Equal(t, uint64(300), limits[0].Minimum)
	assert.Equal(t, uint64(900), limits[0].Efficient)
	assert.Equal(t, uint64(1600), limits[0].Maximum)
	assert.Equal(t, uint64(1600), limits[0].MaximumRaw)
}

func TestXeFreqsReadsCurrentStateAndThrottleReasons(t *testing.T) {
	root := t.TempDir()
	writeXeGt0(t, root)

	x := &xeDriver{baseGtsDir: root}

	freqs, err := x.Freqs()
	require.NoError(t, err)

	assert.Equal(t, uint64(300), freqs.MinFreq)
	assert.Equal(t, uint64(1200), freqs.CurFreq)
	assert.Equal(t, uint64(1190), freqs.ActFreq)
	assert.Equal(t, uint64(1600), freqs.MaxFreq)
	assert.True(t, freqs.ThrottleReasons.PL1)
	assert.False(t, freqs.ThrottleReasons.PL2)
}

func TestXeClientMemInfoClassifiesRegionsByDeviceType(t *testing.T) {
	integrated := DeviceTypeIntegrated
	x := &xeDriver{devType: &integrated, logger: slog.Default()}

	regions := map[string]MemRegion{
		"system0":       {Total: 100, Resident: 50},
		"gtt0":          {Total: 10, Resident: 5},
		"stolen-local0": {Total: 20, Resident: 20},
		"unknown-thing": {Total: 999, Resident: 999},
	}

	cmi := x.ClientMemInfo(regions)
	// Integrated: stolen counts as smem.
	assert.Equal(t, uint64(130), cmi.SmemUsed)
	assert.Equal(t, uint64(75), cmi.SmemRss)
	assert.Equal(t, uint64(0), cmi.VramUsed)
}

func TestXeClientMemInfoDiscreteStolenCountsAsVram(t *testing.T) {
	discrete := DeviceTypeDiscrete
	x := &xeDriver{devType: &discrete, logger: slog.Default()}

	regions := map[string]MemRegion{
		"vram0":  {Total: 500, Resident: 400},
		"stolen": {Total: 20, Resident: 20},
	}

	cmi := x.ClientMemInfo(regions)
	assert.Equal(t, uint64(520), cmi.VramUsed)
	assert.Equal(t, uint64(420), cmi.VramRss)
}

func TestXeEnginesPmuUtilizationComputesDeltaAndClamps(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer r.Close()
	defer w.Close()

	pe := &PerfEvent{fd: int(r.Fd())}
	pmu := &xeEnginesPmu{
		evt:    pe,
		nrEvts: 2,
		engsData: [][]xeEnginePmuData{
			{{baseIdx: 0}},
			{}, {}, {}, {},
		},
	}

	writeGroup := func(nrEvts, active, total uint64) {
		vals := []uint64{nrEvts, active, total}
		for _, v := range vals {
			require.NoError(t, binary.Write(w, binary.LittleEndian, v))
		}
	}

	// First read only seeds last_active/last_total; utilization must be 0.
	writeGroup(2, 1000, 2000)
	ut, err := pmu.engsUtilization()
	require.NoError(t, err)
	assert.Equal(t, 0.0, ut["rcs"])

	// Second read: delta of 500/1000 -> 50%.
	writeGroup(2, 1500, 3000)
	ut, err = pmu.engsUtilization()
	require.NoError(t, err)
	assert.InDelta(t, 50.0, ut["rcs"], 0.001)

	// Third read: active delta 1500 over total delta 500 -> 300%, clamped.
	writeGroup(2, 3000, 3500)
	ut, err = pmu.engsUtilization()
	require.NoError(t, err)
	assert.InDelta(t, 100.0, ut["rcs"], 0.001)
}

