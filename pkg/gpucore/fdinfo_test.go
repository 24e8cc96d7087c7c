package gpucore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFdinfo = "drm-driver:\ti915\n" +
	"drm-pdev:\t0000:00:02.0\n" +
	"drm-client-id:\t7\n" +
	"drm-engine-capacity-render:\t2\n" +
	"drm-engine-render:\t1000000000 ns\n" +
	"drm-cycles-render:\t500\n" +
	"drm-total-cycles-render:\t1000\n" +
	"drm-total-system0:\t12 KiB\n" +
	"drm-shared-system0:\t3 MiB\n" +
	"drm-resident-system0:\t1 GiB\n" +
	"drm-purgeable-system0:\t7\n" +
	"drm-active-system0:\t0\n" +
	"ignored-key:\tignored\n"

// IsDrmFd must stat its argument, never open it: opening another process's
// DRM fd runs the driver's real open fop as a side effect.
func TestIsDrmFdStatsWithoutOpening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-drm-node")
	require.NoError(t, os.WriteFile(path, []byte("irrelevant"), 0o644))

	_, ok, err := IsDrmFd(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDrmFdMissingPath(t *testing.T) {
	_, _, err := IsDrmFd(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}

func TestParseFdinfoReader(t *testing.T) {
	fi, err := parseFdinfoReader(strings.NewReader(sampleFdinfo), "testpath", 1)
	require.NoError(t, err)

	assert.Equal(t, "0000:00:02.0", fi.PciDev)
	assert.Equal(t, uint32(7), fi.ClientID)
	assert.Equal(t, uint32(1), fi.DrmMinor)

	render := fi.Engines["render"]
	assert.Equal(t, uint32(2), render.Capacity)
	assert.Equal(t, uint64(1000000000), render.Time)
	assert.Equal(t, uint64(500), render.Cycles)
	assert.Equal(t, uint64(1000), render.TotalCycles)

	sys0 := fi.MemRegions["system0"]
	assert.Equal(t, uint64(12*1024), sys0.Total)
	assert.Equal(t, uint64(3*1024*1024), sys0.Shared)
	assert.Equal(t, uint64(1024*1024*1024), sys0.Resident)
	assert.Equal(t, uint64(7), sys0.Purgeable)
	assert.Equal(t, uint64(0), sys0.Active)
}

func TestParseMemValueUnits(t *testing.T) {
	cases := map[string]uint64{
		"12 KiB": 12288,
		"3 MiB":  3145728,
		"1 GiB":  1073741824,
		"7":      7,
	}

	for raw, want := range cases {
		got, err := parseMemValue(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseFdinfoMalformedIntegerErrors(t *testing.T) {
	bad := "drm-client-id:\tnotanumber\n"

	_, err := parseFdinfoReader(strings.NewReader(bad), "testpath", 1)
	require.Error(t, err)
}
