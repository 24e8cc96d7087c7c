package gpucore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHwmonTree(t *testing.T, root string) string {
	t.Helper()

	hwmonDir := filepath.Join(root, "hwmon3")
	require.NoError(t, os.MkdirAll(hwmonDir, 0o755))

	files := map[string]string{
		"name":          "amdgpu\n",
		"temp1_input":   "45000\n",
		"temp1_label":   "edge\n",
		"temp1_crit":    "105000\n",
		"power1_average": "15000000\n",
		"fan1_input":    "1200\n",
	}

	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(hwmonDir, name), []byte(content), 0o644))
	}

	return hwmonDir
}

func TestHwmonFromDiscoversSensors(t *testing.T) {
	root := t.TempDir()
	writeHwmonTree(t, root)

	h, err := HwmonFrom(root)
	require.NoError(t, err)
	require.NotNil(t, h)

	temp, err := h.ReadSensor("temp1", "input")
	require.NoError(t, err)
	assert.Equal(t, uint64(45000), temp)

	temps := h.Sensors("temp")
	require.Len(t, temps, 1)
	assert.Equal(t, "edge", temps[0].Label)
	assert.True(t, temps[0].HasItem("input"))
	assert.True(t, temps[0].HasItem("crit"))

	power, err := h.ReadSensor("power1", "average")
	require.NoError(t, err)
	assert.Equal(t, uint64(15000000), power)
}

func TestHwmonFromReturnsNilWithoutHwmonDir(t *testing.T) {
	root := t.TempDir()

	h, err := HwmonFrom(root)
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestHwmonFromReturnsNilWithoutNameFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "hwmon0"), 0o755))

	h, err := HwmonFrom(root)
	require.NoError(t, err)
	assert.Nil(t, h)
}
