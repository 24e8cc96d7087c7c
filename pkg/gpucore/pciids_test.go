package gpucore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePciIds = `# sample pci.ids excerpt
8086  Intel Corporation
	56a0  DG2 [Arc A770]
1002  Advanced Micro Devices, Inc. [AMD/ATI]
	164e  Navi 24 [Radeon RX 6400/6500 XT]
C 00  Unclassified device
	0000  Non-VGA unclassified device
`

func TestPciIDProviderResolvesVendorAndDevice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pci.ids")
	require.NoError(t, os.WriteFile(path, []byte(samplePciIds), 0o644))

	p := NewPciIDProvider([]string{path})

	assert.Equal(t, "Intel Corporation", p.VendorName("8086"))
	assert.Equal(t, "DG2 [Arc A770]", p.DeviceName("8086", "56a0"))
	assert.Equal(t, "Advanced Micro Devices, Inc. [AMD/ATI]", p.VendorName("1002"))
	assert.Equal(t, "Navi 24 [Radeon RX 6400/6500 XT]", p.DeviceName("1002", "164e"))
}

func TestPciIDProviderUnknownIDsReturnEmpty(t *testing.T) {
	p := NewPciIDProvider([]string{filepath.Join(t.TempDir(), "missing.ids")})

	assert.Equal(t, "", p.VendorName("ffff"))
	assert.Equal(t, "", p.DeviceName("ffff", "ffff"))
}

func TestPciIDProviderStopsAtClassSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pci.ids")
	require.NoError(t, os.WriteFile(path, []byte(samplePciIds), 0o644))

	p := NewPciIDProvider([]string{path})

	// "0000" under the "C 00" class section must not be parsed as a device
	// of vendor 1002 (the last vendor before the class section).
	assert.Equal(t, "", p.DeviceName("1002", "0000"))
}
