package gpucore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventConfigParsesEventAndUmask(t *testing.T) {
	root := t.TempDir()
	src := "power"

	eventsDir := filepath.Join(root, src, "events")
	require.NoError(t, os.MkdirAll(eventsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(eventsDir, "energy-pkg"), []byte("event=0x02,umask=0x01\n"), 0o644))

	cfg, err := eventConfigIn(root, src, "energy-pkg")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<8|2), cfg)
}

func TestEventConfigRejectsUnknownKey(t *testing.T) {
	root := t.TempDir()
	src := "power"

	eventsDir := filepath.Join(root, src, "events")
	require.NoError(t, os.MkdirAll(eventsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(eventsDir, "bogus"), []byte("foo=1\n"), 0o644))

	_, err := eventConfigIn(root, src, "bogus")
	require.Error(t, err)
}

func TestFormatShiftParsesConfigField(t *testing.T) {
	root := t.TempDir()
	src := "power"

	formatDir := filepath.Join(root, src, "format")
	require.NoError(t, os.MkdirAll(formatDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(formatDir, "event"), []byte("config:0-7\n"), 0o644))

	v, err := formatShiftIn(root, src, "event", 0x5)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x5), v)
}
