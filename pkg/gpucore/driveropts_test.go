package gpucore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDriverOpt(t *testing.T) {
	drv, opts, ok := ParseDriverOpt("xe=engines=pmu,devslot=0000:00:02.0")
	require.True(t, ok)
	assert.Equal(t, "xe", drv)
	assert.Equal(t, DriverOpt("engines=pmu,devslot=0000:00:02.0"), opts)
}

func TestParseDriverOptRejectsMissingEquals(t *testing.T) {
	_, _, ok := ParseDriverOpt("bogus")
	assert.False(t, ok)
}

func TestResolveIntelDriverOptsAppliesToMatchingSlotOnly(t *testing.T) {
	opts := []DriverOpt{
		"engines=pmu,devslot=0000:00:02.0",
		"power=msr,devslot=0000:03:00.0",
	}

	resolved := ResolveIntelDriverOpts("0000:00:02.0", opts)
	assert.True(t, resolved.HasEngsPMU())
	assert.False(t, resolved.HasPowerMSR())
}

func TestResolveIntelDriverOptsAllDevslotAppliesEverywhere(t *testing.T) {
	opts := []DriverOpt{"freqs=pmu,devslot=all"}

	resolved := ResolveIntelDriverOpts("0000:00:02.0", opts)
	assert.True(t, resolved.HasFreqsPMU())

	resolved2 := ResolveIntelDriverOpts("0000:99:00.0", opts)
	assert.True(t, resolved2.HasFreqsPMU())
}

func TestResolveIntelDriverOptsCombinesMultipleMatchingStrings(t *testing.T) {
	opts := []DriverOpt{
		"engines=pmu,devslot=0000:00:02.0",
		"power=msr,devslot=0000:00:02.0",
	}

	resolved := ResolveIntelDriverOpts("0000:00:02.0", opts)
	assert.True(t, resolved.HasEngsPMU())
	assert.True(t, resolved.HasPowerMSR())
}
