package gpucore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProc(pid int) *ProcInfo {
	return &ProcInfo{PID: pid, Comm: "test", ProcDir: "/nonexistent"}
}

func TestClientInfoEngineUtilizationCyclesBased(t *testing.T) {
	fi := &Fdinfo{
		PciDev:   "0000:00:02.0",
		DrmMinor: 0,
		ClientID: 1,
		Engines: map[string]EngineSample{
			"render": {Capacity: 1, Cycles: 100, TotalCycles: 1000},
		},
		MemRegions: map[string]MemRegion{},
	}

	c := newClientInfo(newTestProc(10), fi)

	fi2 := &Fdinfo{
		PciDev:   "0000:00:02.0",
		DrmMinor: 0,
		ClientID: 1,
		Engines: map[string]EngineSample{
			"render": {Capacity: 1, Cycles: 600, TotalCycles: 2000},
		},
		MemRegions: map[string]MemRegion{},
	}
	c.update(newTestProc(10), fi2)

	util := c.EngineUtilization("render")
	assert.InDelta(t, 50.0, util, 0.001)
}

func TestClientInfoEngineUtilizationClampedTo100(t *testing.T) {
	fi := &Fdinfo{
		Engines: map[string]EngineSample{"render": {Capacity: 1, Cycles: 0, TotalCycles: 0}},
	}
	c := newClientInfo(newTestProc(10), fi)

	fi2 := &Fdinfo{
		Engines: map[string]EngineSample{"render": {Capacity: 1, Cycles: 1000, TotalCycles: 10}},
	}
	c.update(newTestProc(10), fi2)

	assert.Equal(t, 100.0, c.EngineUtilization("render"))
}

func TestClientInfoEngineUtilizationZeroBeforeSecondSample(t *testing.T) {
	fi := &Fdinfo{
		Engines: map[string]EngineSample{"render": {Capacity: 1, Cycles: 5, TotalCycles: 10}},
	}
	c := newClientInfo(newTestProc(10), fi)

	assert.Equal(t, 0.0, c.EngineUtilization("render"))
}

func TestClientInfoCounterRegressionYieldsZeroDelta(t *testing.T) {
	fi := &Fdinfo{
		Engines: map[string]EngineSample{"render": {Capacity: 1, Cycles: 500, TotalCycles: 1000}},
	}
	c := newClientInfo(newTestProc(10), fi)

	// Simulated counter reset: new value lower than last.
	fi2 := &Fdinfo{
		Engines: map[string]EngineSample{"render": {Capacity: 1, Cycles: 10, TotalCycles: 20}},
	}
	c.update(newTestProc(10), fi2)

	assert.Equal(t, uint64(0), c.engsDelta["render"].DeltaCycles)
	assert.Equal(t, uint64(500), c.engsLast["render"].Cycles)
}

func TestClientInfoIsActiveReflectsMemoryOrEngineActivity(t *testing.T) {
	fi := &Fdinfo{
		Engines:    map[string]EngineSample{},
		MemRegions: map[string]MemRegion{"system0": {Total: 4096}},
	}
	c := newClientInfo(newTestProc(10), fi)
	assert.True(t, c.IsActive())

	empty := &ClientInfo{memRegions: map[string]MemRegion{}}
	assert.False(t, empty.IsActive())
}

func TestClientRegistrySharedFdHolderOrderPreserved(t *testing.T) {
	c := &ClientInfo{DrmMinor: 0, ClientID: 7}

	procA := newTestProc(100)
	procB := newTestProc(200)

	byKey := map[uint64]*ClientInfo{clientKey(0, 7): c}
	assert.Same(t, c, findClient(byKey, 0, 7))

	c.SharedWith = append(c.SharedWith, SharedHolder{Proc: procA, FdinfoPath: "a"})
	c.SharedWith = append(c.SharedWith, SharedHolder{Proc: procB, FdinfoPath: "b"})

	require.Len(t, c.SharedWith, 2)
	assert.Equal(t, 100, c.SharedWith[0].Proc.PID)
	assert.Equal(t, 200, c.SharedWith[1].Proc.PID)
}

func TestFindClientRejectsHashCollisionMismatch(t *testing.T) {
	byKey := map[uint64]*ClientInfo{
		clientKey(1, 2): {DrmMinor: 1, ClientID: 2},
	}

	assert.Nil(t, findClient(byKey, 3, 4))
}

func TestClientInfoLastUpdateAdvancesMsElapsed(t *testing.T) {
	fi := &Fdinfo{Engines: map[string]EngineSample{}}
	c := newClientInfo(newTestProc(1), fi)

	time.Sleep(5 * time.Millisecond)
	c.update(newTestProc(1), fi)

	assert.Greater(t, c.msElapsed, uint64(0))
}
