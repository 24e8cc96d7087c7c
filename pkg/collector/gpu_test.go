package collector

import (
	"context"
	"testing"

	"github.com/ceems-dev/gputelemetry/pkg/gpucore"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeSnapshotSource lets tests hand the collector a canned Snapshot without
// running a live Sampler goroutine.
type fakeSnapshotSource struct {
	snap *gpucore.Snapshot
}

func (f *fakeSnapshotSource) Latest() *gpucore.Snapshot {
	return f.snap
}

func drainMetrics(t *testing.T, c *gpuCollector) []prometheus.Metric {
	t.Helper()

	ch := make(chan prometheus.Metric, 64)

	err := c.Update(ch)
	close(ch)

	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}

	return metrics
}

func TestGPUCollectorUpdateNoData(t *testing.T) {
	c := &gpuCollector{sampler: &fakeSnapshotSource{snap: nil}, logger: noOpLogger}

	ch := make(chan prometheus.Metric, 1)
	if err := c.Update(ch); err != ErrNoData {
		t.Fatalf("expected ErrNoData, got %v", err)
	}

	c = &gpuCollector{sampler: &fakeSnapshotSource{snap: &gpucore.Snapshot{}}, logger: noOpLogger}
	if err := c.Update(ch); err != ErrNoData {
		t.Fatalf("expected ErrNoData for empty DevsState, got %v", err)
	}
}

func TestGPUCollectorUpdateEmitsDeviceMetrics(t *testing.T) {
	snap := &gpucore.Snapshot{
		DevsState: []*gpucore.DeviceState{
			{
				PciDev:     "0000:00:02.0",
				VendorID:   "0x8086",
				Vendor:     "Intel",
				DeviceID:   "0x56a0",
				Device:     "DG2",
				Revision:   "0x05",
				DriverName: "xe",
				DevType:    gpucore.DeviceTypeDiscrete.String(),
				EngStats: []gpucore.EngineHistory{
					{Name: "render", Usage: []float64{10, 42.5}},
					{Name: "copy", Usage: nil},
				},
				Freqs: []gpucore.Freqs{
					{MinFreq: 100, CurFreq: 1200, MaxFreq: 2000},
				},
				Power: []gpucore.Power{
					{GPUCurPower: 35.5, PkgCurPower: 50},
				},
				MemInfo: []gpucore.DeviceMemInfo{
					{SmemTotal: 1000, SmemUsed: 200, VramTotal: 8000, VramUsed: 4000},
				},
				ClisStats: []*gpucore.ClientState{
					{
						DrmMinor: 0,
						ClientID: 7,
						PID:      1234,
						Comm:     "glxgears",
						CPUUsage: []float64{12.5},
						IsActive: true,
						EngStats: []gpucore.EngineHistory{
							{Name: "render", Usage: []float64{20}},
						},
						MemInfo: []gpucore.ClientMemInfo{
							{SmemUsed: 50, VramUsed: 900},
						},
					},
				},
			},
		},
	}

	c := &gpuCollector{sampler: &fakeSnapshotSource{snap: snap}, logger: noOpLogger}

	metrics := drainMetrics(t, c)
	if len(metrics) == 0 {
		t.Fatal("expected at least one metric")
	}

	var descs []string
	for _, m := range metrics {
		descs = append(descs, m.Desc().String())
	}

	wantDescs := []string{
		gpuDeviceInfoDesc.String(),
		gpuEngineUtilDesc.String(),
		gpuFreqCurDesc.String(),
		gpuPowerDesc.String(),
		gpuMemUsedDesc.String(),
		gpuMemTotalDesc.String(),
		gpuClientInfoDesc.String(),
		gpuClientEngineUtilDesc.String(),
		gpuClientCPUUtilDesc.String(),
		gpuClientMemUsedDesc.String(),
		gpuClientActiveDesc.String(),
	}

	for _, want := range wantDescs {
		found := false

		for _, d := range descs {
			if d == want {
				found = true

				break
			}
		}

		if !found {
			t.Errorf("expected a metric with desc %s, none emitted", want)
		}
	}

	// A package-typed power domain is only emitted for integrated devices;
	// this fixture is discrete, so exactly one power sample (gpu domain).
	powerCount := 0

	for _, m := range metrics {
		if m.Desc().String() == gpuPowerDesc.String() {
			powerCount++
		}
	}

	if powerCount != 1 {
		t.Errorf("expected 1 power metric for a discrete device, got %d", powerCount)
	}

	// An engine with no recorded usage samples yet must be skipped.
	engineCount := 0

	for _, m := range metrics {
		if m.Desc().String() == gpuEngineUtilDesc.String() {
			engineCount++
		}
	}

	if engineCount != 1 {
		t.Errorf("expected 1 device engine metric (copy has no samples), got %d", engineCount)
	}
}

func TestGPUCollectorStop(t *testing.T) {
	stopped := false
	c := &gpuCollector{
		sampler: &fakeSnapshotSource{},
		cancel:  func() { stopped = true },
		logger:  noOpLogger,
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !stopped {
		t.Fatal("expected Stop to invoke cancel")
	}
}
