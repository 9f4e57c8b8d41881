package telemetry

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
	"github.com/shardfleet/shardfleet-scheduler/internal/registry"
	"github.com/shardfleet/shardfleet-scheduler/internal/scoring"
	"github.com/shardfleet/shardfleet-scheduler/internal/topology"
)

// ClusterMetrics is a point-in-time rollup of the fleet. It carries no
// timestamp and every slice is sorted, so identical fleet state always
// renders to identical output.
type ClusterMetrics struct {
	DeviceCount   int `json:"device_count"`
	ActiveDevices int `json:"active_devices"`
	PausedDevices int `json:"paused_devices"`

	TotalMemoryMB     uint64 `json:"total_memory_mb"`
	AvailableMemoryMB uint64 `json:"available_memory_mb"`
	ReservedMemoryMB  uint64 `json:"reserved_memory_mb"`

	AvgUtilizationPct float64 `json:"avg_utilization_percent"`
	TotalPowerWatts   float64 `json:"total_power_watts"`

	HeterogeneityRatio      float64 `json:"heterogeneity_ratio"`
	AvgBandwidthGbps        float64 `json:"avg_bandwidth_gbps"`
	BottleneckBandwidthGbps float64 `json:"bottleneck_bandwidth_gbps"`
	DiameterMS              float64 `json:"diameter_ms"`

	VendorHistogram map[string]int `json:"vendor_histogram"`
}

// Aggregator produces fleet-level rollups and ranked device queries from
// the registry, topology and sample store.
type Aggregator struct {
	reg    *registry.Registry
	topo   *topology.Service
	store  *Store
	scorer *scoring.Scorer
}

func NewAggregator(reg *registry.Registry, topo *topology.Service, store *Store, scorer *scoring.Scorer) *Aggregator {
	return &Aggregator{reg: reg, topo: topo, store: store, scorer: scorer}
}

// Collect computes the cluster rollup from the current registry snapshot.
func (a *Aggregator) Collect() ClusterMetrics {
	snap := a.reg.Snapshot()

	m := ClusterMetrics{
		DeviceCount:     len(snap.Devices),
		VendorHistogram: make(map[string]int),
	}
	devices := make([]domain.Device, 0, len(snap.Devices))
	utilSum := 0.0
	utilCount := 0
	for _, d := range snap.Devices {
		devices = append(devices, d.Device)
		if d.Paused {
			m.PausedDevices++
		} else {
			m.ActiveDevices++
		}
		m.TotalMemoryMB += d.MemoryTotalMB
		m.AvailableMemoryMB += d.FreeMemoryMB()
		m.ReservedMemoryMB += d.ReservedMB
		m.TotalPowerWatts += d.PowerWatts
		m.VendorHistogram[d.Vendor]++

		if sample, ok := a.store.Latest(d.ID); ok {
			utilSum += float64(sample.UtilizationPct)
			utilCount++
		}
	}
	if utilCount > 0 {
		m.AvgUtilizationPct = utilSum / float64(utilCount)
	}

	m.HeterogeneityRatio = topology.HeterogeneityRatio(devices)
	m.AvgBandwidthGbps = a.topo.AverageBandwidth()
	m.BottleneckBandwidthGbps = a.topo.BottleneckBandwidth()
	m.DiameterMS = a.topo.Diameter()
	return m
}

// TopDevices returns the n best-scoring eligible devices for a workload
// profile, best first.
func (a *Aggregator) TopDevices(n int, profile domain.WorkloadProfile) []scoring.Score {
	snap := a.reg.Snapshot()
	candidates := make([]scoring.Candidate, 0, len(snap.Devices))
	for _, d := range snap.Eligible() {
		candidates = append(candidates, scoring.Candidate{Device: d})
	}
	ranked := a.scorer.Rank(candidates, profile)
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Summary renders the rollup for logs and the status endpoint. Output is
// deterministic for unchanged fleet state.
func (a *Aggregator) Summary() string {
	m := a.Collect()

	var b strings.Builder
	b.WriteString("=== Fleet Telemetry ===\n")
	fmt.Fprintf(&b, "Devices: %d (%d active, %d paused)\n", m.DeviceCount, m.ActiveDevices, m.PausedDevices)
	fmt.Fprintf(&b, "Memory: %d/%d MB free (%d MB reserved)\n", m.AvailableMemoryMB, m.TotalMemoryMB, m.ReservedMemoryMB)
	fmt.Fprintf(&b, "Utilization: %.1f%%  Power: %.0fW\n", m.AvgUtilizationPct, m.TotalPowerWatts)

	vendors := make([]string, 0, len(m.VendorHistogram))
	for v := range m.VendorHistogram {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	b.WriteString("Vendors:\n")
	for _, v := range vendors {
		fmt.Fprintf(&b, "  %s: %d\n", v, m.VendorHistogram[v])
	}

	fmt.Fprintf(&b, "Heterogeneity ratio: %.2fx\n", m.HeterogeneityRatio)
	if !math.IsInf(m.DiameterMS, 1) {
		fmt.Fprintf(&b, "Topology: diameter %.1fms, avg %.1fGbps, bottleneck %.1fGbps\n",
			m.DiameterMS, m.AvgBandwidthGbps, m.BottleneckBandwidthGbps)
	}
	return b.String()
}
