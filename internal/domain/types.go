package domain

import (
	"time"

	"github.com/google/uuid"
)

// Device represents one accelerator in the fleet, normalized across vendors.
// Vendor-specific quirks are resolved by the backend collaborator before
// facts reach the scheduler, so all fields here are vendor-agnostic numbers.
type Device struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Vendor       string  `json:"vendor"`
	ComputeScore float64 `json:"compute_score"` // reference throughput, higher is faster

	MemoryTotalMB     uint64 `json:"memory_total_mb"`
	MemoryAvailableMB uint64 `json:"memory_available_mb"`

	ClockMHz   uint32  `json:"clock_mhz"`
	PowerWatts float64 `json:"power_watts"`

	Removable bool `json:"removable,omitempty"` // eGPU or hot-pluggable
	LowPower  bool `json:"low_power,omitempty"` // mobile/battery-constrained

	LastSeen time.Time `json:"last_seen"`
}

// MetricSample is one time-stamped telemetry reading for a device.
// Samples are append-only per device; the telemetry store evicts the oldest
// once the retention window is exceeded.
type MetricSample struct {
	Timestamp      time.Time `json:"timestamp"`
	DeviceID       string    `json:"device_id"`
	MemoryUsedMB   uint64    `json:"memory_used_mb"`
	MemoryTotalMB  uint64    `json:"memory_total_mb"`
	UtilizationPct uint32    `json:"utilization_percent"`
	PowerWatts     float64   `json:"power_watts"`
	TemperatureC   float64   `json:"temperature_c"`
	ClockMHz       uint32    `json:"clock_mhz"`
}

// LinkType classifies a link between two devices.
type LinkType string

const (
	LinkTypeLocal        LinkType = "local"        // same host, PCIe/UMA
	LinkTypeNetwork      LinkType = "network"      // generic network path
	LinkTypeInterconnect LinkType = "interconnect" // NVLink/IF/RDMA class
)

// Link holds directed metrics between an ordered device pair. Symmetric
// pairs may carry independent metrics in each direction.
type Link struct {
	Source string   `json:"source"`
	Sink   string   `json:"sink"`
	Type   LinkType `json:"type"`

	LatencyMS     float64 `json:"latency_ms"`
	BandwidthGbps float64 `json:"bandwidth_gbps"`

	P2PSupported     bool    `json:"p2p_supported"`
	P2PBandwidthGbps float64 `json:"p2p_bandwidth_gbps,omitempty"`
}

// Shard is one unit of a workload. Immutable for the duration of a
// placement request.
type Shard struct {
	ID          string  `json:"id"`
	WorkloadID  string  `json:"workload_id"`
	MemoryMB    uint64  `json:"memory_mb"`
	ComputeCost float64 `json:"compute_cost"`
}

// WorkloadProfile summarizes what a workload demands from a single device,
// used by the scorer to rate candidates.
type WorkloadProfile struct {
	MemoryMB      uint64  `json:"memory_mb"`
	ComputeDemand float64 `json:"compute_demand"`
	TransferBytes int64   `json:"transfer_bytes,omitempty"` // typical inter-shard payload
}

// Workload is a placement request: a set of shards placed atomically.
type Workload struct {
	ID      string          `json:"id"`
	Shards  []Shard         `json:"shards"`
	Profile WorkloadProfile `json:"profile"`
}

// NewWorkloadID returns a fresh workload identifier.
func NewWorkloadID() string {
	return "wl-" + uuid.NewString()
}

// PlacementAssignment maps every shard of a workload to a device. It is
// produced atomically: either all shards are assigned or placement fails
// as a whole.
type PlacementAssignment struct {
	WorkloadID string            `json:"workload_id"`
	RequestID  string            `json:"request_id"`
	Shards     map[string]string `json:"shards"`    // shard id -> device id
	SolvedBy   string            `json:"solved_by"` // "backtracking" or "greedy"
	SolvedIn   time.Duration     `json:"solved_in"`
}

// MemoryByDevice sums assigned shard memory per device.
func (a *PlacementAssignment) MemoryByDevice(shards []Shard) map[string]uint64 {
	byID := make(map[string]uint64, len(shards))
	for _, s := range shards {
		byID[s.ID] = s.MemoryMB
	}
	usage := make(map[string]uint64)
	for shardID, deviceID := range a.Shards {
		usage[deviceID] += byID[shardID]
	}
	return usage
}
