package scoring

import (
	"math"
	"sort"

	"github.com/shardfleet/shardfleet-scheduler/internal/config"
	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
	"github.com/shardfleet/shardfleet-scheduler/internal/registry"
	"github.com/shardfleet/shardfleet-scheduler/internal/topology"
)

// Reference values for normalizing network sub-scores.
const (
	referenceLatencyMS     = 10.0
	referenceBandwidthGbps = 100.0
)

// Weights holds the sub-score weighting. Must sum to 1.
type Weights struct {
	Compute   float64
	Memory    float64
	Network   float64
	Thermal   float64
	Bandwidth float64
}

// DefaultWeights mirrors the default configuration.
func DefaultWeights() Weights {
	return Weights{Compute: 0.40, Memory: 0.30, Network: 0.15, Thermal: 0.10, Bandwidth: 0.05}
}

// WeightsFromConfig converts the config section.
func WeightsFromConfig(c config.ScoringConfig) Weights {
	return Weights{
		Compute:   c.ComputeWeight,
		Memory:    c.MemoryWeight,
		Network:   c.NetworkWeight,
		Thermal:   c.ThermalWeight,
		Bandwidth: c.BandwidthWeight,
	}
}

// ThermalReading is the thermal input to scoring. A nil reading means no
// executor covers the device yet; it is scored with a conservative default
// instead of being excluded.
type ThermalReading struct {
	MarginC         float64 // distance to the hard limit, positive = safe
	PauseMarginC    float64 // margin at which the executor pauses the device
	OperatingRangeC float64 // hard limit minus ambient
}

// Candidate is one device under evaluation for a workload.
type Candidate struct {
	Device     registry.DeviceState
	Thermal    *ThermalReading
	CoAssigned []string // devices already carrying shards of the same workload
}

// Score is the weighted fitness of a candidate, with its sub-scores kept
// for diagnostics.
type Score struct {
	DeviceID  string  `json:"device_id"`
	Compute   float64 `json:"compute"`
	Memory    float64 `json:"memory"`
	Network   float64 `json:"network"`
	Thermal   float64 `json:"thermal"`
	Bandwidth float64 `json:"bandwidth"`
	Total     float64 `json:"total"`
}

// Scorer rates devices for a workload profile. Pure: every call works only
// from the candidate snapshot and the topology service's current state, so
// it is re-evaluated on each placement attempt and thermal change.
type Scorer struct {
	weights Weights
	topo    *topology.Service
}

func NewScorer(weights Weights, topo *topology.Service) *Scorer {
	return &Scorer{weights: weights, topo: topo}
}

// Score rates one candidate. The second return is false when the device is
// excluded outright: paused, memory misfit, or inside the thermal pause
// threshold. Excluded devices never appear in placement domains.
func (s *Scorer) Score(c Candidate, profile domain.WorkloadProfile) (Score, bool) {
	if c.Device.Paused {
		return Score{}, false
	}
	free := c.Device.FreeMemoryMB()
	if profile.MemoryMB > 0 && free < profile.MemoryMB {
		return Score{}, false
	}

	thermal, ok := s.thermalScore(c.Thermal)
	if !ok {
		return Score{}, false
	}

	sc := Score{
		DeviceID:  c.Device.ID,
		Compute:   computeFit(c.Device.ComputeScore, profile.ComputeDemand),
		Memory:    memoryFit(free, profile.MemoryMB),
		Network:   s.networkScore(c.Device.ID, c.CoAssigned, profile.TransferBytes),
		Thermal:   thermal,
		Bandwidth: s.bandwidthPreference(c.Device.ID, c.CoAssigned),
	}
	sc.Total = sc.Compute*s.weights.Compute +
		sc.Memory*s.weights.Memory +
		sc.Network*s.weights.Network +
		sc.Thermal*s.weights.Thermal +
		sc.Bandwidth*s.weights.Bandwidth
	return sc, true
}

// Rank scores all candidates and returns the eligible ones best-first.
// Ties break on ascending device id so identical inputs always rank
// identically.
func (s *Scorer) Rank(candidates []Candidate, profile domain.WorkloadProfile) []Score {
	out := make([]Score, 0, len(candidates))
	for _, c := range candidates {
		if sc, ok := s.Score(c, profile); ok {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// computeFit caps at 1.0 once the device meets demand: a device far
// stronger than needed scores no higher than one that exactly fits, so the
// most powerful device is not drained by every workload.
func computeFit(deviceScore, demand float64) float64 {
	if demand <= 0 {
		return 1.0
	}
	return math.Min(1.0, deviceScore/demand)
}

// memoryFit grows with headroom up to twice the requirement. Misfits never
// reach here; they are excluded in Score.
func memoryFit(freeMB, requiredMB uint64) float64 {
	if requiredMB == 0 {
		return 1.0
	}
	return math.Min(1.0, float64(freeMB)/float64(2*requiredMB))
}

// networkScore rates the device's position relative to devices already
// carrying shards of the workload: low latency and high bottleneck
// bandwidth both raise it. With no co-assigned devices yet the position is
// neutral.
func (s *Scorer) networkScore(deviceID string, coAssigned []string, transferBytes int64) float64 {
	if len(coAssigned) == 0 {
		return 0.8
	}

	latSum := 0.0
	reachable := 0
	minBW := math.Inf(1)
	for _, co := range coAssigned {
		if co == deviceID {
			continue
		}
		lat := s.topo.Latency(deviceID, co)
		bw := s.topo.Bandwidth(deviceID, co)
		if math.IsInf(lat, 1) || bw <= 0 {
			continue
		}
		latSum += lat
		reachable++
		if bw < minBW {
			minBW = bw
		}
	}
	if reachable == 0 {
		return 0 // cut off from the rest of the workload
	}

	avgLat := latSum / float64(reachable)
	latTerm := 1.0 / (1.0 + avgLat/referenceLatencyMS)
	bwTerm := minBW / (minBW + referenceBandwidthGbps)
	return 0.5*latTerm + 0.5*bwTerm
}

// bandwidthPreference is the fraction of co-assigned devices reachable over
// a p2p-capable link.
func (s *Scorer) bandwidthPreference(deviceID string, coAssigned []string) float64 {
	if len(coAssigned) == 0 {
		return 1.0
	}
	p2p := 0
	total := 0
	for _, co := range coAssigned {
		if co == deviceID {
			continue
		}
		total++
		if l, ok := s.topo.BestLink(deviceID, co); ok && l.P2PSupported {
			p2p++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(p2p) / float64(total)
}

// thermalScore normalizes the margin above the pause threshold onto the
// device's operating range. Inside the pause threshold the device is
// excluded, not scored low.
func (s *Scorer) thermalScore(t *ThermalReading) (float64, bool) {
	if t == nil {
		return 0.9, true // no executor yet, conservative default
	}
	if t.MarginC <= t.PauseMarginC {
		return 0, false
	}
	span := t.OperatingRangeC - t.PauseMarginC
	if span <= 0 {
		return 1.0, true
	}
	return math.Min(1.0, (t.MarginC-t.PauseMarginC)/span), true
}
