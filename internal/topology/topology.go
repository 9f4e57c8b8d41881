package topology

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
)

// referencePayloadBytes is the payload used when reducing a path to a single
// transfer-time weight (diameter, shortest-path queries).
const referencePayloadBytes = 1 << 20

type linkKey struct {
	source string
	sink   string
	typ    domain.LinkType
}

// Service holds directed link metrics between device pairs and derives
// cluster-wide statistics from them. Read-mostly: only telemetry ingestion
// mutates it.
type Service struct {
	mu    sync.RWMutex
	links map[linkKey]domain.Link
}

func NewService() *Service {
	return &Service{links: make(map[linkKey]domain.Link)}
}

// SetLink records or overwrites one directed link measurement. A pair may
// carry several records of different types (e.g. a generic network path and
// an interconnect).
func (s *Service) SetLink(l domain.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey{l.Source, l.Sink, l.Type}] = l
}

// SetLinkSymmetric records the same measurement in both directions, for
// reporters that only probe one way.
func (s *Service) SetLinkSymmetric(l domain.Link) {
	rev := l
	rev.Source, rev.Sink = l.Sink, l.Source

	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey{l.Source, l.Sink, l.Type}] = l
	s.links[linkKey{rev.Source, rev.Sink, rev.Type}] = rev
}

// BestLink returns the preferred link from source to sink. A p2p-capable
// link always wins over a generic one; among equals the higher effective
// bandwidth wins.
func (s *Service) BestLink(source, sink string) (domain.Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best domain.Link
	found := false
	for key, l := range s.links {
		if key.source != source || key.sink != sink {
			continue
		}
		if !found {
			best, found = l, true
			continue
		}
		if l.P2PSupported != best.P2PSupported {
			if l.P2PSupported {
				best = l
			}
			continue
		}
		if effectiveBandwidth(l) > effectiveBandwidth(best) {
			best = l
		}
	}
	return best, found
}

func effectiveBandwidth(l domain.Link) float64 {
	if l.P2PSupported && l.P2PBandwidthGbps > 0 {
		return l.P2PBandwidthGbps
	}
	return l.BandwidthGbps
}

// Bandwidth returns the usable bandwidth (Gbps) from source to sink,
// preferring p2p. Zero when no link is known.
func (s *Service) Bandwidth(source, sink string) float64 {
	l, ok := s.BestLink(source, sink)
	if !ok {
		return 0
	}
	return effectiveBandwidth(l)
}

// Latency returns the link latency in milliseconds, +Inf when unknown.
func (s *Service) Latency(source, sink string) float64 {
	l, ok := s.BestLink(source, sink)
	if !ok {
		return math.Inf(1)
	}
	return l.LatencyMS
}

// TransferTimeMS estimates moving size bytes from source to sink over the
// best direct link: queuing/latency term plus size over bandwidth.
func (s *Service) TransferTimeMS(source, sink string, sizeBytes int64) float64 {
	if source == sink {
		return 0
	}
	l, ok := s.BestLink(source, sink)
	if !ok {
		return math.Inf(1)
	}
	bw := effectiveBandwidth(l)
	if bw <= 0 {
		return math.Inf(1)
	}
	return l.LatencyMS + float64(sizeBytes)*8/(bw*1e9)*1000
}

// Diameter returns the maximum over all device pairs of the shortest
// transfer time (ms, reference payload), routing through intermediate
// devices where no direct link exists. Zero for fewer than two devices;
// +Inf when the link graph is disconnected.
func (s *Service) Diameter() float64 {
	s.mu.RLock()
	ids := make(map[string]int64)
	g := simple.NewWeightedDirectedGraph(0, math.Inf(1))
	nodeID := func(device string) int64 {
		if id, ok := ids[device]; ok {
			return id
		}
		id := int64(len(ids))
		ids[device] = id
		g.AddNode(simple.Node(id))
		return id
	}
	for _, l := range s.links {
		w := linkWeight(l)
		if math.IsInf(w, 1) {
			continue
		}
		from, to := nodeID(l.Source), nodeID(l.Sink)
		if from == to {
			continue
		}
		g.SetWeightedEdge(simple.WeightedEdge{
			F: simple.Node(from), T: simple.Node(to), W: w,
		})
	}
	s.mu.RUnlock()

	if len(ids) < 2 {
		return 0
	}

	all, ok := path.FloydWarshall(g)
	if !ok {
		// Negative cycle cannot happen with non-negative weights
		return math.Inf(1)
	}

	max := 0.0
	for _, u := range ids {
		for _, v := range ids {
			if u == v {
				continue
			}
			w := all.Weight(u, v)
			if math.IsInf(w, 1) {
				return math.Inf(1)
			}
			if w > max {
				max = w
			}
		}
	}
	return max
}

func linkWeight(l domain.Link) float64 {
	bw := effectiveBandwidth(l)
	if bw <= 0 {
		return math.Inf(1)
	}
	return l.LatencyMS + float64(referencePayloadBytes)*8/(bw*1e9)*1000
}

// AverageBandwidth returns the mean effective bandwidth over the best link
// of every known directed pair.
func (s *Service) AverageBandwidth() float64 {
	best := s.bestPerPair()
	if len(best) == 0 {
		return 0
	}
	sum := 0.0
	for _, l := range best {
		sum += effectiveBandwidth(l)
	}
	return sum / float64(len(best))
}

// BottleneckBandwidth returns the slowest best link in the cluster, the
// bandwidth floor any cross-device transfer may hit.
func (s *Service) BottleneckBandwidth() float64 {
	best := s.bestPerPair()
	if len(best) == 0 {
		return 0
	}
	min := math.Inf(1)
	for _, l := range best {
		if bw := effectiveBandwidth(l); bw < min {
			min = bw
		}
	}
	return min
}

func (s *Service) bestPerPair() map[[2]string]domain.Link {
	s.mu.RLock()
	pairs := make(map[[2]string]bool)
	for key := range s.links {
		pairs[[2]string{key.source, key.sink}] = true
	}
	s.mu.RUnlock()

	best := make(map[[2]string]domain.Link, len(pairs))
	for p := range pairs {
		if l, ok := s.BestLink(p[0], p[1]); ok {
			best[p] = l
		}
	}
	return best
}

// P2PPairs lists directed pairs with a p2p-capable link, sorted for
// deterministic output.
func (s *Service) P2PPairs() [][2]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[[2]string]bool)
	for key, l := range s.links {
		if l.P2PSupported {
			seen[[2]string{key.source, key.sink}] = true
		}
	}
	out := make([][2]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// HeterogeneityRatio is the ratio of the fastest to the slowest compute
// score among the given devices. 1.0 for uniform or empty fleets.
func HeterogeneityRatio(devices []domain.Device) float64 {
	if len(devices) == 0 {
		return 1.0
	}
	min, max := math.Inf(1), 0.0
	for _, d := range devices {
		if d.ComputeScore < min {
			min = d.ComputeScore
		}
		if d.ComputeScore > max {
			max = d.ComputeScore
		}
	}
	if min <= 0 {
		return 1.0
	}
	return max / min
}

// Summary renders a human-readable topology overview.
func (s *Service) Summary(devices []domain.Device) string {
	var b strings.Builder
	b.WriteString("=== Cluster Topology ===\n")
	fmt.Fprintf(&b, "Devices: %d\n", len(devices))
	for _, d := range devices {
		fmt.Fprintf(&b, "  %s (%s): score=%.0f mem=%dMB\n", d.ID, d.Vendor, d.ComputeScore, d.MemoryTotalMB)
	}

	best := s.bestPerPair()
	keys := make([][2]string, 0, len(best))
	for p := range best {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	b.WriteString("Links:\n")
	for _, p := range keys {
		l := best[p]
		p2p := ""
		if l.P2PSupported {
			p2p = " [P2P]"
		}
		fmt.Fprintf(&b, "  %s -> %s: %.1fms, %.1fGbps%s\n",
			p[0], p[1], l.LatencyMS, effectiveBandwidth(l), p2p)
	}

	fmt.Fprintf(&b, "Diameter: %.1fms\n", s.Diameter())
	fmt.Fprintf(&b, "Average bandwidth: %.1fGbps\n", s.AverageBandwidth())
	fmt.Fprintf(&b, "Heterogeneity ratio: %.2fx\n", HeterogeneityRatio(devices))
	return b.String()
}
