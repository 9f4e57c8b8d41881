package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
	"github.com/shardfleet/shardfleet-scheduler/internal/registry"
	"github.com/shardfleet/shardfleet-scheduler/internal/topology"
)

func candidate(id string, computeScore float64, freeMB uint64) Candidate {
	return Candidate{
		Device: registry.DeviceState{
			Device: domain.Device{
				ID:                id,
				ComputeScore:      computeScore,
				MemoryTotalMB:     freeMB,
				MemoryAvailableMB: freeMB,
			},
		},
	}
}

func healthyThermal() *ThermalReading {
	return &ThermalReading{MarginC: 40, PauseMarginC: 5, OperatingRangeC: 60}
}

func TestScore_ExcludesMemoryMisfit(t *testing.T) {
	s := NewScorer(DefaultWeights(), topology.NewService())

	_, ok := s.Score(candidate("dev-1", 500, 2048), domain.WorkloadProfile{MemoryMB: 4096})
	assert.False(t, ok)
}

func TestScore_ExcludesPausedDevice(t *testing.T) {
	s := NewScorer(DefaultWeights(), topology.NewService())

	c := candidate("dev-1", 500, 8192)
	c.Device.Paused = true
	_, ok := s.Score(c, domain.WorkloadProfile{MemoryMB: 1024})
	assert.False(t, ok)
}

func TestScore_ExcludesInsidePauseThreshold(t *testing.T) {
	s := NewScorer(DefaultWeights(), topology.NewService())

	c := candidate("dev-1", 500, 8192)
	c.Thermal = &ThermalReading{MarginC: 4, PauseMarginC: 5, OperatingRangeC: 60}
	_, ok := s.Score(c, domain.WorkloadProfile{MemoryMB: 1024})
	assert.False(t, ok)
}

func TestScore_ComputeFitHasDiminishingReturns(t *testing.T) {
	s := NewScorer(DefaultWeights(), topology.NewService())
	profile := domain.WorkloadProfile{MemoryMB: 1024, ComputeDemand: 300}

	exact := candidate("dev-exact", 300, 8192)
	exact.Thermal = healthyThermal()
	monster := candidate("dev-monster", 3000, 8192)
	monster.Thermal = healthyThermal()

	scExact, ok := s.Score(exact, profile)
	require.True(t, ok)
	scMonster, ok := s.Score(monster, profile)
	require.True(t, ok)

	// A device far stronger than needed scores no higher on compute-fit
	assert.Equal(t, 1.0, scExact.Compute)
	assert.Equal(t, scExact.Compute, scMonster.Compute)

	weak := candidate("dev-weak", 150, 8192)
	weak.Thermal = healthyThermal()
	scWeak, ok := s.Score(weak, profile)
	require.True(t, ok)
	assert.InDelta(t, 0.5, scWeak.Compute, 1e-9)
}

func TestScore_MonotonicInAvailableMemory(t *testing.T) {
	s := NewScorer(DefaultWeights(), topology.NewService())
	profile := domain.WorkloadProfile{MemoryMB: 2048, ComputeDemand: 300}

	small := candidate("dev-1", 300, 3000)
	small.Thermal = healthyThermal()
	large := candidate("dev-1", 300, 6000)
	large.Thermal = healthyThermal()

	scSmall, ok := s.Score(small, profile)
	require.True(t, ok)
	scLarge, ok := s.Score(large, profile)
	require.True(t, ok)

	assert.GreaterOrEqual(t, scLarge.Total, scSmall.Total)
}

func TestScore_MonotonicInThermalMargin(t *testing.T) {
	s := NewScorer(DefaultWeights(), topology.NewService())
	profile := domain.WorkloadProfile{MemoryMB: 1024, ComputeDemand: 300}

	hot := candidate("dev-1", 300, 8192)
	hot.Thermal = &ThermalReading{MarginC: 10, PauseMarginC: 5, OperatingRangeC: 60}
	cool := candidate("dev-1", 300, 8192)
	cool.Thermal = &ThermalReading{MarginC: 40, PauseMarginC: 5, OperatingRangeC: 60}

	scHot, ok := s.Score(hot, profile)
	require.True(t, ok)
	scCool, ok := s.Score(cool, profile)
	require.True(t, ok)

	assert.Greater(t, scCool.Total, scHot.Total)
}

func TestScore_MonotonicInCoAssignedBandwidth(t *testing.T) {
	slow := topology.NewService()
	slow.SetLinkSymmetric(domain.Link{
		Source: "dev-1", Sink: "dev-2", Type: domain.LinkTypeNetwork,
		LatencyMS: 1, BandwidthGbps: 10,
	})
	fast := topology.NewService()
	fast.SetLinkSymmetric(domain.Link{
		Source: "dev-1", Sink: "dev-2", Type: domain.LinkTypeNetwork,
		LatencyMS: 1, BandwidthGbps: 200,
	})

	profile := domain.WorkloadProfile{MemoryMB: 1024, ComputeDemand: 300}
	c := candidate("dev-1", 300, 8192)
	c.Thermal = healthyThermal()
	c.CoAssigned = []string{"dev-2"}

	scSlow, ok := NewScorer(DefaultWeights(), slow).Score(c, profile)
	require.True(t, ok)
	scFast, ok := NewScorer(DefaultWeights(), fast).Score(c, profile)
	require.True(t, ok)

	assert.Greater(t, scFast.Total, scSlow.Total)
}

func TestScore_P2PBonusToCoAssigned(t *testing.T) {
	generic := topology.NewService()
	generic.SetLinkSymmetric(domain.Link{
		Source: "dev-1", Sink: "dev-2", Type: domain.LinkTypeNetwork,
		LatencyMS: 1, BandwidthGbps: 50,
	})
	p2p := topology.NewService()
	p2p.SetLinkSymmetric(domain.Link{
		Source: "dev-1", Sink: "dev-2", Type: domain.LinkTypeInterconnect,
		LatencyMS: 1, BandwidthGbps: 50,
		P2PSupported: true, P2PBandwidthGbps: 50,
	})

	profile := domain.WorkloadProfile{MemoryMB: 1024, ComputeDemand: 300}
	c := candidate("dev-1", 300, 8192)
	c.Thermal = healthyThermal()
	c.CoAssigned = []string{"dev-2"}

	scGeneric, ok := NewScorer(DefaultWeights(), generic).Score(c, profile)
	require.True(t, ok)
	scP2P, ok := NewScorer(DefaultWeights(), p2p).Score(c, profile)
	require.True(t, ok)

	assert.Equal(t, 0.0, scGeneric.Bandwidth)
	assert.Equal(t, 1.0, scP2P.Bandwidth)
	assert.Greater(t, scP2P.Total, scGeneric.Total)
}

func TestScore_UnreachableFromCoAssignedScoresZeroNetwork(t *testing.T) {
	s := NewScorer(DefaultWeights(), topology.NewService())
	profile := domain.WorkloadProfile{MemoryMB: 1024, ComputeDemand: 300}

	c := candidate("dev-1", 300, 8192)
	c.Thermal = healthyThermal()
	c.CoAssigned = []string{"dev-far"}

	sc, ok := s.Score(c, profile)
	require.True(t, ok)
	assert.Equal(t, 0.0, sc.Network)
}

func TestRank_DeterministicTieBreak(t *testing.T) {
	s := NewScorer(DefaultWeights(), topology.NewService())
	profile := domain.WorkloadProfile{MemoryMB: 1024, ComputeDemand: 300}

	a := candidate("dev-a", 300, 8192)
	a.Thermal = healthyThermal()
	b := candidate("dev-b", 300, 8192)
	b.Thermal = healthyThermal()

	for i := 0; i < 5; i++ {
		ranked := s.Rank([]Candidate{b, a}, profile)
		require.Len(t, ranked, 2)
		assert.Equal(t, "dev-a", ranked[0].DeviceID)
		assert.Equal(t, "dev-b", ranked[1].DeviceID)
	}
}

func TestRank_DropsExcluded(t *testing.T) {
	s := NewScorer(DefaultWeights(), topology.NewService())
	profile := domain.WorkloadProfile{MemoryMB: 4096, ComputeDemand: 300}

	fits := candidate("dev-fits", 300, 8192)
	fits.Thermal = healthyThermal()
	tooSmall := candidate("dev-small", 900, 2048)
	tooSmall.Thermal = healthyThermal()

	ranked := s.Rank([]Candidate{fits, tooSmall}, profile)
	require.Len(t, ranked, 1)
	assert.Equal(t, "dev-fits", ranked[0].DeviceID)
}
