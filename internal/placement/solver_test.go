package placement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfleet/shardfleet-scheduler/internal/config"
	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
	"github.com/shardfleet/shardfleet-scheduler/internal/scoring"
)

func rankedByScore(pairs ...any) []scoring.Score {
	out := make([]scoring.Score, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, scoring.Score{DeviceID: pairs[i].(string), Total: pairs[i+1].(float64)})
	}
	return out
}

// staticRank ignores the co-assignment context, for tests where only the
// capacity constraints matter.
func staticRank(ranked []scoring.Score) RankFunc {
	return func([]string) []scoring.Score { return ranked }
}

func shard(id string, memoryMB uint64) domain.Shard {
	return domain.Shard{ID: id, WorkloadID: "wl-test", MemoryMB: memoryMB}
}

// requireCapacityRespected checks the one invariant both solver paths must
// hold: summed shard memory per device never exceeds its free memory.
func requireCapacityRespected(t *testing.T, a *domain.PlacementAssignment, shards []domain.Shard, free map[string]uint64) {
	t.Helper()
	for deviceID, mb := range a.MemoryByDevice(shards) {
		require.LessOrEqual(t, mb, free[deviceID], "device %s over-committed", deviceID)
	}
}

func TestSolve_HeterogeneousFleet(t *testing.T) {
	s := NewSolver(config.Default().Solver)

	// The strongest device is also the smallest: the 5GB shard must land on
	// one of the larger devices no matter how well dev-fast scores.
	ranked := rankedByScore("dev-fast", 0.9, "dev-mid", 0.7, "dev-big", 0.5)
	free := map[string]uint64{"dev-fast": 4096, "dev-mid": 8192, "dev-big": 16384}
	w := domain.Workload{
		ID:     "wl-hetero",
		Shards: []domain.Shard{shard("s-a", 3072), shard("s-b", 5120), shard("s-c", 2048)},
	}

	a, err := s.Solve(context.Background(), w, staticRank(ranked), free)
	require.NoError(t, err)
	assert.Equal(t, "backtracking", a.SolvedBy)
	require.Len(t, a.Shards, 3)
	assert.NotEqual(t, "dev-fast", a.Shards["s-b"])
	requireCapacityRespected(t, a, w.Shards, free)
}

func TestSolve_RequiresBacktracking(t *testing.T) {
	s := NewSolver(config.Default().Solver)

	// Greedy would put the 4GB shard on the best-scoring 6GB device and
	// strand one of the 3GB shards; only backtracking finds the solution
	// with the 4GB shard on dev-b.
	ranked := rankedByScore("dev-a", 0.9, "dev-b", 0.6)
	free := map[string]uint64{"dev-a": 6144, "dev-b": 4096}
	w := domain.Workload{
		ID:     "wl-tight",
		Shards: []domain.Shard{shard("s-1", 4096), shard("s-2", 3072), shard("s-3", 3072)},
	}

	a, err := s.Solve(context.Background(), w, staticRank(ranked), free)
	require.NoError(t, err)
	assert.Equal(t, "backtracking", a.SolvedBy)
	assert.Equal(t, "dev-b", a.Shards["s-1"])
	assert.Equal(t, "dev-a", a.Shards["s-2"])
	assert.Equal(t, "dev-a", a.Shards["s-3"])
	requireCapacityRespected(t, a, w.Shards, free)
}

func TestSolve_PrefersBestScoringDevice(t *testing.T) {
	s := NewSolver(config.Default().Solver)

	ranked := rankedByScore("dev-good", 0.9, "dev-ok", 0.5)
	free := map[string]uint64{"dev-good": 8192, "dev-ok": 8192}
	w := domain.Workload{ID: "wl-one", Shards: []domain.Shard{shard("s-1", 2048)}}

	a, err := s.Solve(context.Background(), w, staticRank(ranked), free)
	require.NoError(t, err)
	assert.Equal(t, "dev-good", a.Shards["s-1"])
}

func TestSolve_ReranksAgainstPartialAssignment(t *testing.T) {
	s := NewSolver(config.Default().Solver)

	// Once the first shard lands on dev-a, the ranking flips to favor
	// dev-c: the second shard must follow the co-assignment context, not
	// the anchor-free order.
	rank := func(coAssigned []string) []scoring.Score {
		if len(coAssigned) == 0 {
			return rankedByScore("dev-a", 0.9, "dev-b", 0.6, "dev-c", 0.3)
		}
		return rankedByScore("dev-c", 0.9, "dev-b", 0.6, "dev-a", 0.1)
	}
	free := map[string]uint64{"dev-a": 2048, "dev-b": 8192, "dev-c": 8192}
	w := domain.Workload{
		ID:     "wl-context",
		Shards: []domain.Shard{shard("s-1", 2048), shard("s-2", 2048)},
	}

	a, err := s.Solve(context.Background(), w, rank, free)
	require.NoError(t, err)
	assert.Equal(t, "dev-a", a.Shards["s-1"])
	assert.Equal(t, "dev-c", a.Shards["s-2"])
}

func TestSolve_MultipleShardsShareOneDevice(t *testing.T) {
	s := NewSolver(config.Default().Solver)

	ranked := rankedByScore("dev-a", 0.9)
	free := map[string]uint64{"dev-a": 8192}
	w := domain.Workload{
		ID:     "wl-colocated",
		Shards: []domain.Shard{shard("s-1", 3072), shard("s-2", 3072), shard("s-3", 2048)},
	}

	a, err := s.Solve(context.Background(), w, staticRank(ranked), free)
	require.NoError(t, err)
	requireCapacityRespected(t, a, w.Shards, free)
}

func TestSolve_ShardLargerThanEveryDevice(t *testing.T) {
	s := NewSolver(config.Default().Solver)

	ranked := rankedByScore("dev-a", 0.9, "dev-b", 0.5)
	free := map[string]uint64{"dev-a": 4096, "dev-b": 4096}
	w := domain.Workload{ID: "wl-big", Shards: []domain.Shard{shard("s-huge", 9000)}}

	_, err := s.Solve(context.Background(), w, staticRank(ranked), free)
	require.ErrorIs(t, err, ErrNoEligibleDevice)

	var ce *ConstraintError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "s-huge", ce.ShardID)
	assert.Equal(t, "memory", ce.Resource)
}

func TestSolve_TotalMemoryInfeasible(t *testing.T) {
	s := NewSolver(config.Default().Solver)

	// Each shard fits somewhere but the sum does not fit anywhere
	ranked := rankedByScore("dev-a", 0.9, "dev-b", 0.5)
	free := map[string]uint64{"dev-a": 4096, "dev-b": 4096}
	w := domain.Workload{
		ID:     "wl-oversubscribed",
		Shards: []domain.Shard{shard("s-1", 4096), shard("s-2", 4096), shard("s-3", 4096)},
	}

	_, err := s.Solve(context.Background(), w, staticRank(ranked), free)
	require.ErrorIs(t, err, ErrPlacementInfeasible)
}

func TestSolve_GreedyFallbackOnExhaustedBudget(t *testing.T) {
	cfg := config.Default().Solver
	cfg.BacktrackDeadline = -time.Second // every deadline check fails immediately
	s := NewSolver(cfg)

	ranked := rankedByScore("dev-a", 0.9, "dev-b", 0.5)
	free := map[string]uint64{"dev-a": 8192, "dev-b": 8192}
	w := domain.Workload{
		ID:     "wl-fallback",
		Shards: []domain.Shard{shard("s-1", 4096), shard("s-2", 4096)},
	}

	a, err := s.Solve(context.Background(), w, staticRank(ranked), free)
	require.NoError(t, err)
	assert.Equal(t, "greedy", a.SolvedBy)
	require.Len(t, a.Shards, 2)
	requireCapacityRespected(t, a, w.Shards, free)
}

func TestSolve_GreedyStillRespectsCapacity(t *testing.T) {
	cfg := config.Default().Solver
	cfg.BacktrackDeadline = -time.Second
	s := NewSolver(cfg)

	ranked := rankedByScore("dev-a", 0.9, "dev-b", 0.5)
	free := map[string]uint64{"dev-a": 4096, "dev-b": 4096}
	w := domain.Workload{
		ID:     "wl-greedy-tight",
		Shards: []domain.Shard{shard("s-1", 3072), shard("s-2", 3072)},
	}

	a, err := s.Solve(context.Background(), w, staticRank(ranked), free)
	require.NoError(t, err)
	requireCapacityRespected(t, a, w.Shards, free)
	assert.NotEqual(t, a.Shards["s-1"], a.Shards["s-2"])
}

func TestSolve_Cancellation(t *testing.T) {
	s := NewSolver(config.Default().Solver)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ranked := rankedByScore("dev-a", 0.9)
	free := map[string]uint64{"dev-a": 8192}
	w := domain.Workload{ID: "wl-cancelled", Shards: []domain.Shard{shard("s-1", 1024)}}

	_, err := s.Solve(ctx, w, staticRank(ranked), free)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSolve_DeterministicForIdenticalInputs(t *testing.T) {
	s := NewSolver(config.Default().Solver)

	ranked := rankedByScore("dev-a", 0.7, "dev-b", 0.7, "dev-c", 0.7)
	free := map[string]uint64{"dev-a": 8192, "dev-b": 8192, "dev-c": 8192}
	w := domain.Workload{
		ID:     "wl-repeat",
		Shards: []domain.Shard{shard("s-1", 2048), shard("s-2", 2048)},
	}

	first, err := s.Solve(context.Background(), w, staticRank(ranked), free)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := s.Solve(context.Background(), w, staticRank(ranked), free)
		require.NoError(t, err)
		assert.Equal(t, first.Shards, again.Shards)
	}
}
