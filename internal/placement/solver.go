package placement

import (
	"context"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shardfleet/shardfleet-scheduler/internal/config"
	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
	"github.com/shardfleet/shardfleet-scheduler/internal/scoring"
)

// errBudgetExhausted aborts backtracking when the deadline or backtrack
// budget runs out. Internal only; callers see the greedy result instead.
var errBudgetExhausted = errors.New("backtracking budget exhausted")

// RankFunc orders eligible devices best-first for the current search
// position. coAssigned lists the devices already holding shards of the
// workload, so network-position and p2p sub-scores shift as the assignment
// grows.
type RankFunc func(coAssigned []string) []scoring.Score

// Solver assigns every shard of a workload to a device. It runs a
// backtracking search with most-constrained-first variable ordering and
// best-score-first value ordering; when the search exceeds its time or
// backtrack budget it falls back to a greedy pass. Both paths only ever
// produce assignments that respect per-device memory capacity.
type Solver struct {
	cfg config.SolverConfig
}

func NewSolver(cfg config.SolverConfig) *Solver {
	return &Solver{cfg: cfg}
}

type searchState struct {
	shards     []domain.Shard
	rank       RankFunc
	domains    map[string][]string        // shard id -> feasible device ids
	domainSet  map[string]map[string]bool // shard id -> feasible device set
	memory     map[string]uint64          // shard id -> required MB
	remaining  map[string]uint64          // device id -> uncommitted MB
	assignment map[string]string
	deadline   time.Time
	backtracks int
	maxDepth   int
}

// assignedDevices returns the unique devices of the partial assignment,
// sorted so rank calls are deterministic.
func (st *searchState) assignedDevices() []string {
	seen := make(map[string]bool, len(st.assignment))
	out := make([]string, 0, len(st.assignment))
	for _, deviceID := range st.assignment {
		if !seen[deviceID] {
			seen[deviceID] = true
			out = append(out, deviceID)
		}
	}
	sort.Strings(out)
	return out
}

// Solve maps shards onto devices ordered by rank. free is the reservable
// memory per device from the same snapshot the ranking was built on. The
// returned assignment is complete or the error names the shard that could
// not be placed.
func (s *Solver) Solve(ctx context.Context, w domain.Workload, rank RankFunc, free map[string]uint64) (*domain.PlacementAssignment, error) {
	start := time.Now()

	if len(w.Shards) == 0 {
		return nil, errors.New("workload has no shards")
	}

	st := &searchState{
		shards:     w.Shards,
		rank:       rank,
		domains:    make(map[string][]string, len(w.Shards)),
		domainSet:  make(map[string]map[string]bool, len(w.Shards)),
		memory:     make(map[string]uint64, len(w.Shards)),
		remaining:  make(map[string]uint64, len(free)),
		assignment: make(map[string]string, len(w.Shards)),
		deadline:   start.Add(s.cfg.BacktrackDeadline),
		maxDepth:   s.cfg.MaxBacktrackDepth,
	}
	for id, mb := range free {
		st.remaining[id] = mb
	}

	// Domain membership comes from the pre-assignment ranking: it is a
	// pure eligibility fact, only the visit order shifts with the growing
	// assignment. A shard with no device large enough fails here, before
	// any search.
	base := rank(nil)
	for _, shard := range w.Shards {
		st.memory[shard.ID] = shard.MemoryMB
		var dom []string
		set := make(map[string]bool)
		for _, sc := range base {
			if free[sc.DeviceID] >= shard.MemoryMB {
				dom = append(dom, sc.DeviceID)
				set[sc.DeviceID] = true
			}
		}
		if len(dom) == 0 {
			return nil, &ConstraintError{ShardID: shard.ID, Resource: "memory", Err: ErrNoEligibleDevice}
		}
		st.domains[shard.ID] = dom
		st.domainSet[shard.ID] = set
	}

	solvedBy := "backtracking"
	err := s.backtrack(ctx, st)
	if errors.Is(err, errBudgetExhausted) {
		log.Printf("placement: backtracking for %s exhausted after %s (%d backtracks), falling back to greedy",
			w.ID, time.Since(start), st.backtracks)
		solvedBy = "greedy"
		err = s.greedy(st, free)
	}
	if err != nil {
		return nil, err
	}

	return &domain.PlacementAssignment{
		WorkloadID: w.ID,
		RequestID:  uuid.NewString(),
		Shards:     st.assignment,
		SolvedBy:   solvedBy,
		SolvedIn:   time.Since(start),
	}, nil
}

// backtrack assigns one shard per level. Each tentative assignment debits
// the device's remaining memory so later levels see the reduced capacity;
// forward checking prunes branches that strand any unassigned shard. Values
// are re-ranked per level against the devices assigned so far, so network
// position and p2p preference steer shards of one workload toward each
// other.
func (s *Solver) backtrack(ctx context.Context, st *searchState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(st.assignment) == len(st.shards) {
		return nil
	}
	if time.Now().After(st.deadline) || st.backtracks > st.maxDepth {
		return errBudgetExhausted
	}

	shardID := s.mostConstrained(st)
	mb := st.memory[shardID]

	for _, sc := range st.rank(st.assignedDevices()) {
		deviceID := sc.DeviceID
		if !st.domainSet[shardID][deviceID] || st.remaining[deviceID] < mb {
			continue
		}

		st.assignment[shardID] = deviceID
		st.remaining[deviceID] -= mb

		if s.forwardCheck(st) {
			err := s.backtrack(ctx, st)
			if err == nil {
				return nil
			}
			if !isSearchFailure(err) {
				return err
			}
		}

		delete(st.assignment, shardID)
		st.remaining[deviceID] += mb
	}

	st.backtracks++
	if st.backtracks > st.maxDepth {
		return errBudgetExhausted
	}
	return &ConstraintError{ShardID: shardID, Resource: "memory", Err: ErrPlacementInfeasible}
}

// isSearchFailure reports whether the error is a dead end worth undoing,
// as opposed to cancellation or budget exhaustion which abort the search.
func isSearchFailure(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// mostConstrained picks the unassigned shard with the fewest devices still
// able to hold it. Ties go to the larger shard, then ascending shard id, so
// the search is deterministic for identical inputs.
func (s *Solver) mostConstrained(st *searchState) string {
	best := ""
	bestCount := -1
	var bestMB uint64
	for _, shard := range st.shards {
		if _, done := st.assignment[shard.ID]; done {
			continue
		}
		count := 0
		for _, deviceID := range st.domains[shard.ID] {
			if st.remaining[deviceID] >= shard.MemoryMB {
				count++
			}
		}
		switch {
		case bestCount < 0 || count < bestCount:
		case count == bestCount && shard.MemoryMB > bestMB:
		case count == bestCount && shard.MemoryMB == bestMB && shard.ID < best:
		default:
			continue
		}
		best, bestCount, bestMB = shard.ID, count, shard.MemoryMB
	}
	return best
}

// forwardCheck verifies every unassigned shard still has at least one
// device with room, given the tentative reservations.
func (s *Solver) forwardCheck(st *searchState) bool {
	for _, shard := range st.shards {
		if _, done := st.assignment[shard.ID]; done {
			continue
		}
		feasible := false
		for _, deviceID := range st.domains[shard.ID] {
			if st.remaining[deviceID] >= shard.MemoryMB {
				feasible = true
				break
			}
		}
		if !feasible {
			return false
		}
	}
	return true
}

// greedy places shards most-constrained-first onto the best-ranked device
// with room. No backtracking: a shard that does not fit fails the whole
// placement. The capacity constraint still holds on every assignment it
// does produce.
func (s *Solver) greedy(st *searchState, free map[string]uint64) error {
	st.assignment = make(map[string]string, len(st.shards))
	st.remaining = make(map[string]uint64, len(free))
	for id, mb := range free {
		st.remaining[id] = mb
	}

	order := make([]domain.Shard, len(st.shards))
	copy(order, st.shards)
	sort.Slice(order, func(i, j int) bool {
		di, dj := len(st.domains[order[i].ID]), len(st.domains[order[j].ID])
		if di != dj {
			return di < dj
		}
		if order[i].MemoryMB != order[j].MemoryMB {
			return order[i].MemoryMB > order[j].MemoryMB
		}
		return order[i].ID < order[j].ID
	})

	for _, shard := range order {
		placed := false
		for _, sc := range st.rank(st.assignedDevices()) {
			deviceID := sc.DeviceID
			if !st.domainSet[shard.ID][deviceID] || st.remaining[deviceID] < shard.MemoryMB {
				continue
			}
			st.assignment[shard.ID] = deviceID
			st.remaining[deviceID] -= shard.MemoryMB
			placed = true
			break
		}
		if !placed {
			return &ConstraintError{ShardID: shard.ID, Resource: "memory", Err: ErrPlacementInfeasible}
		}
	}
	return nil
}
