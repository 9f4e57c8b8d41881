package placement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/shardfleet/shardfleet-scheduler/internal/config"
	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
	"github.com/shardfleet/shardfleet-scheduler/internal/registry"
	"github.com/shardfleet/shardfleet-scheduler/internal/scoring"
	"github.com/shardfleet/shardfleet-scheduler/internal/thermal"
)

// Service ties the solver to the live fleet: it snapshots the registry,
// scores candidates with current thermal margins, solves, and commits the
// reservation. A commit that fails re-validation is re-solved once against
// a fresh snapshot before the conflict is surfaced.
type Service struct {
	reg        *registry.Registry
	scorer     *scoring.Scorer
	solver     *Solver
	overview   *thermal.Overview
	thermalCfg config.ThermalConfig

	mu         sync.Mutex
	workloads  map[string]domain.Workload
	placements map[string]*domain.PlacementAssignment
}

func NewService(reg *registry.Registry, scorer *scoring.Scorer, solver *Solver, overview *thermal.Overview, thermalCfg config.ThermalConfig) *Service {
	return &Service{
		reg:        reg,
		scorer:     scorer,
		solver:     solver,
		overview:   overview,
		thermalCfg: thermalCfg,
		workloads:  make(map[string]domain.Workload),
		placements: make(map[string]*domain.PlacementAssignment),
	}
}

// Place solves and commits a workload. Solving happens against an immutable
// snapshot; the registry re-validates at commit time, and a conflict (the
// fleet changed under us) triggers exactly one re-solve. All other errors
// are permanent. Cancellation never leaves partial reservations: Reserve is
// all-or-nothing and nothing is committed before it.
func (s *Service) Place(ctx context.Context, w domain.Workload) (*domain.PlacementAssignment, error) {
	return s.placeWith(ctx, w, nil)
}

// placeWith runs the solve/commit cycle. anchors seeds the co-assignment
// context for ranking; re-placement passes the workload's surviving devices
// here so evacuated shards stay near the shards that did not move.
func (s *Service) placeWith(ctx context.Context, w domain.Workload, anchors []string) (*domain.PlacementAssignment, error) {
	if w.ID == "" {
		w.ID = domain.NewWorkloadID()
	}

	var assignment *domain.PlacementAssignment
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		snap := s.reg.Snapshot()
		rank, free := s.snapshotRanker(snap, w, anchors)

		solved, err := s.solver.Solve(ctx, w, rank, free)
		if err != nil {
			return backoff.Permanent(err)
		}

		usage := solved.MemoryByDevice(w.Shards)
		if err := s.reg.Reserve(w.ID, usage); err != nil {
			if isCommitConflict(err) {
				// Retryable: the snapshot went stale between solve and commit
				return fmt.Errorf("%w: %v", ErrStaleSnapshot, err)
			}
			return backoff.Permanent(err)
		}
		assignment = solved
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.workloads[w.ID] = w
	s.placements[w.ID] = assignment
	s.mu.Unlock()

	log.Printf("placement: %s placed across %d devices by %s in %s",
		w.ID, len(assignment.MemoryByDevice(w.Shards)), assignment.SolvedBy, assignment.SolvedIn)
	return assignment, nil
}

// isCommitConflict classifies Reserve failures that a fresh snapshot can
// resolve: capacity taken by a concurrent placement, a device paused or
// removed after the snapshot.
func isCommitConflict(err error) bool {
	var ce *registry.CapacityError
	return errors.As(err, &ce) ||
		errors.Is(err, registry.ErrDevicePaused) ||
		errors.Is(err, registry.ErrDeviceNotFound)
}

// snapshotRanker builds the solver's rank function over the snapshot's
// eligible devices. The scorer's memory exclusion uses the smallest shard:
// a device too small for every shard drops out of the ranking entirely, one
// too small for only some shards is constrained per shard in the solver.
// Each rank call sees anchors plus the devices assigned so far, so the
// network and p2p sub-scores follow the partial assignment.
func (s *Service) snapshotRanker(snap *registry.Snapshot, w domain.Workload, anchors []string) (RankFunc, map[string]uint64) {
	profile := w.Profile
	profile.MemoryMB = minShardMemory(w.Shards)

	eligible := snap.Eligible()
	base := make([]scoring.Candidate, 0, len(eligible))
	free := make(map[string]uint64, len(eligible))
	for _, d := range eligible {
		base = append(base, scoring.Candidate{
			Device:  d,
			Thermal: s.thermalReading(d.ID),
		})
		free[d.ID] = d.FreeMemoryMB()
	}

	rank := func(coAssigned []string) []scoring.Score {
		co := make([]string, 0, len(anchors)+len(coAssigned))
		co = append(co, anchors...)
		co = append(co, coAssigned...)
		candidates := make([]scoring.Candidate, len(base))
		copy(candidates, base)
		for i := range candidates {
			candidates[i].CoAssigned = co
		}
		return s.scorer.Rank(candidates, profile)
	}
	return rank, free
}

// thermalReading converts an executor's status into the scorer's input.
// Devices without an executor return nil and score at the conservative
// default rather than being excluded.
func (s *Service) thermalReading(deviceID string) *scoring.ThermalReading {
	if s.overview == nil {
		return nil
	}
	e, ok := s.overview.Executor(deviceID)
	if !ok {
		return nil
	}
	st := e.Status()
	return &scoring.ThermalReading{
		MarginC:         st.MarginC,
		PauseMarginC:    s.thermalCfg.PauseMarginC,
		OperatingRangeC: s.thermalCfg.HardLimitC - s.thermalCfg.AmbientC,
	}
}

func minShardMemory(shards []domain.Shard) uint64 {
	min := uint64(0)
	for i, sh := range shards {
		if i == 0 || sh.MemoryMB < min {
			min = sh.MemoryMB
		}
	}
	return min
}

// Teardown releases a workload's reservations on every device.
func (s *Service) Teardown(workloadID string) error {
	if err := s.reg.Release(workloadID); err != nil {
		return err
	}
	s.forget(workloadID)
	return nil
}

func (s *Service) forget(workloadID string) {
	s.mu.Lock()
	delete(s.workloads, workloadID)
	delete(s.placements, workloadID)
	s.mu.Unlock()
}

// Workload returns the stored definition for a placed workload.
func (s *Service) Workload(workloadID string) (domain.Workload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workloads[workloadID]
	return w, ok
}

// Assignment returns the committed placement for a workload.
func (s *Service) Assignment(workloadID string) (*domain.PlacementAssignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.placements[workloadID]
	return a, ok
}

// HandleDevicePaused marks the device ineligible and re-places every
// workload holding capacity on it. Committed assignments on unaffected
// devices belong to other workloads and are untouched; each affected
// workload is re-solved whole, anchored to its surviving devices, so its
// shards stay co-placed coherently.
func (s *Service) HandleDevicePaused(ctx context.Context, deviceID string) {
	if err := s.reg.SetPaused(deviceID, true); err != nil {
		log.Printf("placement: pause of unknown device %s: %v", deviceID, err)
		return
	}
	s.replaceWorkloadsOn(ctx, deviceID)
}

// HandleDeviceResumed restores the device to placement domains.
func (s *Service) HandleDeviceResumed(deviceID string) {
	if err := s.reg.SetPaused(deviceID, false); err != nil {
		log.Printf("placement: resume of unknown device %s: %v", deviceID, err)
	}
}

// HandleDeviceFatal removes a thermally failed device and re-places its
// workloads elsewhere. The device is paused first so the re-solve cannot
// pick it again before removal.
func (s *Service) HandleDeviceFatal(ctx context.Context, deviceID string) {
	if err := s.reg.SetPaused(deviceID, true); err != nil {
		log.Printf("placement: fatal on unknown device %s: %v", deviceID, err)
		return
	}
	s.replaceWorkloadsOn(ctx, deviceID)
	s.reg.Remove(deviceID)
}

// HandleDeviceExpired re-places the workloads stranded by a liveness
// expiry. The registry has already dropped the device, so it cannot appear
// in any new domain; its reservations are released workload by workload as
// each one is re-solved.
func (s *Service) HandleDeviceExpired(ctx context.Context, deviceID string) {
	s.replaceWorkloadsOn(ctx, deviceID)
}

// survivingDevices lists the committed devices of a workload other than the
// one being evacuated; they anchor the re-solve's co-assignment context.
func (s *Service) survivingDevices(workloadID, deviceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.placements[workloadID]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, d := range a.Shards {
		if d != deviceID && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Service) replaceWorkloadsOn(ctx context.Context, deviceID string) {
	for _, workloadID := range s.reg.WorkloadsOn(deviceID) {
		w, ok := s.Workload(workloadID)
		if !ok {
			continue
		}
		anchors := s.survivingDevices(workloadID, deviceID)
		if err := s.reg.Release(workloadID); err != nil {
			log.Printf("placement: release of %s during evacuation of %s: %v", workloadID, deviceID, err)
			continue
		}
		if _, err := s.placeWith(ctx, w, anchors); err != nil {
			log.Printf("placement: %s could not be re-placed off %s: %v", workloadID, deviceID, err)
			s.forget(workloadID)
		}
	}
}
