package placement

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEligibleDevice means a shard's domain was empty before search
	// even started.
	ErrNoEligibleDevice = errors.New("no eligible device for shard")

	// ErrPlacementInfeasible means even the greedy fallback could not place
	// every shard.
	ErrPlacementInfeasible = errors.New("placement infeasible")

	// ErrStaleSnapshot means commit-time re-validation found the fleet
	// changed since the snapshot was taken. Retried once internally before
	// being surfaced.
	ErrStaleSnapshot = errors.New("snapshot stale at commit")
)

// ConstraintError names the shard and resource behind a placement failure,
// so callers never see a generic error for a non-recoverable case.
type ConstraintError struct {
	ShardID  string
	Resource string // "memory", "thermal", "eligibility"
	Err      error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("shard %s: %s constraint unsatisfied: %v", e.ShardID, e.Resource, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }
