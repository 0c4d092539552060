// Package yield implements the Yield Coordinator (spec.md §4.D): a
// process-wide registry of runs currently executing a chunk, so an
// out-of-band signal can ask the endpoint to yield at its next
// checkpoint. Grounded on square-spincycle job-runner/api/api.go's
// traverserRepo, the pack's only process-wide concurrent registry
// keyed by an id with the same register/lookup/remove shape.
package yield

import (
	"context"
	"fmt"

	cmap "github.com/orcaman/concurrent-map"

	"runcoordinator/internal/store"
)

// Coordinator tracks which runs are mid-flight. It does not own any
// per-run state beyond "is this run currently executing" — the
// forceYieldImmediately flag itself lives in the store (spec.md §4.D).
type Coordinator struct {
	inFlight cmap.ConcurrentMap
}

// New returns an empty Coordinator, one per process (spec.md §5,
// "Shared resources").
func New() *Coordinator {
	return &Coordinator{inFlight: cmap.New()}
}

// RegisterRun marks runID as currently executing a chunk. Mirrors
// traverserRepo.SetIfAbsent: a run already registered indicates an
// overlapping execute call for the same run, which should not happen
// given the queue's per-run serialisation (spec.md §5) but is reported
// rather than silently overwritten.
func (c *Coordinator) RegisterRun(runID int64) error {
	key := key(runID)
	if wasAbsent := c.inFlight.SetIfAbsent(key, struct{}{}); !wasAbsent {
		return fmt.Errorf("run %d is already registered with the yield coordinator", runID)
	}
	return nil
}

// DeregisterRun removes runID from the in-flight set. Safe to call
// even if runID was never registered.
func (c *Coordinator) DeregisterRun(runID int64) {
	c.inFlight.Remove(key(runID))
}

// IsInFlight reports whether runID is currently registered.
func (c *Coordinator) IsInFlight(runID int64) bool {
	_, exists := c.inFlight.Get(key(runID))
	return exists
}

// ForceYield sets run.forceYieldImmediately=true in the store so the
// next body built for runID asks the endpoint to yield at its earliest
// checkpoint (spec.md §4.D). It does not require runID to be
// in-flight: an operator may force-yield a run before its next chunk
// is even picked up.
func (c *Coordinator) ForceYield(ctx context.Context, st store.Store, runID int64) error {
	return st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetForceYieldImmediately(ctx, runID, true)
	})
}

func key(runID int64) string {
	return fmt.Sprintf("%d", runID)
}
