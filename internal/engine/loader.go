// Package engine implements Components A, B, C and F of the run
// execution coordinator: the Run Loader, the Preprocess Driver, the
// Execute Driver state machine, and the Failure & Retry Policy
// (spec.md §4). These are grouped under one package the way the
// teacher groups several cooperating files under internal/scheduler
// (scheduler.go, dependency_probe.go) rather than one package per
// type.
package engine

import (
	"context"
	"fmt"

	"runcoordinator/internal/models"
	"runcoordinator/internal/store"
)

// Loader is Component A: it loads a run aggregate in a single read
// (spec.md §4.A).
type Loader struct {
	Store store.Store
}

// NewLoader returns a Loader backed by st.
func NewLoader(st store.Store) *Loader {
	return &Loader{Store: st}
}

// Load returns the RunAggregate for id, or nil if no such run exists.
// Callers must treat a nil result as a silent no-op (spec.md §4.A:
// "If no such run exists the caller returns silently (idempotent)").
// The load is read-only and not transactional.
func (l *Loader) Load(ctx context.Context, id int64) (*models.RunAggregate, error) {
	agg, err := l.Store.LoadRunAggregate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load run aggregate %d: %w", id, err)
	}
	return agg, nil
}
