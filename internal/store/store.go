// Package store defines the transactional persistence interface the
// coordinator depends on (spec.md §1: "the relational store, accessed
// only through a transactional interface", named as an out-of-scope
// external collaborator). This package supplies that interface plus a
// Postgres implementation and an in-memory fake for tests — grounded on
// teacher internal/database/database.go + square-spincycle
// request-manager/request/db.go (DBAccessor) for the narrow-interface
// shape, and square-spincycle job-runner/db/memory.go for the in-memory
// fake.
package store

import (
	"context"
	"time"

	"runcoordinator/internal/models"
)

// ErrNotFound is returned by single-row lookups that found nothing.
type ErrNotFound struct{ What string }

func (e ErrNotFound) Error() string { return e.What + " not found" }

// Store is the full persistence surface the engine depends on. Reads
// that don't need transactional isolation are exposed directly; writes
// that must be atomic are only reachable through WithTx.
type Store interface {
	// LoadRunAggregate performs the single wide read described in
	// spec.md §4.A. Returns (nil, nil) if the run does not exist —
	// callers must treat that as a silent no-op, per spec.md §4.A.
	LoadRunAggregate(ctx context.Context, runID int64) (*models.RunAggregate, error)

	// WithTx runs fn inside one transaction; fn's writes are visible to
	// other readers iff fn returns nil (spec.md §5, "Ordering
	// guarantees").
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of mutations every branch of the Execute/Preprocess
// drivers and the Failure Policy needs, scoped to one transaction.
type Tx interface {
	// -- run mutations --

	// IncrementExecutionCount increments run.executionCount by delta and,
	// if the run's status was QUEUED, transitions it to STARTED (setting
	// startedAt if it was null). Returns the run's new executionCount.
	IncrementExecutionCount(ctx context.Context, runID int64, delta int) (newCount int, wasQueued bool, err error)

	// StartRun sets status=STARTED, startedAt=now (if null), clears
	// forceYieldImmediately, and optionally replaces run.properties.
	StartRun(ctx context.Context, runID int64, properties []byte) error

	// CancelRun marks the run CANCELED with completedAt=now (spec.md
	// §4.C preflight, blocked organisation branch).
	CancelRun(ctx context.Context, runID int64) error

	// CompleteRun sets completedAt=now, status=status, output=output,
	// and adds durationMs to executionDuration. Used by SUCCESS and by
	// FailExecution(EXECUTE_JOB, ...).
	CompleteRun(ctx context.Context, runID int64, status models.RunStatus, output []byte, durationMs int64) error

	// AddExecutionDuration adds durationMs to run.executionDuration
	// without otherwise changing status.
	AddExecutionDuration(ctx context.Context, runID int64, durationMs int64) error

	// ClearForceYield sets run.forceYieldImmediately=false.
	ClearForceYield(ctx context.Context, runID int64) error

	// SetForceYieldImmediately sets run.forceYieldImmediately to value,
	// used by the Yield Coordinator's ForceYield operation (spec.md
	// §4.D) to signal an in-flight execution to yield at its next
	// checkpoint.
	SetForceYieldImmediately(ctx context.Context, runID int64, value bool) error

	// AppendYieldedExecution appends key to run.yieldedExecutions and
	// returns the new length, failing with ok=false if that would
	// exceed maxLen (spec.md §4.C YIELD_EXECUTION, §8 invariant 3).
	AppendYieldedExecution(ctx context.Context, runID int64, key string, maxLen int) (newLen int, ok bool, err error)

	// AppendYieldedExecutionUnbounded is the AUTO_YIELD_EXECUTION
	// variant of AppendYieldedExecution: no ceiling check (spec.md
	// §4.C).
	AppendYieldedExecutionUnbounded(ctx context.Context, runID int64, key string) error

	// SetEndpointVersion updates endpoint.version if it differs from
	// headerVersion (spec.md §4.C header side-effects).
	SetEndpointVersion(ctx context.Context, endpointID int64, headerVersion string) error

	// SetRunChunkExecutionLimit sets endpoint.runChunkExecutionLimit,
	// used by the adaptive timeout-resume clamp (spec.md §4.C, §8
	// invariant 5).
	SetRunChunkExecutionLimit(ctx context.Context, endpointID int64, limitMs int64) error

	// -- subscriptions --

	// UpsertSubscription ensures a row for (runID, recipient, event)
	// exists with the given method/status; it is a no-op if the row
	// already exists (spec.md §4.C, §8 invariant 8).
	UpsertSubscription(ctx context.Context, runID int64, recipient string, event models.SubscriptionEvent, method models.SubscriptionMethod, status models.SubscriptionStatus) error

	// -- tasks --

	// GetTask loads one task by id.
	GetTask(ctx context.Context, taskID int64) (models.Task, error)

	// SetTaskStatus transitions a task's status, optionally setting
	// completedAt and/or output.
	SetTaskStatus(ctx context.Context, taskID int64, status models.TaskStatus, completedAt *time.Time, output []byte) error

	// SetTaskOutputProperties persists outputProperties on a task, used
	// by RESUME_WITH_TASK / RESUME_WITH_PARALLEL_TASK when present
	// (spec.md §4.C).
	SetTaskOutputProperties(ctx context.Context, taskID int64, outputProperties []byte) error

	// LatestTask returns the run's most recently created task (ordered
	// by createdAt desc, index 0) and whether one exists (spec.md §4.C
	// timeout-resume path).
	LatestTask(ctx context.Context, runID int64) (models.Task, bool, error)

	// TaskCount returns the total number of tasks (any status)
	// belonging to runID.
	TaskCount(ctx context.Context, runID int64) (int, error)

	// CancelOrErrorNonTerminalTasks bulk-transitions every WAITING/
	// RUNNING/PENDING task of the run to CANCELED (if timedOut) or
	// ERRORED (otherwise), setting completedAt=now (spec.md §4.F, §8
	// invariant 4).
	CancelOrErrorNonTerminalTasks(ctx context.Context, runID int64, timedOut bool) error

	// -- task attempts --

	// LatestPendingAttempt returns the latest PENDING TaskAttempt for a
	// task, if any (spec.md §4.C RETRY_WITH_TASK).
	LatestPendingAttempt(ctx context.Context, taskID int64) (models.TaskAttempt, bool, error)

	// MarkAttemptErrored marks an attempt ERRORED with the given
	// formatted error message.
	MarkAttemptErrored(ctx context.Context, attemptID int64, errMsg string) error

	// CreateAttempt creates a new PENDING attempt with the given
	// (contiguous — spec.md §8 invariant 9) number and runAt.
	CreateAttempt(ctx context.Context, taskID int64, number int, runAt time.Time) (models.TaskAttempt, error)

	// -- auto-yield --

	// CreateAutoYieldExecution inserts one AutoYieldExecution row.
	CreateAutoYieldExecution(ctx context.Context, a models.AutoYieldExecution) error

	// -- dependency resume sweep --

	// ListDueWaitingTasks returns every WAITING task that has a PENDING
	// attempt whose runAt is at or before before (SPEC_FULL.md §4,
	// "Dependency Resume Sweep"; spec.md GLOSSARY "Dependency resume").
	ListDueWaitingTasks(ctx context.Context, before time.Time) ([]DueTask, error)
}

// DueTask is one WAITING task whose PENDING attempt is due (runAt has
// passed), ready for a ResumeTask enqueue (SPEC_FULL.md §4).
type DueTask struct {
	TaskID int64     `db:"task_id"`
	RunID  int64     `db:"run_id"`
	RunAt  time.Time `db:"run_at"`
}
