package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"runcoordinator/internal/models"
	"runcoordinator/internal/queue"
	"runcoordinator/internal/store"
)

// RetryableError is returned by ExecuteDriver.Run and
// PreprocessDriver.Run when the caller should redeliver the message
// rather than treat it as handled (spec.md §4.F
// failExecutionWithRetry, §9 "Exceptions for control flow": "Only the
// 'throw to trigger queue retry' path uses exceptions; ... a typed
// 'retry' result from execute" for implementations without
// exceptions). The Redis consumer (queue.RedisClient.Subscribe) does
// not inspect the error type: it re-enqueues any message whose handler
// returns an error, this type included, unless the message has
// SkipRetrying set.
type RetryableError struct {
	Output json.RawMessage
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable execution failure: %v", e.Err)
	}
	return "retryable execution failure"
}

func (e *RetryableError) Unwrap() error { return e.Err }

// failExecutionWithRetry is the single path relying on typed-error
// propagation rather than a normal return through FailExecution
// (spec.md §4.F, §9).
func failExecutionWithRetry(output any, cause error) error {
	raw, _ := json.Marshal(output)
	return &RetryableError{Output: raw, Err: cause}
}

// FailurePolicy is Component F: failExecution, applied atomically
// (spec.md §4.F).
type FailurePolicy struct {
	Store store.Store
	Queue queue.Client
}

func NewFailurePolicy(st store.Store, q queue.Client) *FailurePolicy {
	return &FailurePolicy{Store: st, Queue: q}
}

// FailExecution implements spec.md §4.F's reason-keyed failure
// bookkeeping in one transaction.
func (p *FailurePolicy) FailExecution(ctx context.Context, runID int64, reason models.FailureReason, output []byte, status models.RunStatus, durationMs int64) error {
	switch reason {
	case models.ReasonExecuteJob:
		return p.failExecuteJob(ctx, runID, output, status, durationMs)
	case models.ReasonPreprocess:
		return p.failPreprocess(ctx, runID, output, status)
	default:
		return fmt.Errorf("unknown failure reason %q", reason)
	}
}

// failExecuteJob implements spec.md §4.F's EXECUTE_JOB branch:
// terminate the run, cancel/error its non-terminal tasks, clear
// force-yield, and enqueue subscription delivery. Task status closure
// is spec.md §8 invariant 4.
func (p *FailurePolicy) failExecuteJob(ctx context.Context, runID int64, output []byte, status models.RunStatus, durationMs int64) error {
	err := p.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CompleteRun(ctx, runID, status, output, durationMs); err != nil {
			return fmt.Errorf("complete run %d with %s: %w", runID, status, err)
		}
		if err := tx.CancelOrErrorNonTerminalTasks(ctx, runID, status == models.RunTimedOut); err != nil {
			return fmt.Errorf("cancel/error non-terminal tasks for run %d: %w", runID, err)
		}
		if err := tx.ClearForceYield(ctx, runID); err != nil {
			return fmt.Errorf("clear force yield for run %d: %w", runID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := p.Queue.DeliverRunSubscriptions(ctx, queue.DeliverRunSubscriptionsMessage{RunID: runID, ScheduledAt: time.Now()}); err != nil {
		return fmt.Errorf("enqueue deliverRunSubscriptions for run %d: %w", runID, err)
	}
	return nil
}

// failPreprocess implements spec.md §4.F's PREPROCESS branch. ABORTED
// terminates the run; any other status is a transient preprocess
// failure that restarts the run into EXECUTE_JOB rather than retrying
// the preprocess call itself (spec.md §4.B: "Preprocess never retries
// the endpoint").
func (p *FailurePolicy) failPreprocess(ctx context.Context, runID int64, output []byte, status models.RunStatus) error {
	if status == models.RunAborted {
		return p.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.CompleteRun(ctx, runID, status, output, 0); err != nil {
				return fmt.Errorf("abort run %d: %w", runID, err)
			}
			return nil
		})
	}

	if err := p.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.StartRun(ctx, runID, nil)
	}); err != nil {
		return fmt.Errorf("restart run %d after preprocess failure: %w", runID, err)
	}

	if err := p.Queue.EnqueueRunExecution(ctx, queue.RunExecutionMessage{
		RunID:       runID,
		Reason:      queue.ReasonExecuteJob,
		ScheduledAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("enqueue execute job for run %d after preprocess failure: %w", runID, err)
	}
	return nil
}
