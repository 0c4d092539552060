package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"runcoordinator/internal/config"
	"runcoordinator/internal/endpointclient"
	"runcoordinator/internal/models"
	"runcoordinator/internal/queue"
	"runcoordinator/internal/store"
)

// classifyResponse implements spec.md §4.C's response classification:
// transport failure, HTTP status branching, and 2xx body validation,
// finally dispatching the ten-variant tagged union.
func (d *ExecuteDriver) classifyResponse(ctx context.Context, agg *models.RunAggregate, result *endpointclient.CallResult, startTaskCount int) error {
	if result.TransportErr != nil {
		return failExecutionWithRetry(map[string]string{"message": result.TransportErr.Error()}, result.TransportErr)
	}

	status := result.StatusCode
	if status < 200 || status >= 300 {
		return d.classifyNon2xx(ctx, agg, result, startTaskCount)
	}

	body, err := endpointclient.DecodeExecuteBody(result.RawBody)
	if err != nil {
		return d.failNonRetryableWithDuration(ctx, agg.Run.ID, fmt.Sprintf("execute response invalid: %v", err), result.DurationMs)
	}

	return d.dispatch(ctx, agg.Run.ID, body, result.DurationMs, false, agg.Environment.IsDevelopment())
}

func (d *ExecuteDriver) classifyNon2xx(ctx context.Context, agg *models.RunAggregate, result *endpointclient.CallResult, startTaskCount int) error {
	status := result.StatusCode

	if env, ok := endpointclient.DecodeErrorEnvelope(result.RawBody); ok {
		payload, _ := json.Marshal(env)
		if status >= 400 && status < 500 {
			return d.Failures.FailExecution(ctx, agg.Run.ID, models.ReasonExecuteJob, payload, models.RunFailure, result.DurationMs)
		}
		return failExecutionWithRetry(env, fmt.Errorf("endpoint returned status %d with error payload", status))
	}

	if status >= 400 && status < 500 && status != 408 {
		return d.failNonRetryableWithDuration(ctx, agg.Run.ID, fmt.Sprintf("endpoint returned status %d", status), result.DurationMs)
	}
	if result.IsTimeout {
		return d.timeoutResume(ctx, agg, result.DurationMs, startTaskCount)
	}
	return failExecutionWithRetry(map[string]string{"message": fmt.Sprintf("endpoint returned status %d", status)}, fmt.Errorf("status %d", status))
}

func (d *ExecuteDriver) failNonRetryableWithDuration(ctx context.Context, runID int64, message string, durationMs int64) error {
	output, _ := json.Marshal(map[string]string{"message": message})
	return d.Failures.FailExecution(ctx, runID, models.ReasonExecuteJob, output, models.RunFailure, durationMs)
}

// timeoutResume implements spec.md §4.C's "Timeout-resume path".
func (d *ExecuteDriver) timeoutResume(ctx context.Context, agg *models.RunAggregate, durationInMs int64, startTaskCount int) error {
	runID := agg.Run.ID
	limit := agg.Organization.MaximumExecutionTimePerRunMs

	if agg.Run.ExecutionDuration+durationInMs >= limit {
		msg := fmt.Sprintf("cumulative execution time would exceed organization limit of %dms", limit)
		output, _ := json.Marshal(map[string]string{"message": msg})
		return d.Failures.FailExecution(ctx, runID, models.ReasonExecuteJob, output, models.RunTimedOut, durationInMs)
	}

	var progressed bool
	err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		newCount, err := tx.TaskCount(ctx, runID)
		if err != nil {
			return fmt.Errorf("count tasks for run %d: %w", runID, err)
		}
		if newCount == startTaskCount {
			return nil
		}
		progressed = true

		if err := tx.AddExecutionDuration(ctx, runID, durationInMs); err != nil {
			return err
		}
		if err := tx.SetRunChunkExecutionLimit(ctx, agg.Endpoint.ID, clampChunkLimit(durationInMs)); err != nil {
			return err
		}
		return tx.ClearForceYield(ctx, runID)
	})
	if err != nil {
		return fmt.Errorf("timeout-resume bookkeeping for run %d: %w", runID, err)
	}

	if !progressed {
		msg := "run timed out: code outside a task"
		if latest, ok, lerr := d.latestTask(ctx, runID); lerr == nil && ok && latest.Status == models.TaskRunning {
			msg = fmt.Sprintf("run timed out: task %q is still running", latest.IdempotencyKey)
		}
		output, _ := json.Marshal(map[string]string{"message": msg})
		return d.Failures.FailExecution(ctx, runID, models.ReasonExecuteJob, output, models.RunTimedOut, durationInMs)
	}

	return d.enqueueExecute(ctx, runID, agg.Environment.IsDevelopment())
}

func (d *ExecuteDriver) latestTask(ctx context.Context, runID int64) (models.Task, bool, error) {
	var (
		task models.Task
		ok   bool
	)
	err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var terr error
		task, ok, terr = tx.LatestTask(ctx, runID)
		return terr
	})
	return task, ok, err
}

// dispatch implements spec.md §4.C's ten-variant dispatch (§9
// "Discriminated response"). isChild is true when body is one of
// RESUME_WITH_PARALLEL_TASK's childErrors, in which case
// durationInMs must be 0 and no executionCount bump is applied beyond
// the parent's own accounting (spec.md §4.C).
func (d *ExecuteDriver) dispatch(ctx context.Context, runID int64, body *endpointclient.ExecuteResponseBody, durationInMs int64, isChild bool, isDevEnvironment bool) error {
	switch body.Status {
	case endpointclient.StatusSuccess:
		if err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.CompleteRun(ctx, runID, models.RunSuccess, body.Output, durationInMs)
		}); err != nil {
			return fmt.Errorf("complete run %d with SUCCESS: %w", runID, err)
		}
		if err := d.Queue.DeliverRunSubscriptions(ctx, queue.DeliverRunSubscriptionsMessage{RunID: runID, ScheduledAt: time.Now()}); err != nil {
			return fmt.Errorf("enqueue deliverRunSubscriptions for run %d: %w", runID, err)
		}
		return nil

	case endpointclient.StatusError:
		if body.Task != nil {
			if err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
				now := time.Now()
				return tx.SetTaskStatus(ctx, body.Task.ID, models.TaskErrored, &now, body.Error)
			}); err != nil {
				return fmt.Errorf("mark task %d errored: %w", body.Task.ID, err)
			}
		}
		output := body.Error
		if len(output) == 0 {
			output, _ = json.Marshal(map[string]string{"message": "endpoint reported an error"})
		}
		return d.Failures.FailExecution(ctx, runID, models.ReasonExecuteJob, output, models.RunFailure, durationInMs)

	case endpointclient.StatusInvalidPayload:
		output, _ := json.Marshal(map[string]any{"issues": body.Issues})
		return d.Failures.FailExecution(ctx, runID, models.ReasonExecuteJob, output, models.RunInvalidPayload, durationInMs)

	case endpointclient.StatusUnresolvedAuthError:
		output, _ := json.Marshal(map[string]any{"issues": body.Issues})
		return d.Failures.FailExecution(ctx, runID, models.ReasonExecuteJob, output, models.RunUnresolvedAuth, durationInMs)

	case endpointclient.StatusCanceled:
		return nil

	case endpointclient.StatusResumeWithTask:
		return d.handleResumeWithTask(ctx, runID, body, durationInMs, isChild)

	case endpointclient.StatusRetryWithTask:
		return d.handleRetryWithTask(ctx, runID, body, durationInMs)

	case endpointclient.StatusYieldExecution:
		return d.handleYieldExecution(ctx, runID, body, durationInMs, isChild, isDevEnvironment)

	case endpointclient.StatusAutoYieldExecution:
		return d.handleAutoYield(ctx, runID, body, durationInMs, isChild, isDevEnvironment)

	case endpointclient.StatusAutoYieldExecutionWithCompleted:
		return d.handleAutoYieldWithCompletedTask(ctx, runID, body, durationInMs, isChild, isDevEnvironment)

	case endpointclient.StatusResumeWithParallelTask:
		return d.handleResumeWithParallelTask(ctx, runID, body, durationInMs, isDevEnvironment)

	default:
		return fmt.Errorf("unknown execute response status %q for run %d", body.Status, runID)
	}
}

func (d *ExecuteDriver) handleResumeWithTask(ctx context.Context, runID int64, body *endpointclient.ExecuteResponseBody, durationInMs int64, isChild bool) error {
	amount := 1
	if body.ExecutionCount != nil {
		amount = *body.ExecutionCount
	}

	err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AddExecutionDuration(ctx, runID, durationInMs); err != nil {
			return err
		}
		if !isChild && amount != 1 {
			if _, _, err := tx.IncrementExecutionCount(ctx, runID, amount-1); err != nil {
				return err
			}
		}
		if body.Task != nil && len(body.Task.OutputProperties) > 0 {
			if err := tx.SetTaskOutputProperties(ctx, body.Task.ID, body.Task.OutputProperties); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resume-with-task bookkeeping for run %d: %w", runID, err)
	}

	if body.Task != nil && body.Task.Operation == "" && body.Task.CallbackURL == "" {
		delayUntil := time.Now()
		if body.DelayUntil != nil {
			delayUntil = *body.DelayUntil
		}
		if err := d.Queue.EnqueueResumeTask(ctx, queue.ResumeTaskMessage{TaskID: body.Task.ID, RunAt: delayUntil, ScheduledAt: time.Now()}); err != nil {
			return fmt.Errorf("enqueue resume task for task %d: %w", body.Task.ID, err)
		}
	}
	return nil
}

func (d *ExecuteDriver) handleRetryWithTask(ctx context.Context, runID int64, body *endpointclient.ExecuteResponseBody, durationInMs int64) error {
	if body.Task == nil {
		return fmt.Errorf("RETRY_WITH_TASK response for run %d missing task", runID)
	}
	taskID := body.Task.ID
	retryAt := time.Now()
	if body.RetryAt != nil {
		retryAt = *body.RetryAt
	}
	errMsg := formattedError(body)

	err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		number := 1
		if prev, ok, err := tx.LatestPendingAttempt(ctx, taskID); err != nil {
			return err
		} else if ok {
			if err := tx.MarkAttemptErrored(ctx, prev.ID, errMsg); err != nil {
				return err
			}
			number = prev.Number + 1
		}
		if _, err := tx.CreateAttempt(ctx, taskID, number, retryAt); err != nil {
			return err
		}
		if err := tx.SetTaskStatus(ctx, taskID, models.TaskWaiting, nil, nil); err != nil {
			return err
		}
		return tx.AddExecutionDuration(ctx, runID, durationInMs)
	})
	if err != nil {
		return fmt.Errorf("retry-with-task bookkeeping for task %d: %w", taskID, err)
	}

	if err := d.Queue.EnqueueResumeTask(ctx, queue.ResumeTaskMessage{TaskID: taskID, RunAt: retryAt, ScheduledAt: time.Now()}); err != nil {
		return fmt.Errorf("enqueue resume task for task %d: %w", taskID, err)
	}
	return nil
}

func (d *ExecuteDriver) handleYieldExecution(ctx context.Context, runID int64, body *endpointclient.ExecuteResponseBody, durationInMs int64, isChild bool, isDevEnvironment bool) error {
	var ok bool
	err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var terr error
		_, ok, terr = tx.AppendYieldedExecution(ctx, runID, body.Key, config.MaxRunYieldedExecutions)
		if terr != nil {
			return terr
		}
		if !ok {
			return nil
		}
		if err := tx.AddExecutionDuration(ctx, runID, durationInMs); err != nil {
			return err
		}
		return tx.ClearForceYield(ctx, runID)
	})
	if err != nil {
		return fmt.Errorf("yield-execution bookkeeping for run %d: %w", runID, err)
	}

	if !ok {
		msg := fmt.Sprintf("run exceeded the maximum of %d yielded executions", config.MaxRunYieldedExecutions)
		output, _ := json.Marshal(map[string]string{"message": msg})
		return d.Failures.FailExecution(ctx, runID, models.ReasonExecuteJob, output, models.RunFailure, durationInMs)
	}

	if isChild {
		return nil
	}
	return d.enqueueExecute(ctx, runID, isDevEnvironment)
}

func (d *ExecuteDriver) handleAutoYield(ctx context.Context, runID int64, body *endpointclient.ExecuteResponseBody, durationInMs int64, isChild bool, isDevEnvironment bool) error {
	if err := d.autoYieldBookkeeping(ctx, runID, body, durationInMs); err != nil {
		return err
	}
	if isChild {
		return nil
	}
	return d.enqueueExecute(ctx, runID, isDevEnvironment)
}

func (d *ExecuteDriver) handleAutoYieldWithCompletedTask(ctx context.Context, runID int64, body *endpointclient.ExecuteResponseBody, durationInMs int64, isChild bool, isDevEnvironment bool) error {
	if err := d.autoYieldBookkeeping(ctx, runID, body, durationInMs); err != nil {
		return err
	}

	if body.Task != nil {
		var output json.RawMessage
		if body.Task.Output != "" {
			output = json.RawMessage(body.Task.Output)
		}
		if err := d.TaskCompletion.Complete(ctx, TaskCompletionInput{
			TaskID:     body.Task.ID,
			Properties: body.Task.Properties,
			Output:     output,
		}); err != nil {
			return fmt.Errorf("complete task %d via task-completion service: %w", body.Task.ID, err)
		}
	}

	if isChild {
		return nil
	}
	return d.enqueueExecute(ctx, runID, isDevEnvironment)
}

// autoYieldBookkeeping is the bookkeeping shared by AUTO_YIELD_EXECUTION
// and AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK (spec.md §4.C): no
// key-count ceiling (unlike YIELD_EXECUTION), plus an AutoYieldExecution
// record.
func (d *ExecuteDriver) autoYieldBookkeeping(ctx context.Context, runID int64, body *endpointclient.ExecuteResponseBody, durationInMs int64) error {
	err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AppendYieldedExecutionUnbounded(ctx, runID, body.Key); err != nil {
			return err
		}
		if err := tx.AddExecutionDuration(ctx, runID, durationInMs); err != nil {
			return err
		}
		if err := tx.ClearForceYield(ctx, runID); err != nil {
			return err
		}
		var limit int64
		if body.Limit != nil {
			limit = *body.Limit
		}
		var timeRemaining, timeElapsed int64
		if body.TimeRemaining != nil {
			timeRemaining = *body.TimeRemaining
		}
		if body.TimeElapsed != nil {
			timeElapsed = *body.TimeElapsed
		}
		return tx.CreateAutoYieldExecution(ctx, models.AutoYieldExecution{
			RunID:         runID,
			Location:      body.Location,
			TimeRemaining: timeRemaining,
			TimeElapsed:   timeElapsed,
			Limit:         limit,
		})
	})
	if err != nil {
		return fmt.Errorf("auto-yield bookkeeping for run %d: %w", runID, err)
	}
	return nil
}

func (d *ExecuteDriver) handleResumeWithParallelTask(ctx context.Context, runID int64, body *endpointclient.ExecuteResponseBody, durationInMs int64, isDevEnvironment bool) error {
	err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AddExecutionDuration(ctx, runID, durationInMs); err != nil {
			return err
		}
		if err := tx.ClearForceYield(ctx, runID); err != nil {
			return err
		}
		if body.Task != nil && len(body.Task.OutputProperties) > 0 {
			if err := tx.SetTaskOutputProperties(ctx, body.Task.ID, body.Task.OutputProperties); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resume-with-parallel-task bookkeeping for run %d: %w", runID, err)
	}

	// durationInMs=0 and no further executionCount bump for each child
	// so the parent update above remains the sole accounting event
	// (spec.md §4.C). The first terminal error among children wins and
	// short-circuits: once one child resolves the run, later children
	// must not be dispatched at all, let alone overwrite its outcome.
	for i := range body.ChildErrors {
		child := &body.ChildErrors[i]
		if err := d.dispatch(ctx, runID, child, 0, true, isDevEnvironment); err != nil {
			return err
		}
		if isTerminalChildStatus(child.Status) {
			break
		}
	}
	return nil
}

func isTerminalChildStatus(status endpointclient.ResponseStatus) bool {
	switch status {
	case endpointclient.StatusError, endpointclient.StatusInvalidPayload, endpointclient.StatusUnresolvedAuthError:
		return true
	default:
		return false
	}
}

// formattedError renders the error carried by a response body for
// attachment to a TaskAttempt (spec.md §4.C RETRY_WITH_TASK: "mark it
// ERRORED with the formatted error").
func formattedError(body *endpointclient.ExecuteResponseBody) string {
	if len(body.Error) > 0 {
		return string(body.Error)
	}
	if body.Task != nil && body.Task.Output != "" {
		return body.Task.Output
	}
	return "task retry requested"
}
