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
	"runcoordinator/internal/telemetry"
	"runcoordinator/internal/yield"
)

// ExecuteDriver is Component C: the core state machine that runs one
// EXECUTE_JOB chunk (spec.md §4.C).
type ExecuteDriver struct {
	Loader         *Loader
	Store          store.Store
	Queue          queue.Client
	Client         *endpointclient.Client
	Yield          *yield.Coordinator
	Failures       *FailurePolicy
	Connections    ConnectionResolver
	TaskCompletion TaskCompletionService
	Telemetry      telemetry.Sink
	Config         *config.RCConfig
}

// NewExecuteDriver wires Component C with its collaborators.
func NewExecuteDriver(loader *Loader, st store.Store, q queue.Client, client *endpointclient.Client, yc *yield.Coordinator, conns ConnectionResolver, taskCompletion TaskCompletionService, sink telemetry.Sink, cfg *config.RCConfig) *ExecuteDriver {
	return &ExecuteDriver{
		Loader:         loader,
		Store:          st,
		Queue:          q,
		Client:         client,
		Yield:          yc,
		Failures:       NewFailurePolicy(st, q),
		Connections:    conns,
		TaskCompletion: taskCompletion,
		Telemetry:      sink,
		Config:         cfg,
	}
}

// Run executes one EXECUTE_JOB chunk for runID (spec.md §4.C). driftInMs
// is the inbound work item's delivered-at minus scheduled-at.
// resumeTaskID is the deprecated legacy resume field, honoured only
// when Config.Engine.AcceptLegacyResumeTaskID is set (DESIGN.md Open
// Question 1). A *RetryableError return means the caller should
// redeliver the message rather than treat it as handled.
func (d *ExecuteDriver) Run(ctx context.Context, runID int64, driftInMs int64, resumeTaskID *int64) error {
	agg, err := d.Loader.Load(ctx, runID)
	if err != nil {
		return err
	}
	if agg == nil {
		return nil
	}

	// Preflight: terminal/cancelled runs are no-ops (spec.md §4.C,
	// §8 invariant 1).
	if agg.Run.Status.Terminal() {
		return nil
	}

	if d.Config != nil && d.Config.IsOrgBlocked(agg.Organization.Slug) {
		return d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.CancelRun(ctx, runID)
		})
	}

	if err := d.Yield.RegisterRun(runID); err != nil {
		return fmt.Errorf("register run %d with yield coordinator: %w", runID, err)
	}
	defer d.Yield.DeregisterRun(runID)

	if err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, _, err := tx.IncrementExecutionCount(ctx, runID, 1)
		return err
	}); err != nil {
		return fmt.Errorf("increment execution count for run %d: %w", runID, err)
	}

	connections, err := d.Connections.Resolve(ctx, agg.RunConnections)
	if err != nil {
		return d.failNonRetryable(ctx, runID, fmt.Sprintf("could not resolve run connections: %v", err))
	}

	var effectiveResumeTaskID *int64
	if d.Config != nil && d.Config.Engine.AcceptLegacyResumeTaskID {
		effectiveResumeTaskID = resumeTaskID
		if effectiveResumeTaskID == nil && agg.Run.ResumeTaskID.Valid {
			id := agg.Run.ResumeTaskID.Int64
			effectiveResumeTaskID = &id
		}
	}
	if effectiveResumeTaskID != nil {
		if err := d.transitionResumedTask(ctx, *effectiveResumeTaskID); err != nil {
			return fmt.Errorf("transition resumed task %d for run %d: %w", *effectiveResumeTaskID, runID, err)
		}
	}

	body, err := buildExecuteBody(agg, connections, agg.Run.ForceYieldImmediately)
	if err != nil {
		return fmt.Errorf("build execute body for run %d: %w", runID, err)
	}
	if effectiveResumeTaskID != nil {
		body.ResumeTaskID.SetValid(*effectiveResumeTaskID)
	}

	startTaskCount := agg.TaskCount
	chunkTimeoutMs := clampChunkLimit(agg.Endpoint.RunChunkExecutionLimitMs)

	d.Telemetry.Create(ctx, telemetry.ExecutionEvent{
		EventType:      telemetry.EventStart,
		EventTime:      time.Now(),
		DriftInMs:      driftInMs,
		OrganizationID: agg.Organization.ID,
		EnvironmentID:  agg.Environment.ID,
		ProjectID:      agg.Project.ID,
		JobID:          agg.Job.ID,
		RunID:          runID,
	})

	result, callErr := d.Client.CallExecute(ctx, agg.Endpoint, body, chunkTimeoutMs)

	d.Telemetry.Create(ctx, telemetry.ExecutionEvent{
		EventType:      telemetry.EventFinish,
		EventTime:      time.Now(),
		DriftInMs:      0,
		OrganizationID: agg.Organization.ID,
		EnvironmentID:  agg.Environment.ID,
		ProjectID:      agg.Project.ID,
		JobID:          agg.Job.ID,
		RunID:          runID,
	})

	if callErr != nil {
		return fmt.Errorf("call execute endpoint for run %d: %w", runID, callErr)
	}

	d.applyHeaderSideEffects(ctx, agg, result)

	return d.classifyResponse(ctx, agg, result, startTaskCount)
}

// transitionResumedTask applies spec.md §4.C's deprecated-resumeTaskId
// bookkeeping: noop tasks complete immediately, others move to RUNNING.
func (d *ExecuteDriver) transitionResumedTask(ctx context.Context, taskID int64) error {
	return d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Noop {
			now := time.Now()
			return tx.SetTaskStatus(ctx, taskID, models.TaskCompleted, &now, nil)
		}
		return tx.SetTaskStatus(ctx, taskID, models.TaskRunning, nil, nil)
	})
}

// failNonRetryable reports a non-retryable EXECUTE_JOB failure with
// status FAILURE and a descriptive message.
func (d *ExecuteDriver) failNonRetryable(ctx context.Context, runID int64, message string) error {
	output, _ := json.Marshal(map[string]string{"message": message})
	return d.Failures.FailExecution(ctx, runID, models.ReasonExecuteJob, output, models.RunFailure, 0)
}

// applyHeaderSideEffects updates the endpoint's opportunistically
// observed version and upserts subscription rows from
// x-trigger-run-metadata (spec.md §4.C "Header side-effects"). Errors
// here are discarded without logging — these are best-effort, non-fatal
// side channels, so a failure never fails the chunk.
func (d *ExecuteDriver) applyHeaderSideEffects(ctx context.Context, agg *models.RunAggregate, result *endpointclient.CallResult) {
	if result == nil {
		return
	}
	if result.TriggerVersion != "" && result.TriggerVersion != agg.Endpoint.Version {
		_ = d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.SetEndpointVersion(ctx, agg.Endpoint.ID, result.TriggerVersion)
		})
	}

	if result.RunMetadata == nil || agg.Run.IsInternal {
		return
	}
	recipient := fmt.Sprintf("%d", agg.Endpoint.ID)
	_ = d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if result.RunMetadata.SuccessSubscription {
			if err := tx.UpsertSubscription(ctx, agg.Run.ID, recipient, models.SubscriptionSuccess, models.SubscriptionMethodEndpoint, models.SubscriptionActive); err != nil {
				return err
			}
		}
		if result.RunMetadata.FailedSubscription {
			if err := tx.UpsertSubscription(ctx, agg.Run.ID, recipient, models.SubscriptionFailure, models.SubscriptionMethodEndpoint, models.SubscriptionActive); err != nil {
				return err
			}
		}
		return nil
	})
}

// enqueueExecute enqueues a follow-up EXECUTE_JOB, skipping retry
// enqueueing in DEVELOPMENT environments (spec.md §4.C).
func (d *ExecuteDriver) enqueueExecute(ctx context.Context, runID int64, isDevelopment bool) error {
	return d.Queue.EnqueueRunExecution(ctx, queue.RunExecutionMessage{
		RunID:        runID,
		Reason:       queue.ReasonExecuteJob,
		SkipRetrying: isDevelopment,
		ScheduledAt:  time.Now(),
	})
}
