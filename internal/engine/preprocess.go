package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"runcoordinator/internal/endpointclient"
	"runcoordinator/internal/models"
	"runcoordinator/internal/queue"
	"runcoordinator/internal/store"
)

// PreprocessDriver is Component B (spec.md §4.B).
type PreprocessDriver struct {
	Loader   *Loader
	Store    store.Store
	Queue    queue.Client
	Client   *endpointclient.Client
	Failures *FailurePolicy
}

func NewPreprocessDriver(loader *Loader, st store.Store, q queue.Client, client *endpointclient.Client) *PreprocessDriver {
	return &PreprocessDriver{Loader: loader, Store: st, Queue: q, Client: client, Failures: NewFailurePolicy(st, q)}
}

// Run executes the PREPROCESS step for runID (spec.md §4.B). Returns
// nil if the run does not exist (spec.md §4.A: idempotent no-op).
func (d *PreprocessDriver) Run(ctx context.Context, runID int64) error {
	agg, err := d.Loader.Load(ctx, runID)
	if err != nil {
		return err
	}
	if agg == nil {
		return nil
	}

	body := endpointclient.PreprocessRequest{
		Event: agg.Event.Payload,
		Job: endpointclient.PreprocessJob{
			ID:      agg.Job.ID,
			Version: agg.JobVersion.Version,
		},
		Run: endpointclient.PreprocessRun{
			ID:     agg.Run.ID,
			IsTest: agg.Run.IsTest,
		},
	}

	result, err := d.Client.CallPreprocess(ctx, agg.Endpoint, body)
	if err != nil {
		return fmt.Errorf("call preprocess endpoint for run %d: %w", runID, err)
	}

	if result.TransportErr != nil {
		return d.fail(ctx, runID, fmt.Sprintf("preprocess call failed: %v", result.TransportErr))
	}
	if result.StatusCode < 200 || result.StatusCode >= 300 {
		return d.fail(ctx, runID, fmt.Sprintf("preprocess endpoint returned status %d", result.StatusCode))
	}

	resp, err := endpointclient.DecodePreprocessBody(result.RawBody)
	if err != nil {
		return d.fail(ctx, runID, fmt.Sprintf("preprocess response invalid: %v", err))
	}

	if resp.Abort {
		return d.Failures.FailExecution(ctx, runID, models.ReasonPreprocess, json.RawMessage(`{"message":"aborted by preprocess"}`), models.RunAborted, 0)
	}

	if err := d.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.StartRun(ctx, runID, resp.Properties)
	}); err != nil {
		return fmt.Errorf("start run %d: %w", runID, err)
	}

	// DEVELOPMENT environments skip retry enqueueing on the follow-up
	// EXECUTE_JOB (spec.md §4.B).
	if err := d.Queue.EnqueueRunExecution(ctx, queue.RunExecutionMessage{
		RunID:        runID,
		Reason:       queue.ReasonExecuteJob,
		SkipRetrying: agg.Environment.IsDevelopment(),
		ScheduledAt:  time.Now(),
	}); err != nil {
		return fmt.Errorf("enqueue execute job for run %d: %w", runID, err)
	}

	return nil
}

// fail passes a preprocess failure with status FAILURE and a
// descriptive message to FailExecution (spec.md §4.B), whose PREPROCESS
// branch restarts the run as STARTED and enqueues an EXECUTE_JOB; the
// preprocess call itself is not retried.
func (d *PreprocessDriver) fail(ctx context.Context, runID int64, message string) error {
	output, _ := json.Marshal(map[string]string{"message": message})
	return d.Failures.FailExecution(ctx, runID, models.ReasonPreprocess, output, models.RunFailure, 0)
}
