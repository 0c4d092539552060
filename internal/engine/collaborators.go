package engine

import (
	"context"
	"encoding/json"
	"time"

	"runcoordinator/internal/models"
	"runcoordinator/internal/store"
)

// ConnectionResolver materialises connection auth for a run's declared
// integrations. This is the OAuth/credential resolver spec.md §1 names
// as an out-of-scope external collaborator ("the OAuth/credential
// resolver that materialises connection auth"); the Execute Driver
// depends only on this narrow interface so a real deployment can
// satisfy it without the coordinator needing to know anything about
// OAuth, token refresh, or credential storage (SPEC_FULL.md §5).
type ConnectionResolver interface {
	// Resolve returns a ConnectionAuth per run connection, keyed by
	// integrationKey (spec.md §4.C preflight: "Resolve run connections
	// (to {integrationKey -> ConnectionAuth})").
	Resolve(ctx context.Context, conns []models.RunConnection) (map[string]models.ConnectionAuth, error)
}

// StaticConnectionResolver is a documented stub: it returns the auth
// already attached to each RunConnection's DataReferenceID verbatim,
// without contacting any external credential store. It exists so the
// engine is independently testable; a production deployment replaces
// it with a resolver backed by the real OAuth/credential service.
type StaticConnectionResolver struct{}

func (StaticConnectionResolver) Resolve(_ context.Context, conns []models.RunConnection) (map[string]models.ConnectionAuth, error) {
	out := make(map[string]models.ConnectionAuth, len(conns))
	for _, c := range conns {
		out[c.IntegrationKey] = models.ConnectionAuth{
			Type:  c.IntegrationID,
			Token: c.DataReferenceID.String,
		}
	}
	return out, nil
}

// TaskCompletionInput is what AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK
// hands to the Task-Completion service (spec.md §4.C).
type TaskCompletionInput struct {
	TaskID     int64
	Properties json.RawMessage
	Output     json.RawMessage // nil unless the response carried a non-empty Output string
}

// TaskCompletionService completes a named task out-of-band. This is
// "the lower-level task-completion service invoked for
// auto-yield-with-completed-task" that spec.md §1 names as an
// out-of-scope external collaborator.
type TaskCompletionService interface {
	Complete(ctx context.Context, in TaskCompletionInput) error
}

// StoreTaskCompletionService is a documented stub that completes the
// task directly against the store rather than calling the real
// out-of-process completion service, so the engine has a usable
// default in tests and in deployments that haven't wired the real
// collaborator yet (SPEC_FULL.md §5).
type StoreTaskCompletionService struct {
	Store store.Store
}

func (s StoreTaskCompletionService) Complete(ctx context.Context, in TaskCompletionInput) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if len(in.Properties) > 0 {
			if err := tx.SetTaskOutputProperties(ctx, in.TaskID, in.Properties); err != nil {
				return err
			}
		}
		now := time.Now()
		return tx.SetTaskStatus(ctx, in.TaskID, models.TaskCompleted, &now, in.Output)
	})
}
