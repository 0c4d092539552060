package engine_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcoordinator/internal/engine"
	"runcoordinator/internal/models"
	"runcoordinator/internal/queue"
	"runcoordinator/internal/store"
)

func newFailurePolicyFixture(t *testing.T) (*engine.FailurePolicy, *store.Memory, *queue.Memory) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutRun(models.Run{ID: 1, Status: models.RunStarted})
	q := queue.NewMemory()
	return engine.NewFailurePolicy(mem, q), mem, q
}

// TestFailExecution_ExecuteJob_ClosesNonTerminalTasksAsErrored covers
// spec.md §8 invariant 4: every task left WAITING/RUNNING/PENDING
// closes out when the run fails for a non-timeout reason.
func TestFailExecution_ExecuteJob_ClosesNonTerminalTasksAsErrored(t *testing.T) {
	p, mem, q := newFailurePolicyFixture(t)
	mem.PutTask(models.Task{ID: 1, RunID: 1, Status: models.TaskRunning})
	mem.PutTask(models.Task{ID: 2, RunID: 1, Status: models.TaskWaiting})
	mem.PutTask(models.Task{ID: 3, RunID: 1, Status: models.TaskCompleted})

	err := p.FailExecution(context.Background(), 1, models.ReasonExecuteJob, json.RawMessage(`{"message":"boom"}`), models.RunFailure, 500)
	require.NoError(t, err)

	agg, err := mem.LoadRunAggregate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailure, agg.Run.Status)
	assert.True(t, agg.Run.CompletedAt.Valid)
	assert.Equal(t, int64(500), agg.Run.ExecutionDuration)
	require.Len(t, q.Deliveries, 1)
	assert.Equal(t, int64(1), q.Deliveries[0].RunID)

	task1, err := fetchTask(mem, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskErrored, task1.Status)

	task2, err := fetchTask(mem, 2)
	require.NoError(t, err)
	assert.Equal(t, models.TaskErrored, task2.Status)

	task3, err := fetchTask(mem, 3)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task3.Status, "already-terminal tasks are left alone")
}

// TestFailExecution_ExecuteJob_TimeoutCancelsInsteadOfErrors covers the
// TIMED_OUT/CANCELED distinction in CancelOrErrorNonTerminalTasks.
func TestFailExecution_ExecuteJob_TimeoutCancelsInsteadOfErrors(t *testing.T) {
	p, mem, _ := newFailurePolicyFixture(t)
	mem.PutTask(models.Task{ID: 1, RunID: 1, Status: models.TaskRunning})

	err := p.FailExecution(context.Background(), 1, models.ReasonExecuteJob, nil, models.RunTimedOut, 900_000)
	require.NoError(t, err)

	task, err := fetchTask(mem, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCanceled, task.Status)
}

func TestFailExecution_ExecuteJob_ClearsForceYield(t *testing.T) {
	p, mem, _ := newFailurePolicyFixture(t)
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SetForceYieldImmediately(ctx, 1, true)
	}))

	require.NoError(t, p.FailExecution(context.Background(), 1, models.ReasonExecuteJob, nil, models.RunFailure, 0))

	agg, err := mem.LoadRunAggregate(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, agg.Run.ForceYieldImmediately)
}

func TestFailExecution_Preprocess_AbortedCompletesRun(t *testing.T) {
	p, mem, q := newFailurePolicyFixture(t)

	err := p.FailExecution(context.Background(), 1, models.ReasonPreprocess, json.RawMessage(`{"message":"aborted"}`), models.RunAborted, 0)
	require.NoError(t, err)

	agg, err := mem.LoadRunAggregate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunAborted, agg.Run.Status)
	assert.True(t, agg.Run.CompletedAt.Valid)
	assert.Empty(t, q.RunExecutions)
}

// TestFailExecution_Preprocess_NonAbortedRestartsRun is the literal
// spec.md §4.F text: a non-ABORTED preprocess failure restarts the run
// for another EXECUTE_JOB attempt rather than terminating it.
func TestFailExecution_Preprocess_NonAbortedRestartsRun(t *testing.T) {
	p, mem, q := newFailurePolicyFixture(t)

	err := p.FailExecution(context.Background(), 1, models.ReasonPreprocess, nil, models.RunFailure, 0)
	require.NoError(t, err)

	agg, err := mem.LoadRunAggregate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunStarted, agg.Run.Status)
	assert.False(t, agg.Run.CompletedAt.Valid, "restarted run must not be terminal")
	require.Len(t, q.RunExecutions, 1)
	assert.Equal(t, queue.ReasonExecuteJob, q.RunExecutions[0].Reason)
}

func TestFailExecution_UnknownReasonErrors(t *testing.T) {
	p, _, _ := newFailurePolicyFixture(t)
	err := p.FailExecution(context.Background(), 1, models.FailureReason("BOGUS"), nil, models.RunFailure, 0)
	assert.Error(t, err)
}
