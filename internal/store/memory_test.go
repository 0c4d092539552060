package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcoordinator/internal/models"
	"runcoordinator/internal/store"
)

func fixedTime() time.Time { return time.Now().Add(time.Minute) }

func pastForTest() null.Time { return null.TimeFrom(time.Now().Add(-time.Minute)) }

func getTaskForTest(st store.Store, taskID int64) (models.Task, error) {
	var task models.Task
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var terr error
		task, terr = tx.GetTask(ctx, taskID)
		return terr
	})
	return task, err
}

func listDueForTest(st store.Store) ([]store.DueTask, error) {
	var due []store.DueTask
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var terr error
		due, terr = tx.ListDueWaitingTasks(ctx, time.Now())
		return terr
	})
	return due, err
}

func TestMemory_LoadRunAggregate_NonexistentRunReturnsNilNil(t *testing.T) {
	mem := store.NewMemory()
	agg, err := mem.LoadRunAggregate(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, agg)
}

func TestMemory_LoadRunAggregate_OnlyCompletedTasksAreProjected(t *testing.T) {
	mem := store.NewMemory()
	mem.PutRun(models.Run{ID: 1})
	mem.PutTask(models.Task{ID: 1, RunID: 1, Status: models.TaskCompleted})
	mem.PutTask(models.Task{ID: 2, RunID: 1, Status: models.TaskRunning})
	mem.PutTask(models.Task{ID: 3, RunID: 1, Status: models.TaskCompleted})

	agg, err := mem.LoadRunAggregate(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, agg.CompletedTasks, 2)
	assert.Equal(t, 3, agg.TaskCount, "taskCount counts tasks of any status")
}

func TestMemory_LoadRunAggregate_SubscriptionsFilteredToEndpointMethod(t *testing.T) {
	mem := store.NewMemory()
	mem.PutRun(models.Run{ID: 1})
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpsertSubscription(ctx, 1, "42", models.SubscriptionSuccess, models.SubscriptionMethodEndpoint, models.SubscriptionActive)
	}))

	agg, err := mem.LoadRunAggregate(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, agg.Subscriptions, 1)
	assert.Equal(t, "42", agg.Subscriptions[0].Recipient)
}

func TestMemory_UpsertSubscription_IsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	mem.PutRun(models.Run{ID: 1})

	upsert := func() error {
		return mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.UpsertSubscription(ctx, 1, "42", models.SubscriptionSuccess, models.SubscriptionMethodEndpoint, models.SubscriptionActive)
		})
	}
	require.NoError(t, upsert())
	require.NoError(t, upsert())

	agg, err := mem.LoadRunAggregate(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, agg.Subscriptions, 1, "a second upsert of the same (run, recipient, event) must not duplicate the row")
}

func TestMemory_AppendYieldedExecution_RejectsOverCeiling(t *testing.T) {
	mem := store.NewMemory()
	mem.PutRun(models.Run{ID: 1})

	var lastOK bool
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < 3; i++ {
			_, ok, err := tx.AppendYieldedExecution(ctx, 1, "k", 2)
			if err != nil {
				return err
			}
			lastOK = ok
		}
		return nil
	}))
	assert.False(t, lastOK, "the third append exceeds a ceiling of 2")

	agg, err := mem.LoadRunAggregate(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, agg.Run.YieldedExecutions, 2, "the rejected append must not grow the list")
}

func TestMemory_CreateAttempt_NumbersAreContiguousAcrossRetries(t *testing.T) {
	mem := store.NewMemory()
	mem.PutTask(models.Task{ID: 1, RunID: 1, Status: models.TaskRunning})

	var numbers []int
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for n := 1; n <= 3; n++ {
			a, err := tx.CreateAttempt(ctx, 1, n, fixedTime())
			if err != nil {
				return err
			}
			numbers = append(numbers, a.Number)
		}
		return nil
	}))
	assert.Equal(t, []int{1, 2, 3}, numbers)
}

func TestMemory_CancelOrErrorNonTerminalTasks_TimeoutCancelsOtherwiseErrors(t *testing.T) {
	mem := store.NewMemory()
	mem.PutTask(models.Task{ID: 1, RunID: 1, Status: models.TaskRunning})
	mem.PutTask(models.Task{ID: 2, RunID: 1, Status: models.TaskCompleted})

	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.CancelOrErrorNonTerminalTasks(ctx, 1, true)
	}))

	task1, err := getTaskForTest(mem, 1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCanceled, task1.Status)

	task2, err := getTaskForTest(mem, 2)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task2.Status, "terminal tasks are left untouched")
}

func TestMemory_ListDueWaitingTasks_OnlyWaitingWithPendingElapsedAttempt(t *testing.T) {
	mem := store.NewMemory()
	mem.PutTask(models.Task{ID: 1, RunID: 1, Status: models.TaskWaiting})
	mem.PutAttempt(models.TaskAttempt{ID: 1, TaskID: 1, Number: 1, Status: models.AttemptPending, RunAt: pastForTest()})

	due, err := listDueForTest(mem)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].TaskID)
}
