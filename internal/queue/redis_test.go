package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcoordinator/internal/queue"
)

// testRedis provides connection details for the test Redis instance,
// same shape as the teacher's internal/queue/redis_test.go fixture.
var testRedis = struct {
	Addr     string
	Password string
	DB       int
}{
	Addr:     "localhost:6379",
	Password: "redis",
	DB:       1,
}

func cleanupRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     testRedis.Addr,
		Password: testRedis.Password,
		DB:       testRedis.DB,
	})
	ctx := context.Background()
	client.FlushDB(ctx)
	return client
}

func TestNewRedisClient(t *testing.T) {
	require.NoError(t, cleanupRedis(t).Close())

	t.Run("successful connection", func(t *testing.T) {
		client, err := queue.NewRedisClient(testRedis.Addr, testRedis.Password, testRedis.DB)
		require.NoError(t, err)
		require.NotNil(t, client)
		assert.NoError(t, client.Close())
	})

	t.Run("connection failure", func(t *testing.T) {
		client, err := queue.NewRedisClient("invalid:6379", "", 0)
		assert.Error(t, err)
		assert.Nil(t, client)
	})
}

func TestRedisClient_EnqueueRunExecution(t *testing.T) {
	raw := cleanupRedis(t)
	defer raw.Close()

	client, err := queue.NewRedisClient(testRedis.Addr, testRedis.Password, testRedis.DB)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	msg := queue.RunExecutionMessage{RunID: 1, Reason: queue.ReasonExecuteJob, ScheduledAt: time.Now()}
	require.NoError(t, client.EnqueueRunExecution(ctx, msg))

	length, err := raw.LLen(ctx, "runcoordinator:run_execution").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	result, err := raw.LPop(ctx, "runcoordinator:run_execution").Result()
	require.NoError(t, err)

	var decoded queue.RunExecutionMessage
	require.NoError(t, json.Unmarshal([]byte(result), &decoded))
	assert.Equal(t, msg.RunID, decoded.RunID)
	assert.Equal(t, msg.Reason, decoded.Reason)
}

func TestRedisClient_EnqueueRunExecution_CancelledContext(t *testing.T) {
	raw := cleanupRedis(t)
	defer raw.Close()

	client, err := queue.NewRedisClient(testRedis.Addr, testRedis.Password, testRedis.DB)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.EnqueueRunExecution(ctx, queue.RunExecutionMessage{RunID: 2})
	assert.Error(t, err)
}

func TestRedisClient_Subscribe(t *testing.T) {
	raw := cleanupRedis(t)
	defer raw.Close()

	client, err := queue.NewRedisClient(testRedis.Addr, testRedis.Password, testRedis.DB)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	msgs := []queue.RunExecutionMessage{
		{RunID: 1, Reason: queue.ReasonExecuteJob, ScheduledAt: time.Now()},
		{RunID: 2, Reason: queue.ReasonPreprocess, ScheduledAt: time.Now()},
	}

	var mu sync.Mutex
	var processed []queue.RunExecutionMessage
	var wg sync.WaitGroup
	wg.Add(len(msgs))

	subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	go func() {
		_ = client.Subscribe(subCtx, func(msg queue.RunExecutionMessage, driftInMs int64) error {
			mu.Lock()
			processed = append(processed, msg)
			mu.Unlock()
			wg.Done()
			return nil
		})
	}()

	time.Sleep(200 * time.Millisecond)
	for _, msg := range msgs {
		require.NoError(t, client.EnqueueRunExecution(ctx, msg))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages to be processed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, processed, 2)
	assert.Equal(t, int64(1), processed[0].RunID)
	assert.Equal(t, int64(2), processed[1].RunID)
}

func TestRedisClient_Close(t *testing.T) {
	require.NoError(t, cleanupRedis(t).Close())

	client, err := queue.NewRedisClient(testRedis.Addr, testRedis.Password, testRedis.DB)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	err = client.EnqueueRunExecution(context.Background(), queue.RunExecutionMessage{RunID: 999})
	assert.Error(t, err)
}
