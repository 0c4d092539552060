package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Queue names, one per outbound shape — grounded on the teacher's
// single TaskQueueName const, split three ways because spec.md §6
// names three outbound enqueues. Only runExecutionQueue (carrying both
// inbound-work-item reasons) is read back by Subscribe; the other two
// follow-up kinds never re-enter the run-execution path.
const (
	runExecutionQueue  = "runcoordinator:run_execution"
	subscriptionsQueue = "runcoordinator:deliver_subscriptions"
	resumeTaskQueue    = "runcoordinator:resume_task"
)

// RedisClient implements Client and Consumer over a single Redis list
// per queue, RPUSH/BLPOP FIFO — the same primitive the teacher uses for
// its one task queue.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis queue client and verifies
// connectivity before returning, same as the teacher's constructor.
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) EnqueueRunExecution(ctx context.Context, msg RunExecutionMessage) error {
	return push(ctx, r.client, runExecutionQueue, msg)
}

func (r *RedisClient) DeliverRunSubscriptions(ctx context.Context, msg DeliverRunSubscriptionsMessage) error {
	return push(ctx, r.client, subscriptionsQueue, msg)
}

// EnqueueResumeTask RPUSHes msg onto resumeTaskQueue immediately, with
// msg.RunAt carried in the payload. Delivery is not delayed until RunAt,
// and Subscribe does not read this queue. This keeps the teacher's
// RPUSH/BLPOP primitive rather than introducing a second queue
// technology.
func (r *RedisClient) EnqueueResumeTask(ctx context.Context, msg ResumeTaskMessage) error {
	return push(ctx, r.client, resumeTaskQueue, msg)
}

func push(ctx context.Context, client *redis.Client, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	return client.RPush(ctx, key, data).Err()
}

// Subscribe pulls run-execution messages off runExecutionQueue,
// computing driftInMs as delivered-at minus the message's ScheduledAt
// (spec.md §6).
func (r *RedisClient) Subscribe(ctx context.Context, handler func(RunExecutionMessage, int64) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := r.blpop(ctx)
		if err != nil {
			log.Error().Err(err).Msg("error fetching run execution message from queue")
			continue
		}
		if msg == nil {
			continue
		}

		drift := time.Since(msg.ScheduledAt).Milliseconds()
		if err := dispatch(handler, *msg, drift); err != nil {
			if msg.SkipRetrying {
				log.Error().Err(err).Int64("run_id", msg.RunID).Msg("error handling run execution message, not redelivering (skipRetrying)")
				continue
			}
			log.Error().Err(err).Int64("run_id", msg.RunID).Msg("error handling run execution message, redelivering")
			if perr := r.requeue(ctx, *msg); perr != nil {
				log.Error().Err(perr).Int64("run_id", msg.RunID).Msg("failed to redeliver run execution message")
			}
		}
	}
}

// requeue redelivers msg after a handler error. BLPOP already removed it
// from runExecutionQueue, so a dropped handler error would otherwise lose
// the message outright; spec.md §4.F/§7 requires queue-level retry for
// these failures (RetryableError is the typical cause).
func (r *RedisClient) requeue(ctx context.Context, msg RunExecutionMessage) error {
	msg.IsRetry = true
	return push(ctx, r.client, runExecutionQueue, msg)
}

func (r *RedisClient) blpop(ctx context.Context) (*RunExecutionMessage, error) {
	result, err := r.client.BLPop(ctx, time.Second, runExecutionQueue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from run execution queue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var msg RunExecutionMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal run execution message: %w", err)
	}
	return &msg, nil
}

func dispatch(handler func(RunExecutionMessage, int64) error, msg RunExecutionMessage, driftInMs int64) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Int64("run_id", msg.RunID).Msg("handler panicked")
			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()
	return handler(msg, driftInMs)
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
