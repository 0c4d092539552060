// Package queue is the durable, at-least-once job queue the engine
// enqueues follow-up work onto (spec.md §1, "the durable job queue
// used to re-enqueue executions and deliver subscription
// notifications", an out-of-scope external collaborator named by
// role). This package supplies the Redis-backed implementation the
// teacher already wired, generalised to the three outbound enqueue
// shapes spec.md §6 names, plus an in-memory fake for tests.
package queue

import (
	"context"
	"time"
)

// Reason is the inbound work item's reason field (spec.md §6,
// "Inbound work item").
type Reason string

const (
	ReasonPreprocess Reason = "PREPROCESS"
	ReasonExecuteJob Reason = "EXECUTE_JOB"
)

// RunExecutionMessage is the queue payload for enqueueRunExecution
// (spec.md §6). ResumeTaskID carries the deprecated legacy resume
// field through to the Execute Driver; see DESIGN.md Open Question
// 1. IsRetry reports whether this particular delivery is itself a
// redelivery of a previously failed message (spec.md §6, "Inbound
// work item"); SkipRetrying is the enqueue-time option named in
// spec.md §4.B/§4.C ("enqueue an EXECUTE_JOB re-execution (skipping
// retry enqueueing in DEVELOPMENT environments)") telling the queue
// not to redeliver this particular message on failure.
type RunExecutionMessage struct {
	RunID        int64     `json:"runId"`
	Reason       Reason    `json:"reason"`
	IsRetry      bool      `json:"isRetry"`
	SkipRetrying bool      `json:"skipRetrying"`
	ResumeTaskID *int64    `json:"resumeTaskId,omitempty"`
	ScheduledAt  time.Time `json:"scheduledAt"`
}

// DeliverRunSubscriptionsMessage is the queue payload for
// deliverRunSubscriptions (spec.md §6).
type DeliverRunSubscriptionsMessage struct {
	RunID       int64     `json:"id"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// ResumeTaskMessage is the queue payload for the ResumeTask follow-up
// (spec.md §6). RunAt is the time the task is due; RedisClient pushes
// the message immediately and does not hold it back until RunAt.
type ResumeTaskMessage struct {
	TaskID      int64     `json:"taskId"`
	RunAt       time.Time `json:"runAt"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// Client is the narrow outbound-enqueue surface the engine depends on.
// Each method corresponds to one of spec.md §6's three outbound queue
// enqueues.
type Client interface {
	EnqueueRunExecution(ctx context.Context, msg RunExecutionMessage) error
	DeliverRunSubscriptions(ctx context.Context, msg DeliverRunSubscriptionsMessage) error
	EnqueueResumeTask(ctx context.Context, msg ResumeTaskMessage) error
	Close() error
}

// Consumer is the inbound side a worker process pulls run-execution
// work items from (spec.md §6, "Inbound work item").
type Consumer interface {
	// Subscribe blocks, delivering messages to handler one at a time
	// until ctx is cancelled. driftInMs is measured by the caller as
	// delivered-at minus ScheduledAt (spec.md §6).
	Subscribe(ctx context.Context, handler func(msg RunExecutionMessage, driftInMs int64) error) error
}
