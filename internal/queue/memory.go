package queue

import (
	"context"
	"sync"
)

// Memory is an in-process Client recording every enqueue, used by
// engine unit tests that assert on what got enqueued rather than on
// call counts — grounded on the teacher's MockQueueClient
// (testify/mock) pattern in internal/scheduler/setup_test.go, adapted
// here to a plain recording fake since assertions need the enqueued
// payloads themselves, not just Mock.Called() expectations.
type Memory struct {
	mu sync.Mutex

	RunExecutions []RunExecutionMessage
	Deliveries    []DeliverRunSubscriptionsMessage
	ResumeTasks   []ResumeTaskMessage
}

// NewMemory returns an empty Memory queue.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) EnqueueRunExecution(ctx context.Context, msg RunExecutionMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunExecutions = append(m.RunExecutions, msg)
	return nil
}

func (m *Memory) DeliverRunSubscriptions(ctx context.Context, msg DeliverRunSubscriptionsMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deliveries = append(m.Deliveries, msg)
	return nil
}

func (m *Memory) EnqueueResumeTask(ctx context.Context, msg ResumeTaskMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResumeTasks = append(m.ResumeTasks, msg)
	return nil
}

func (m *Memory) Close() error { return nil }
