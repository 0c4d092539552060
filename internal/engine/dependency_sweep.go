package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"runcoordinator/internal/queue"
	"runcoordinator/internal/store"
)

// DependencySweeper is the supplemented Dependency Resume Sweep
// (SPEC_FULL.md §4): a periodic safety net that re-enqueues
// ResumeTask for any WAITING task with a PENDING TaskAttempt whose
// runAt has passed, in case the direct enqueue from RETRY_WITH_TASK's
// handling was lost to a crashed worker. Grounded on teacher
// internal/scheduler.DependencyProbe, retargeted from job-schedule
// dependencies to task-attempt dependencies and driven by
// robfig/cron/v3 instead of a bare ticker.
type DependencySweeper struct {
	Store store.Store
	Queue queue.Client

	cron      *cron.Cron
	isRunning bool
}

// NewDependencySweeper wires a sweeper that polls every intervalSeconds.
func NewDependencySweeper(st store.Store, q queue.Client, intervalSeconds int) *DependencySweeper {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	s := &DependencySweeper{
		Store: st,
		Queue: q,
		cron:  cron.New(cron.WithLocation(time.UTC)),
	}
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", intervalSeconds), func() {
		if sweepErr := s.Sweep(context.Background()); sweepErr != nil {
			log.Error().Err(sweepErr).Msg("dependency resume sweep failed")
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to schedule dependency resume sweep")
	}
	return s
}

// Start begins the periodic sweep. It is idempotent, matching
// DependencyProbe.Start's isRunning guard.
func (s *DependencySweeper) Start() {
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.cron.Start()
}

// Stop halts the periodic sweep.
func (s *DependencySweeper) Stop() {
	if !s.isRunning {
		return
	}
	<-s.cron.Stop().Done()
	s.isRunning = false
}

// Sweep runs one pass: list every WAITING task with a PENDING attempt
// whose runAt has elapsed, and enqueue a ResumeTask for each (SPEC_FULL.md
// §4). Individual enqueue failures are logged and do not abort the
// sweep — the next tick will find the same task again.
func (s *DependencySweeper) Sweep(ctx context.Context) error {
	now := time.Now()
	var due []store.DueTask
	err := s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var terr error
		due, terr = tx.ListDueWaitingTasks(ctx, now)
		return terr
	})
	if err != nil {
		return fmt.Errorf("list due waiting tasks: %w", err)
	}

	for _, task := range due {
		if err := s.Queue.EnqueueResumeTask(ctx, queue.ResumeTaskMessage{
			TaskID:      task.TaskID,
			RunAt:       task.RunAt,
			ScheduledAt: now,
		}); err != nil {
			log.Error().Err(err).Int64("task_id", task.TaskID).Int64("run_id", task.RunID).
				Msg("failed to enqueue dependency resume task")
		}
	}
	return nil
}
