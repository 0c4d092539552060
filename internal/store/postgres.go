package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"runcoordinator/internal/models"
)

// Postgres queries, named the way the teacher names its handful of SQL
// strings in internal/database — one const per statement, no query
// builder.
const (
	qSelectRun = `SELECT id, status, started_at, completed_at, execution_count, execution_duration_ms,
		yielded_executions, output, properties, force_yield_immediately, resume_task_id,
		environment_id, endpoint_id, organization_id, project_id, external_account_id,
		event_id, version_id, is_test, is_internal FROM runs WHERE id = $1`
	qSelectEnvironment  = `SELECT id, slug, type, project_id, organization_id FROM environments WHERE id = $1`
	qSelectEndpoint     = `SELECT id, url, api_key, version, run_chunk_execution_limit_ms, supports_lazy_loaded_cached_tasks,
		auto_yield_start_ms, auto_yield_before_execute_ms, auto_yield_before_complete_ms, auto_yield_after_complete_ms
		FROM endpoints WHERE id = $1`
	qSelectOrganization = `SELECT id, slug, maximum_execution_time_per_run_ms FROM organizations WHERE id = $1`
	qSelectProject      = `SELECT id, slug, organization_id FROM projects WHERE id = $1`
	qSelectEvent        = `SELECT id, payload, source_context FROM events WHERE id = $1`
	qSelectJob          = `SELECT id, slug, organization_id FROM jobs WHERE id = $1`
	qSelectJobVersion   = `SELECT id, job_id, version FROM job_versions WHERE id = $1`
	qSelectRunConns     = `SELECT id, run_id, integration_key, integration_id, connection_id, data_reference_id
		FROM run_connections WHERE run_id = $1`
	qSelectCompletedTasks = `SELECT id, run_id, idempotency_key, status, noop, output, output_is_undefined,
		output_properties, parent_id, created_at, completed_at FROM tasks
		WHERE run_id = $1 AND status = 'COMPLETED' ORDER BY id ASC`
	qSelectSubscriptions = `SELECT id, run_id, recipient, event, method, status FROM job_run_subscriptions
		WHERE run_id = $1 AND method = 'ENDPOINT'`
	qCountTasks = `SELECT count(*) FROM tasks WHERE run_id = $1`

	qIncrementExecutionCount = `WITH prev AS (SELECT status AS prev_status FROM runs WHERE id = $1 FOR UPDATE)
		UPDATE runs SET execution_count = execution_count + $2,
		status = CASE WHEN status = 'QUEUED' THEN 'STARTED' ELSE status END,
		started_at = CASE WHEN started_at IS NULL THEN now() ELSE started_at END
		FROM prev WHERE runs.id = $1 RETURNING execution_count, prev.prev_status = 'QUEUED'`
	qStartRun = `UPDATE runs SET status = 'STARTED',
		started_at = CASE WHEN started_at IS NULL THEN now() ELSE started_at END,
		force_yield_immediately = false,
		properties = CASE WHEN $2::jsonb IS NOT NULL THEN $2::jsonb ELSE properties END
		WHERE id = $1`
	qCancelRun = `UPDATE runs SET status = 'CANCELED', completed_at = now() WHERE id = $1`
	qCompleteRun = `UPDATE runs SET status = $2, output = $3, completed_at = now(),
		execution_duration_ms = execution_duration_ms + $4 WHERE id = $1 AND completed_at IS NULL`
	qAddExecutionDuration = `UPDATE runs SET execution_duration_ms = execution_duration_ms + $2 WHERE id = $1`
	qClearForceYield      = `UPDATE runs SET force_yield_immediately = false WHERE id = $1`
	qSetForceYield        = `UPDATE runs SET force_yield_immediately = $2 WHERE id = $1`
	qSelectYielded        = `SELECT yielded_executions FROM runs WHERE id = $1 FOR UPDATE`
	qUpdateYielded        = `UPDATE runs SET yielded_executions = $2 WHERE id = $1`
	qSetEndpointVersion   = `UPDATE endpoints SET version = $2 WHERE id = $1 AND version IS DISTINCT FROM $2`
	qSetChunkLimit        = `UPDATE endpoints SET run_chunk_execution_limit_ms = $2 WHERE id = $1`

	qUpsertSubscription = `INSERT INTO job_run_subscriptions (run_id, recipient, event, method, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id, recipient, event) DO NOTHING`

	qSelectTask = `SELECT id, run_id, idempotency_key, status, noop, output, output_is_undefined,
		output_properties, parent_id, created_at, completed_at FROM tasks WHERE id = $1`
	qUpdateTaskStatus  = `UPDATE tasks SET status = $2, completed_at = COALESCE($3, completed_at), output = COALESCE($4, output) WHERE id = $1`
	qUpdateTaskOutProp = `UPDATE tasks SET output_properties = $2 WHERE id = $1`
	qLatestTask        = `SELECT id, run_id, idempotency_key, status, noop, output, output_is_undefined,
		output_properties, parent_id, created_at, completed_at FROM tasks
		WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`
	qCancelOrErrorTasks = `UPDATE tasks SET status = $2, completed_at = now()
		WHERE run_id = $1 AND status IN ('PENDING', 'WAITING', 'RUNNING')`

	qLatestPendingAttempt = `SELECT id, task_id, number, status, run_at, error FROM task_attempts
		WHERE task_id = $1 AND status = 'PENDING' ORDER BY number DESC LIMIT 1`
	qMarkAttemptErrored = `UPDATE task_attempts SET status = 'ERRORED', error = $2 WHERE id = $1`
	qInsertAttempt      = `INSERT INTO task_attempts (task_id, number, status, run_at) VALUES ($1, $2, 'PENDING', $3) RETURNING id`

	qInsertAutoYield = `INSERT INTO auto_yield_executions (run_id, location, time_remaining_ms, time_elapsed_ms, limit_ms)
		VALUES ($1, $2, $3, $4, $5)`

	qListDueWaitingTasks = `SELECT DISTINCT ON (t.id) t.id AS task_id, t.run_id, a.run_at
		FROM tasks t
		JOIN task_attempts a ON a.task_id = t.id AND a.status = 'PENDING'
		WHERE t.status = 'WAITING' AND a.run_at <= $1
		ORDER BY t.id, a.number DESC`
)

// pgStore is the Postgres-backed Store, grounded on teacher
// internal/database/database.go (sqlx.Connect over the pgx stdlib
// driver) for the connection, and square-spincycle
// request-manager/request/db.go for the named-const-query style.
type pgStore struct {
	db *sqlx.DB
}

// NewPostgres wraps an already-connected *sqlx.DB (teacher
// database.New) as a Store.
func NewPostgres(db *sqlx.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) LoadRunAggregate(ctx context.Context, runID int64) (*models.RunAggregate, error) {
	var agg models.RunAggregate

	var yieldedJSON []byte
	row := s.db.QueryRowxContext(ctx, qSelectRun, runID)
	if err := scanRun(row, &agg.Run, &yieldedJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load run %d: %w", runID, err)
	}
	if len(yieldedJSON) > 0 {
		if err := json.Unmarshal(yieldedJSON, &agg.Run.YieldedExecutions); err != nil {
			return nil, fmt.Errorf("decode yielded_executions for run %d: %w", runID, err)
		}
	}

	if err := s.db.GetContext(ctx, &agg.Environment, qSelectEnvironment, agg.Run.EnvironmentID); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := s.loadEndpoint(ctx, agg.Run.EndpointID, &agg.Endpoint); err != nil {
		return nil, err
	}
	if err := s.db.GetContext(ctx, &agg.Organization, qSelectOrganization, agg.Run.OrganizationID); err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if err := s.db.GetContext(ctx, &agg.Project, qSelectProject, agg.Run.ProjectID); err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if err := s.db.GetContext(ctx, &agg.Event, qSelectEvent, agg.Run.EventID); err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if err := s.db.GetContext(ctx, &agg.JobVersion, qSelectJobVersion, agg.Run.VersionID); err != nil {
		return nil, fmt.Errorf("load job version: %w", err)
	}
	if err := s.db.GetContext(ctx, &agg.Job, qSelectJob, agg.JobVersion.JobID); err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if err := s.db.SelectContext(ctx, &agg.RunConnections, qSelectRunConns, runID); err != nil {
		return nil, fmt.Errorf("load run connections: %w", err)
	}
	if err := s.db.SelectContext(ctx, &agg.CompletedTasks, qSelectCompletedTasks, runID); err != nil {
		return nil, fmt.Errorf("load completed tasks: %w", err)
	}
	if err := s.db.GetContext(ctx, &agg.TaskCount, qCountTasks, runID); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if err := s.db.SelectContext(ctx, &agg.Subscriptions, qSelectSubscriptions, runID); err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}

	return &agg, nil
}

func (s *pgStore) loadEndpoint(ctx context.Context, id int64, e *models.Endpoint) error {
	var ay models.AutoYieldConfig
	row := s.db.QueryRowxContext(ctx, qSelectEndpoint, id)
	if err := row.Scan(&e.ID, &e.URL, &e.APIKey, &e.Version, &e.RunChunkExecutionLimitMs,
		&e.SupportsLazyLoadedCachedTasks, &ay.StartMs, &ay.BeforeExecuteMs, &ay.BeforeCompleteMs, &ay.AfterCompleteMs); err != nil {
		return fmt.Errorf("load endpoint %d: %w", id, err)
	}
	e.AutoYieldConfig = ay
	return nil
}

// scanRun scans qSelectRun's row into run plus the raw
// yielded_executions json, mirroring the db:"-" split in models.Run.
func scanRun(row *sqlx.Row, run *models.Run, yieldedJSON *[]byte) error {
	return row.Scan(&run.ID, &run.Status, &run.StartedAt, &run.CompletedAt, &run.ExecutionCount,
		&run.ExecutionDuration, yieldedJSON, &run.Output, &run.Properties, &run.ForceYieldImmediately,
		&run.ResumeTaskID, &run.EnvironmentID, &run.EndpointID, &run.OrganizationID, &run.ProjectID,
		&run.ExternalAccountID, &run.EventID, &run.VersionID, &run.IsTest, &run.IsInternal)
}

func (s *pgStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			log.Error().Err(err).Err(rbErr).Msg("failed to roll back transaction after error")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("could not rollback after failed commit")
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) IncrementExecutionCount(ctx context.Context, runID int64, delta int) (int, bool, error) {
	var newCount int
	var wasQueued bool
	row := t.tx.QueryRowxContext(ctx, qIncrementExecutionCount, runID, delta)
	if err := row.Scan(&newCount, &wasQueued); err != nil {
		return 0, false, fmt.Errorf("increment execution count for run %d: %w", runID, err)
	}
	return newCount, wasQueued, nil
}

func (t *pgTx) StartRun(ctx context.Context, runID int64, properties []byte) error {
	var propsArg any
	if len(properties) > 0 {
		propsArg = properties
	}
	_, err := t.tx.ExecContext(ctx, qStartRun, runID, propsArg)
	return err
}

func (t *pgTx) CancelRun(ctx context.Context, runID int64) error {
	_, err := t.tx.ExecContext(ctx, qCancelRun, runID)
	return err
}

func (t *pgTx) CompleteRun(ctx context.Context, runID int64, status models.RunStatus, output []byte, durationMs int64) error {
	_, err := t.tx.ExecContext(ctx, qCompleteRun, runID, status, output, durationMs)
	return err
}

func (t *pgTx) AddExecutionDuration(ctx context.Context, runID int64, durationMs int64) error {
	_, err := t.tx.ExecContext(ctx, qAddExecutionDuration, runID, durationMs)
	return err
}

func (t *pgTx) ClearForceYield(ctx context.Context, runID int64) error {
	_, err := t.tx.ExecContext(ctx, qClearForceYield, runID)
	return err
}

func (t *pgTx) SetForceYieldImmediately(ctx context.Context, runID int64, value bool) error {
	_, err := t.tx.ExecContext(ctx, qSetForceYield, runID, value)
	return err
}

func (t *pgTx) AppendYieldedExecution(ctx context.Context, runID int64, key string, maxLen int) (int, bool, error) {
	keys, err := t.lockedYielded(ctx, runID)
	if err != nil {
		return 0, false, err
	}
	if len(keys)+1 > maxLen {
		return len(keys), false, nil
	}
	keys = append(keys, key)
	if err := t.writeYielded(ctx, runID, keys); err != nil {
		return 0, false, err
	}
	return len(keys), true, nil
}

func (t *pgTx) AppendYieldedExecutionUnbounded(ctx context.Context, runID int64, key string) error {
	keys, err := t.lockedYielded(ctx, runID)
	if err != nil {
		return err
	}
	keys = append(keys, key)
	return t.writeYielded(ctx, runID, keys)
}

func (t *pgTx) lockedYielded(ctx context.Context, runID int64) ([]string, error) {
	var raw []byte
	if err := t.tx.QueryRowxContext(ctx, qSelectYielded, runID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("lock yielded_executions for run %d: %w", runID, err)
	}
	var keys []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, fmt.Errorf("decode yielded_executions: %w", err)
		}
	}
	return keys, nil
}

func (t *pgTx) writeYielded(ctx context.Context, runID int64, keys []string) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, qUpdateYielded, runID, raw)
	return err
}

func (t *pgTx) SetEndpointVersion(ctx context.Context, endpointID int64, headerVersion string) error {
	_, err := t.tx.ExecContext(ctx, qSetEndpointVersion, endpointID, headerVersion)
	return err
}

func (t *pgTx) SetRunChunkExecutionLimit(ctx context.Context, endpointID int64, limitMs int64) error {
	_, err := t.tx.ExecContext(ctx, qSetChunkLimit, endpointID, limitMs)
	return err
}

func (t *pgTx) UpsertSubscription(ctx context.Context, runID int64, recipient string, event models.SubscriptionEvent, method models.SubscriptionMethod, status models.SubscriptionStatus) error {
	_, err := t.tx.ExecContext(ctx, qUpsertSubscription, runID, recipient, event, method, status)
	return err
}

func (t *pgTx) GetTask(ctx context.Context, taskID int64) (models.Task, error) {
	var task models.Task
	if err := sqlx.GetContext(ctx, t.tx, &task, qSelectTask, taskID); err != nil {
		return models.Task{}, fmt.Errorf("load task %d: %w", taskID, err)
	}
	return task, nil
}

func (t *pgTx) SetTaskStatus(ctx context.Context, taskID int64, status models.TaskStatus, completedAt *time.Time, output []byte) error {
	var outArg any
	if len(output) > 0 {
		outArg = output
	}
	_, err := t.tx.ExecContext(ctx, qUpdateTaskStatus, taskID, status, completedAt, outArg)
	return err
}

func (t *pgTx) SetTaskOutputProperties(ctx context.Context, taskID int64, outputProperties []byte) error {
	_, err := t.tx.ExecContext(ctx, qUpdateTaskOutProp, taskID, outputProperties)
	return err
}

func (t *pgTx) LatestTask(ctx context.Context, runID int64) (models.Task, bool, error) {
	var task models.Task
	err := sqlx.GetContext(ctx, t.tx, &task, qLatestTask, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, false, nil
	}
	if err != nil {
		return models.Task{}, false, fmt.Errorf("load latest task for run %d: %w", runID, err)
	}
	return task, true, nil
}

func (t *pgTx) TaskCount(ctx context.Context, runID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, t.tx, &n, qCountTasks, runID)
	return n, err
}

func (t *pgTx) CancelOrErrorNonTerminalTasks(ctx context.Context, runID int64, timedOut bool) error {
	target := models.TaskErrored
	if timedOut {
		target = models.TaskCanceled
	}
	_, err := t.tx.ExecContext(ctx, qCancelOrErrorTasks, runID, target)
	return err
}

func (t *pgTx) LatestPendingAttempt(ctx context.Context, taskID int64) (models.TaskAttempt, bool, error) {
	var a models.TaskAttempt
	err := sqlx.GetContext(ctx, t.tx, &a, qLatestPendingAttempt, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TaskAttempt{}, false, nil
	}
	if err != nil {
		return models.TaskAttempt{}, false, fmt.Errorf("load latest pending attempt for task %d: %w", taskID, err)
	}
	return a, true, nil
}

func (t *pgTx) MarkAttemptErrored(ctx context.Context, attemptID int64, errMsg string) error {
	_, err := t.tx.ExecContext(ctx, qMarkAttemptErrored, attemptID, errMsg)
	return err
}

func (t *pgTx) CreateAttempt(ctx context.Context, taskID int64, number int, runAt time.Time) (models.TaskAttempt, error) {
	var id int64
	if err := t.tx.QueryRowxContext(ctx, qInsertAttempt, taskID, number, runAt).Scan(&id); err != nil {
		return models.TaskAttempt{}, fmt.Errorf("insert attempt for task %d: %w", taskID, err)
	}
	return models.TaskAttempt{ID: id, TaskID: taskID, Number: number, Status: models.AttemptPending}, nil
}

func (t *pgTx) CreateAutoYieldExecution(ctx context.Context, a models.AutoYieldExecution) error {
	_, err := t.tx.ExecContext(ctx, qInsertAutoYield, a.RunID, a.Location, a.TimeRemaining, a.TimeElapsed, a.Limit)
	return err
}

func (t *pgTx) ListDueWaitingTasks(ctx context.Context, before time.Time) ([]DueTask, error) {
	var due []DueTask
	if err := sqlx.SelectContext(ctx, t.tx, &due, qListDueWaitingTasks, before); err != nil {
		return nil, fmt.Errorf("list due waiting tasks: %w", err)
	}
	return due, nil
}
