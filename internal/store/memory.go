package store

import (
	"context"
	"sync"
	"time"

	"runcoordinator/internal/models"
)

// Memory is an in-process Store used by engine unit tests, grounded on
// square-spincycle job-runner/db/memory.go (a single mutex-guarded map
// standing in for the real database). Unlike that generic
// map[string]map[string]interface{} store, Memory is typed directly
// over the coordinator's domain, since every caller needs strongly
// typed rows rather than interface{} round-tripping.
type Memory struct {
	mu sync.Mutex

	runs          map[int64]*models.Run
	environments  map[int64]models.Environment
	endpoints     map[int64]*models.Endpoint
	organizations map[int64]models.Organization
	projects      map[int64]models.Project
	events        map[int64]models.Event
	jobs          map[int64]models.Job
	jobVersions   map[int64]models.JobVersion
	runConns      map[int64][]models.RunConnection
	tasks         map[int64]*models.Task
	tasksByRun    map[int64][]int64 // runID -> task ids, insertion order
	attempts      map[int64]*models.TaskAttempt
	attemptsByTask map[int64][]int64
	subscriptions []*models.JobRunSubscription
	autoYields    []models.AutoYieldExecution

	nextAttemptID int64
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:           make(map[int64]*models.Run),
		environments:   make(map[int64]models.Environment),
		endpoints:      make(map[int64]*models.Endpoint),
		organizations:  make(map[int64]models.Organization),
		projects:       make(map[int64]models.Project),
		events:         make(map[int64]models.Event),
		jobs:           make(map[int64]models.Job),
		jobVersions:    make(map[int64]models.JobVersion),
		runConns:       make(map[int64][]models.RunConnection),
		tasks:          make(map[int64]*models.Task),
		tasksByRun:     make(map[int64][]int64),
		attempts:       make(map[int64]*models.TaskAttempt),
		attemptsByTask: make(map[int64][]int64),
	}
}

// -- seeding helpers used by tests to build a fixture --

func (m *Memory) PutRun(r models.Run) { m.mu.Lock(); defer m.mu.Unlock(); cp := r; m.runs[r.ID] = &cp }
func (m *Memory) PutEnvironment(e models.Environment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.environments[e.ID] = e
}
func (m *Memory) PutEndpoint(e models.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	m.endpoints[e.ID] = &cp
}
func (m *Memory) PutOrganization(o models.Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.organizations[o.ID] = o
}
func (m *Memory) PutProject(p models.Project) { m.mu.Lock(); defer m.mu.Unlock(); m.projects[p.ID] = p }
func (m *Memory) PutEvent(e models.Event)     { m.mu.Lock(); defer m.mu.Unlock(); m.events[e.ID] = e }
func (m *Memory) PutJob(j models.Job)         { m.mu.Lock(); defer m.mu.Unlock(); m.jobs[j.ID] = j }
func (m *Memory) PutJobVersion(v models.JobVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobVersions[v.ID] = v
}
func (m *Memory) PutRunConnection(c models.RunConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runConns[c.RunID] = append(m.runConns[c.RunID], c)
}
func (m *Memory) PutTask(t models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.tasks[t.ID] = &cp
	m.tasksByRun[t.RunID] = append(m.tasksByRun[t.RunID], t.ID)
}
func (m *Memory) PutAttempt(a models.TaskAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.attempts[a.ID] = &cp
	m.attemptsByTask[a.TaskID] = append(m.attemptsByTask[a.TaskID], a.ID)
	if a.ID >= m.nextAttemptID {
		m.nextAttemptID = a.ID + 1
	}
}

// AutoYields returns a copy of the recorded auto-yield rows, for test
// assertions.
func (m *Memory) AutoYields() []models.AutoYieldExecution {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AutoYieldExecution, len(m.autoYields))
	copy(out, m.autoYields)
	return out
}

// Subscriptions returns a copy of the recorded subscription rows, for
// test assertions.
func (m *Memory) Subscriptions() []models.JobRunSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobRunSubscription, len(m.subscriptions))
	for i, s := range m.subscriptions {
		out[i] = *s
	}
	return out
}

func (m *Memory) LoadRunAggregate(ctx context.Context, runID int64) (*models.RunAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}

	agg := &models.RunAggregate{
		Run:          *run,
		Environment:  m.environments[run.EnvironmentID],
		Organization: m.organizations[run.OrganizationID],
		Project:      m.projects[run.ProjectID],
		Event:        m.events[run.EventID],
		JobVersion:   m.jobVersions[run.VersionID],
	}
	if ep, ok := m.endpoints[run.EndpointID]; ok {
		agg.Endpoint = *ep
	}
	agg.Job = m.jobs[agg.JobVersion.JobID]
	agg.RunConnections = append([]models.RunConnection(nil), m.runConns[runID]...)

	for _, id := range m.tasksByRun[runID] {
		if t := m.tasks[id]; t != nil && t.Status == models.TaskCompleted {
			agg.CompletedTasks = append(agg.CompletedTasks, *t)
		}
	}
	agg.TaskCount = len(m.tasksByRun[runID])

	for _, s := range m.subscriptions {
		if s.RunID == runID && s.Method == models.SubscriptionMethodEndpoint {
			agg.Subscriptions = append(agg.Subscriptions, *s)
		}
	}

	return agg, nil
}

// WithTx runs fn against this same Memory under its mutex — Memory has
// no real transactional isolation, but holding the lock for the whole
// callback gives engine tests the same atomicity-from-the-caller's-view
// guarantee the Postgres store provides.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &memTx{m: m})
}

type memTx struct{ m *Memory }

func (t *memTx) run(id int64) (*models.Run, error) {
	r, ok := t.m.runs[id]
	if !ok {
		return nil, ErrNotFound{What: "run"}
	}
	return r, nil
}

func (t *memTx) IncrementExecutionCount(ctx context.Context, runID int64, delta int) (int, bool, error) {
	r, err := t.run(runID)
	if err != nil {
		return 0, false, err
	}
	wasQueued := r.Status == models.RunQueued
	r.ExecutionCount += delta
	if wasQueued {
		r.Status = models.RunStarted
		if !r.StartedAt.Valid {
			now := time.Now()
			r.StartedAt.SetValid(now)
		}
	}
	return r.ExecutionCount, wasQueued, nil
}

func (t *memTx) StartRun(ctx context.Context, runID int64, properties []byte) error {
	r, err := t.run(runID)
	if err != nil {
		return err
	}
	r.Status = models.RunStarted
	if !r.StartedAt.Valid {
		r.StartedAt.SetValid(time.Now())
	}
	r.ForceYieldImmediately = false
	if len(properties) > 0 {
		r.Properties = properties
	}
	return nil
}

func (t *memTx) CancelRun(ctx context.Context, runID int64) error {
	r, err := t.run(runID)
	if err != nil {
		return err
	}
	r.Status = models.RunCanceled
	r.CompletedAt.SetValid(time.Now())
	return nil
}

// CompleteRun is a no-op on a run that is already terminal, mirroring
// UpsertSubscription's ON CONFLICT DO NOTHING idempotency: a duplicate
// EXECUTE_JOB redelivery for an already-completed run must not
// overwrite its status/output/completedAt with a second outcome
// (spec.md §5, §8 invariant 1).
func (t *memTx) CompleteRun(ctx context.Context, runID int64, status models.RunStatus, output []byte, durationMs int64) error {
	r, err := t.run(runID)
	if err != nil {
		return err
	}
	if r.CompletedAt.Valid {
		return nil
	}
	r.Status = status
	r.Output = output
	r.CompletedAt.SetValid(time.Now())
	r.ExecutionDuration += durationMs
	return nil
}

func (t *memTx) AddExecutionDuration(ctx context.Context, runID int64, durationMs int64) error {
	r, err := t.run(runID)
	if err != nil {
		return err
	}
	r.ExecutionDuration += durationMs
	return nil
}

func (t *memTx) ClearForceYield(ctx context.Context, runID int64) error {
	r, err := t.run(runID)
	if err != nil {
		return err
	}
	r.ForceYieldImmediately = false
	return nil
}

func (t *memTx) SetForceYieldImmediately(ctx context.Context, runID int64, value bool) error {
	r, err := t.run(runID)
	if err != nil {
		return err
	}
	r.ForceYieldImmediately = value
	return nil
}

func (t *memTx) AppendYieldedExecution(ctx context.Context, runID int64, key string, maxLen int) (int, bool, error) {
	r, err := t.run(runID)
	if err != nil {
		return 0, false, err
	}
	if len(r.YieldedExecutions)+1 > maxLen {
		return len(r.YieldedExecutions), false, nil
	}
	r.YieldedExecutions = append(r.YieldedExecutions, key)
	return len(r.YieldedExecutions), true, nil
}

func (t *memTx) AppendYieldedExecutionUnbounded(ctx context.Context, runID int64, key string) error {
	r, err := t.run(runID)
	if err != nil {
		return err
	}
	r.YieldedExecutions = append(r.YieldedExecutions, key)
	return nil
}

func (t *memTx) SetEndpointVersion(ctx context.Context, endpointID int64, headerVersion string) error {
	e, ok := t.m.endpoints[endpointID]
	if !ok {
		return ErrNotFound{What: "endpoint"}
	}
	e.Version = headerVersion
	return nil
}

func (t *memTx) SetRunChunkExecutionLimit(ctx context.Context, endpointID int64, limitMs int64) error {
	e, ok := t.m.endpoints[endpointID]
	if !ok {
		return ErrNotFound{What: "endpoint"}
	}
	e.RunChunkExecutionLimitMs = limitMs
	return nil
}

func (t *memTx) UpsertSubscription(ctx context.Context, runID int64, recipient string, event models.SubscriptionEvent, method models.SubscriptionMethod, status models.SubscriptionStatus) error {
	for _, s := range t.m.subscriptions {
		if s.RunID == runID && s.Recipient == recipient && s.Event == event {
			return nil
		}
	}
	t.m.subscriptions = append(t.m.subscriptions, &models.JobRunSubscription{
		ID:        int64(len(t.m.subscriptions) + 1),
		RunID:     runID,
		Recipient: recipient,
		Event:     event,
		Method:    method,
		Status:    status,
	})
	return nil
}

func (t *memTx) GetTask(ctx context.Context, taskID int64) (models.Task, error) {
	task, ok := t.m.tasks[taskID]
	if !ok {
		return models.Task{}, ErrNotFound{What: "task"}
	}
	return *task, nil
}

func (t *memTx) SetTaskStatus(ctx context.Context, taskID int64, status models.TaskStatus, completedAt *time.Time, output []byte) error {
	task, ok := t.m.tasks[taskID]
	if !ok {
		return ErrNotFound{What: "task"}
	}
	task.Status = status
	if completedAt != nil {
		task.CompletedAt.SetValid(*completedAt)
	}
	if len(output) > 0 {
		task.Output = output
	}
	return nil
}

func (t *memTx) SetTaskOutputProperties(ctx context.Context, taskID int64, outputProperties []byte) error {
	task, ok := t.m.tasks[taskID]
	if !ok {
		return ErrNotFound{What: "task"}
	}
	task.OutputProperties = outputProperties
	return nil
}

func (t *memTx) LatestTask(ctx context.Context, runID int64) (models.Task, bool, error) {
	ids := t.m.tasksByRun[runID]
	if len(ids) == 0 {
		return models.Task{}, false, nil
	}
	return *t.m.tasks[ids[len(ids)-1]], true, nil
}

func (t *memTx) TaskCount(ctx context.Context, runID int64) (int, error) {
	return len(t.m.tasksByRun[runID]), nil
}

func (t *memTx) CancelOrErrorNonTerminalTasks(ctx context.Context, runID int64, timedOut bool) error {
	target := models.TaskErrored
	if timedOut {
		target = models.TaskCanceled
	}
	now := time.Now()
	for _, id := range t.m.tasksByRun[runID] {
		task := t.m.tasks[id]
		if isNonTerminalTaskStatus(task.Status) {
			task.Status = target
			task.CompletedAt.SetValid(now)
		}
	}
	return nil
}

func isNonTerminalTaskStatus(s models.TaskStatus) bool {
	for _, ns := range models.NonTerminalTaskStatuses {
		if ns == s {
			return true
		}
	}
	return false
}

func (t *memTx) LatestPendingAttempt(ctx context.Context, taskID int64) (models.TaskAttempt, bool, error) {
	ids := t.m.attemptsByTask[taskID]
	for i := len(ids) - 1; i >= 0; i-- {
		a := t.m.attempts[ids[i]]
		if a.Status == models.AttemptPending {
			return *a, true, nil
		}
	}
	return models.TaskAttempt{}, false, nil
}

func (t *memTx) MarkAttemptErrored(ctx context.Context, attemptID int64, errMsg string) error {
	a, ok := t.m.attempts[attemptID]
	if !ok {
		return ErrNotFound{What: "task attempt"}
	}
	a.Status = models.AttemptErrored
	a.Error.SetValid(errMsg)
	return nil
}

func (t *memTx) CreateAttempt(ctx context.Context, taskID int64, number int, runAt time.Time) (models.TaskAttempt, error) {
	t.m.nextAttemptID++
	a := models.TaskAttempt{ID: t.m.nextAttemptID, TaskID: taskID, Number: number, Status: models.AttemptPending}
	a.RunAt.SetValid(runAt)
	t.m.attempts[a.ID] = &a
	t.m.attemptsByTask[taskID] = append(t.m.attemptsByTask[taskID], a.ID)
	return a, nil
}

func (t *memTx) CreateAutoYieldExecution(ctx context.Context, a models.AutoYieldExecution) error {
	t.m.autoYields = append(t.m.autoYields, a)
	return nil
}

func (t *memTx) ListDueWaitingTasks(ctx context.Context, before time.Time) ([]DueTask, error) {
	var due []DueTask
	for _, task := range t.m.tasks {
		if task.Status != models.TaskWaiting {
			continue
		}
		ids := t.m.attemptsByTask[task.ID]
		for i := len(ids) - 1; i >= 0; i-- {
			a := t.m.attempts[ids[i]]
			if a.Status != models.AttemptPending {
				continue
			}
			if a.RunAt.Valid && !a.RunAt.Time.After(before) {
				due = append(due, DueTask{TaskID: task.ID, RunID: task.RunID, RunAt: a.RunAt.Time})
			}
			break
		}
	}
	return due, nil
}
