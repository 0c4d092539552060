package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcoordinator/internal/config"
	"runcoordinator/internal/endpointclient"
	"runcoordinator/internal/engine"
	"runcoordinator/internal/models"
	"runcoordinator/internal/queue"
	"runcoordinator/internal/store"
	"runcoordinator/internal/telemetry"
	"runcoordinator/internal/yield"
)

// seedRun builds the minimal aggregate an ExecuteDriver needs to run
// one chunk: a QUEUED run with its environment/organisation/endpoint,
// pointed at endpointURL (spec.md §4.A, §4.C).
func seedRun(mem *store.Memory, runID int64, endpointURL string) {
	mem.PutOrganization(models.Organization{ID: 1, MaximumExecutionTimePerRunMs: 60_000})
	mem.PutProject(models.Project{ID: 1, OrganizationID: 1})
	mem.PutEnvironment(models.Environment{ID: 1, Type: "PRODUCTION", ProjectID: 1, OrganizationID: 1})
	mem.PutEndpoint(models.Endpoint{ID: 1, URL: endpointURL, RunChunkExecutionLimitMs: 30_000})
	mem.PutJob(models.Job{ID: 1, OrganizationID: 1})
	mem.PutJobVersion(models.JobVersion{ID: 1, JobID: 1, Version: "1"})
	mem.PutEvent(models.Event{ID: 1, Payload: json.RawMessage(`{}`)})
	mem.PutRun(models.Run{
		ID: runID, Status: models.RunQueued,
		EnvironmentID: 1, EndpointID: 1, OrganizationID: 1, ProjectID: 1,
		EventID: 1, VersionID: 1,
	})
}

func newTestExecuteDriver(mem *store.Memory, q queue.Client) *engine.ExecuteDriver {
	cfg := &config.RCConfig{}
	cfg.Engine.AcceptLegacyResumeTaskID = true
	client := endpointclient.New(&http.Client{})
	return engine.NewExecuteDriver(
		engine.NewLoader(mem), mem, q, client, yield.New(),
		engine.StaticConnectionResolver{}, engine.StoreTaskCompletionService{Store: mem},
		telemetry.NewLogSink(), cfg,
	)
}

// TestExecuteDriver_HappyPath is spec.md §8 scenario S1.
func TestExecuteDriver_HappyPath(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(endpointclient.ExecuteResponseBody{
			Status: endpointclient.StatusSuccess,
			Output: json.RawMessage(`{"ok":true}`),
		})
	}))
	defer ts.Close()

	mem := store.NewMemory()
	seedRun(mem, 1, ts.URL)
	q := queue.NewMemory()
	d := newTestExecuteDriver(mem, q)

	err := d.Run(context.Background(), 1, 12, nil)
	require.NoError(t, err)

	agg, err := mem.LoadRunAggregate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, agg.Run.Status)
	assert.True(t, agg.Run.CompletedAt.Valid)
	assert.Equal(t, 1, agg.Run.ExecutionCount)
	assert.JSONEq(t, `{"ok":true}`, string(agg.Run.Output))
	assert.Len(t, q.Deliveries, 1)
}

func TestExecuteDriver_CanceledRunIsNoop(t *testing.T) {
	mem := store.NewMemory()
	seedRun(mem, 2, "http://unused.invalid")
	mem.PutRun(models.Run{ID: 2, Status: models.RunCanceled, OrganizationID: 1})
	q := queue.NewMemory()
	d := newTestExecuteDriver(mem, q)

	err := d.Run(context.Background(), 2, 0, nil)
	require.NoError(t, err)

	agg, _ := mem.LoadRunAggregate(context.Background(), 2)
	assert.Equal(t, models.RunCanceled, agg.Run.Status)
	assert.Empty(t, q.RunExecutions)
}

func TestExecuteDriver_BlockedOrganisationCancelsRun(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("endpoint must not be called for a blocked organisation")
	}))
	defer ts.Close()

	mem := store.NewMemory()
	seedRun(mem, 3, ts.URL)
	mem.PutOrganization(models.Organization{ID: 1, Slug: "blocked-org", MaximumExecutionTimePerRunMs: 60_000})
	q := queue.NewMemory()

	cfg := &config.RCConfig{}
	cfg.Engine.BlockedOrgSlugs = []string{"blocked-org"}
	client := endpointclient.New(&http.Client{})
	d := engine.NewExecuteDriver(engine.NewLoader(mem), mem, q, client, yield.New(),
		engine.StaticConnectionResolver{}, engine.StoreTaskCompletionService{Store: mem}, telemetry.NewLogSink(), cfg)

	err := d.Run(context.Background(), 3, 0, nil)
	require.NoError(t, err)

	agg, _ := mem.LoadRunAggregate(context.Background(), 3)
	assert.Equal(t, models.RunCanceled, agg.Run.Status)
}

func TestExecuteDriver_NonexistentRunIsSilentNoop(t *testing.T) {
	mem := store.NewMemory()
	d := newTestExecuteDriver(mem, queue.NewMemory())

	err := d.Run(context.Background(), 999, 0, nil)
	assert.NoError(t, err)
}

func TestExecuteDriver_LegacyResumeTaskIDTransitionsTask(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body endpointclient.ExecuteRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(endpointclient.ExecuteResponseBody{Status: endpointclient.StatusCanceled})
	}))
	defer ts.Close()

	mem := store.NewMemory()
	seedRun(mem, 4, ts.URL)
	mem.PutTask(models.Task{ID: 100, RunID: 4, Status: models.TaskPending, Noop: true})
	// Overwrite the seeded run with the deprecated resumeTaskId set.
	mem.PutRun(models.Run{
		ID: 4, Status: models.RunQueued, EnvironmentID: 1, EndpointID: 1, OrganizationID: 1, ProjectID: 1,
		EventID: 1, VersionID: 1, ResumeTaskID: null.IntFrom(100),
	})

	q := queue.NewMemory()
	d := newTestExecuteDriver(mem, q)

	err := d.Run(context.Background(), 4, 0, nil)
	require.NoError(t, err)

	task, err := fetchTask(mem, 100)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status, "a noop resumed task completes immediately")
}

func TestExecuteDriver_YieldThenSuccessAccumulatesDuration(t *testing.T) {
	// spec.md §8 scenario S2, without asserting on exact wall-clock
	// duration (that's real HTTP round-trip time in this harness) —
	// asserting on the sequencing and bookkeeping instead.
	call := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		w.WriteHeader(http.StatusOK)
		if call == 1 {
			_ = json.NewEncoder(w).Encode(endpointclient.ExecuteResponseBody{Status: endpointclient.StatusYieldExecution, Key: "k1"})
			return
		}
		_ = json.NewEncoder(w).Encode(endpointclient.ExecuteResponseBody{Status: endpointclient.StatusSuccess, Output: json.RawMessage(`{}`)})
	}))
	defer ts.Close()

	mem := store.NewMemory()
	seedRun(mem, 5, ts.URL)
	q := queue.NewMemory()
	d := newTestExecuteDriver(mem, q)

	require.NoError(t, d.Run(context.Background(), 5, 0, nil))
	agg, _ := mem.LoadRunAggregate(context.Background(), 5)
	assert.Equal(t, []string{"k1"}, agg.Run.YieldedExecutions)
	assert.Equal(t, models.RunStarted, agg.Run.Status)
	require.Len(t, q.RunExecutions, 1)

	require.NoError(t, d.Run(context.Background(), 5, 0, nil))
	agg, _ = mem.LoadRunAggregate(context.Background(), 5)
	assert.Equal(t, models.RunSuccess, agg.Run.Status)
	assert.Equal(t, 2, agg.Run.ExecutionCount)
}

func fetchTask(mem *store.Memory, id int64) (models.Task, error) {
	var task models.Task
	err := mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var terr error
		task, terr = tx.GetTask(ctx, id)
		return terr
	})
	return task, err
}
