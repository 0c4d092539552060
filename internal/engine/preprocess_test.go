package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcoordinator/internal/endpointclient"
	"runcoordinator/internal/engine"
	"runcoordinator/internal/models"
	"runcoordinator/internal/queue"
	"runcoordinator/internal/store"
)

func newTestPreprocessDriver(mem *store.Memory, q queue.Client) *engine.PreprocessDriver {
	client := endpointclient.New(&http.Client{})
	return engine.NewPreprocessDriver(engine.NewLoader(mem), mem, q, client)
}

func TestPreprocessDriver_AbortCompletesRunAborted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(endpointclient.PreprocessResponse{Abort: true})
	}))
	defer ts.Close()

	mem := store.NewMemory()
	seedRun(mem, 10, ts.URL)
	q := queue.NewMemory()
	d := newTestPreprocessDriver(mem, q)

	require.NoError(t, d.Run(context.Background(), 10))

	agg, err := mem.LoadRunAggregate(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, models.RunAborted, agg.Run.Status)
	assert.Empty(t, q.RunExecutions, "aborted preprocess never enqueues EXECUTE_JOB")
}

func TestPreprocessDriver_SuccessStartsRunAndEnqueuesExecute(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(endpointclient.PreprocessResponse{Properties: json.RawMessage(`{"a":1}`)})
	}))
	defer ts.Close()

	mem := store.NewMemory()
	seedRun(mem, 11, ts.URL)
	q := queue.NewMemory()
	d := newTestPreprocessDriver(mem, q)

	require.NoError(t, d.Run(context.Background(), 11))

	agg, err := mem.LoadRunAggregate(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, models.RunStarted, agg.Run.Status)
	assert.JSONEq(t, `{"a":1}`, string(agg.Run.Properties))
	require.Len(t, q.RunExecutions, 1)
	assert.Equal(t, queue.ReasonExecuteJob, q.RunExecutions[0].Reason)
}

func TestPreprocessDriver_DevelopmentEnvironmentSkipsRetrying(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(endpointclient.PreprocessResponse{})
	}))
	defer ts.Close()

	mem := store.NewMemory()
	seedRun(mem, 12, ts.URL)
	mem.PutEnvironment(models.Environment{ID: 1, Type: "DEVELOPMENT", ProjectID: 1, OrganizationID: 1})
	q := queue.NewMemory()
	d := newTestPreprocessDriver(mem, q)

	require.NoError(t, d.Run(context.Background(), 12))

	require.Len(t, q.RunExecutions, 1)
	assert.True(t, q.RunExecutions[0].SkipRetrying)
}

func TestPreprocessDriver_NonSchemaErrorBodyFailsWithoutRetry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer ts.Close()

	mem := store.NewMemory()
	seedRun(mem, 13, ts.URL)
	q := queue.NewMemory()
	d := newTestPreprocessDriver(mem, q)

	require.NoError(t, d.Run(context.Background(), 13))

	agg, err := mem.LoadRunAggregate(context.Background(), 13)
	require.NoError(t, err)
	// failPreprocess's non-ABORTED branch restarts the run for another
	// EXECUTE_JOB attempt rather than leaving it FAILURE (spec.md §4.F).
	assert.Equal(t, models.RunStarted, agg.Run.Status)
	require.Len(t, q.RunExecutions, 1)
}

func TestPreprocessDriver_NonexistentRunIsSilentNoop(t *testing.T) {
	mem := store.NewMemory()
	d := newTestPreprocessDriver(mem, queue.NewMemory())

	assert.NoError(t, d.Run(context.Background(), 404))
}
