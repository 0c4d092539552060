package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcoordinator/internal/api"
	"runcoordinator/internal/models"
	"runcoordinator/internal/store"
	"runcoordinator/internal/yield"
)

func TestServer_Healthz_ReportsOK(t *testing.T) {
	mem := store.NewMemory()
	s := api.New(context.Background(), mem, yield.New())
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ForceYield_SetsFlagOnRun(t *testing.T) {
	mem := store.NewMemory()
	mem.PutRun(models.Run{ID: 7})
	s := api.New(context.Background(), mem, yield.New())
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/runs/7/yield", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body["forceYield"])

	agg, err := mem.LoadRunAggregate(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, agg.Run.ForceYieldImmediately)
}

func TestServer_ForceYield_InvalidRunIDIsBadRequest(t *testing.T) {
	mem := store.NewMemory()
	s := api.New(context.Background(), mem, yield.New())
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/runs/not-a-number/yield", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
