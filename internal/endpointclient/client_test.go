package endpointclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcoordinator/internal/endpointclient"
	"runcoordinator/internal/models"
)

func TestClient_CallExecute_ParsesSuccessBody(t *testing.T) {
	var gotPath, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("trigger-version", "2024-01-01")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(endpointclient.ExecuteResponseBody{
			Status: endpointclient.StatusSuccess,
			Output: json.RawMessage(`{"ok":true}`),
		})
	}))
	defer ts.Close()

	client := endpointclient.New(&http.Client{})
	ep := models.Endpoint{URL: ts.URL, APIKey: "key-1"}

	result, err := client.CallExecute(context.Background(), ep, endpointclient.ExecuteRequest{}, 0)
	require.NoError(t, err)
	require.Nil(t, result.TransportErr)
	assert.Equal(t, "/execute", gotPath)
	assert.Equal(t, "Bearer key-1", gotAuth)
	assert.Equal(t, "2024-01-01", result.TriggerVersion)

	body, err := endpointclient.DecodeExecuteBody(result.RawBody)
	require.NoError(t, err)
	assert.Equal(t, endpointclient.StatusSuccess, body.Status)
	assert.JSONEq(t, `{"ok":true}`, string(body.Output))
}

func TestClient_CallExecute_ParsesRunMetadataHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-trigger-run-metadata", `{"successSubscription":true,"failedSubscription":false}`)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(endpointclient.ExecuteResponseBody{Status: endpointclient.StatusCanceled})
	}))
	defer ts.Close()

	client := endpointclient.New(&http.Client{})
	result, err := client.CallExecute(context.Background(), models.Endpoint{URL: ts.URL}, endpointclient.ExecuteRequest{}, 0)
	require.NoError(t, err)
	require.NotNil(t, result.RunMetadata)
	assert.True(t, result.RunMetadata.SuccessSubscription)
	assert.False(t, result.RunMetadata.FailedSubscription)
}

func TestClient_CallExecute_NonTwoxxIsNotTransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	defer ts.Close()

	client := endpointclient.New(&http.Client{})
	result, err := client.CallExecute(context.Background(), models.Endpoint{URL: ts.URL}, endpointclient.ExecuteRequest{}, 0)
	require.NoError(t, err)
	assert.Nil(t, result.TransportErr)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)

	env, ok := endpointclient.DecodeErrorEnvelope(result.RawBody)
	require.True(t, ok)
	assert.Equal(t, "boom", env.Message)
}

func TestClient_CallExecute_GatewayTimeoutIsTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer ts.Close()

	client := endpointclient.New(&http.Client{})
	result, err := client.CallExecute(context.Background(), models.Endpoint{URL: ts.URL}, endpointclient.ExecuteRequest{}, 0)
	require.NoError(t, err)
	assert.True(t, result.IsTimeout)
}

func TestClient_CallExecute_TransportErrorHasNoStatusCode(t *testing.T) {
	client := endpointclient.New(&http.Client{})
	result, err := client.CallExecute(context.Background(), models.Endpoint{URL: "http://127.0.0.1:0"}, endpointclient.ExecuteRequest{}, 0)
	require.NoError(t, err)
	assert.Error(t, result.TransportErr)
	assert.Zero(t, result.StatusCode)
}

func TestDecodeExecuteBody_MissingStatusErrors(t *testing.T) {
	_, err := endpointclient.DecodeExecuteBody([]byte(`{"output":{"ok":true}}`))
	assert.Error(t, err)
}
