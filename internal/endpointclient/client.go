// Package endpointclient calls a user's HTTP endpoint for the
// preprocess and execute-job steps and parses its response, error
// body and headers (spec.md §1, "the HTTP client library used to call
// endpoints", an out-of-scope external collaborator named by role).
// Grounded on square-spincycle job-runner/client/http.go — the only
// file in the retrieved pack that calls an external HTTP endpoint and
// interprets its JSON envelope — generalised from the job-chain API
// shape to the preprocess/execute-job shape of spec.md §6.
package endpointclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"runcoordinator/internal/models"
)

const (
	headerTriggerVersion = "trigger-version"
	headerTriggerRunMeta = "x-trigger-run-metadata"
	preprocessRoute      = "/preprocess"
	executeRoute         = "/execute"
)

// Client calls one endpoint's preprocess and execute routes, the way
// square-spincycle's jrClient embeds *http.Client and wraps
// get/put/post with a shared do() that reads the full body.
type Client struct {
	*http.Client
}

// New wraps an already-configured *http.Client.
func New(httpClient *http.Client) *Client {
	return &Client{Client: httpClient}
}

// CallResult carries everything the Execute Driver's response
// classification (spec.md §4.C) needs from one HTTP round trip.
type CallResult struct {
	StatusCode int
	RawBody    []byte
	DurationMs int64

	// TriggerVersion is the "trigger-version" response header, if present.
	TriggerVersion string
	// RunMetadata is the parsed "x-trigger-run-metadata" header, if present.
	RunMetadata *RunMetadataHeader

	// TransportErr is set when no response was received at all
	// (spec.md §4.C classification step 1).
	TransportErr error
	// IsTimeout reports whether the failure (transport or a
	// recognised-timeout status code) should be treated as an
	// endpoint timeout rather than an ordinary transport error
	// (spec.md §4.C "Timeout detection").
	IsTimeout bool
}

// RunMetadataHeader is the parsed shape of x-trigger-run-metadata
// (spec.md §6, "Response headers of interest").
type RunMetadataHeader struct {
	SuccessSubscription bool `json:"successSubscription"`
	FailedSubscription  bool `json:"failedSubscription"`
}

// CallPreprocess posts body to endpoint's preprocess route.
func (c *Client) CallPreprocess(ctx context.Context, ep models.Endpoint, body PreprocessRequest) (*CallResult, error) {
	return c.call(ctx, ep, preprocessRoute, body, ep.RunChunkExecutionLimitMs)
}

// CallExecute posts body to endpoint's execute-job route, bounding the
// request at timeoutMs (spec.md §5, "per-chunk soft limit sent to the
// endpoint").
func (c *Client) CallExecute(ctx context.Context, ep models.Endpoint, body ExecuteRequest, timeoutMs int64) (*CallResult, error) {
	return c.call(ctx, ep, executeRoute, body, timeoutMs)
}

func (c *Client) call(ctx context.Context, ep models.Endpoint, route string, body any, timeoutMs int64) (*CallResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, ep.URL+route, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ep.APIKey)

	start := time.Now()
	resp, respBody, doErr := c.do(req)
	duration := time.Since(start).Milliseconds()

	result := &CallResult{DurationMs: duration}

	if doErr != nil {
		result.TransportErr = doErr
		result.IsTimeout = isTimeoutErr(doErr)
		return result, nil
	}

	result.StatusCode = resp.StatusCode
	result.RawBody = respBody
	result.TriggerVersion = resp.Header.Get(headerTriggerVersion)
	if raw := resp.Header.Get(headerTriggerRunMeta); raw != "" {
		var meta RunMetadataHeader
		if jsonErr := json.Unmarshal([]byte(raw), &meta); jsonErr == nil {
			result.RunMetadata = &meta
		}
	}
	result.IsTimeout = resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout

	return result, nil
}

func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("read response body: %w", err)
	}

	return resp, body, nil
}

// isTimeoutErr reports whether err represents a network-level timeout
// or deadline exceeded (spec.md §4.C "Timeout detection": "the client
// library marks it as such").
func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout()
	}
	return false
}

// DecodeExecuteBody parses a 2xx execute response body (spec.md §4.C
// classification step 4).
func DecodeExecuteBody(raw []byte) (*ExecuteResponseBody, error) {
	var body ExecuteResponseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}
	if body.Status == "" {
		return nil, fmt.Errorf("execute response missing status")
	}
	return &body, nil
}

// DecodePreprocessBody parses a 2xx preprocess response body (spec.md
// §4.B).
func DecodePreprocessBody(raw []byte) (*PreprocessResponse, error) {
	var body PreprocessResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode preprocess response: %w", err)
	}
	return &body, nil
}

// DecodeErrorEnvelope attempts to parse raw as a schema-valid error
// body (spec.md §4.C classification step 2). Returns ok=false if raw
// isn't a recognisable envelope.
func DecodeErrorEnvelope(raw []byte) (env ErrorEnvelope, ok bool) {
	if len(raw) == 0 {
		return ErrorEnvelope{}, false
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ErrorEnvelope{}, false
	}
	return env, env.Message != ""
}
