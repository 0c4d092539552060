package endpointclient

import (
	"encoding/json"
	"time"

	"github.com/guregu/null/v6"

	"runcoordinator/internal/models"
)

// ResponseStatus is the execute response's discriminant (spec.md §4.C,
// §9 "Discriminated response" — a closed tagged union of ten
// variants, modelled as such rather than as a loose bag of optional
// fields).
type ResponseStatus string

const (
	StatusSuccess                         ResponseStatus = "SUCCESS"
	StatusError                           ResponseStatus = "ERROR"
	StatusInvalidPayload                  ResponseStatus = "INVALID_PAYLOAD"
	StatusUnresolvedAuthError             ResponseStatus = "UNRESOLVED_AUTH_ERROR"
	StatusCanceled                        ResponseStatus = "CANCELED"
	StatusResumeWithTask                  ResponseStatus = "RESUME_WITH_TASK"
	StatusRetryWithTask                   ResponseStatus = "RETRY_WITH_TASK"
	StatusYieldExecution                  ResponseStatus = "YIELD_EXECUTION"
	StatusAutoYieldExecution              ResponseStatus = "AUTO_YIELD_EXECUTION"
	StatusAutoYieldExecutionWithCompleted ResponseStatus = "AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK"
	StatusResumeWithParallelTask          ResponseStatus = "RESUME_WITH_PARALLEL_TASK"
)

// PreprocessRequest is the body sent to an endpoint's preprocess route
// (spec.md §6).
type PreprocessRequest struct {
	Event       json.RawMessage    `json:"event"`
	Job         PreprocessJob      `json:"job"`
	Run         PreprocessRun      `json:"run"`
	Environment json.RawMessage    `json:"environment"`
	Organization json.RawMessage   `json:"organization"`
	Account     json.RawMessage    `json:"account,omitempty"`
}

type PreprocessJob struct {
	ID      int64  `json:"id"`
	Version string `json:"version"`
}

type PreprocessRun struct {
	ID     int64 `json:"id"`
	IsTest bool  `json:"isTest"`
}

// PreprocessResponse is the expected shape of a successful preprocess
// response (spec.md §4.B).
type PreprocessResponse struct {
	Abort      bool            `json:"abort"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// ExecuteRequest is the body sent to an endpoint's execute-job route
// (spec.md §4.C "Request body", §6).
type ExecuteRequest struct {
	Event       json.RawMessage `json:"event,omitempty"`
	Job         PreprocessJob   `json:"job"`
	Run         ExecuteRunInfo  `json:"run"`
	Connections map[string]models.ConnectionAuth `json:"connections"`
	Source      *models.SourceContext `json:"source,omitempty"`

	Tasks []models.CachedTask `json:"tasks"`

	ForceYieldImmediately bool `json:"forceYieldImmediately"`

	// New-endpoint-only fields (SupportsLazyLoadedCachedTasks, spec.md
	// §4.C).
	CachedTaskCursor       *string             `json:"cachedTaskCursor,omitempty"`
	NoopTasksSet           string              `json:"noopTasksSet,omitempty"`
	YieldedExecutions      []string            `json:"yieldedExecutions,omitempty"`
	RunChunkExecutionLimit int64               `json:"runChunkExecutionLimit,omitempty"`
	AutoYieldConfig        *models.AutoYieldConfig `json:"autoYieldConfig,omitempty"`

	ResumeTaskID null.Int `json:"resumeTaskId,omitempty"`
}

type ExecuteRunInfo struct {
	ID     int64 `json:"id"`
	IsTest bool  `json:"isTest"`
}

// ExecuteResponseBody is the ten-variant tagged union (spec.md §4.C,
// §9). All variant-specific fields are optional; Status selects which
// are meaningful. Modelled as one flat struct (rather than ten
// separate Go types behind an interface) because the wire encoding is
// one flat JSON object discriminated by "status" — matching how the
// donor square-spincycle client unmarshals a single response struct
// per call rather than a sum type.
type ExecuteResponseBody struct {
	Status ResponseStatus `json:"status"`

	// SUCCESS
	Output json.RawMessage `json:"output,omitempty"`

	// ERROR / INVALID_PAYLOAD / UNRESOLVED_AUTH_ERROR
	Error  json.RawMessage `json:"error,omitempty"`
	Issues []string        `json:"issues,omitempty"`
	Task   *ResponseTask   `json:"task,omitempty"`

	// RESUME_WITH_TASK / RETRY_WITH_TASK / AUTO_YIELD_EXECUTION_WITH_COMPLETED_TASK
	ExecutionCount *int       `json:"executionCount,omitempty"`
	DelayUntil     *time.Time `json:"delayUntil,omitempty"`
	RetryAt        *time.Time `json:"retryAt,omitempty"`

	// YIELD_EXECUTION / AUTO_YIELD_EXECUTION*
	Key           string `json:"key,omitempty"`
	Location      string `json:"location,omitempty"`
	TimeRemaining *int64 `json:"timeRemaining,omitempty"`
	TimeElapsed   *int64 `json:"timeElapsed,omitempty"`
	Limit         *int64 `json:"limit,omitempty"`

	// RESUME_WITH_PARALLEL_TASK
	ChildErrors []ExecuteResponseBody `json:"childErrors,omitempty"`
}

// ResponseTask is the task payload embedded in several response
// variants (spec.md §4.C).
type ResponseTask struct {
	ID               int64           `json:"id"`
	Operation        string          `json:"operation,omitempty"`
	CallbackURL      string          `json:"callbackUrl,omitempty"`
	OutputProperties json.RawMessage `json:"outputProperties,omitempty"`
	Properties       json.RawMessage `json:"properties,omitempty"`
	Output           string          `json:"output,omitempty"`
}

// ErrorEnvelope is the schema-valid error body an endpoint may return
// alongside a non-2xx status (spec.md §4.C, response classification
// step 2).
type ErrorEnvelope struct {
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}
