package models

import (
	"encoding/json"

	"github.com/guregu/null/v6"
)

// Run is one triggered execution of a job version (spec.md §3).
type Run struct {
	ID         int64     `db:"id"`
	Status     RunStatus `db:"status"`
	StartedAt  null.Time `db:"started_at"`
	CompletedAt null.Time `db:"completed_at"`

	ExecutionCount    int   `db:"execution_count"`
	ExecutionDuration int64 `db:"execution_duration_ms"`

	// YieldedExecutions is the ordered list of opaque checkpoint keys
	// supplied by the endpoint, persisted as a JSON array.
	YieldedExecutions []string `db:"-"`

	Output     json.RawMessage `db:"output"`
	Properties json.RawMessage `db:"properties"`

	ForceYieldImmediately bool `db:"force_yield_immediately"`

	// Deprecated legacy resume field; see DESIGN.md Open Question 1.
	ResumeTaskID null.Int `db:"resume_task_id"`

	EnvironmentID    int64  `db:"environment_id"`
	EndpointID       int64  `db:"endpoint_id"`
	OrganizationID   int64  `db:"organization_id"`
	ProjectID        int64  `db:"project_id"`
	ExternalAccountID null.Int `db:"external_account_id"`
	EventID          int64  `db:"event_id"`
	VersionID        int64  `db:"version_id"`

	IsTest     bool `db:"is_test"`
	IsInternal bool `db:"is_internal"`
}

// Environment is the deployment environment a run belongs to; its
// IsDevelopment method reports whether it is DEVELOPMENT (used to decide
// whether follow-up enqueues skip retrying, spec.md §4.B/§4.C).
type Environment struct {
	ID            int64  `db:"id"`
	Slug          string `db:"slug"`
	Type          string `db:"type"` // "DEVELOPMENT", "STAGING", "PRODUCTION" etc.
	ProjectID     int64  `db:"project_id"`
	OrganizationID int64 `db:"organization_id"`
}

func (e Environment) IsDevelopment() bool {
	return e.Type == "DEVELOPMENT"
}

// Event carries the triggering event payload and its source context,
// parsed best-effort per spec.md §4.C ("Parse the run.event.sourceContext
// (best-effort)").
type Event struct {
	ID            int64           `db:"id"`
	Payload       json.RawMessage `db:"payload"`
	SourceContext json.RawMessage `db:"source_context"`
}

// SourceContext is the best-effort-parsed shape of Event.SourceContext.
type SourceContext struct {
	Source string `json:"source,omitempty"`
	ID     string `json:"id,omitempty"`
}

// ParseSourceContext parses e.SourceContext, returning the zero value on
// any error — callers must never fail a run because this is malformed.
func (e Event) ParseSourceContext() SourceContext {
	var sc SourceContext
	if len(e.SourceContext) == 0 {
		return sc
	}
	_ = json.Unmarshal(e.SourceContext, &sc)
	return sc
}

// Job and JobVersion identify what code a run is executing.
type Job struct {
	ID             int64  `db:"id"`
	Slug           string `db:"slug"`
	OrganizationID int64  `db:"organization_id"`
}

type JobVersion struct {
	ID      int64  `db:"id"`
	JobID   int64  `db:"job_id"`
	Version string `db:"version"`
}

// RunConnection links a run to a resolved external integration
// connection, keyed by the job's declared integration identifier.
type RunConnection struct {
	ID              int64  `db:"id"`
	RunID           int64  `db:"run_id"`
	IntegrationKey  string `db:"integration_key"`
	IntegrationID   string `db:"integration_id"`
	ConnectionID    string `db:"connection_id"`
	DataReferenceID null.String `db:"data_reference_id"`
}

// ConnectionAuth is the materialised credential for one integration key,
// produced by the out-of-scope OAuth/credential resolver
// (spec.md §1, "Out of scope").
type ConnectionAuth struct {
	Type   string         `json:"type"`
	Token  string         `json:"token,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}
