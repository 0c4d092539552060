// Package telemetry records execution start/finish events. It is a
// best-effort emitter, deliberately kept outside any transaction
// (spec.md §4.C "Execution-event emission", §9 "Transactions vs.
// enqueues": "Telemetry emission is allowed to be best-effort and
// outside the transaction"). No metrics SDK (Prometheus, StatsD,
// OpenTelemetry) appears anywhere in the retrieved pack, so this is
// built on rs/zerolog structured logging, matching the teacher's
// ubiquitous log.Info()/log.Error() call-chain style rather than a
// dedicated events table.
package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType distinguishes the two points an execution event is
// emitted at (spec.md §4.C).
type EventType string

const (
	EventStart  EventType = "start"
	EventFinish EventType = "finish"
)

// ExecutionEvent is the payload of createExecutionEvent (spec.md §6,
// "Outbound telemetry").
type ExecutionEvent struct {
	EventType      EventType
	EventTime      time.Time
	DriftInMs      int64
	OrganizationID int64
	EnvironmentID  int64
	ProjectID      int64
	JobID          int64
	RunID          int64
}

// Sink emits execution events. Implementations must never block or
// fail the caller; Create logs and swallows any internal error rather
// than returning one, since a dropped telemetry event must never
// affect run state (spec.md §9).
type Sink interface {
	Create(ctx context.Context, e ExecutionEvent)
}

// LogSink emits execution events as structured zerolog lines.
type LogSink struct{}

// NewLogSink returns the default Sink.
func NewLogSink() LogSink { return LogSink{} }

// Create logs e at info level. This is createExecutionEvent (spec.md
// §6).
func (LogSink) Create(_ context.Context, e ExecutionEvent) {
	log.Info().
		Str("event_type", string(e.EventType)).
		Time("event_time", e.EventTime).
		Int64("drift_ms", e.DriftInMs).
		Int64("organization_id", e.OrganizationID).
		Int64("environment_id", e.EnvironmentID).
		Int64("project_id", e.ProjectID).
		Int64("job_id", e.JobID).
		Int64("run_id", e.RunID).
		Msg("execution event")
}
