package models

import (
	"encoding/json"

	"github.com/guregu/null/v6"
)

// Task is one unit of work inside a run (spec.md §3). Only COMPLETED
// tasks are eligible for caching into the next chunk's body.
type Task struct {
	ID              int64           `db:"id"`
	RunID           int64           `db:"run_id"`
	IdempotencyKey  string          `db:"idempotency_key"`
	Status          TaskStatus      `db:"status"`
	Noop            bool            `db:"noop"`
	Output          json.RawMessage `db:"output"`
	OutputIsUndefined bool          `db:"output_is_undefined"`
	OutputProperties json.RawMessage `db:"output_properties"`
	ParentID        null.Int        `db:"parent_id"`
	CreatedAt       null.Time       `db:"created_at"`
	CompletedAt     null.Time       `db:"completed_at"`
}

// CachedTask is the COMPLETED-only projection embedded in execute
// request bodies (spec.md §4.A: "projecting id, idempotencyKey, status,
// noop, output, outputIsUndefined, parentId").
type CachedTask struct {
	ID               int64           `json:"id"`
	IdempotencyKey   string          `json:"idempotencyKey"`
	Status           TaskStatus      `json:"status"`
	Noop             bool            `json:"noop"`
	Output           json.RawMessage `json:"output,omitempty"`
	OutputIsUndefined bool           `json:"outputIsUndefined"`
	ParentID         null.Int        `json:"parentId,omitempty"`
}

// ToCached projects a Task into its CachedTask wire shape.
func (t Task) ToCached() CachedTask {
	return CachedTask{
		ID:                t.ID,
		IdempotencyKey:    t.IdempotencyKey,
		Status:            t.Status,
		Noop:              t.Noop,
		Output:            t.Output,
		OutputIsUndefined: t.OutputIsUndefined,
		ParentID:          t.ParentID,
	}
}
