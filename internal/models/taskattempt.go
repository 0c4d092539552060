package models

import (
	"github.com/guregu/null/v6"
)

// TaskAttempt is one retry attempt on a task. Numbering is contiguous
// per TaskID, starting at 1 (spec.md §3, invariant 9 in §8).
type TaskAttempt struct {
	ID     int64             `db:"id"`
	TaskID int64             `db:"task_id"`
	Number int               `db:"number"`
	Status TaskAttemptStatus `db:"status"`
	RunAt  null.Time         `db:"run_at"`
	Error  null.String       `db:"error"`
}
