package models

// AutoYieldExecution records one cooperative auto-yield checkpoint
// attached to a run (spec.md §3, §4.C "AUTO_YIELD_EXECUTION").
type AutoYieldExecution struct {
	ID            int64 `db:"id"`
	RunID         int64 `db:"run_id"`
	Location      string `db:"location"`
	TimeRemaining int64  `db:"time_remaining_ms"`
	TimeElapsed   int64  `db:"time_elapsed_ms"`
	Limit         int64  `db:"limit_ms"`
}
