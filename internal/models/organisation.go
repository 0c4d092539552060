package models

// Organization owns the cumulative per-run execution time limit
// (spec.md §3).
type Organization struct {
	ID                            int64  `db:"id"`
	Slug                          string `db:"slug"`
	MaximumExecutionTimePerRunMs int64  `db:"maximum_execution_time_per_run_ms"`
}

// Project groups environments under an organisation. Loaded as part of
// the run aggregate (spec.md §4.A) but otherwise opaque to the
// coordinator.
type Project struct {
	ID             int64  `db:"id"`
	Slug           string `db:"slug"`
	OrganizationID int64  `db:"organization_id"`
}
