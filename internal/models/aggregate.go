package models

// RunAggregate is everything the coordinator's components need to
// drive one run forward, loaded in a single read by the Run Loader
// (spec.md §4.A). It is a tree rooted at Run — tasks and attempts
// reference it by id, never by back-pointer (spec.md §9, "Cyclic
// references").
type RunAggregate struct {
	Run            Run
	Environment    Environment
	Endpoint       Endpoint
	Organization   Organization
	Project        Project
	Event          Event
	Job            Job
	JobVersion     JobVersion
	RunConnections []RunConnection

	// CompletedTasks holds only COMPLETED tasks, ordered ascending by
	// id for determinism (spec.md §4.A).
	CompletedTasks []Task

	// TaskCount is the total number of tasks belonging to the run
	// (of any status), used by the timeout-resume path to detect
	// whether a task was created during a timed-out chunk (spec.md
	// §4.C).
	TaskCount int

	// Subscriptions is restricted to method ENDPOINT (spec.md §4.A).
	Subscriptions []JobRunSubscription
}
