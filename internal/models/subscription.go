package models

// JobRunSubscription is a (runId, recipient, event) tuple used to
// notify endpoints that opted in via response headers (spec.md §3).
// Uniqueness is on (RunID, Recipient, Event).
type JobRunSubscription struct {
	ID        int64              `db:"id"`
	RunID     int64              `db:"run_id"`
	Recipient string             `db:"recipient"` // an endpoint id, as a string
	Event     SubscriptionEvent  `db:"event"`
	Method    SubscriptionMethod `db:"method"`
	Status    SubscriptionStatus `db:"status"`
}
