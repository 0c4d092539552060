package models

// Endpoint is a user's HTTP target (spec.md §3).
type Endpoint struct {
	ID     int64  `db:"id"`
	URL    string `db:"url"`
	APIKey string `db:"api_key"`
	// Version is updated opportunistically from the response
	// `trigger-version` header (spec.md §4.C).
	Version string `db:"version"`

	// RunChunkExecutionLimit is the adaptive per-chunk soft timeout sent
	// to the endpoint, bounded [RUN_CHUNK_EXECUTION_MIN,
	// MAX_RUN_CHUNK_EXECUTION_LIMIT] (spec.md §3, §8 invariant 5).
	RunChunkExecutionLimitMs int64 `db:"run_chunk_execution_limit_ms"`

	// SupportsLazyLoadedCachedTasks is set by the store from the
	// endpoint's registered capability row. Legacy endpoints (registered
	// before the lazy-cached-task feature shipped) have this false and
	// receive the compatibility request body (spec.md §4.C, §1).
	SupportsLazyLoadedCachedTasks bool `db:"supports_lazy_loaded_cached_tasks"`

	AutoYieldConfig AutoYieldConfig `db:"-"`
}

// AutoYieldConfig carries the four auto-yield thresholds sent to the
// endpoint on every chunk for new-style endpoints (spec.md §4.C).
type AutoYieldConfig struct {
	StartMs          int64 `json:"startMs"`
	BeforeExecuteMs  int64 `json:"beforeExecuteMs"`
	BeforeCompleteMs int64 `json:"beforeCompleteMs"`
	AfterCompleteMs  int64 `json:"afterCompleteMs"`
}
