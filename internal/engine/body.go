package engine

import (
	"fmt"

	"runcoordinator/internal/config"
	"runcoordinator/internal/endpointclient"
	"runcoordinator/internal/models"
	"runcoordinator/internal/taskcache"
)

// buildExecuteBody assembles the execute request body (spec.md §4.C
// "Request body", §6). Old endpoints (SupportsLazyLoadedCachedTasks
// false) get legacy task packing with no cursor; new endpoints
// additionally get cachedTaskCursor, noopTasksSet, yieldedExecutions,
// the buffered runChunkExecutionLimit and autoYieldConfig.
func buildExecuteBody(agg *models.RunAggregate, connections map[string]models.ConnectionAuth, forceYield bool) (endpointclient.ExecuteRequest, error) {
	supportsLazy := agg.Endpoint.SupportsLazyLoadedCachedTasks

	prepared, err := taskcache.PrepareTasks(agg.CompletedTasks, config.TotalCachedTaskByteLimit, supportsLazy)
	if err != nil {
		return endpointclient.ExecuteRequest{}, fmt.Errorf("pack cached tasks: %w", err)
	}

	sourceCtx := agg.Event.ParseSourceContext()

	body := endpointclient.ExecuteRequest{
		Event: agg.Event.Payload,
		Job: endpointclient.PreprocessJob{
			ID:      agg.Job.ID,
			Version: agg.JobVersion.Version,
		},
		Run: endpointclient.ExecuteRunInfo{
			ID:     agg.Run.ID,
			IsTest: agg.Run.IsTest,
		},
		Connections:           connections,
		Source:                &sourceCtx,
		Tasks:                 prepared.Tasks,
		ForceYieldImmediately: forceYield,
	}

	if supportsLazy {
		body.CachedTaskCursor = prepared.Cursor

		noopSet, err := taskcache.PrepareNoOpTaskBloomFilter(agg.CompletedTasks, config.NoopTaskSetSize)
		if err != nil {
			return endpointclient.ExecuteRequest{}, fmt.Errorf("build noop bloom filter: %w", err)
		}
		body.NoopTasksSet = noopSet

		body.YieldedExecutions = agg.Run.YieldedExecutions
		body.RunChunkExecutionLimit = clampChunkLimit(agg.Endpoint.RunChunkExecutionLimitMs) - config.RunChunkExecutionBufferMs
		if body.RunChunkExecutionLimit < 0 {
			body.RunChunkExecutionLimit = 0
		}

		ay := agg.Endpoint.AutoYieldConfig
		body.AutoYieldConfig = &ay
	}

	return body, nil
}

// clampChunkLimit bounds the endpoint's stored chunk limit to
// [RUN_CHUNK_EXECUTION_MIN, MAX_RUN_CHUNK_EXECUTION_LIMIT] before
// computing the buffered soft limit sent to the endpoint (spec.md §3
// invariant on Endpoint.runChunkExecutionLimit).
func clampChunkLimit(limitMs int64) int64 {
	if limitMs < config.RunChunkExecutionMinMs {
		return config.RunChunkExecutionMinMs
	}
	if limitMs > config.MaxRunChunkExecutionLimitMs {
		return config.MaxRunChunkExecutionLimitMs
	}
	return limitMs
}
