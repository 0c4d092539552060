// Package taskcache implements Component E of the run execution
// coordinator: deterministically packing completed tasks into the
// execute request body under a byte budget, and producing a Bloom
// filter summarising no-op tasks (spec.md §4.E). No component
// anywhere in the retrieved pack serialises a bounded prefix of rows
// into an outbound request body, so PrepareTasks is built directly
// from spec.md in the teacher's JSON-marshal-then-measure style
// (encoding/json, matching teacher internal/api/task.go's JSON
// serialization of domain rows).
package taskcache

import (
	"encoding/json"
	"strconv"

	"runcoordinator/internal/models"
)

// PreparedTasks is the result of PrepareTasks: a byte-budgeted prefix
// of completed tasks plus a cursor the endpoint can use to request
// the remainder (spec.md §4.E).
type PreparedTasks struct {
	Tasks  []models.CachedTask
	Cursor *string
}

// PrepareTasks selects a prefix of tasks (already ordered
// deterministically by the caller — spec.md §4.A orders completed
// tasks ascending by id) to embed in the execute request body such
// that the serialised size does not exceed byteLimit (spec.md §4.E,
// §8 invariant 7: "Serialised cached tasks embedded in the execute
// body <= TOTAL_CACHED_TASK_BYTE_LIMIT"). legacy endpoints never see
// a cursor (spec.md §4.E, "Legacy variant omits the cursor") — callers
// pass withCursor=false for those.
func PrepareTasks(tasks []models.Task, byteLimit int, withCursor bool) (PreparedTasks, error) {
	cached := make([]models.CachedTask, 0, len(tasks))
	size := 2 // "[]"

	for i, t := range tasks {
		ct := t.ToCached()
		encoded, err := json.Marshal(ct)
		if err != nil {
			return PreparedTasks{}, err
		}

		// +1 accounts for the separating comma between elements.
		next := size + len(encoded)
		if i > 0 {
			next++
		}
		if next > byteLimit {
			cursor := cursorFor(tasks[i])
			if !withCursor {
				cursor = nil
			}
			return PreparedTasks{Tasks: cached, Cursor: cursor}, nil
		}

		size = next
		cached = append(cached, ct)
	}

	return PreparedTasks{Tasks: cached}, nil
}

// cursorFor produces an opaque cursor the endpoint can echo back as
// cachedTaskCursor on its next request to resume pagination
// (spec.md §4.E) — the task id it stopped at is sufficient since
// CompletedTasks is always loaded in the same ascending-by-id order
// (spec.md §4.A).
func cursorFor(nextTask models.Task) *string {
	c := strconv.FormatInt(nextTask.ID, 10)
	return &c
}
