package taskcache

import (
	"encoding/base64"

	"github.com/bits-and-blooms/bloom/v3"

	"runcoordinator/internal/models"
)

// falsePositiveRate bounds the probability a cache-miss lookup on the
// filter wrongly reports membership; the filter is one-way so false
// positives are acceptable (spec.md §4.E) but kept small so the
// endpoint's "probably cached" heuristic stays useful.
const falsePositiveRate = 0.01

// PrepareNoOpTaskBloomFilter builds a Bloom filter of NOOP_TASK_SET_SIZE
// containing the idempotencyKey of every COMPLETED task with noop=true,
// and serialises it to a string for embedding in the execute request
// body's noopTasksSet field (spec.md §4.E, §6 NOOP_TASK_SET_SIZE, §8
// invariant 6: no false negatives).
func PrepareNoOpTaskBloomFilter(tasks []models.Task, setSize uint) (string, error) {
	filter := bloom.NewWithEstimates(setSize, falsePositiveRate)

	for _, t := range tasks {
		if t.Status == models.TaskCompleted && t.Noop {
			filter.AddString(t.IdempotencyKey)
		}
	}

	raw, err := filter.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeNoOpTaskBloomFilter reverses PrepareNoOpTaskBloomFilter, used
// only by tests to assert soundness (spec.md §8 invariant 6).
func DecodeNoOpTaskBloomFilter(encoded string) (*bloom.BloomFilter, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	filter := &bloom.BloomFilter{}
	if err := filter.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return filter, nil
}
