package queue

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrQueueEmpty is returned by Dequeue when no job is currently available
// (either the queue is empty or every job's AvailableAt is still in the
// future, e.g. waiting out a retry backoff).
var ErrQueueEmpty = errors.New("queue is empty")

// MemoryQueue is an in-process priority queue: jobs become eligible once
// AvailableAt has passed, and among eligible jobs the highest Priority wins,
// ties broken by earliest AvailableAt (first-scheduled-first-served).
type MemoryQueue struct {
	jobs []*Job
	mu   sync.Mutex
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make([]*Job, 0)}
}

// Enqueue adds a job.
func (q *MemoryQueue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

// Dequeue removes and returns the highest-priority job whose AvailableAt has
// passed. Prefetch is implicitly one: callers get exactly one job per call.
func (q *MemoryQueue) Dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil, ErrQueueEmpty
	}

	now := time.Now()
	eligible := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if !job.AvailableAt.After(now) {
			eligible = append(eligible, job)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrQueueEmpty
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].AvailableAt.Before(eligible[j].AvailableAt)
	})

	selected := eligible[0]
	for i, job := range q.jobs {
		if job == selected {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	return selected, nil
}

// Size returns the total number of jobs, eligible or not.
func (q *MemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
