// Package queue backs the scheduler's job surface: per-market ingestion,
// job-history cleanup, and the registry-integrity check (spec.md §4.8) all
// flow through a Manager into a priority MemoryQueue drained by a WorkerPool.
package queue

import (
	"fmt"
	"time"
)

// Manager coordinates enqueueing ingestion/maintenance jobs with the
// run-history table that backs EnqueueIfShouldRun's interval gate.
type Manager struct {
	queue   *MemoryQueue
	history *History
}

// NewManager builds a Manager over the given queue and history store.
func NewManager(queue *MemoryQueue, history *History) *Manager {
	return &Manager{
		queue:   queue,
		history: history,
	}
}

// Enqueue adds a job to the queue.
func (m *Manager) Enqueue(job *Job) error {
	return m.queue.Enqueue(job)
}

// EnqueueIfShouldRun enqueues jobType only if it last ran more than interval
// ago, per the job_history table. The cron scheduler does not call it: its
// scheduled tasks are enqueued through Enqueue without this gate.
func (m *Manager) EnqueueIfShouldRun(jobType JobType, priority Priority, interval time.Duration, payload map[string]interface{}) bool {
	if !m.history.ShouldRun(jobType, interval) {
		return false
	}

	job := &Job{
		ID:          fmt.Sprintf("%s-%d", jobType, time.Now().UnixNano()),
		Type:        jobType,
		Priority:    priority,
		Payload:     payload,
		CreatedAt:   time.Now(),
		AvailableAt: time.Now(),
		Retries:     0,
		MaxRetries:  3,
	}

	if err := m.queue.Enqueue(job); err != nil {
		return false
	}

	return true
}

// Dequeue removes and returns the highest-priority job waiting to run.
func (m *Manager) Dequeue() (*Job, error) {
	return m.queue.Dequeue()
}

// Size returns the number of jobs currently queued.
func (m *Manager) Size() int {
	return m.queue.Size()
}

// RecordExecution logs a completed run (status "success"/"failed") for
// EnqueueIfShouldRun's interval gate and for scheduler observability.
func (m *Manager) RecordExecution(jobType JobType, status string) error {
	return m.history.RecordExecution(jobType, time.Now(), status)
}
