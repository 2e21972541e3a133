package queue

import "time"

// JobType identifies a background task the scheduler can enqueue.
type JobType string

const (
	// JobTypeIngestMarket runs one pass of the ingestion pipeline for a
	// single market key.
	JobTypeIngestMarket JobType = "ingest_market"
	// JobTypeSyncDailyCandles triggers the quote client's server-side daily
	// candle sync for one symbol.
	JobTypeSyncDailyCandles JobType = "sync_daily_candles"
	// JobTypeMonthlySnapshot runs the snapshot engine for one user/month-key.
	JobTypeMonthlySnapshot JobType = "monthly_snapshot"
	// JobTypeHistoryCleanup prunes stale job_history rows.
	JobTypeHistoryCleanup JobType = "history_cleanup"
	// JobTypeRegistryIntegrityCheck runs the instrument registry's ongoing
	// integrity report (missing/duplicate/malformed ISINs, orphaned holding
	// references) and logs the result.
	JobTypeRegistryIntegrityCheck JobType = "registry_integrity_check"
)

// Priority represents job priority.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// Job is a queued task plus the per-task limits a scheduled run needs: a
// soft limit that only warns, a hard limit that cancels the task's context,
// and an acks-late flag. The worker pool does not read AcksLate: a job is
// removed from the queue when dequeued, is recorded done only after its
// handler returns successfully, and is recorded failed, not redelivered, when
// its handler panics.
type Job struct {
	ID          string
	Type        JobType
	Priority    Priority
	Payload     map[string]interface{}
	CreatedAt   time.Time
	AvailableAt time.Time
	Retries     int
	MaxRetries  int

	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	AcksLate      bool
}

// Queue is the minimal interface a job store must satisfy.
type Queue interface {
	Enqueue(job *Job) error
	Dequeue() (*Job, error)
	Size() int
}
