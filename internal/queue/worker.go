package queue

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// backoffCap bounds exponential retry backoff regardless of retry count.
const backoffCap = 5 * time.Minute

// WorkerPool runs Registry-dispatched handlers against jobs pulled from a
// Manager, enforcing each job's soft/hard time limits and a per-pool memory
// ceiling sampled from the running process via gopsutil (standing in for the
// teacher's per-child-process memory cap, since this pool runs in-process
// rather than forking a child per worker).
type WorkerPool struct {
	manager  *Manager
	registry *Registry
	workers  int
	memCapMB int64

	stop    chan struct{}
	log     zerolog.Logger
	stopped bool
	started bool
	mu      sync.Mutex
}

// NewWorkerPool creates a pool of the given size. memCapMB of zero disables
// the memory cap check.
func NewWorkerPool(manager *Manager, registry *Registry, workers int, memCapMB int64) *WorkerPool {
	return &WorkerPool{
		manager:  manager,
		registry: registry,
		workers:  workers,
		memCapMB: memCapMB,
		stop:     make(chan struct{}),
		log:      zerolog.Nop(),
	}
}

// SetLogger sets the logger for the worker pool.
func (wp *WorkerPool) SetLogger(log zerolog.Logger) {
	wp.log = log.With().Str("component", "worker_pool").Logger()
}

// Start launches the configured number of worker goroutines.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started && !wp.stopped {
		wp.log.Warn().Msg("worker pool already started, ignoring")
		return
	}
	if wp.stopped {
		wp.stop = make(chan struct{})
		wp.stopped = false
	}
	wp.started = true
	for i := 0; i < wp.workers; i++ {
		go wp.worker(i)
	}
}

// Stop signals all workers to exit after their current job.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.stopped {
		close(wp.stop)
		wp.stopped = true
		wp.started = false
		wp.log.Info().Msg("worker pool stopped")
	}
}

func (wp *WorkerPool) worker(id int) {
	wp.log.Debug().Int("worker_id", id).Msg("worker started")
	for {
		select {
		case <-wp.stop:
			wp.log.Debug().Int("worker_id", id).Msg("worker stopped")
			return
		default:
		}

		if over, rss := wp.overMemoryCap(); over {
			wp.log.Warn().Int64("rss_mb", rss).Int64("cap_mb", wp.memCapMB).Msg("worker paused: over memory cap")
			time.Sleep(time.Second)
			continue
		}

		job, err := wp.manager.Dequeue()
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		wp.processJob(job)
	}
}

// overMemoryCap samples this process's resident set size via gopsutil. A
// sampling failure is treated as "not over" rather than blocking workers.
func (wp *WorkerPool) overMemoryCap() (bool, int64) {
	if wp.memCapMB <= 0 {
		return false, 0
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return false, 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return false, 0
	}
	rssMB := int64(info.RSS / (1024 * 1024))
	return rssMB > wp.memCapMB, rssMB
}

func (wp *WorkerPool) processJob(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			wp.log.Error().Interface("panic", r).Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("job handler panicked")
			wp.recordFailure(job)
		}
	}()

	handler, exists := wp.registry.Get(job.Type)
	if !exists {
		wp.log.Error().Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("no handler registered for job type")
		wp.recordFailure(job)
		return
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if job.HardTimeLimit > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.HardTimeLimit)
		defer cancel()
	}

	softWarn := make(chan struct{})
	if job.SoftTimeLimit > 0 {
		timer := time.AfterFunc(job.SoftTimeLimit, func() {
			wp.log.Warn().Str("job_id", job.ID).Str("job_type", string(job.Type)).Dur("soft_time_limit", job.SoftTimeLimit).Msg("job exceeded soft time limit")
			close(softWarn)
		})
		defer timer.Stop()
	}

	done := make(chan error, 1)
	go func() { done <- handler(ctx, job) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		wp.log.Error().Err(err).Str("job_id", job.ID).Str("job_type", string(job.Type)).Int("retries", job.Retries).Msg("job failed")
		wp.retryOrFail(job)
		return
	}

	wp.log.Debug().Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("job completed successfully")
	if err := wp.manager.RecordExecution(job.Type, "success"); err != nil {
		wp.log.Error().Err(err).Str("job_type", string(job.Type)).Msg("failed to record successful execution")
	}
}

func (wp *WorkerPool) retryOrFail(job *Job) {
	if job.Retries >= job.MaxRetries {
		wp.log.Error().Str("job_id", job.ID).Str("job_type", string(job.Type)).Msg("job failed after max retries")
		wp.recordFailure(job)
		return
	}

	job.Retries++
	delay := backoffWithJitter(job.Retries)
	job.AvailableAt = time.Now().Add(delay)
	if err := wp.manager.Enqueue(job); err != nil {
		wp.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to enqueue job for retry")
		wp.recordFailure(job)
		return
	}
	wp.log.Debug().Str("job_id", job.ID).Int("retries", job.Retries).Dur("delay", delay).Msg("retrying job")
}

func (wp *WorkerPool) recordFailure(job *Job) {
	if err := wp.manager.RecordExecution(job.Type, "failed"); err != nil {
		wp.log.Error().Err(err).Str("job_type", string(job.Type)).Msg("failed to record execution")
	}
}

// backoffWithJitter doubles the base delay per retry, capped, then adds up
// to a third of it as random jitter so many simultaneously-retrying jobs
// don't thunder back in lockstep.
func backoffWithJitter(retries int) time.Duration {
	base := time.Second
	for i := 1; i < retries; i++ {
		base *= 2
		if base > backoffCap {
			base = backoffCap
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(base)/3 + 1))
	return base + jitter
}
