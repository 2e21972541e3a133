package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/walletcore/internal/queue"
)

func TestDefaultTasks_OneMainAndAltIngestPerMarketPlusCleanup(t *testing.T) {
	tasks := DefaultTasks([]string{"XNAS", "XLON"})
	assert.Len(t, tasks, 6, "2 markets x 2 providers + history cleanup + registry integrity check")

	var sawMain, sawAlt, sawCleanup bool
	for _, tk := range tasks {
		switch {
		case tk.JobType == queue.JobTypeHistoryCleanup:
			sawCleanup = true
		case tk.Payload["provider"] == "main":
			sawMain = true
		case tk.Payload["provider"] == "alt":
			sawAlt = true
		}
	}
	assert.True(t, sawMain)
	assert.True(t, sawAlt)
	assert.True(t, sawCleanup)
}

func TestScheduler_AddTaskRejectsBadCronExpression(t *testing.T) {
	s := New(queue.NewManager(queue.NewMemoryQueue(), queue.NewHistory(nil)), queue.NewRegistry(), 1, 0, zerolog.Nop())
	err := s.AddTask(Task{Name: "bad", CronExpr: "not a cron expression", JobType: queue.JobTypeHistoryCleanup})
	assert.Error(t, err)
}

func TestScheduler_EnqueueNowRunsThroughTheWorkerPool(t *testing.T) {
	registry := queue.NewRegistry()
	ran := make(chan struct{})
	registry.Register(queue.JobTypeMonthlySnapshot, func(ctx context.Context, job *queue.Job) error {
		close(ran)
		return nil
	})

	s := New(queue.NewManager(queue.NewMemoryQueue(), queue.NewHistory(nil)), registry, 1, 0, zerolog.Nop())
	s.Start()
	defer s.Stop()

	s.EnqueueNow(Task{Name: "snapshot:u1:2026-01", JobType: queue.JobTypeMonthlySnapshot, MaxRetries: 0})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("monthly snapshot task never ran")
	}
}

func TestScheduler_StopDoesNotPanicBeforeStart(t *testing.T) {
	s := New(queue.NewManager(queue.NewMemoryQueue(), queue.NewHistory(nil)), queue.NewRegistry(), 1, 0, zerolog.Nop())
	require.NotPanics(t, func() { s.Stop() })
}
