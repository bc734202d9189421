package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	nwtesting "github.com/nightwatchci/nightwatch/internal/testing"
)

// recordingHandler counts executions and optionally blocks until cancelled.
type recordingHandler struct {
	name     string
	executed atomic.Int32
	block    bool
	err      error
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Execute(ctx context.Context, job *Job) error {
	h.executed.Add(1)
	if h.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.err
}

func newTestPool(t *testing.T, cfg WorkerPoolConfig) *WorkerPool {
	t.Helper()
	db := nwtesting.CreateTestDB(t)
	pool := NewWorkerPool(context.Background(), db, cfg, zap.NewNop().Sugar())
	t.Cleanup(pool.Stop)
	return pool
}

func fastPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      1,
		PollInterval: 20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestWorkerProcessesJob(t *testing.T) {
	pool := newTestPool(t, fastPoolConfig())
	handler := &recordingHandler{name: "pipeline.run"}
	pool.Registry().Register(handler)

	job, err := NewJob("pipeline.run", "pl_x", nil)
	require.NoError(t, err)
	require.NoError(t, pool.GetQueue().Enqueue(job))

	pool.Start()

	waitFor(t, 5*time.Second, func() bool {
		got, err := pool.GetQueue().GetJob(job.ID)
		return err == nil && got.Status == JobStatusCompleted
	})
	assert.Equal(t, int32(1), handler.executed.Load())
}

func TestWorkerFailsJobOnHandlerError(t *testing.T) {
	pool := newTestPool(t, fastPoolConfig())
	handler := &recordingHandler{name: "pipeline.run", err: assert.AnError}
	pool.Registry().Register(handler)

	job, err := NewJob("pipeline.run", "pl_x", nil)
	require.NoError(t, err)
	require.NoError(t, pool.GetQueue().Enqueue(job))

	pool.Start()

	waitFor(t, 5*time.Second, func() bool {
		got, err := pool.GetQueue().GetJob(job.ID)
		return err == nil && got.Status == JobStatusFailed
	})

	got, err := pool.GetQueue().GetJob(job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, assert.AnError.Error())
}

func TestWorkerFailsJobWithoutHandler(t *testing.T) {
	pool := newTestPool(t, fastPoolConfig())

	job, err := NewJob("unregistered.handler", "pl_x", nil)
	require.NoError(t, err)
	require.NoError(t, pool.GetQueue().Enqueue(job))

	pool.Start()

	waitFor(t, 5*time.Second, func() bool {
		got, err := pool.GetQueue().GetJob(job.ID)
		return err == nil && got.Status == JobStatusFailed
	})
}

func TestSupersessionCancelsInFlightJob(t *testing.T) {
	pool := newTestPool(t, fastPoolConfig())
	handler := &recordingHandler{name: "pipeline.run", block: true}
	pool.Registry().Register(handler)

	job, err := NewJob("pipeline.run", "pl_x", nil)
	require.NoError(t, err)
	require.NoError(t, pool.GetQueue().Enqueue(job))

	pool.Start()

	// Wait until the handler is blocked inside Execute.
	waitFor(t, 5*time.Second, func() bool {
		return handler.executed.Load() == 1
	})

	cancelled, err := pool.GetQueue().CancelActiveJobsBySource("pl_x", "superseded")
	require.NoError(t, err)
	require.Len(t, cancelled, 1)

	// The blocked handler unblocks via its job context; the job row keeps
	// the cancelled status written by the superseder.
	waitFor(t, 5*time.Second, func() bool {
		got, err := pool.GetQueue().GetJob(job.ID)
		return err == nil && got.Status == JobStatusCancelled
	})
}

func TestOrphanRecoveryOnStart(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	q := NewQueue(db)

	orphan, err := NewJob("pipeline.run", "pl_x", nil)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(orphan))
	orphan.Start()
	require.NoError(t, q.UpdateJob(orphan))

	pool := NewWorkerPool(context.Background(), db, fastPoolConfig(), zap.NewNop().Sugar())
	handler := &recordingHandler{name: "pipeline.run"}
	pool.Registry().Register(handler)
	t.Cleanup(pool.Stop)

	pool.Start()

	waitFor(t, 5*time.Second, func() bool {
		got, err := pool.GetQueue().GetJob(orphan.ID)
		return err == nil && got.Status == JobStatusCompleted
	})
}

func TestStopIsIdempotentAcrossRestart(t *testing.T) {
	db := nwtesting.CreateTestDB(t)
	pool := NewWorkerPool(context.Background(), db, fastPoolConfig(), zap.NewNop().Sugar())
	pool.Registry().Register(&recordingHandler{name: "pipeline.run"})

	pool.Start()
	pool.Stop()

	// Restart after stop must recreate the worker context.
	pool.Start()
	job, err := NewJob("pipeline.run", "pl_x", nil)
	require.NoError(t, err)
	require.NoError(t, pool.GetQueue().Enqueue(job))

	waitFor(t, 5*time.Second, func() bool {
		got, err := pool.GetQueue().GetJob(job.ID)
		return err == nil && got.Status == JobStatusCompleted
	})
	pool.Stop()
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(&recordingHandler{name: "pipeline.run"})

	assert.True(t, registry.Has("pipeline.run"))
	assert.Panics(t, func() {
		registry.Register(&recordingHandler{name: "pipeline.run"})
	})
	assert.ElementsMatch(t, []string{"pipeline.run"}, registry.Names())
}

func TestGetSystemMetrics(t *testing.T) {
	pool := newTestPool(t, fastPoolConfig())

	metrics := pool.GetSystemMetrics()
	assert.Equal(t, 1, metrics.WorkersTotal)
	assert.Equal(t, 0, metrics.WorkersActive)
	assert.GreaterOrEqual(t, metrics.MemoryTotalGB, 0.0)
}
