package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nightwatchci/nightwatch/errors"
)

const (
	// MaxOrphanedJobsToRecover limits how many orphaned jobs are re-queued
	// on startup after an ungraceful shutdown
	MaxOrphanedJobsToRecover = 1000

	maxConsecutiveErrors = 5
	maxBackoff           = 30 * time.Second
	stopTimeout          = 30 * time.Second
)

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers           int           `json:"workers"`             // Number of concurrent workers
	PollInterval      time.Duration `json:"poll_interval"`       // How often to check for new jobs
	LaunchesPerMinute int           `json:"launches_per_minute"` // Rate limit on job starts (0 = unlimited)
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           1,
		PollInterval:      5 * time.Second,
		LaunchesPerMinute: 30,
	}
}

// WorkerPool manages a pool of workers that process queued jobs.
//
// Each executing job gets its own child context, tracked by job ID. When a
// job row transitions to cancelled (supersession, user cancel), the pool
// cancels that context so the handler can abandon the work mid-flight.
type WorkerPool struct {
	queue      *Queue
	db         *sql.DB
	poolConfig WorkerPoolConfig
	workers    int
	parentCtx  context.Context // Parent context from which worker context is derived
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	executor   JobExecutor
	limiter    *rate.Limiter // Nil when launch rate limiting is disabled
	logger     *zap.SugaredLogger

	mu            sync.Mutex
	activeWorkers int
	jobCancels    map[string]context.CancelFunc // Job ID -> cancel for in-flight jobs
	watchCh       chan *Job
}

// NewWorkerPool creates a worker pool with an empty handler registry.
// Callers must register handlers via Registry() before calling Start().
func NewWorkerPool(ctx context.Context, db *sql.DB, poolCfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	workerCtx, cancel := context.WithCancel(ctx)

	var limiter *rate.Limiter
	if poolCfg.LaunchesPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(poolCfg.LaunchesPerMinute)), poolCfg.LaunchesPerMinute)
	}

	registry := NewHandlerRegistry()

	return &WorkerPool{
		queue:      NewQueue(db),
		db:         db,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		executor:   NewRegistryExecutor(registry),
		limiter:    limiter,
		logger:     logger.Named("queue"),
		jobCancels: make(map[string]context.CancelFunc),
	}
}

// Start begins processing jobs with the worker pool.
// Jobs orphaned in "running" state by a previous crash are re-queued first.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// Recreate the worker context if Stop() was called earlier.
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Debugw("Recreated worker context after previous shutdown")
	default:
	}
	wp.mu.Unlock()

	if err := wp.recoverOrphanedJobs(); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", "error", err)
		// Continue starting workers even if recovery fails
	}

	wp.watchCancellations()

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Infow("Worker pool started", "workers", wp.workers, "poll_interval", wp.poolConfig.PollInterval)
}

// recoverOrphanedJobs re-queues jobs stuck in "running" state after an
// ungraceful shutdown (crash, kill -9, power loss).
func (wp *WorkerPool) recoverOrphanedJobs() error {
	runningStatus := JobStatusRunning
	orphaned, err := wp.queue.store.ListJobs(&runningStatus, MaxOrphanedJobsToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to list running jobs")
	}
	if len(orphaned) == 0 {
		return nil
	}

	wp.logger.Infow("Found orphaned jobs from previous shutdown", "count", len(orphaned))

	for _, job := range orphaned {
		job.Status = JobStatusQueued
		job.Error = "" // Clear any stale error message
		job.StartedAt = nil
		job.UpdatedAt = time.Now()
		if err := wp.queue.UpdateJob(job); err != nil {
			wp.logger.Warnw("Failed to re-queue orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		wp.logger.Infow("Re-queued orphaned job", "job_id", job.ID, "handler", job.HandlerName)
	}
	return nil
}

// watchCancellations subscribes to queue updates and cancels the context of
// any in-flight job whose row transitioned to cancelled.
func (wp *WorkerPool) watchCancellations() {
	wp.mu.Lock()
	wp.watchCh = wp.queue.Subscribe()
	ch := wp.watchCh
	wp.mu.Unlock()

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		for {
			select {
			case <-wp.ctx.Done():
				return
			case job, ok := <-ch:
				if !ok {
					return
				}
				if job.Status != JobStatusCancelled {
					continue
				}
				wp.mu.Lock()
				cancel, exists := wp.jobCancels[job.ID]
				wp.mu.Unlock()
				if exists {
					wp.logger.Infow("Cancelling in-flight job", "job_id", job.ID, "reason", job.Error)
					cancel()
				}
			}
		}
	}()
}

// Stop gracefully stops the worker pool. Workers observe context
// cancellation and exit; a 30-second timeout keeps shutdown from blocking
// indefinitely on a stuck job.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	wp.mu.Lock()
	if wp.watchCh != nil {
		wp.queue.Unsubscribe(wp.watchCh)
		wp.watchCh = nil
	}
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped, all workers exited cleanly")
	case <-time.After(stopTimeout):
		wp.logger.Warnw("Worker pool stop timeout, workers may still be finishing", "timeout", stopTimeout)
	}
}

// worker polls the queue and processes jobs until the pool context is done.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	interval := wp.poolConfig.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	errorCount := 0
	backoffDuration := time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			if err := wp.processNextJob(); err != nil {
				select {
				case <-wp.ctx.Done():
					// Shutting down, exit without logging
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) {
					// Database closed during shutdown
					return
				}

				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration)
					time.Sleep(backoffDuration)
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
			} else {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						"worker_id", id,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
			}
		}
	}
}

// processNextJob dequeues and executes one job, if any is available.
func (wp *WorkerPool) processNextJob() error {
	select {
	case <-wp.ctx.Done():
		return nil
	default:
	}

	// Launch rate limit gate: skip this poll cycle rather than burst.
	if wp.limiter != nil && !wp.limiter.Allow() {
		return nil
	}

	job, err := wp.queue.Dequeue()
	if err != nil {
		return errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return nil
	}

	jobCtx, jobCancel := context.WithCancel(wp.ctx)
	defer jobCancel()

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobCancels[job.ID] = jobCancel
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		delete(wp.jobCancels, job.ID)
		wp.mu.Unlock()
	}()

	if err := wp.executor.Execute(jobCtx, job); err != nil {
		select {
		case <-wp.ctx.Done():
			// Daemon shutdown mid-job: re-queue so the next start picks it up.
			wp.logger.Infow("Job interrupted by shutdown, re-queuing", "job_id", job.ID)
			job.Status = JobStatusQueued
			job.StartedAt = nil
			job.UpdatedAt = time.Now()
			if updateErr := wp.queue.UpdateJob(job); updateErr != nil {
				wp.logger.Errorw("Failed to re-queue interrupted job", "job_id", job.ID, "error", updateErr)
			}
			return nil
		default:
		}

		if errors.Is(err, errors.ErrSuperseded) || jobCtx.Err() != nil {
			// The job row was already marked cancelled by whoever superseded
			// it; nothing left to record.
			wp.logger.Infow("Job cancelled mid-flight", "job_id", job.ID)
			return nil
		}
		return wp.queue.FailJob(job.ID, err)
	}

	return wp.queue.CompleteJob(job.ID)
}

// GetQueue returns the job queue (useful for enqueuing jobs)
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry for registering job handlers.
// Register handlers before calling Start().
func (wp *WorkerPool) Registry() *HandlerRegistry {
	if registryExec, ok := wp.executor.(*RegistryExecutor); ok {
		return registryExec.registry
	}
	return nil
}
