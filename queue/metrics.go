package queue

import (
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"` // Workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`  // Total configured workers
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	LoadAvg1      float64 `json:"load_avg_1"` // 1-minute load average
	JobsQueued    int     `json:"jobs_queued"`
	JobsRunning   int     `json:"jobs_running"`
}

// GetSystemMetrics returns current system resource usage alongside queue
// depth. Metric collection failures degrade to zero values rather than
// erroring; this feeds status output, not control flow.
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	metrics := SystemMetrics{
		WorkersTotal: wp.workers,
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryTotalGB = float64(vm.Total) / 1024 / 1024 / 1024
		metrics.MemoryUsedGB = float64(vm.Used) / 1024 / 1024 / 1024
		metrics.MemoryPercent = vm.UsedPercent
	}

	if avg, err := load.Avg(); err == nil {
		metrics.LoadAvg1 = avg.Load1
	}

	queued, running, err := wp.queue.GetJobCounts()
	if err == nil {
		metrics.JobsQueued = queued
		metrics.JobsRunning = running
	}

	wp.mu.Lock()
	metrics.WorkersActive = wp.activeWorkers
	wp.mu.Unlock()

	return metrics
}
