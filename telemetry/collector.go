package telemetry

import (
	"sync"
	"time"
)

// TaskStats is a point-in-time sample of one task
type TaskStats struct {
	TaskID    string
	Processed int64
}

// JobStats is a point-in-time sample of one job
type JobStats struct {
	JobID    string
	Status   string
	Statuses []string
	Tasks    []TaskStats
}

// JobStatsProvider lists jobs for sampling
type JobStatsProvider interface {
	JobStats() []JobStats
}

// MetricsCollector periodically samples jobs and updates telemetry gauges
type MetricsCollector struct {
	provider JobStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider JobStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() {
		close(mc.stopCh)
	})
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	jobs := mc.provider.JobStats()
	JobsActive.Set(float64(len(jobs)))

	for _, job := range jobs {
		for _, status := range job.Statuses {
			value := 0.0
			if status == job.Status {
				value = 1
			}
			JobStatus.With(job.JobID, status).Set(value)
		}
		for _, task := range job.Tasks {
			TaskProcessed.With(job.JobID, task.TaskID).Set(float64(task.Processed))
		}
	}
}
