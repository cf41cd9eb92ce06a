// Package jobs contains periodic background jobs started by the router.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often idle monitoring records are swept.
const DefaultCleanupInterval = time.Hour

// MonitoringCleaner removes idle monitoring records and reports how many.
type MonitoringCleaner interface {
	Cleanup(ctx context.Context, actor string) int
}

// MonitoringCleanupJob periodically removes monitoring records that have seen
// no activity for longer than the registry's inactive TTL.
type MonitoringCleanupJob struct {
	cleaner  MonitoringCleaner
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// runs counts completed sweeps; read by tests
	runs int
	mu   sync.Mutex
}

// NewMonitoringCleanupJob creates a new cleanup job
func NewMonitoringCleanupJob(cleaner MonitoringCleaner, interval time.Duration) *MonitoringCleanupJob {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &MonitoringCleanupJob{
		cleaner:  cleaner,
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the job until Stop is called or ctx is cancelled. It blocks;
// callers run it on its own goroutine.
func (j *MonitoringCleanupJob) Start(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	slog.Info("monitoring cleanup job started", "interval", j.interval)

	for {
		select {
		case <-ticker.C:
			j.runCleanup(ctx)
		case <-j.stopChan:
			slog.Info("monitoring cleanup job stopped")
			return
		case <-ctx.Done():
			slog.Info("monitoring cleanup job context cancelled")
			return
		}
	}
}

// Stop stops the job and waits for a running sweep to finish.
// It must only be called after Start has been launched.
func (j *MonitoringCleanupJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
	<-j.done
}

func (j *MonitoringCleanupJob) runCleanup(ctx context.Context) {
	n := j.cleaner.Cleanup(ctx, "system")
	if n > 0 {
		slog.Info("removed idle monitoring records", "count", n)
	}
	j.mu.Lock()
	j.runs++
	j.mu.Unlock()
}

func (j *MonitoringCleanupJob) runCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}
