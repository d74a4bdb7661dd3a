package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mentionlab/mentionlab/pkg/config"
)

// Pool manages a pool of job workers. Crash recovery needs no background
// task here: the claim query steals locks past their lifetime, so a dead
// replica's jobs flow back to the survivors on the next poll.
type Pool struct {
	podID  string
	sched  *Scheduler
	config *config.SchedulerConfig

	workers []*Worker

	// Run cancel registry: job id -> cancel function
	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool
}

// NewPool creates a new worker pool around a scheduler.
func NewPool(sched *Scheduler, cfg *config.SchedulerConfig) *Pool {
	if sched == nil {
		panic("scheduler.NewPool: sched must not be nil")
	}
	if cfg == nil {
		panic("scheduler.NewPool: cfg must not be nil")
	}
	return &Pool{
		podID:      sched.PodID(),
		sched:      sched,
		config:     cfg,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start spawns the worker goroutines.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool",
		"pod_id", p.podID,
		"worker_count", p.config.WorkerCount,
		"job_names", p.sched.definedNames())

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.sched, p.config, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current jobs before exiting (graceful shutdown).
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	// Log active runs
	active := p.activeRunIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete",
			"count", len(active),
			"job_ids", active)
	}

	// Signal all workers to stop (they finish current jobs)
	for _, worker := range p.workers {
		worker.Stop()
	}

	slog.Info("Worker pool stopped gracefully")
}

// StopWithTimeout stops the pool but cancels still-running jobs once the
// budget lapses. The interrupted runs keep their lock until its lifetime
// expires and then get reclaimed. Returns false when the budget was hit.
func (p *Pool) StopWithTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		stuck := p.activeRunIDs()
		slog.Warn("Graceful shutdown timed out, cancelling remaining jobs",
			"timeout", timeout,
			"job_ids", stuck)
		p.cancelAllRuns()
		<-done
		return false
	}
}

// RegisterRun stores a cancel function for an in-flight job run.
func (p *Pool) RegisterRun(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[jobID] = cancel
}

// UnregisterRun removes the cancel function when a run ends.
func (p *Pool) UnregisterRun(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, jobID)
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	ctx := context.Background()
	now := time.Now().UTC()
	names := p.sched.definedNames()
	coll := p.sched.client.Jobs()

	locked, errL := coll.CountDocuments(ctx, bson.M{
		"name":     bson.M{"$in": names},
		"lockedAt": bson.M{"$ne": nil},
	})
	if errL != nil {
		slog.Error("Failed to query locked jobs for health check",
			"pod_id", p.podID, "error", errL)
	}

	due, errD := coll.CountDocuments(ctx, bson.M{
		"name":      bson.M{"$in": names},
		"nextRunAt": bson.M{"$lte": now},
		"lockedAt":  nil,
	})
	if errD != nil {
		slog.Error("Failed to query due jobs for health check",
			"pod_id", p.podID, "error", errD)
	}

	parked, errP := coll.CountDocuments(ctx, bson.M{
		"name":      bson.M{"$in": names},
		"nextRunAt": nil,
	})
	if errP != nil {
		slog.Error("Failed to query parked jobs for health check",
			"pod_id", p.podID, "error", errP)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	// DB errors affect health status - if we can't reach the DB, we're not healthy
	dbHealthy := errL == nil && errD == nil && errP == nil
	isHealthy := len(p.workers) > 0 && dbHealthy

	var dbError string
	switch {
	case errL != nil:
		dbError = fmt.Sprintf("locked jobs query failed: %v", errL)
	case errD != nil:
		dbError = fmt.Sprintf("due jobs query failed: %v", errD)
	case errP != nil:
		dbError = fmt.Sprintf("parked jobs query failed: %v", errP)
	}

	return &PoolHealth{
		IsHealthy:     isHealthy,
		DBReachable:   dbHealthy,
		DBError:       dbError,
		PodID:         p.podID,
		ActiveWorkers: activeWorkers,
		TotalWorkers:  len(p.workers),
		LockedJobs:    int(locked),
		MaxConcurrent: p.config.MaxConcurrentJobs,
		DueJobs:       int(due),
		ParkedJobs:    int(parked),
		WorkerStats:   workerStats,
	}
}

// activeRunIDs returns the ids of currently running jobs (for logging).
func (p *Pool) activeRunIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	runs := make([]string, 0, len(p.activeRuns))
	for id := range p.activeRuns {
		runs = append(runs, id)
	}
	return runs
}

// cancelAllRuns cancels every registered run context.
func (p *Pool) cancelAllRuns() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, cancel := range p.activeRuns {
		cancel()
	}
}
