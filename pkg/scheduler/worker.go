package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mentionlab/mentionlab/pkg/config"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single pool worker that polls for and runs due jobs.
type Worker struct {
	id       string
	podID    string
	sched    *Scheduler
	config   *config.SchedulerConfig
	pool     RunRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	currentJob    string
	jobsProcessed int
	lastActivity  time.Time
}

// RunRegistry is the subset of Pool used by Worker for run registration.
type RunRegistry interface {
	RegisterRun(jobID string, cancel context.CancelFunc)
	UnregisterRun(jobID string)
}

// NewWorker creates a new pool worker.
func NewWorker(id, podID string, sched *Scheduler, cfg *config.SchedulerConfig, pool RunRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		sched:        sched,
		config:       cfg,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		CurrentJob:    w.currentJob,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a job, and runs it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers
	//    but bounded by WorkerCount and mitigated by poll jitter).
	locked, err := w.sched.lockedCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to check locked jobs: %w", err)
	}
	if locked >= int64(w.config.MaxConcurrentJobs) {
		return ErrAtCapacity
	}

	// 2. Claim the next due job
	job, err := w.sched.claimNext(ctx, w.id)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID(), "job_name", job.Name(), "worker_id", w.id)
	log.Info("Job claimed")

	w.setStatus(WorkerStatusWorking, job)
	defer w.setStatus(WorkerStatusIdle, nil)

	// 3. Run context: cancelled on shutdown or when the lock is lost
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// 4. Register cancel function so the pool can report and cut off runs
	w.pool.RegisterRun(job.ID(), cancelRun)
	defer w.pool.UnregisterRun(job.ID())

	// 5. Start heartbeat to keep the lock fresh while the handler runs
	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job, cancelRun)

	// 6. Run the handler
	runErr := w.invoke(runCtx, job)

	// 7. Stop heartbeat before releasing the claim
	cancelHeartbeat()

	// 8. Release the claim (use background context — run ctx may be cancelled)
	if err := w.sched.complete(context.Background(), job, runErr); err != nil {
		if errors.Is(err, ErrLockLost) {
			log.Warn("Job already reclaimed by another worker", "error", err)
			return nil
		}
		log.Error("Failed to release job", "error", err)
		return err
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	if runErr != nil {
		log.Warn("Job run failed", "error", runErr)
	} else {
		log.Info("Job run complete")
	}
	return nil
}

// invoke runs the handler, converting a panic into a failed run so one bad
// payload cannot take the worker down.
func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	def, ok := w.sched.definition(job.Name())
	if !ok {
		return fmt.Errorf("claimed job %s: %w", job.Name(), ErrNotDefined)
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job handler panicked",
				"job_id", job.ID(),
				"job_name", job.Name(),
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return def.handler(ctx, job)
}

// runHeartbeat refreshes the job lock so a live run outlasts its lock
// lifetime. Losing the lock cancels the run: another replica owns it now.
func (w *Worker) runHeartbeat(ctx context.Context, job *Job, cancelRun context.CancelFunc) {
	ticker := time.NewTicker(w.config.TouchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := job.Touch(ctx); err != nil {
				if errors.Is(err, ErrLockLost) {
					slog.Warn("Job lock lost, cancelling run",
						"job_id", job.ID(), "job_name", job.Name())
					cancelRun()
					return
				}
				slog.Warn("Job touch failed", "job_id", job.ID(), "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	if job != nil {
		w.currentJobID = job.ID()
		w.currentJob = job.Name()
	} else {
		w.currentJobID = ""
		w.currentJob = ""
	}
	w.lastActivity = time.Now()
}
