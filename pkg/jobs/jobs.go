// Package jobs is the static registry of scheduled job names. Every name
// the system enqueues is declared here and wired to its handler at process
// start; there is no runtime discovery.
package jobs

import (
	"context"
	"fmt"

	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
)

// Job names. These are persisted in job records and listener rules, so
// renaming one is a data migration.
const (
	// ScheduleWorkspaceBatches scans due billing profiles and fans out
	// per-workspace submission jobs.
	ScheduleWorkspaceBatches = "schedule-workspace-batches"
	// SubmitWorkspaceBatches submits one workspace's prompt matrix to the
	// providers.
	SubmitWorkspaceBatches = "submit-workspace-batches"
	// PollProviderBatches asks providers about every in-flight batch.
	PollProviderBatches = "poll-provider-batches"
	// IngestBatchNotification turns a completion notification into stored
	// results.
	IngestBatchNotification = "ingest-batch-notification"
	// ProcessBatchResults fans out over a received batch's results.
	ProcessBatchResults = "process-batch-results"
)

// SubmitUniqueKey dedupes submission jobs per workspace: a cycle that ticks
// while the previous submission is still queued reuses its record.
func SubmitUniqueKey(workspaceID string) string {
	return "submit:" + workspaceID
}

// Handlers is the set of batch job handlers the registry wires up.
type Handlers interface {
	HandleSchedule(ctx context.Context, job *scheduler.Job) error
	HandleSubmit(ctx context.Context, job *scheduler.Job) error
	HandlePoll(ctx context.Context, job *scheduler.Job) error
	HandleIngest(ctx context.Context, job *scheduler.Job) error
	HandleProcess(ctx context.Context, job *scheduler.Job) error
}

// Register defines every job name with its handler, concurrency cap and
// lock lifetime. Must run before the worker pool starts.
func Register(sched *scheduler.Scheduler, h Handlers, cfg *config.BatchConfig) {
	if sched == nil {
		panic("jobs.Register: sched must not be nil")
	}
	if h == nil {
		panic("jobs.Register: handlers must not be nil")
	}
	if cfg == nil {
		panic("jobs.Register: cfg must not be nil")
	}

	sched.Define(ScheduleWorkspaceBatches, h.HandleSchedule, scheduler.Options{})
	sched.Define(SubmitWorkspaceBatches, h.HandleSubmit, scheduler.Options{
		Concurrency:  1,
		LockLifetime: cfg.SubmitLockLifetime,
	})
	sched.Define(PollProviderBatches, h.HandlePoll, scheduler.Options{
		// Provider batches run for hours; the heartbeat keeps the lock
		// alive, this lifetime only bounds crash recovery.
		LockLifetime: cfg.PollLockLifetime,
	})
	sched.Define(IngestBatchNotification, h.HandleIngest, scheduler.Options{})
	sched.Define(ProcessBatchResults, h.HandleProcess, scheduler.Options{
		Concurrency:  1,
		LockLifetime: cfg.ProcessLockLifetime,
	})
}

// EnqueueRepeating ensures the two repeating tick jobs exist. The unique
// key makes this idempotent across replicas and restarts.
func EnqueueRepeating(ctx context.Context, sched *scheduler.Scheduler, cfg *config.BatchConfig) error {
	if _, err := sched.Enqueue(ctx, ScheduleWorkspaceBatches, nil, scheduler.EnqueueOptions{
		RepeatEvery: cfg.ScheduleInterval,
		Unique:      "singleton",
	}); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", ScheduleWorkspaceBatches, err)
	}
	if _, err := sched.Enqueue(ctx, PollProviderBatches, nil, scheduler.EnqueueOptions{
		RepeatEvery: cfg.PollInterval,
		Unique:      "singleton",
	}); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", PollProviderBatches, err)
	}
	return nil
}
