// Package scheduler provides the durable job queue on the shared agendaJobs
// collection and the worker pool that drains it.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Sentinel errors for scheduler operations.
var (
	// ErrNoJobsAvailable indicates no due jobs could be claimed.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrAtCapacity indicates the global concurrent job limit has been reached.
	ErrAtCapacity = errors.New("at capacity")

	// ErrNotDefined indicates an enqueue for a name no handler was defined for.
	ErrNotDefined = errors.New("job name not defined")

	// ErrLockLost indicates this run's fencing token no longer owns the job
	// record; a stale lock expired and another worker claimed the job.
	ErrLockLost = errors.New("job lock lost")
)

// HandlerFunc processes one claimed job. The context is cancelled on
// shutdown and when the lock is lost; a handler that keeps writing after
// that races the job's new owner.
type HandlerFunc func(ctx context.Context, job *Job) error

// Options configure a job definition.
type Options struct {
	// Concurrency caps how many runs of this name may hold a lock at once
	// across all replicas. Zero means no per-name cap.
	Concurrency int
	// LockLifetime is how long a claim stays valid without a touch. Zero
	// uses the configured default.
	LockLifetime time.Duration
}

// EnqueueOptions configure one enqueued job record.
type EnqueueOptions struct {
	// RunAt schedules the first run; zero means now.
	RunAt time.Time
	// RepeatEvery makes the job repeating. Zero means one-shot.
	RepeatEvery time.Duration
	// SkipImmediate pushes a repeating job's first run one interval out.
	SkipImmediate bool
	// Unique dedupes on (name, Unique): enqueueing an existing key keeps
	// the stored record and its schedule.
	Unique string
}

// JobRecord is the persisted shape of one job in the agendaJobs collection.
// NextRunAt nil parks the job: the claim query's $lte never matches null.
type JobRecord struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name      string             `bson:"name" json:"name"`
	UniqueKey string             `bson:"uniqueKey,omitempty" json:"uniqueKey,omitempty"`
	Data      json.RawMessage    `bson:"data,omitempty" json:"data,omitempty"`

	RepeatEveryMS int64      `bson:"repeatEveryMs,omitempty" json:"repeatEveryMs,omitempty"`
	NextRunAt     *time.Time `bson:"nextRunAt" json:"nextRunAt"`

	LockedAt  *time.Time `bson:"lockedAt" json:"lockedAt"`
	LockToken string     `bson:"lockToken,omitempty" json:"lockToken,omitempty"`
	LockedBy  string     `bson:"lockedBy,omitempty" json:"lockedBy,omitempty"`

	LastRunAt      *time.Time `bson:"lastRunAt,omitempty" json:"lastRunAt,omitempty"`
	LastFinishedAt *time.Time `bson:"lastFinishedAt,omitempty" json:"lastFinishedAt,omitempty"`
	FailCount      int        `bson:"failCount,omitempty" json:"failCount,omitempty"`
	FailReason     string     `bson:"failReason,omitempty" json:"failReason,omitempty"`
	FailedAt       *time.Time `bson:"failedAt,omitempty" json:"failedAt,omitempty"`
	Progress       int        `bson:"progress,omitempty" json:"progress,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// RepeatEvery returns the repeat interval, zero for one-shot jobs.
func (r *JobRecord) RepeatEvery() time.Duration {
	return time.Duration(r.RepeatEveryMS) * time.Millisecond
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	DBReachable   bool           `json:"db_reachable"`
	DBError       string         `json:"db_error,omitempty"`
	PodID         string         `json:"pod_id"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	LockedJobs    int            `json:"locked_jobs"`
	MaxConcurrent int            `json:"max_concurrent"`
	DueJobs       int            `json:"due_jobs"`
	ParkedJobs    int            `json:"parked_jobs"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	CurrentJob    string    `json:"current_job,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}

// JobStats is the per-name queue breakdown served by the stats endpoint.
type JobStats struct {
	Name   string `json:"name"`
	Due    int64  `json:"due"`
	Locked int64  `json:"locked"`
	Parked int64  `json:"parked"`
}
