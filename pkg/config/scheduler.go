package config

import "time"

// SchedulerConfig controls the durable job queue and its worker pool.
// Jobs are claimed from the shared agendaJobs collection, so these values
// apply per replica except where noted.
type SchedulerConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and claims due jobs.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentJobs is the global limit of jobs running across ALL
	// replicas/pods, enforced by a count of currently locked jobs.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// PollInterval is the base interval for checking due jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// DefaultLockLifetime applies to job definitions that do not set one.
	// A lock older than its lifetime is considered abandoned and the job
	// becomes claimable again.
	DefaultLockLifetime time.Duration `yaml:"default_lock_lifetime"`

	// TouchInterval is how often long-running handlers should refresh
	// their lock; exposed so handlers and tests agree on the cadence.
	TouchInterval time.Duration `yaml:"touch_interval"`

	// RetryBackoff is the base delay before a failed one-shot job is
	// retried; doubled per attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxRetries is the number of attempts for a failed one-shot job
	// before it is parked.
	MaxRetries int `yaml:"max_retries"`

	// GracefulShutdownTimeout is the max time to wait for running jobs
	// to finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		WorkerCount:             5,
		MaxConcurrentJobs:       5,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		DefaultLockLifetime:     10 * time.Minute,
		TouchInterval:           30 * time.Second,
		RetryBackoff:            30 * time.Second,
		MaxRetries:              3,
		GracefulShutdownTimeout: 15 * time.Minute,
	}
}
