package config

import "time"

// BatchConfig controls the batch job family: scheduling cadence, provider
// polling and result processing.
type BatchConfig struct {
	// ScheduleInterval is how often due billing profiles are scanned and
	// per-workspace submission jobs enqueued.
	ScheduleInterval time.Duration `yaml:"schedule_interval"`

	// PollInterval is how often in-flight provider batches are polled.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SubmitLockLifetime bounds one workspace submission run.
	SubmitLockLifetime time.Duration `yaml:"submit_lock_lifetime"`

	// PollLockLifetime bounds one polling sweep. Provider batches can take
	// hours, so this is deliberately long.
	PollLockLifetime time.Duration `yaml:"poll_lock_lifetime"`

	// ProcessLockLifetime bounds one result processing run.
	ProcessLockLifetime time.Duration `yaml:"process_lock_lifetime"`

	// SubmitAttempts is the number of tries for a provider submission
	// before the batch is marked failed.
	SubmitAttempts int `yaml:"submit_attempts"`

	// SubmitRetryDelay is the base delay between submission attempts;
	// grows exponentially.
	SubmitRetryDelay time.Duration `yaml:"submit_retry_delay"`

	// SentimentDelay is the minimum pause between consecutive sentiment
	// calls within one processing run, on top of the rate limiter.
	SentimentDelay time.Duration `yaml:"sentiment_delay"`

	// SentimentRetryDelay is the backoff before the single retry of a
	// failed sentiment call. Rate limits dominate these failures, so it is
	// deliberately long.
	SentimentRetryDelay time.Duration `yaml:"sentiment_retry_delay"`

	// TouchEvery is the number of processed result rows between lock
	// refreshes.
	TouchEvery int `yaml:"touch_every"`
}

// DefaultBatchConfig returns the built-in batch job defaults.
func DefaultBatchConfig() *BatchConfig {
	return &BatchConfig{
		ScheduleInterval:    5 * time.Minute,
		PollInterval:        10 * time.Minute,
		SubmitLockLifetime:  10 * time.Minute,
		PollLockLifetime:    24 * time.Hour,
		ProcessLockLifetime: 10 * time.Minute,
		SubmitAttempts:      3,
		SubmitRetryDelay:    2 * time.Second,
		SentimentDelay:      150 * time.Millisecond,
		SentimentRetryDelay: time.Minute,
		TouchEvery:          5,
	}
}
