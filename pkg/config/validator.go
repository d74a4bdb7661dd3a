package config

import (
	"errors"
	"fmt"
	"time"
)

// Validator checks a resolved Config section by section and collects every
// problem instead of stopping at the first one.
type Validator struct {
	cfg  *Config
	errs []error
}

// NewValidator creates a validator for the given config.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates every section and returns the combined error, or
// nil when the configuration is usable.
func (v *Validator) ValidateAll() error {
	v.validateScheduler()
	v.validateRouter()
	v.validateBatch()
	v.validateRetention()
	v.validateRateLimits()

	if len(v.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidationFailed, errors.Join(v.errs...))
}

func (v *Validator) addError(section, field string, err error) {
	v.errs = append(v.errs, NewValidationError(section, field, err))
}

func (v *Validator) validateScheduler() {
	s := v.cfg.Scheduler
	if s.WorkerCount < 1 {
		v.addError("scheduler", "worker_count", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if s.MaxConcurrentJobs < 1 {
		v.addError("scheduler", "max_concurrent_jobs", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if s.PollInterval <= 0 {
		v.addError("scheduler", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.PollIntervalJitter < 0 || s.PollIntervalJitter >= s.PollInterval {
		v.addError("scheduler", "poll_interval_jitter", fmt.Errorf("%w: must be in [0, poll_interval)", ErrInvalidValue))
	}
	if s.DefaultLockLifetime <= 0 {
		v.addError("scheduler", "default_lock_lifetime", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.MaxRetries < 0 {
		v.addError("scheduler", "max_retries", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
}

func (v *Validator) validateRouter() {
	r := v.cfg.Router
	if r.HeartbeatInterval <= 0 {
		v.addError("router", "heartbeat_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.StaleMultiplier < 2 {
		v.addError("router", "stale_multiplier", fmt.Errorf("%w: must be at least 2", ErrInvalidValue))
	}
	// Change streams are expensive to open; a tight sweep loop hammers
	// the cluster on every reconcile.
	if r.SweepInterval < time.Minute {
		v.addError("router", "sweep_interval", fmt.Errorf("%w: must be at least 1m", ErrInvalidValue))
	}
}

func (v *Validator) validateBatch() {
	b := v.cfg.Batch
	if b.ScheduleInterval <= 0 {
		v.addError("batch", "schedule_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if b.PollInterval <= 0 {
		v.addError("batch", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if b.SubmitLockLifetime <= 0 || b.PollLockLifetime <= 0 || b.ProcessLockLifetime <= 0 {
		v.addError("batch", "lock_lifetimes", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if b.SubmitAttempts < 1 {
		v.addError("batch", "submit_attempts", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if b.SentimentDelay < 0 {
		v.addError("batch", "sentiment_delay", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if b.SentimentRetryDelay < 0 {
		v.addError("batch", "sentiment_retry_delay", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if b.TouchEvery < 1 {
		v.addError("batch", "touch_every", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
}

func (v *Validator) validateRetention() {
	r := v.cfg.Retention
	if r.CleanupInterval <= 0 {
		v.addError("retention", "cleanup_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.NotificationTTL <= 0 {
		v.addError("retention", "notification_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
}

func (v *Validator) validateRateLimits() {
	for name, rule := range v.cfg.RateLimits {
		if rule == nil {
			v.addError("rate_limits", name, ErrMissingRequiredField)
			continue
		}
		if rule.Limit < 1 {
			v.addError("rate_limits", name+".limit", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
		}
		if rule.Window <= 0 {
			v.addError("rate_limits", name+".window", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}
}
