package config

import "time"

// RetentionConfig controls the background retention service. Workspace
// data windows come from billing plans; these values control the sweep
// itself and the TTLs of operational records that have no plan dimension.
type RetentionConfig struct {
	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// NotificationTTL is how long processed batch notifications are kept.
	NotificationTTL time.Duration `yaml:"notification_ttl"`

	// JobRecordTTL is how long finished one-shot job records stay in the
	// queue collection.
	JobRecordTTL time.Duration `yaml:"job_record_ttl"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		CleanupInterval: 12 * time.Hour,
		NotificationTTL: 7 * 24 * time.Hour,
		JobRecordTTL:    7 * 24 * time.Hour,
	}
}
