package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Power     PowerConfig     `json:"power,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// StorageConfig selects where the scheduled-job state and the audit log live.
//
// Example:
//
//	"storage": { "driver": "file", "path": "/var/lib/shutdownd/shutdownd" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig tunes the scheduling engine.
//
// All durations are Go duration strings (e.g. "30s", "1m").
type SchedulerConfig struct {
	// WarnLead is how long before the target the warning fires (default "1m").
	WarnLead string `json:"warn_lead,omitempty"`
	// FastForwardCap bounds catch-up for recurring jobs restored from the past.
	FastForwardCap int `json:"fast_forward_cap,omitempty"`
	// SweepSpec is the cron spec of the janitor sweep (default every minute).
	SweepSpec string `json:"sweep_spec,omitempty"`
}

// NotifyConfig controls the pre-shutdown warning broadcast.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Command    string `json:"command,omitempty"`
	Message    string `json:"message,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
	Timeout    string `json:"timeout,omitempty"` // Go duration string
}

// PowerConfig controls the confirmation prompt and the power-off itself.
type PowerConfig struct {
	ConfirmCommand string `json:"confirm_command,omitempty"`
	ConfirmTimeout string `json:"confirm_timeout,omitempty"` // Go duration string
	DryRun         bool   `json:"dry_run,omitempty"`
}
