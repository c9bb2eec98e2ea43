package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Duration parses a duration-valued config field, with def standing in for an
// empty value. Negative durations are rejected; the field path prefixes any
// error so the operator can find the offending line.
func Duration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// Validate checks cross-field invariants before a config is committed. It is
// also wired as the Watch validator so a broken edit never replaces a
// working runtime config.
func Validate(ctx context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch cfg.Storage.Driver {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path: required")
	}
	if _, err := Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		return err
	}

	if _, err := Duration("scheduler.warn_lead", cfg.Scheduler.WarnLead, 0); err != nil {
		return err
	}
	if cfg.Scheduler.FastForwardCap < 0 {
		return fmt.Errorf("scheduler.fast_forward_cap: must be >= 0")
	}

	if _, err := Duration("notify.timeout", cfg.Notify.Timeout, 0); err != nil {
		return err
	}
	if cfg.Notify.RatePerMin < 0 {
		return fmt.Errorf("notify.rate_per_min: must be >= 0")
	}

	if _, err := Duration("power.confirm_timeout", cfg.Power.ConfirmTimeout, 0); err != nil {
		return err
	}

	if cfg.Logging.File.Enabled && cfg.Logging.File.Path == "" {
		return fmt.Errorf("logging.file.path: required when file logging is enabled")
	}
	return nil
}
