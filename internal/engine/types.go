package engine

import (
	"context"
	"time"

	"shutdownd/internal/recurrence"
	"shutdownd/internal/timer"
)

// Decision is the user's answer to the last-moment confirmation prompt.
type Decision int

const (
	// Confirmed means the collaborator proceeded with the power-off action.
	Confirmed Decision = iota
	// UserCanceled means the user aborted at the prompt.
	UserCanceled
)

// Warner receives the fire-and-forget notification ~1 minute before a job
// executes. Implemented outside the engine (desktop notification, sound).
type Warner interface {
	Warn(ctx context.Context, jobID string)
}

// Executor owns the confirmation prompt and the actual OS power-off. It may
// block on user input for an unbounded time; the engine cancels ctx when the
// job is canceled mid-prompt, and implementations must not perform the OS
// action once ctx is done.
type Executor interface {
	ConfirmAndExecute(ctx context.Context, jobID string, force bool) (Decision, error)
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// WarnLead is how long before the target time the warning fires (default 1m).
	WarnLead time.Duration
	// FastForwardCap bounds the catch-up loop for recurring jobs whose target
	// is in the past (default 10000). Guards against a calculator bug
	// producing non-advancing timestamps.
	FastForwardCap int
	// SweepSpec is the cron spec of the janitor sweep re-arming jobs that lost
	// their timers (default "* * * * *"). Empty disables the sweep only when
	// Disabled is also set by tests.
	SweepSpec string
}

func (c Config) withDefaults() Config {
	if c.WarnLead <= 0 {
		c.WarnLead = time.Minute
	}
	if c.FastForwardCap <= 0 {
		c.FastForwardCap = 10000
	}
	if c.SweepSpec == "" {
		c.SweepSpec = "* * * * *"
	}
	return c
}

// JobInfo is the externally visible snapshot of one scheduled job.
type JobInfo struct {
	ID         string
	Target     time.Time
	Force      bool
	Recurrence recurrence.Kind
}

// job is the live record. Timer handles are process-local and exclusively
// owned by the engine; they are never serialized.
type job struct {
	id     string
	target time.Time
	force  bool
	kind   recurrence.Kind

	warnHandle timer.Handle
	fireHandle timer.Handle

	// firingCancel aborts an in-flight confirmation prompt when the job is
	// canceled mid-fire. Nil outside the firing critical section.
	firingCancel context.CancelFunc
}
