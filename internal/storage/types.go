package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// TimeLayout is the durable representation of a job's target time.
// Minute precision, local wall clock.
const TimeLayout = "2006-01-02 15:04"

// AuditTimeLayout stamps audit log lines.
const AuditTimeLayout = "2006-01-02 15:04:05"

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (JSON state + text audit log)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is the durable shape of a scheduled job. Timer handles are
// process-local and never stored.
type JobRecord struct {
	Target     time.Time
	Force      bool
	Recurrence string
}
