// Package notify delivers the pre-shutdown warning to the user: a message
// broadcast shortly before a scheduled power-off fires. Delivery is
// best-effort and rate-limited so a misbehaving schedule cannot spam the
// console.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shutdownd/pkg/logx"
)

type Config struct {
	Enabled bool `json:"enabled"`
	// Command is run for each warning with SHUTDOWND_JOB_ID and
	// SHUTDOWND_MESSAGE in its environment. Empty falls back to wall(1).
	Command string `json:"command"`
	// Message is the warning text. Empty uses a default.
	Message string `json:"message"`
	// RatePerMin caps warning deliveries per minute (default 6).
	RatePerMin int `json:"rate_per_min"`
	// Timeout bounds one delivery attempt (default 10s).
	Timeout time.Duration `json:"timeout"`
}

const defaultMessage = "The machine will power off in one minute."

// Service implements the warning collaborator. Safe for concurrent use; the
// engine calls Warn from per-job timer goroutines.
type Service struct {
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps the config at runtime. In-flight deliveries finish under the
// old settings.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Message == "" {
		cfg.Message = defaultMessage
	}
	s.mu.Lock()
	s.cfg = cfg
	// Token bucket: burst = per-minute cap, refill spread over the minute.
	s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin)
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Warn delivers the pre-shutdown warning for one job. Failures are logged,
// never propagated: a lost warning must not block the shutdown itself.
func (s *Service) Warn(ctx context.Context, jobID string) {
	cfg, lim := s.snapshot()
	if !cfg.Enabled {
		return
	}
	if !lim.Allow() {
		s.log.Warn("warning suppressed by rate limit", logx.String("id", jobID))
		return
	}

	if err := s.deliver(ctx, cfg, jobID); err != nil {
		s.log.Warn("warning delivery failed", logx.String("id", jobID), logx.Err(err))
		return
	}
	s.log.Info("shutdown warning delivered", logx.String("id", jobID))
}

// deliver runs one warning command to completion within cfg.Timeout. A
// command killed by the timeout is a failed delivery, not a success.
func (s *Service) deliver(ctx context.Context, cfg Config, jobID string) error {
	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cmd := s.buildCommand(cctx, cfg, jobID)
	err := cmd.Run()
	switch {
	case err == nil:
		return nil
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s: timed out after %s: %w", strings.Join(cmd.Args, " "), cfg.Timeout, context.DeadlineExceeded)
	default:
		return fmt.Errorf("%s: %w", strings.Join(cmd.Args, " "), err)
	}
}

func (s *Service) buildCommand(ctx context.Context, cfg Config, jobID string) *exec.Cmd {
	var cmd *exec.Cmd
	if cfg.Command != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", cfg.Command)
	} else {
		cmd = exec.CommandContext(ctx, "wall", cfg.Message)
	}
	cmd.Env = append(cmd.Environ(),
		"SHUTDOWND_JOB_ID="+jobID,
		"SHUTDOWND_MESSAGE="+cfg.Message)
	return cmd
}
