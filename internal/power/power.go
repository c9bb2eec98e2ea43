// Package power owns the last step of a scheduled shutdown: the optional
// confirmation prompt and the OS power-off itself. It implements the
// engine's confirm-and-execute collaborator.
package power

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"shutdownd/internal/engine"
	"shutdownd/pkg/logx"
)

var ErrUnsupported = errors.New("power: OS power-off unsupported on this platform")

type Config struct {
	// ConfirmCommand is run when a job fires; exit 0 proceeds, any other exit
	// cancels. Empty means auto-confirm. The command sees SHUTDOWND_JOB_ID and
	// SHUTDOWND_FORCE in its environment and may block on user input.
	ConfirmCommand string `json:"confirm_command"`
	// ConfirmTimeout bounds the prompt; expiry counts as confirmation so an
	// unattended machine still powers off (default 55s, must stay under the
	// recurrence granularity).
	ConfirmTimeout time.Duration `json:"confirm_timeout"`
	// DryRun logs the power-off instead of performing it.
	DryRun bool `json:"dry_run"`
}

// Service prompts and powers off. One instance is shared by all jobs; the
// engine serializes nothing here, so everything must be reentrant.
type Service struct {
	log logx.Logger

	mu  sync.Mutex
	cfg Config

	// powerOff is swappable for tests.
	powerOff func(ctx context.Context, force bool) error
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log}
	s.powerOff = s.osPowerOff
	s.Apply(cfg)
	return s
}

// Apply swaps the config at runtime. Prompts already in flight keep their
// old settings.
func (s *Service) Apply(cfg Config) {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 55 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// ConfirmAndExecute runs the confirmation prompt, then the OS power-off.
// ctx is canceled when the job is canceled mid-prompt; once ctx is done the
// power-off must not happen, whatever the prompt returned.
func (s *Service) ConfirmAndExecute(ctx context.Context, jobID string, force bool) (engine.Decision, error) {
	cfg := s.config()
	ok, err := s.confirm(ctx, cfg, jobID, force)
	if ctx.Err() != nil {
		// Canceled while the prompt was up. Treat as a user cancel; the
		// engine has already forgotten the job.
		s.log.Info("confirmation aborted by cancel", logx.String("id", jobID))
		return engine.UserCanceled, nil
	}
	if err != nil {
		return engine.UserCanceled, err
	}
	if !ok {
		return engine.UserCanceled, nil
	}

	if cfg.DryRun {
		s.log.Warn("dry run: power-off skipped", logx.String("id", jobID), logx.Bool("force", force))
		return engine.Confirmed, nil
	}
	if err := s.powerOff(ctx, force); err != nil {
		return engine.Confirmed, err
	}
	s.log.Info("power-off requested", logx.String("id", jobID), logx.Bool("force", force))
	return engine.Confirmed, nil
}

// confirm returns true when the shutdown should proceed. No command means
// nobody to ask: proceed.
func (s *Service) confirm(ctx context.Context, cfg Config, jobID string, force bool) (bool, error) {
	if cfg.ConfirmCommand == "" {
		return true, nil
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.ConfirmTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", cfg.ConfirmCommand)
	forceEnv := "SHUTDOWND_FORCE=false"
	if force {
		forceEnv = "SHUTDOWND_FORCE=true"
	}
	cmd.Env = append(cmd.Environ(), "SHUTDOWND_JOB_ID="+jobID, forceEnv)

	err := cmd.Run()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		// Nobody answered: the scheduled shutdown wins.
		s.log.Info("confirmation prompt timed out, proceeding", logx.String("id", jobID))
		return true, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is the user saying no, not a failure.
			return false, nil
		}
		return false, err
	}
}
