//go:build linux

package power

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/coreos/go-systemd/v22/login1"

	"shutdownd/pkg/logx"
)

// logindConn is the slice of login1.Conn the power-off path needs, swappable
// in tests.
type logindConn interface {
	PowerOff(askForAuth bool)
	Close()
}

var newLogindConn = func() (logindConn, error) { return login1.New() }

// osPowerOff asks logind for a clean power-off; a forceful one bypasses
// inhibitors via systemctl. Falls back to systemctl when D-Bus is absent
// (containers, minimal systems).
func (s *Service) osPowerOff(ctx context.Context, force bool) error {
	if force {
		return s.systemctlPowerOff(ctx, true)
	}

	conn, err := newLogindConn()
	if err != nil {
		s.log.Warn("logind unavailable, falling back to systemctl", logx.Err(err))
		return s.systemctlPowerOff(ctx, false)
	}
	defer conn.Close()

	// PowerOff is fire-and-forget on the bus; never issue it for a job that
	// was canceled while the prompt was up.
	if err := ctx.Err(); err != nil {
		return err
	}
	conn.PowerOff(false)
	return nil
}

func (s *Service) systemctlPowerOff(ctx context.Context, force bool) error {
	args := []string{"poweroff"}
	if force {
		args = append(args, "--force")
	}
	if out, err := exec.CommandContext(ctx, "systemctl", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl poweroff: %w (%s)", err, out)
	}
	return nil
}
