// File: internal/focus/focus.go
// Description: Best-effort suppression of browser focus stealing. The
// engine runs alongside a human using the same desktop, so a freshly
// launched window grabbing the foreground is a real annoyance. No portable
// mechanism exists; this guard uses whatever hint the platform offers and
// reports failure so the run can record the degraded guarantee without
// ever blocking on it.

package focus

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"

	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
)

// Guard implements schemas.FocusGuard.
type Guard struct {
	log *zap.Logger

	// lookPath and runCmd are swappable for tests.
	lookPath func(file string) (string, error)
	runCmd   func(ctx context.Context, name string, args ...string) error
}

var _ schemas.FocusGuard = (*Guard)(nil)

// New creates a platform focus guard.
func New(logger *zap.Logger) *Guard {
	return &Guard{
		log:      logger.Named("focus"),
		lookPath: exec.LookPath,
		runCmd: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Suppress tries to keep the browser window out of the foreground. An
// error only means the guarantee is degraded, never that the run failed.
func (g *Guard) Suppress(ctx context.Context, pid int) error {
	if pid == 0 {
		return fmt.Errorf("no owned browser process; cannot manage its window")
	}

	switch runtime.GOOS {
	case "linux":
		return g.suppressX11(ctx, pid)
	case "darwin":
		return g.suppressDarwin(ctx, pid)
	default:
		return fmt.Errorf("no focus suppression mechanism on %s", runtime.GOOS)
	}
}

// suppressX11 demotes the browser window via wmctrl when available.
func (g *Guard) suppressX11(ctx context.Context, pid int) error {
	path, err := g.lookPath("wmctrl")
	if err != nil {
		return fmt.Errorf("wmctrl not installed; focus may be stolen")
	}
	// -b add,below keeps the window stacked under the active one.
	if err := g.runCmd(ctx, path, "-x", "-r", "chrome", "-b", "add,below"); err != nil {
		return fmt.Errorf("wmctrl failed for pid %d: %w", pid, err)
	}
	g.log.Debug("Browser window demoted below the active window.", zap.Int("pid", pid))
	return nil
}

// suppressDarwin hides the app's windows through the scripting bridge.
func (g *Guard) suppressDarwin(ctx context.Context, pid int) error {
	path, err := g.lookPath("osascript")
	if err != nil {
		return fmt.Errorf("osascript unavailable; focus may be stolen")
	}
	script := `tell application "System Events" to set visible of (first process whose unix id is ` + strconv.Itoa(pid) + `) to false`
	if err := g.runCmd(ctx, path, "-e", script); err != nil {
		return fmt.Errorf("window hide failed for pid %d: %w", pid, err)
	}
	g.log.Debug("Browser window hidden.", zap.Int("pid", pid))
	return nil
}
