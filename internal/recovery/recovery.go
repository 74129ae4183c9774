// File: internal/recovery/recovery.go
// Description: Browser health checks and the ordered recovery ladder. The
// controller always tries the least destructive action that can restore a
// working page: soft reload first, fresh tab second, and a full process
// relaunch only when the control endpoint itself is gone. Relaunching is
// gated twice, by per-run authorization and by a host-wide single-writer
// approval record, so concurrent runs sharing one browser never race a
// restart.

package recovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/config"
)

// Sentinel errors the orchestrator translates into run outcomes.
var (
	// ErrRestartNotAuthorized means a relaunch is required but the run
	// was not started with restart authorization.
	ErrRestartNotAuthorized = errors.New("browser restart required but not authorized")

	// ErrRestartContended means another run on this host currently holds
	// the restart approval record.
	ErrRestartContended = errors.New("browser restart already claimed by another run")

	// ErrTerminateTimeout means the browser ignored the graceful
	// terminate signal and force-kill was not authorized.
	ErrTerminateTimeout = errors.New("browser did not exit after terminate signal")
)

// Action names what the recovery ladder ended up doing.
type Action string

const (
	ActionNone     Action = "none"
	ActionReload   Action = "reload"
	ActionNewPage  Action = "new-page"
	ActionRelaunch Action = "relaunch"
)

// Outcome reports the action taken. NewPage is non-nil when the original
// page handle was replaced and the caller must renavigate.
type Outcome struct {
	Action  Action
	NewPage schemas.PageHandle
}

// Controller runs health checks and recovery for one browser instance.
type Controller struct {
	cfg        config.RecoveryConfig
	profileDir string
	launcher   schemas.Launcher
	store      schemas.RunStore
	log        *zap.Logger

	client *http.Client
	now    func() time.Time
}

// NewController creates a recovery controller bound to one launcher.
func NewController(cfg config.RecoveryConfig, profileDir string, launcher schemas.Launcher, store schemas.RunStore, logger *zap.Logger) *Controller {
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Controller{
		cfg:        cfg,
		profileDir: profileDir,
		launcher:   launcher,
		store:      store,
		log:        logger.Named("recovery"),
		client:     &http.Client{Timeout: probeTimeout},
		now:        time.Now,
	}
}

// CheckHealth probes, in order, the control endpoint, the browser's
// script runtime, and the page document. Later probes are skipped once an
// earlier one fails; they cannot succeed without it.
func (c *Controller) CheckHealth(ctx context.Context, page schemas.PageHandle) schemas.RecoveryHealth {
	started := c.now()
	health := schemas.RecoveryHealth{CheckedAt: started}

	health.EndpointReachable = c.probeEndpoint(ctx)
	if health.EndpointReachable && page != nil {
		health.RuntimeResponsive = c.probeRuntime(ctx, page)
	}
	if health.RuntimeResponsive {
		health.PageResponsive = c.probePage(ctx, page)
	}

	health.Latency = c.now().Sub(started)
	c.log.Debug("Health check complete.",
		zap.Bool("endpoint", health.EndpointReachable),
		zap.Bool("runtime", health.RuntimeResponsive),
		zap.Bool("page", health.PageResponsive),
		zap.Duration("latency", health.Latency))
	return health
}

func (c *Controller) probeEndpoint(ctx context.Context) bool {
	url := c.launcher.EndpointURL()
	if url == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/json/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Controller) probeRuntime(ctx context.Context, page schemas.PageHandle) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout())
	defer cancel()

	var echo int
	if err := page.Evaluate(probeCtx, "1 + 1", &echo); err != nil {
		return false
	}
	return echo == 2
}

func (c *Controller) probePage(ctx context.Context, page schemas.PageHandle) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout())
	defer cancel()

	var ready string
	if err := page.Evaluate(probeCtx, "document.readyState", &ready); err != nil {
		return false
	}
	return ready == "complete" || ready == "interactive"
}

func (c *Controller) probeTimeout() time.Duration {
	if c.cfg.ProbeTimeout > 0 {
		return c.cfg.ProbeTimeout
	}
	return 5 * time.Second
}

func (c *Controller) reloadTimeout() time.Duration {
	if c.cfg.ReloadTimeout > 0 {
		return c.cfg.ReloadTimeout
	}
	return 30 * time.Second
}

func (c *Controller) terminateWait() time.Duration {
	if c.cfg.TerminateWait > 0 {
		return c.cfg.TerminateWait
	}
	return 10 * time.Second
}

// Recover walks the ladder until a working page exists or no authorized
// action remains. run supplies the restart authorization flags and the
// identity under which the host-wide approval record is claimed.
func (c *Controller) Recover(ctx context.Context, page schemas.PageHandle, run *schemas.Run) (*Outcome, error) {
	health := c.CheckHealth(ctx, page)
	if health.Healthy() {
		return &Outcome{Action: ActionNone}, nil
	}

	if health.EndpointReachable {
		// The process is alive; the page is the problem. Soft reload,
		// then a fresh tab if the reload itself hangs.
		if page != nil {
			reloadCtx, cancel := context.WithTimeout(ctx, c.reloadTimeout())
			err := page.Reload(reloadCtx)
			cancel()
			if err == nil && c.probeRuntime(ctx, page) && c.probePage(ctx, page) {
				c.log.Info("Recovered via page reload.")
				return &Outcome{Action: ActionReload}, nil
			}
			c.log.Warn("Page reload did not restore responsiveness; opening a fresh tab.", zap.Error(err))
		}

		fresh, err := c.launcher.OpenPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open replacement tab: %w", err)
		}
		c.log.Info("Recovered via replacement tab.")
		return &Outcome{Action: ActionNewPage, NewPage: fresh}, nil
	}

	// The endpoint is gone: only a relaunch can help, and only when the
	// run explicitly authorized it.
	if run == nil || !run.Config.AllowRestart {
		return nil, ErrRestartNotAuthorized
	}

	claimed, err := c.store.AcquireRestartApproval(run.Config.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim restart approval: %w", err)
	}
	if !claimed {
		return nil, ErrRestartContended
	}
	defer func() {
		if relErr := c.store.ReleaseRestartApproval(run.Config.ID); relErr != nil {
			c.log.Warn("Failed to release restart approval record.", zap.Error(relErr))
		}
	}()

	fresh, err := c.relaunch(ctx, run.Config.ForceKill, run.Config.Visible)
	if err != nil {
		return nil, err
	}
	return &Outcome{Action: ActionRelaunch, NewPage: fresh}, nil
}

// relaunch tears the browser process down and starts a new one on the
// same profile. Graceful close first, then a terminate signal, then a
// kill only when explicitly authorized.
func (c *Controller) relaunch(ctx context.Context, forceKill, visible bool) (schemas.PageHandle, error) {
	c.log.Warn("Relaunching browser process.", zap.Int("pid", c.launcher.ProcessID()))

	closeCtx, cancel := context.WithTimeout(ctx, c.terminateWait())
	closeErr := c.launcher.CloseGracefully(closeCtx)
	cancel()

	if closeErr != nil || c.processAlive() {
		if err := c.launcher.Terminate(ctx, false); err != nil {
			c.log.Debug("Terminate signal failed.", zap.Error(err))
		}
		if !c.awaitExit(ctx) {
			if !forceKill {
				return nil, ErrTerminateTimeout
			}
			if err := c.launcher.Terminate(ctx, true); err != nil {
				return nil, fmt.Errorf("force kill failed: %w", err)
			}
			if !c.awaitExit(ctx) {
				return nil, fmt.Errorf("browser process survived force kill")
			}
		}
	}

	if err := c.launcher.Launch(ctx, c.profileDir, visible); err != nil {
		return nil, fmt.Errorf("browser relaunch failed: %w", err)
	}
	page, err := c.launcher.OpenPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open page after relaunch: %w", err)
	}
	c.log.Info("Browser relaunched.", zap.Int("pid", c.launcher.ProcessID()))
	return page, nil
}

// awaitExit polls for process exit until the terminate wait elapses.
func (c *Controller) awaitExit(ctx context.Context) bool {
	deadline := c.now().Add(c.terminateWait())
	for c.now().Before(deadline) {
		if !c.processAlive() {
			return true
		}
		select {
		case <-ctx.Done():
			return !c.processAlive()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return !c.processAlive()
}

// processAlive reports whether the launcher's owned process still exists.
// An attached instance has no known PID and is treated as gone.
func (c *Controller) processAlive() bool {
	pid := c.launcher.ProcessID()
	if pid == 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		// FindProcess succeeding is the best signal available there.
		return true
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
