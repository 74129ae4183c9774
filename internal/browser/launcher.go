// File: internal/browser/launcher.go
// Description: Owns the Chrome process for one automation identity. The
// profile directory is a single-writer resource: if a browser is already
// serving it (its debugging endpoint answers), the launcher attaches to
// that instance instead of spawning a second one, and never touches any
// other browser on the host.

package browser

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Launcher implements schemas.Launcher over chromedp.
type Launcher struct {
	cfg config.BrowserConfig
	log *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc

	endpoint string
	pid      int
	reused   bool
}

var _ schemas.Launcher = (*Launcher)(nil)

// NewLauncher creates an unstarted launcher.
func NewLauncher(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	return &Launcher{cfg: cfg, log: logger.Named("launcher")}
}

// versionInfo is the subset of /json/version the launcher cares about.
type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// findChrome locates a Chrome executable when none is configured.
func findChrome() (string, error) {
	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		candidates = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	default:
		candidates = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"}
	}
	for _, c := range candidates {
		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			if _, err := os.Stat(c); err == nil {
				return c, nil
			}
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no Chrome or Chromium executable found; set browser.exec_path")
}

// EndpointURL returns the DevTools control endpoint used for health probes.
func (l *Launcher) EndpointURL() string { return l.endpoint }

// ProcessID returns the browser PID, or 0 when attached to a reused
// instance whose PID is unknown.
func (l *Launcher) ProcessID() int { return l.pid }

// Reused reports whether Launch attached to an already-running instance.
func (l *Launcher) Reused() bool { return l.reused }

// BrowserContext exposes the root chromedp context for page creation and
// health probing.
func (l *Launcher) BrowserContext() context.Context { return l.browserCtx }

// Launch starts Chrome with the dedicated profile, or attaches to an
// instance already serving it.
func (l *Launcher) Launch(ctx context.Context, profileDir string, visible bool) error {
	l.endpoint = fmt.Sprintf("http://127.0.0.1:%d", l.cfg.DebugPort)

	// 1. Probe for an existing instance on our port. Only our dedicated
	// debug port is ever probed; an unrelated human browser does not
	// listen there and is left alone.
	if wsURL, err := l.probeEndpoint(ctx); err == nil && wsURL != "" {
		l.log.Info("Attaching to already-running browser.", zap.String("endpoint", l.endpoint))
		l.allocCtx, l.allocCancel = chromedp.NewRemoteAllocator(context.Background(), wsURL)
		l.browserCtx, l.cancel = chromedp.NewContext(l.allocCtx)
		if err := chromedp.Run(l.browserCtx); err != nil {
			l.Shutdown()
			return fmt.Errorf("failed to attach to running browser: %w", err)
		}
		l.reused = true
		return nil
	}

	// 2. Fresh launch.
	execPath := l.cfg.ExecPath
	if execPath == "" {
		path, err := findChrome()
		if err != nil {
			return err
		}
		execPath = path
	}

	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("remote-debugging-port", fmt.Sprintf("%d", l.cfg.DebugPort)),
		chromedp.Flag("remote-debugging-address", "127.0.0.1"),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1440, 900),
	)
	if visible {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	for _, arg := range l.cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	l.allocCtx, l.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	l.browserCtx, l.cancel = chromedp.NewContext(l.allocCtx,
		chromedp.WithLogf(func(format string, v ...interface{}) {
			l.log.Debug(fmt.Sprintf("[chrome] "+format, v...))
		}),
	)

	// Run with no actions starts the process and connects CDP.
	if err := chromedp.Run(l.browserCtx); err != nil {
		l.Shutdown()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	if c := chromedp.FromContext(l.browserCtx); c != nil && c.Browser != nil {
		if proc := c.Browser.Process(); proc != nil {
			l.pid = proc.Pid
		}
	}
	l.log.Info("Browser launched.", zap.Int("pid", l.pid), zap.Bool("visible", visible))
	return nil
}

// probeEndpoint asks the control endpoint for its websocket URL.
func (l *Launcher) probeEndpoint(ctx context.Context) (string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, l.endpoint+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("malformed /json/version response: %w", err)
	}
	return info.WebSocketDebuggerURL, nil
}

// OpenPage returns a usable tab, preferring an existing eligible page
// target over creating a new one.
func (l *Launcher) OpenPage(ctx context.Context) (schemas.PageHandle, error) {
	if l.browserCtx == nil {
		return nil, fmt.Errorf("browser not launched")
	}

	targets, err := chromedp.Targets(l.browserCtx)
	if err != nil {
		l.log.Debug("Could not list targets; opening a fresh tab.", zap.Error(err))
	}
	for _, t := range targets {
		if t.Type != "page" || t.Attached {
			continue
		}
		tabCtx, tabCancel := chromedp.NewContext(l.browserCtx, chromedp.WithTargetID(t.TargetID))
		if err := chromedp.Run(tabCtx); err != nil {
			tabCancel()
			continue
		}
		l.log.Debug("Reusing existing tab.", zap.String("url", t.URL))
		return newPage(tabCtx, tabCancel, l.cfg, l.log), nil
	}

	tabCtx, tabCancel := chromedp.NewContext(l.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return newPage(tabCtx, tabCancel, l.cfg, l.log), nil
}

// CloseGracefully asks the browser to shut down over the control channel.
func (l *Launcher) CloseGracefully(ctx context.Context) error {
	if l.browserCtx == nil {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	runCtx, runCancel := combineContext(closeCtx, l.browserCtx)
	defer runCancel()
	if err := chromedp.Run(runCtx, browser.Close()); err != nil {
		return fmt.Errorf("graceful browser close failed: %w", err)
	}
	return nil
}

// Terminate signals the browser process. Without force it sends SIGTERM;
// force escalates to a kill. Attached (reused) instances have no known
// PID and cannot be terminated here.
func (l *Launcher) Terminate(ctx context.Context, force bool) error {
	if l.pid == 0 {
		return fmt.Errorf("no owned browser process to terminate")
	}
	proc, err := os.FindProcess(l.pid)
	if err != nil {
		return fmt.Errorf("failed to find browser process %d: %w", l.pid, err)
	}
	if force {
		l.log.Warn("Force-killing browser process.", zap.Int("pid", l.pid))
		return proc.Kill()
	}
	l.log.Info("Sending terminate signal to browser process.", zap.Int("pid", l.pid))
	if runtime.GOOS == "windows" {
		return proc.Kill()
	}
	return proc.Signal(syscall.SIGTERM)
}

// Shutdown releases the chromedp contexts without touching the process.
func (l *Launcher) Shutdown() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.allocCancel != nil {
		l.allocCancel()
	}
}
