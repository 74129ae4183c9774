package recovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/store"
)

// fakeRecPage simulates a page whose runtime can die and be revived by a
// reload.
type fakeRecPage struct {
	mu          sync.Mutex
	responsive  bool
	reloadHeals bool
	reloadErr   error
	reloads     int
}

func (p *fakeRecPage) Goto(ctx context.Context, url string) error { return nil }

func (p *fakeRecPage) Evaluate(ctx context.Context, script string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.responsive {
		return errors.New("runtime not responding")
	}
	switch script {
	case "1 + 1":
		if v, ok := out.(*int); ok {
			*v = 2
		}
	case "document.readyState":
		if v, ok := out.(*string); ok {
			*v = "complete"
		}
	}
	return nil
}

func (p *fakeRecPage) Click(ctx context.Context, selector string) error       { return nil }
func (p *fakeRecPage) Type(ctx context.Context, selector, text string) error  { return nil }
func (p *fakeRecPage) Press(ctx context.Context, selector, key string) error  { return nil }
func (p *fakeRecPage) CurrentURL(ctx context.Context) (string, error)         { return "", nil }

func (p *fakeRecPage) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	if p.reloadErr != nil {
		return p.reloadErr
	}
	if p.reloadHeals {
		p.responsive = true
	}
	return nil
}

// fakeLauncher satisfies schemas.Launcher with scripted behavior.
type fakeLauncher struct {
	endpoint   string
	pid        int
	launches   int
	terminates []bool
	closeErr   error
	newPage    schemas.PageHandle
}

func (l *fakeLauncher) Launch(ctx context.Context, profileDir string, visible bool) error {
	l.launches++
	return nil
}

func (l *fakeLauncher) OpenPage(ctx context.Context) (schemas.PageHandle, error) {
	if l.newPage == nil {
		return nil, errors.New("no page available")
	}
	return l.newPage, nil
}

func (l *fakeLauncher) EndpointURL() string                      { return l.endpoint }
func (l *fakeLauncher) CloseGracefully(ctx context.Context) error { return l.closeErr }

func (l *fakeLauncher) Terminate(ctx context.Context, force bool) error {
	l.terminates = append(l.terminates, force)
	return nil
}

func (l *fakeLauncher) ProcessID() int { return l.pid }
func (l *fakeLauncher) Reused() bool   { return false }

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		ProbeTimeout:  time.Second,
		ReloadTimeout: time.Second,
		TerminateWait: 20 * time.Millisecond,
	}
}

func newTestController(t *testing.T, launcher schemas.Launcher) (*Controller, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewController(testRecoveryConfig(), t.TempDir(), launcher, st, zaptest.NewLogger(t)), st
}

// liveEndpoint serves a minimal DevTools version answer.
func liveEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"webSocketDebuggerUrl":"ws://127.0.0.1/devtools"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// deadEndpoint returns a URL nothing listens on.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	return url
}

func restartRun(allow, force bool) *schemas.Run {
	return &schemas.Run{Config: schemas.RunConfig{
		ID:           "run-recovery",
		AllowRestart: allow,
		ForceKill:    force,
	}}
}

func TestCheckHealthOrdering(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		c, _ := newTestController(t, &fakeLauncher{endpoint: liveEndpoint(t).URL})
		h := c.CheckHealth(context.Background(), &fakeRecPage{responsive: true})
		assert.True(t, h.Healthy())
	})

	t.Run("dead endpoint skips later probes", func(t *testing.T) {
		c, _ := newTestController(t, &fakeLauncher{endpoint: deadEndpoint(t)})
		h := c.CheckHealth(context.Background(), &fakeRecPage{responsive: true})
		assert.False(t, h.EndpointReachable)
		assert.False(t, h.RuntimeResponsive)
		assert.False(t, h.PageResponsive)
	})

	t.Run("dead runtime with live endpoint", func(t *testing.T) {
		c, _ := newTestController(t, &fakeLauncher{endpoint: liveEndpoint(t).URL})
		h := c.CheckHealth(context.Background(), &fakeRecPage{responsive: false})
		assert.True(t, h.EndpointReachable)
		assert.False(t, h.RuntimeResponsive)
	})
}

func TestRecoverHealthyIsANoop(t *testing.T) {
	c, _ := newTestController(t, &fakeLauncher{endpoint: liveEndpoint(t).URL})
	out, err := c.Recover(context.Background(), &fakeRecPage{responsive: true}, restartRun(false, false))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, out.Action)
}

func TestRecoverReloadFirst(t *testing.T) {
	c, _ := newTestController(t, &fakeLauncher{endpoint: liveEndpoint(t).URL})
	page := &fakeRecPage{responsive: false, reloadHeals: true}

	out, err := c.Recover(context.Background(), page, restartRun(false, false))
	require.NoError(t, err)
	assert.Equal(t, ActionReload, out.Action)
	assert.Equal(t, 1, page.reloads)
	assert.Nil(t, out.NewPage)
}

func TestRecoverFreshTabWhenReloadFails(t *testing.T) {
	replacement := &fakeRecPage{responsive: true}
	c, _ := newTestController(t, &fakeLauncher{endpoint: liveEndpoint(t).URL, newPage: replacement})
	page := &fakeRecPage{responsive: false, reloadErr: errors.New("reload hung")}

	out, err := c.Recover(context.Background(), page, restartRun(false, false))
	require.NoError(t, err)
	assert.Equal(t, ActionNewPage, out.Action)
	assert.Same(t, replacement, out.NewPage)
}

func TestRecoverRelaunchRequiresAuthorization(t *testing.T) {
	c, _ := newTestController(t, &fakeLauncher{endpoint: deadEndpoint(t)})
	_, err := c.Recover(context.Background(), &fakeRecPage{}, restartRun(false, false))
	assert.ErrorIs(t, err, ErrRestartNotAuthorized)
}

func TestRecoverRelaunchContended(t *testing.T) {
	c, st := newTestController(t, &fakeLauncher{endpoint: deadEndpoint(t)})

	// Another run already holds the host-wide approval.
	ok, err := st.AcquireRestartApproval("other-run")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.Recover(context.Background(), &fakeRecPage{}, restartRun(true, false))
	assert.ErrorIs(t, err, ErrRestartContended)
}

func TestRecoverRelaunch(t *testing.T) {
	replacement := &fakeRecPage{responsive: true}
	// pid 0: the process is already gone, no terminate needed.
	launcher := &fakeLauncher{endpoint: deadEndpoint(t), pid: 0, newPage: replacement}
	c, st := newTestController(t, launcher)

	out, err := c.Recover(context.Background(), &fakeRecPage{}, restartRun(true, false))
	require.NoError(t, err)
	assert.Equal(t, ActionRelaunch, out.Action)
	assert.Same(t, replacement, out.NewPage)
	assert.Equal(t, 1, launcher.launches)

	// The approval record must be released afterwards.
	ok, err := st.AcquireRestartApproval("next-run")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecoverRelaunchTerminateTimeout(t *testing.T) {
	// Use our own PID so the liveness probe keeps reporting alive.
	launcher := &fakeLauncher{
		endpoint: deadEndpoint(t),
		pid:      os.Getpid(),
		closeErr: errors.New("control channel gone"),
	}
	c, _ := newTestController(t, launcher)

	_, err := c.Recover(context.Background(), &fakeRecPage{}, restartRun(true, false))
	assert.ErrorIs(t, err, ErrTerminateTimeout)
	require.Len(t, launcher.terminates, 1)
	assert.False(t, launcher.terminates[0], "graceful terminate only; force-kill not authorized")
}
