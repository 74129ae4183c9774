// File: api/schemas/interfaces.go
// Description: Narrow capability interfaces for the collaborators the core
// engine depends on. The engine never touches a concrete automation
// library's API shape directly; anything CDP- or WebDriver-capable can
// satisfy PageHandle, and the tests drive the engine with scripted fakes.

package schemas

import "context"

// PageHandle is an open, navigable browser tab. Evaluate runs a read-only
// inspection script against the live document and decodes the JSON result
// into out. All operations are suspension points and must honor ctx.
type PageHandle interface {
	Goto(ctx context.Context, url string) error
	Evaluate(ctx context.Context, script string, out any) error
	Click(ctx context.Context, selector string) error
	// Type writes text into the element via raw key events, preserving
	// line breaks with a non-submitting newline chord.
	Type(ctx context.Context, selector, text string) error
	// Press sends a single named key (e.g. "Enter") to the element.
	Press(ctx context.Context, selector, key string) error
	CurrentURL(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
}

// Launcher owns the browser process lifecycle.
type Launcher interface {
	// Launch starts (or attaches to) a browser using the given profile.
	// Reused is true when an already-running instance for the same
	// profile was attached to instead of launching a new process.
	Launch(ctx context.Context, profileDir string, visible bool) error
	// OpenPage returns a usable tab, reusing an existing eligible one
	// when present.
	OpenPage(ctx context.Context) (PageHandle, error)
	// EndpointURL is the DevTools control endpoint for health probes.
	EndpointURL() string
	// CloseGracefully asks the browser to shut down over the control
	// channel.
	CloseGracefully(ctx context.Context) error
	// Terminate signals the process; force escalates to a kill.
	Terminate(ctx context.Context, force bool) error
	ProcessID() int
	Reused() bool
}

// Uploader attaches files to the pending prompt. Files the remote UI
// refused (for example over a count limit) are returned as overflow for
// the caller to inline as text.
type Uploader interface {
	Upload(ctx context.Context, page PageHandle, files []Attachment) (overflow []Attachment, err error)
}

// RunStore persists run records and exposes the file-based cross-process
// signals: cancellation markers, the done marker, and the single-writer
// restart approval record shared by runs on the same host.
type RunStore interface {
	SaveConfig(run *Run) error
	SaveStatus(run *Run, state RunState, stage Stage, message string) error
	SaveResult(run *Run, content string, runErr error) error
	// Canceled reports whether an external cancel marker exists for the run.
	Canceled(runID string) bool
	// AcquireRestartApproval claims the host-wide approval record.
	// Returns false when another run already holds it.
	AcquireRestartApproval(runID string) (bool, error)
	ReleaseRestartApproval(runID string) error
}

// FocusGuard is the opaque, best-effort OS-level focus/visibility
// suppressor. Its failure never blocks a run; it only degrades the
// "must not steal focus" guarantee, which is tracked on the Run.
type FocusGuard interface {
	Suppress(ctx context.Context, pid int) error
}
