// File: internal/browser/page.go
// Description: Page is the concrete schemas.PageHandle over a chromedp tab
// context. Every operation combines the tab's lifetime context with the
// caller's operation context so a canceled run abandons in-flight CDP
// calls without tearing the tab down.

package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/config"
)

// Page wraps one browser tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	log    *zap.Logger
}

var _ schemas.PageHandle = (*Page)(nil)

func newPage(ctx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *Page {
	return &Page{ctx: ctx, cancel: cancel, cfg: cfg, log: logger.Named("page")}
}

// combineContext derives a context canceled when either input is.
func combineContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// run executes chromedp actions under both the tab and caller contexts.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(ctx, p.ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Goto navigates and waits for the document body to be ready.
func (p *Page) Goto(ctx context.Context, url string) error {
	p.log.Debug("Navigating.", zap.String("url", url))

	timeout := p.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation to %s timed out after %s: %w", url, timeout, err)
		}
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// Evaluate runs a read-only inspection script and decodes the result.
func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	if err := p.run(ctx, chromedp.Evaluate(script, out)); err != nil {
		return fmt.Errorf("script evaluation failed: %w", err)
	}
	return nil
}

// Click scrolls the element into view and clicks it.
func (p *Page) Click(ctx context.Context, selector string) error {
	clickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := p.run(clickCtx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("click failed for selector %q: %w", selector, err)
	}
	return nil
}

// Type focuses the element and sends text as literal key events, one
// rune at a time. Line breaks are sent as shift+Enter: a bare Enter is
// overloaded by the remote composer to mean "send".
func (p *Page) Type(ctx context.Context, selector, text string) error {
	// Generous budget scaled by length, as slow typing over CDP adds up.
	timeout := 15*time.Second + time.Duration(len(text)/2)*time.Second
	if timeout > 3*time.Minute {
		timeout = 3 * time.Minute
	}
	typeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.run(typeCtx, chromedp.Focus(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("focus failed for selector %q: %w", selector, err)
	}

	for _, r := range text {
		var action chromedp.Action
		if r == '\n' {
			action = softNewline()
		} else {
			action = chromedp.KeyEvent(string(r))
		}
		if err := p.run(typeCtx, action); err != nil {
			return fmt.Errorf("typing failed at rune %q: %w", r, err)
		}
	}
	return nil
}

// softNewline dispatches shift+Enter so the composer inserts a line
// break instead of submitting.
func softNewline() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		down := input.DispatchKeyEvent(input.KeyDown).
			WithModifiers(input.ModifierShift).
			WithKey("Enter").
			WithCode("Enter").
			WithText("\r").
			WithUnmodifiedText("\r").
			WithWindowsVirtualKeyCode(13).
			WithNativeVirtualKeyCode(13)
		if err := down.Do(ctx); err != nil {
			return err
		}
		up := input.DispatchKeyEvent(input.KeyUp).
			WithModifiers(input.ModifierShift).
			WithKey("Enter").
			WithCode("Enter").
			WithWindowsVirtualKeyCode(13).
			WithNativeVirtualKeyCode(13)
		return up.Do(ctx)
	})
}

// SetFiles populates a file input with local paths over the control
// channel, without opening the OS file picker.
func (p *Page) SetFiles(ctx context.Context, selector string, paths []string) error {
	setCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := p.run(setCtx, chromedp.SetUploadFiles(selector, paths, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("file attach failed for selector %q: %w", selector, err)
	}
	return nil
}

// Press sends one named key to the element.
func (p *Page) Press(ctx context.Context, selector, key string) error {
	pressCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	code := key
	switch key {
	case "Enter":
		code = kb.Enter
	case "Backspace":
		code = kb.Backspace
	case "Escape":
		code = kb.Escape
	case "Tab":
		code = kb.Tab
	}
	if err := p.run(pressCtx,
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.KeyEvent(code),
	); err != nil {
		return fmt.Errorf("key press %q failed for selector %q: %w", key, selector, err)
	}
	return nil
}

// CurrentURL reports the page's current address.
func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	urlCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var url string
	if err := p.run(urlCtx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("failed to read page address: %w", err)
	}
	return url, nil
}

// Reload soft-reloads the page and waits for the body.
func (p *Page) Reload(ctx context.Context) error {
	timeout := p.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	reloadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.run(reloadCtx,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("page reload failed: %w", err)
	}
	return nil
}

// Close releases the tab context.
func (p *Page) Close() {
	if p.cancel != nil {
		p.cancel()
	}
}
