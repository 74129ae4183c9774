// File: internal/chat/turns.go
// Description: Maps logical conversation positions onto the physical,
// non-alternating turn numbering the remote UI produces. The remote system
// may insert role-less turns between a submitted message and its reply, so
// nothing here assumes user and assistant turns alternate.

package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/config"
)

// matchPrefixLen is how many normalized characters of a long candidate
// must match the rendered turn text. Guards against UI-side truncation
// and echo differences for large prompts.
const matchPrefixLen = 200

// Locator reads the transcript's turn structure.
type Locator struct {
	cfg config.ChatConfig
	log *zap.Logger
}

// NewLocator creates a turn locator for the configured UI shape.
func NewLocator(cfg config.ChatConfig, logger *zap.Logger) *Locator {
	return &Locator{cfg: cfg, log: logger.Named("turns")}
}

// NormalizeText collapses every whitespace run (including non-breaking
// space and tab) to a single space and trims. All turn-content matching
// happens on normalized text.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		// unicode.IsSpace covers NBSP, tab and the usual line breaks.
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// contentMatches reports whether a turn's normalized text matches one of
// the normalized candidates: exact, or prefix over the first
// matchPrefixLen characters when the candidate is long.
func contentMatches(turnText string, candidates []string) bool {
	normalized := NormalizeText(turnText)
	for _, cand := range candidates {
		if cand == "" {
			continue
		}
		if normalized == cand {
			return true
		}
		// The prefix length counts characters, not bytes; a multi-byte
		// rune at the boundary is never split.
		if runes := []rune(cand); len(runes) > matchPrefixLen {
			if strings.HasPrefix(normalized, string(runes[:matchPrefixLen])) {
				return true
			}
		}
	}
	return false
}

// scan lists transcript turns at or above minTurn.
func (l *Locator) scan(ctx context.Context, page schemas.PageHandle, minTurn int) ([]turnEntry, error) {
	script, err := buildTurnScanScript(l.cfg, minTurn)
	if err != nil {
		return nil, err
	}
	var entries []turnEntry
	if err := page.Evaluate(ctx, script, &entries); err != nil {
		return nil, fmt.Errorf("turn scan failed: %w", err)
	}
	return entries, nil
}

// NextUserTurn returns the turn number the next user message will occupy:
// max(existing turn numbers) + 1. Idempotent while the page is unchanged.
func (l *Locator) NextUserTurn(ctx context.Context, page schemas.PageHandle) (int, error) {
	entries, err := l.scan(ctx, page, 0)
	if err != nil {
		return 0, err
	}
	maxTurn := 0
	for _, e := range entries {
		if e.Index > maxTurn {
			maxTurn = e.Index
		}
	}
	return maxTurn + 1, nil
}

// MaxTurn returns the highest turn number currently present.
func (l *Locator) MaxTurn(ctx context.Context, page schemas.PageHandle) (int, error) {
	next, err := l.NextUserTurn(ctx, page)
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// FindTurnForContent scans turns at or above minTurn for one whose
// participant-role subtree matches one of the candidate strings.
// Candidates must already be normalized. Returns the turn number and
// true on a match.
func (l *Locator) FindTurnForContent(ctx context.Context, page schemas.PageHandle, candidates []string, minTurn int) (int, bool, error) {
	entries, err := l.scan(ctx, page, minTurn)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if e.Role == "" {
			// Role-less interleaved turn; not a participant entry.
			continue
		}
		if contentMatches(e.Text, candidates) {
			return e.Index, true, nil
		}
	}
	return 0, false, nil
}

// LastUserTurnMatches reports whether the most recent user-role turn
// matches the given prompt. Supports idempotent re-entry: a re-invoked
// run must not resubmit a prompt that is already the latest user turn.
func (l *Locator) LastUserTurnMatches(ctx context.Context, page schemas.PageHandle, prompt string) (bool, error) {
	entries, err := l.scan(ctx, page, 0)
	if err != nil {
		return false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role != "user" {
			continue
		}
		return contentMatches(entries[i].Text, []string{NormalizeText(prompt)}), nil
	}
	return false, nil
}
