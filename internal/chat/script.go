// File: internal/chat/script.go
// Description: Builders for the read-only inspection scripts evaluated
// against the remote document. Selector configuration is serialized into
// the script as JSON so no value is ever string-interpolated unescaped.
// Every script is a self-contained IIFE returning a JSON-encodable value.

package chat

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/promptpilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// snapshotParams parameterizes the generation snapshot script.
type snapshotParams struct {
	TurnSelector       string   `json:"turnSel"`
	TurnNumberAttr     string   `json:"turnAttr"`
	UserRoleSelector   string   `json:"userSel"`
	ReplyRoleSelector  string   `json:"replySel"`
	StopLabels         []string `json:"stopLabels"`
	CompletionSelector string   `json:"completionSel"`
	// ExpectedReplyTurn <= 0 means unknown: the script then reports every
	// reply turn instead of only those at or above the expected position.
	ExpectedReplyTurn int `json:"expectedTurn"`
}

// replyProbe is one reply-role turn as the snapshot script reports it.
type replyProbe struct {
	Index             int    `json:"index"`
	Text              string `json:"text"`
	CompletionVisible bool   `json:"completionVisible"`
}

// snapshotProbe is the raw page reading the snapshot script returns. The
// script only collects candidates; choosing which reply turn a wait
// tracks happens on the Go side (resolveReplyTarget), so the lookahead
// rules live in one testable place.
type snapshotProbe struct {
	Generating          bool         `json:"generating"`
	MaxTurn             int          `json:"maxTurn"`
	ExpectedTurnPresent bool         `json:"expectedTurnPresent"`
	Replies             []replyProbe `json:"replies"`
}

// jsHelpers is prepended to scripts that need visibility-aware reads.
// innerText (unlike textContent) already respects CSS visibility, so the
// reply text extraction never counts hidden nodes.
const jsHelpers = `
	const visible = (el) => {
		if (!el) return false;
		const st = window.getComputedStyle(el);
		if (st.display === 'none' || st.visibility === 'hidden' || st.opacity === '0') return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	};
	const turnNo = (el, attr) => {
		const n = parseInt(el.getAttribute(attr), 10);
		return Number.isFinite(n) ? n : 0;
	};
`

// buildSnapshotScript renders the single poll script reporting the raw
// generation signals and the reply-turn candidates.
func buildSnapshotScript(cfg config.ChatConfig, expectedReplyTurn int) (string, error) {
	params := snapshotParams{
		TurnSelector:       cfg.TurnSelector,
		TurnNumberAttr:     cfg.TurnNumberAttr,
		UserRoleSelector:   cfg.UserRoleSelector,
		ReplyRoleSelector:  cfg.ReplyRoleSelector,
		StopLabels:         cfg.StopLabels,
		CompletionSelector: cfg.CompletionSelector,
		ExpectedReplyTurn:  expectedReplyTurn,
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot params: %w", err)
	}

	return fmt.Sprintf(`(() => {
	const cfg = %s;
	%s
	const turns = Array.from(document.querySelectorAll(cfg.turnSel));
	let maxTurn = 0;
	for (const t of turns) maxTurn = Math.max(maxTurn, turnNo(t, cfg.turnAttr));

	let generating = false;
	for (const b of document.querySelectorAll('button, [role="button"]')) {
		if (!visible(b)) continue;
		const label = ((b.getAttribute('aria-label') || '') + ' ' + (b.textContent || '')).toLowerCase();
		if (cfg.stopLabels.some((s) => label.includes(s))) { generating = true; break; }
	}

	const replyEl = (t) => t.matches(cfg.replySel) ? t : t.querySelector(cfg.replySel);
	const expectedTurnPresent = cfg.expectedTurn > 0 &&
		turns.some((t) => turnNo(t, cfg.turnAttr) === cfg.expectedTurn - 1);

	const replies = [];
	for (const t of turns) {
		const el = replyEl(t);
		if (!el) continue;
		const n = turnNo(t, cfg.turnAttr);
		if (cfg.expectedTurn > 0 && n < cfg.expectedTurn) continue;
		replies.push({
			index: n,
			text: visible(el) ? (el.innerText || '') : '',
			completionVisible: visible(t.querySelector(cfg.completionSel)),
		});
	}

	return { generating, maxTurn, expectedTurnPresent, replies };
})()`, encoded, jsHelpers), nil
}

// turnScanParams parameterizes the transcript scan script.
type turnScanParams struct {
	TurnSelector      string `json:"turnSel"`
	TurnNumberAttr    string `json:"turnAttr"`
	UserRoleSelector  string `json:"userSel"`
	ReplyRoleSelector string `json:"replySel"`
	MinTurn           int    `json:"minTurn"`
}

// turnEntry mirrors one transcript entry as the scan script reports it.
// Role is empty for the turns the remote system inserts that belong to
// neither participant.
type turnEntry struct {
	Index int    `json:"index"`
	Role  string `json:"role"`
	Text  string `json:"text"`
}

// buildTurnScanScript renders the script listing turns above minTurn with
// their role markers and participant-subtree text.
func buildTurnScanScript(cfg config.ChatConfig, minTurn int) (string, error) {
	params := turnScanParams{
		TurnSelector:      cfg.TurnSelector,
		TurnNumberAttr:    cfg.TurnNumberAttr,
		UserRoleSelector:  cfg.UserRoleSelector,
		ReplyRoleSelector: cfg.ReplyRoleSelector,
		MinTurn:           minTurn,
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode turn scan params: %w", err)
	}

	return fmt.Sprintf(`(() => {
	const cfg = %s;
	%s
	const sub = (t, sel) => t.matches(sel) ? t : t.querySelector(sel);
	const out = [];
	for (const t of document.querySelectorAll(cfg.turnSel)) {
		const n = turnNo(t, cfg.turnAttr);
		if (n < cfg.minTurn) continue;
		let role = '';
		let el = sub(t, cfg.userSel);
		if (el) { role = 'user'; } else { el = sub(t, cfg.replySel); if (el) role = 'assistant'; }
		out.push({ index: n, role, text: el ? (el.innerText || '') : '' });
	}
	out.sort((a, b) => a.index - b.index);
	return out;
})()`, encoded, jsHelpers), nil
}

// inputStateParams parameterizes the composer state script.
type inputStateParams struct {
	InputSelector      string `json:"inputSel"`
	SendButtonSelector string `json:"sendSel"`
	TurnSelector       string `json:"turnSel"`
	TurnNumberAttr     string `json:"turnAttr"`
}

// inputState is a before/after snapshot of the composer and transcript
// shape, used by the submission verifier's inference fallback.
type inputState struct {
	Text         string `json:"text"`
	SendEnabled  bool   `json:"sendEnabled"`
	SendVisible  bool   `json:"sendVisible"`
	TurnCount    int    `json:"turnCount"`
	MaxTurn      int    `json:"maxTurn"`
	LastTurnText string `json:"lastTurnText"`
}

func buildInputStateScript(cfg config.ChatConfig) (string, error) {
	params := inputStateParams{
		InputSelector:      cfg.InputSelector,
		SendButtonSelector: cfg.SendButtonSelector,
		TurnSelector:       cfg.TurnSelector,
		TurnNumberAttr:     cfg.TurnNumberAttr,
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode input state params: %w", err)
	}

	return fmt.Sprintf(`(() => {
	const cfg = %s;
	%s
	const input = document.querySelector(cfg.inputSel);
	const send = document.querySelector(cfg.sendSel);
	const turns = Array.from(document.querySelectorAll(cfg.turnSel));
	let maxTurn = 0, last = null;
	for (const t of turns) {
		const n = turnNo(t, cfg.turnAttr);
		if (n >= maxTurn) { maxTurn = n; last = t; }
	}
	const readInput = (el) => {
		if (!el) return '';
		if (el.isContentEditable) return el.innerText || '';
		return el.value || '';
	};
	return {
		text: readInput(input),
		sendEnabled: !!send && !send.disabled && send.getAttribute('aria-disabled') !== 'true',
		sendVisible: visible(send),
		turnCount: turns.length,
		maxTurn,
		lastTurnText: last ? (last.innerText || '') : '',
	};
})()`, encoded, jsHelpers), nil
}

// writeInputParams parameterizes the fast-path composer write.
type writeInputParams struct {
	InputSelector string `json:"inputSel"`
	Text          string `json:"text"`
}

// buildWriteInputScript renders the fast path: set the composer content
// directly and dispatch an input event so the page's framework notices.
// Returns the readback so the caller can verify in the same round trip.
func buildWriteInputScript(cfg config.ChatConfig, text string) (string, error) {
	params := writeInputParams{InputSelector: cfg.InputSelector, Text: text}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode write input params: %w", err)
	}

	return fmt.Sprintf(`(() => {
	const cfg = %s;
	const el = document.querySelector(cfg.inputSel);
	if (!el) return '';
	el.focus();
	if (el.isContentEditable) {
		el.innerText = cfg.text;
	} else {
		el.value = cfg.text;
	}
	el.dispatchEvent(new InputEvent('input', { bubbles: true }));
	return el.isContentEditable ? (el.innerText || '') : (el.value || '');
})()`, encoded), nil
}

// readyStateParams parameterizes the access gate check.
type readyStateParams struct {
	LoginSelector     string `json:"loginSel"`
	ChallengeSelector string `json:"challengeSel"`
	InputSelector     string `json:"inputSel"`
}

// readyState reports whether the remote UI is usable or behind a wall.
type readyState struct {
	LoginWall    bool `json:"loginWall"`
	Challenge    bool `json:"challenge"`
	InputPresent bool `json:"inputPresent"`
}

func buildReadyStateScript(cfg config.ChatConfig) (string, error) {
	params := readyStateParams{
		LoginSelector:     cfg.LoginSelector,
		ChallengeSelector: cfg.ChallengeSelector,
		InputSelector:     cfg.InputSelector,
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode ready state params: %w", err)
	}

	return fmt.Sprintf(`(() => {
	const cfg = %s;
	%s
	return {
		loginWall: visible(document.querySelector(cfg.loginSel)),
		challenge: visible(document.querySelector(cfg.challengeSel)),
		inputPresent: document.querySelector(cfg.inputSel) !== null,
	};
})()`, encoded, jsHelpers), nil
}
