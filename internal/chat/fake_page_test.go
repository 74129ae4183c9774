package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/promptpilot/internal/config"
)

// fakePage is a scripted schemas.PageHandle. Evaluate dispatches on the
// decode target type, so no JS ever runs.
type fakePage struct {
	mu sync.Mutex

	// probes are served in order; the last one repeats.
	probes   []snapshotProbe
	probeIdx int

	turns []turnEntry
	input inputState
	ready readyState
	url   string

	// typeBroken makes Type a no-op, simulating a composer that rejects
	// literal key input. writeGarbled makes the fast-path write drop the
	// content, forcing the literal retype path.
	typeBroken   bool
	writeGarbled bool

	onClick func(selector string)

	clicks  []string
	typed   []string
	reloads int
	evalErr error
}

func (p *fakePage) Goto(ctx context.Context, url string) error { return nil }

func (p *fakePage) Evaluate(ctx context.Context, script string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evalErr != nil {
		return p.evalErr
	}

	switch v := out.(type) {
	case *snapshotProbe:
		if len(p.probes) == 0 {
			return nil
		}
		*v = p.probes[p.probeIdx]
		if p.probeIdx < len(p.probes)-1 {
			p.probeIdx++
		}
	case *[]turnEntry:
		minTurn := scanMinTurn(script)
		for _, t := range p.turns {
			if t.Index >= minTurn {
				*v = append(*v, t)
			}
		}
	case *inputState:
		*v = p.input
	case *readyState:
		*v = p.ready
	case *string:
		// The fast-path write script returns the readback.
		var params writeInputParams
		_ = json.Unmarshal(scriptParams(script), &params)
		if p.writeGarbled {
			p.input.Text = ""
		} else {
			p.input.Text = params.Text
		}
		*v = p.input.Text
	}
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	hook := p.onClick
	p.mu.Unlock()
	if hook != nil {
		hook(selector)
	}
	return nil
}

func (p *fakePage) Type(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed = append(p.typed, text)
	if !p.typeBroken {
		p.input.Text = text
	}
	return nil
}

func (p *fakePage) Press(ctx context.Context, selector, key string) error { return nil }

func (p *fakePage) CurrentURL(ctx context.Context) (string, error) { return p.url, nil }

func (p *fakePage) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return nil
}

func (p *fakePage) setTurns(turns []turnEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = turns
}

func (p *fakePage) appendTurn(t turnEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, t)
	if t.Index > p.input.MaxTurn {
		p.input.MaxTurn = t.Index
	}
	p.input.TurnCount = len(p.turns)
	p.input.LastTurnText = t.Text
}

// scriptParams extracts the JSON config object a script builder embedded.
func scriptParams(script string) []byte {
	const marker = "const cfg = "
	start := strings.Index(script, marker)
	if start < 0 {
		return nil
	}
	start += len(marker)
	end := strings.Index(script[start:], ";\n")
	if end < 0 {
		return nil
	}
	return []byte(script[start : start+end])
}

func scanMinTurn(script string) int {
	var params turnScanParams
	if err := json.Unmarshal(scriptParams(script), &params); err != nil {
		return 0
	}
	return params.MinTurn
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		BaseURL:            "https://chat.example.com",
		TurnSelector:       "[data-turn-index]",
		TurnNumberAttr:     "data-turn-index",
		UserRoleSelector:   `[data-role="user"]`,
		ReplyRoleSelector:  `[data-role="assistant"]`,
		InputSelector:      `[data-testid="prompt-input"]`,
		SendButtonSelector: `button[data-testid="send"]`,
		FileInputSelector:  `input[type="file"]`,
		StopLabels:         []string{"stop", "update"},
		CompletionSelector: `button[data-testid="copy-reply"]`,
		LoginSelector:      `[data-testid="login-form"]`,
		ChallengeSelector:  `[data-testid="verification-challenge"]`,
		ReplyLookahead:     3,
		PollInterval:       time.Millisecond,
		StabilityWindow:    20 * time.Millisecond,
		FailedGrace:        30 * time.Millisecond,
		ReplyTimeout:       time.Second,
		ConfirmTimeout:     time.Second,
		MaxAttachments:     10,
	}
}
