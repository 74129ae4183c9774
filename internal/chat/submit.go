// File: internal/chat/submit.go
// Description: Submits a prompt and confirms the remote UI actually
// accepted it. The UI gives no reliable synchronous acknowledgment, so
// confirmation correlates several independent signals in a fixed order.
// The chain is deliberately permissive: a false negative here causes a
// duplicate submission downstream, which is worse than accepting a
// slightly ambiguous success.

package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/config"
)

// confirmPollInterval paces the confirmation wait. Floor of 250ms so the
// control channel is never hammered.
const confirmPollInterval = 500 * time.Millisecond

// Submitter drives the composer: write, verify readback, send, confirm.
type Submitter struct {
	cfg     config.ChatConfig
	locator *Locator
	log     *zap.Logger

	now func() time.Time
}

// NewSubmitter creates a submission verifier.
func NewSubmitter(cfg config.ChatConfig, locator *Locator, logger *zap.Logger) *Submitter {
	return &Submitter{
		cfg:     cfg,
		locator: locator,
		log:     logger.Named("submit"),
		now:     time.Now,
	}
}

// CaptureState reads the pre-submission composer and transcript shape.
// The confirmation inference fallback compares it against the post-send
// state.
func (s *Submitter) CaptureState(ctx context.Context, page schemas.PageHandle) (inputState, error) {
	script, err := buildInputStateScript(s.cfg)
	if err != nil {
		return inputState{}, err
	}
	var state inputState
	if err := page.Evaluate(ctx, script, &state); err != nil {
		return inputState{}, fmt.Errorf("failed to read composer state: %w", err)
	}
	return state, nil
}

// Submit clears the composer, writes text, verifies the readback and
// triggers the send action. Returns the final readback (the typed echo).
//
// Two write paths: a fast direct-value write first, then a literal
// character-by-character retype when the readback does not match (some
// composer frameworks drop or rewrite directly-assigned content). After
// two mismatches the submission is a hard error; sending unverified text
// risks a corrupted prompt.
func (s *Submitter) Submit(ctx context.Context, page schemas.PageHandle, text string) (string, error) {
	want := NormalizeText(text)

	echo, err := s.writeFast(ctx, page, text)
	if err != nil {
		return "", err
	}

	if NormalizeText(echo) != want {
		s.log.Debug("Fast-path readback mismatch; retyping literally.",
			zap.Int("want_len", len(want)), zap.Int("got_len", len(NormalizeText(echo))))

		if _, err := s.writeFast(ctx, page, ""); err != nil {
			return "", err
		}
		// The literal path preserves intentional line breaks via a
		// non-submitting newline chord: a bare Enter is overloaded to
		// mean "send".
		if err := page.Type(ctx, s.cfg.InputSelector, text); err != nil {
			return "", fmt.Errorf("literal retype failed: %w", err)
		}
		echo, err = s.readback(ctx, page)
		if err != nil {
			return "", err
		}
		if NormalizeText(echo) != want {
			return "", fmt.Errorf("readback still differs after literal retype: %w", ErrSubmissionMismatch)
		}
	}

	if err := page.Click(ctx, s.cfg.SendButtonSelector); err != nil {
		return "", fmt.Errorf("send click failed: %w", err)
	}
	s.log.Info("Prompt sent.", zap.Int("chars", len(text)))
	return echo, nil
}

func (s *Submitter) writeFast(ctx context.Context, page schemas.PageHandle, text string) (string, error) {
	script, err := buildWriteInputScript(s.cfg, text)
	if err != nil {
		return "", err
	}
	var echo string
	if err := page.Evaluate(ctx, script, &echo); err != nil {
		return "", fmt.Errorf("composer write failed: %w", err)
	}
	return echo, nil
}

func (s *Submitter) readback(ctx context.Context, page schemas.PageHandle) (string, error) {
	state, err := s.CaptureState(ctx, page)
	if err != nil {
		return "", err
	}
	return state.Text, nil
}

// confirmStrategy is one named way of establishing that a submission was
// accepted. Strategies run in order until one succeeds; the order encodes
// decreasing signal strength.
type confirmStrategy struct {
	name string
	run  func(ctx context.Context, page schemas.PageHandle, in confirmInput) (bool, error)
}

// confirmInput carries everything a strategy may correlate.
type confirmInput struct {
	candidates   []string
	expectedTurn int
	preMaxTurn   int
	before       inputState
}

// Confirm establishes that the submitted text was accepted, using the
// ordered fallback chain:
//
//  1. expected-turn: the turn at expectedTurn matches the text;
//  2. any-turn: any turn above the pre-submission maximum matches
//     (the UI may have inserted interleaved turns);
//  3. inference: composer cleared and the transcript grew, even though
//     exact text matching failed (echo rewriting, markdown rendering);
//  4. retry-click: the composer still holds the original text with an
//     enabled send control, meaning the click was swallowed; click once more
//     and re-check the first two strategies.
//
// Returns ErrNotConfirmed when the whole chain is exhausted.
func (s *Submitter) Confirm(ctx context.Context, page schemas.PageHandle, text string, expectedTurn int, before inputState, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.ConfirmTimeout
	}
	in := confirmInput{
		candidates:   []string{NormalizeText(text)},
		expectedTurn: expectedTurn,
		preMaxTurn:   before.MaxTurn,
		before:       before,
	}

	strategies := []confirmStrategy{
		{name: "expected-turn", run: s.confirmExpectedTurn},
		{name: "any-turn-above-max", run: s.confirmAnyNewTurn},
		{name: "state-inference", run: s.confirmByInference},
		{name: "retry-click", run: s.confirmRetryClick},
	}

	// The primary strategy gets the bulk of the budget: the echo can
	// take several seconds to render. The fallbacks are single-shot.
	deadline := s.now().Add(timeout)
	for s.now().Before(deadline) {
		ok, err := strategies[0].run(ctx, page, in)
		if err != nil {
			s.log.Debug("Confirmation poll failed; retrying.", zap.Error(err))
		} else if ok {
			s.log.Debug("Submission confirmed.", zap.String("strategy", strategies[0].name))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(confirmPollInterval):
		}
	}

	for _, strat := range strategies[1:] {
		ok, err := strat.run(ctx, page, in)
		if err != nil {
			s.log.Debug("Confirmation strategy failed.", zap.String("strategy", strat.name), zap.Error(err))
			continue
		}
		if ok {
			s.log.Info("Submission confirmed via fallback.", zap.String("strategy", strat.name))
			return nil
		}
	}
	return ErrNotConfirmed
}

func (s *Submitter) confirmExpectedTurn(ctx context.Context, page schemas.PageHandle, in confirmInput) (bool, error) {
	turn, found, err := s.locator.FindTurnForContent(ctx, page, in.candidates, in.expectedTurn)
	if err != nil {
		return false, err
	}
	return found && turn == in.expectedTurn, nil
}

func (s *Submitter) confirmAnyNewTurn(ctx context.Context, page schemas.PageHandle, in confirmInput) (bool, error) {
	_, found, err := s.locator.FindTurnForContent(ctx, page, in.candidates, in.preMaxTurn+1)
	if err != nil {
		return false, err
	}
	return found, nil
}

// confirmByInference accepts a submission without a text match when the
// composer was cleared and the transcript visibly grew.
func (s *Submitter) confirmByInference(ctx context.Context, page schemas.PageHandle, in confirmInput) (bool, error) {
	after, err := s.CaptureState(ctx, page)
	if err != nil {
		return false, err
	}
	cleared := NormalizeText(after.Text) == "" && NormalizeText(in.before.Text) != ""
	grew := after.TurnCount > in.before.TurnCount || after.MaxTurn > in.before.MaxTurn
	changed := after.LastTurnText != in.before.LastTurnText
	return cleared && (grew || changed), nil
}

// confirmRetryClick re-triggers the send once when the original text is
// still sitting in an enabled composer, then re-checks for acceptance.
func (s *Submitter) confirmRetryClick(ctx context.Context, page schemas.PageHandle, in confirmInput) (bool, error) {
	after, err := s.CaptureState(ctx, page)
	if err != nil {
		return false, err
	}
	if !contentMatches(after.Text, in.candidates) || !after.SendEnabled {
		return false, nil
	}
	s.log.Warn("Send click appears swallowed; clicking once more.")
	if err := page.Click(ctx, s.cfg.SendButtonSelector); err != nil {
		return false, fmt.Errorf("retry click failed: %w", err)
	}

	// Short re-check window for the echo after the second click.
	recheck := time.NewTicker(confirmPollInterval)
	defer recheck.Stop()
	deadline := s.now().Add(5 * time.Second)
	for s.now().Before(deadline) {
		if ok, err := s.confirmExpectedTurn(ctx, page, in); err == nil && ok {
			return true, nil
		}
		if ok, err := s.confirmAnyNewTurn(ctx, page, in); err == nil && ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-recheck.C:
		}
	}
	return false, nil
}

// ReadyState checks whether the remote UI is usable or behind a login
// wall or anti-automation challenge.
func (s *Submitter) ReadyState(ctx context.Context, page schemas.PageHandle) (loginWall, challenge, inputPresent bool, err error) {
	script, err := buildReadyStateScript(s.cfg)
	if err != nil {
		return false, false, false, err
	}
	var state readyState
	if err := page.Evaluate(ctx, script, &state); err != nil {
		return false, false, false, fmt.Errorf("ready state check failed: %w", err)
	}
	return state.LoginWall, state.Challenge, state.InputPresent, nil
}
