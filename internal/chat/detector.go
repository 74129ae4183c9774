// File: internal/chat/detector.go
// Description: Polls the page handle and reduces raw, noisy DOM signals
// into one of a small set of generation states. None of its inputs are
// trustworthy: timers lie, elements appear and disappear, and "nothing
// changed" can mean still thinking, done, or crashed. The detector never
// decides to give up on a run; it only reports which terminal signal
// fired and leaves retry/recovery policy to the orchestrator.

package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/config"
)

// Poll cadence is clamped into this band regardless of configuration:
// faster busy-loops hammer the control channel, slower polling misses
// short-lived generating windows.
const (
	minPollInterval = 500 * time.Millisecond
	maxPollInterval = time.Second
)

// Detector reduces polled DOM state into generation outcomes.
type Detector struct {
	cfg config.ChatConfig
	log *zap.Logger

	pollInterval    time.Duration
	stabilityWindow time.Duration
	failedGrace     time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewDetector creates a detector, clamping the poll cadence into the
// supported band.
func NewDetector(cfg config.ChatConfig, logger *zap.Logger) *Detector {
	d := &Detector{
		cfg:             cfg,
		log:             logger.Named("detector"),
		pollInterval:    cfg.PollInterval,
		stabilityWindow: cfg.StabilityWindow,
		failedGrace:     cfg.FailedGrace,
		now:             time.Now,
	}
	if d.pollInterval < minPollInterval {
		d.pollInterval = minPollInterval
	}
	if d.pollInterval > maxPollInterval {
		d.pollInterval = maxPollInterval
	}
	if d.stabilityWindow <= 0 {
		d.stabilityWindow = 2 * time.Second
	}
	if d.failedGrace <= 0 {
		d.failedGrace = 30 * time.Second
	}
	return d
}

// Poll produces one fresh GenerationSnapshot. expectedReplyTurn <= 0
// means the reply position is unknown and the last reply-role element is
// tracked instead.
func (d *Detector) Poll(ctx context.Context, page schemas.PageHandle, expectedReplyTurn int) (schemas.GenerationSnapshot, error) {
	script, err := buildSnapshotScript(d.cfg, expectedReplyTurn)
	if err != nil {
		return schemas.GenerationSnapshot{}, err
	}
	var probe snapshotProbe
	if err := page.Evaluate(ctx, script, &probe); err != nil {
		return schemas.GenerationSnapshot{}, fmt.Errorf("snapshot poll failed: %w", err)
	}

	snap := schemas.GenerationSnapshot{
		Generating:          probe.Generating,
		MaxTurn:             probe.MaxTurn,
		ExpectedTurnPresent: probe.ExpectedTurnPresent,
	}
	if target, ok := resolveReplyTarget(probe.Replies, expectedReplyTurn, d.cfg.ReplyLookahead); ok {
		snap.CompletionSignalVisible = target.CompletionVisible
		snap.LatestReplyText = target.Text
		snap.LatestReplyIndex = target.Index
		snap.ExpectedReplyPresent = expectedReplyTurn > 0
	}
	return snap, nil
}

// resolveReplyTarget picks the reply turn a wait tracks. With a known
// expected position the earliest reply within the lookahead window wins,
// so role-less interleaved turns shift the reply without hiding it, while
// a reply beyond the window is ignored. With no expected position the
// last reply on the page is tracked.
func resolveReplyTarget(replies []replyProbe, expectedTurn, lookahead int) (replyProbe, bool) {
	var best replyProbe
	found := false
	for _, r := range replies {
		if expectedTurn > 0 {
			if r.Index < expectedTurn || r.Index > expectedTurn+lookahead {
				continue
			}
			if !found || r.Index < best.Index {
				best, found = r, true
			}
		} else if !found || r.Index >= best.Index {
			best, found = r, true
		}
	}
	return best, found
}

// WaitForReply polls until the reply reaches a terminal condition.
//
// Completed requires, simultaneously: generating false, the completion
// signal visible on the target turn, non-empty reply text, and no content
// change for the stability window. The stability window guards against
// reading mid-stream when the finished control renders slightly ahead of
// the final token flush.
//
// Terminal errors: ErrStalled (generating for the full timeout),
// ErrFailed (generating ended, no completion signal within the grace
// window), ErrTimedOut (neither fired before the deadline). A failed
// individual poll is swallowed and retried on the next tick.
func (d *Detector) WaitForReply(ctx context.Context, page schemas.PageHandle, expectedReplyTurn int, timeout time.Duration, anomalies *AnomalySet) (*schemas.ReplyResult, error) {
	if timeout <= 0 {
		timeout = d.cfg.ReplyTimeout
	}
	deadline := d.now().Add(timeout)

	var (
		prev            schemas.GenerationSnapshot
		havePrev        bool
		sawGenerating   bool
		generating      bool
		generatingEnded time.Time
		lastChange      = d.now()
	)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		snap, err := d.Poll(ctx, page, expectedReplyTurn)
		if err != nil {
			// A single failed DOM read is noise, not a verdict.
			d.log.Debug("Poll failed; retrying next tick.", zap.Error(err))
			if waitErr := d.sleepTick(ctx, ticker); waitErr != nil {
				return nil, waitErr
			}
			if d.now().After(deadline) {
				return nil, d.timeoutError(generating)
			}
			continue
		}

		now := d.now()

		if snap.Generating {
			sawGenerating = true
			generatingEnded = time.Time{}
		} else if generating {
			// Transition generating -> idle starts the failure grace clock.
			generatingEnded = now
		}
		generating = snap.Generating

		// Track content stability on the target reply.
		if !havePrev || snap.LatestReplyText != prev.LatestReplyText || snap.LatestReplyIndex != prev.LatestReplyIndex {
			lastChange = now
		}
		prev, havePrev = snap, true

		if !snap.Generating && snap.CompletionSignalVisible {
			if snap.LatestReplyText == "" {
				// Some renders race the finished control ahead of the
				// content. Flag once, keep polling.
				anomalies.Flag("completion-signal-empty-reply", func() {
					d.log.Warn("Completion signal visible but reply text is empty; continuing to poll.",
						zap.Int("turn", snap.LatestReplyIndex))
				})
			} else if now.Sub(lastChange) >= d.stabilityWindow {
				url, urlErr := page.CurrentURL(ctx)
				if urlErr != nil {
					d.log.Debug("Could not read page address at completion.", zap.Error(urlErr))
				}
				d.log.Info("Reply complete.",
					zap.Int("turn", snap.LatestReplyIndex),
					zap.Int("chars", len(snap.LatestReplyText)))
				return &schemas.ReplyResult{
					Text:            snap.LatestReplyText,
					TurnIndex:       snap.LatestReplyIndex,
					ConversationRef: url,
				}, nil
			}
		}

		// Silent failure: generation ended and the grace window passed
		// with no completion signal.
		if sawGenerating && !snap.Generating && !snap.CompletionSignalVisible &&
			!generatingEnded.IsZero() && now.Sub(generatingEnded) >= d.failedGrace {
			return nil, fmt.Errorf("no completion signal %s after generation ended: %w", d.failedGrace, ErrFailed)
		}

		if now.After(deadline) {
			return nil, d.timeoutError(snap.Generating)
		}

		if err := d.sleepTick(ctx, ticker); err != nil {
			return nil, err
		}
	}
}

// timeoutError distinguishes a stall (still generating at the deadline)
// from a plain ambiguous timeout.
func (d *Detector) timeoutError(stillGenerating bool) error {
	if stillGenerating {
		return ErrStalled
	}
	return ErrTimedOut
}

// sleepTick waits for the next poll or a cancellation, whichever first.
func (d *Detector) sleepTick(ctx context.Context, ticker *time.Ticker) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ticker.C:
		return nil
	}
}

// IsGenerating is a one-shot probe used before submitting into an
// existing conversation: the engine never queues behind an in-flight
// reply to a previous turn.
func (d *Detector) IsGenerating(ctx context.Context, page schemas.PageHandle) (bool, error) {
	snap, err := d.Poll(ctx, page, 0)
	if err != nil {
		return false, err
	}
	return snap.Generating, nil
}
