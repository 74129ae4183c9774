// File: internal/orchestrator/orchestrator.go
// Description: Owns the full lifecycle of one automation run: launch,
// navigate, gate on UI readiness, submit, wait, extract, recover. All
// retry and recovery policy lives here; the chat components only report
// which terminal signal fired. The run record is persisted after every
// state transition so a separate process can observe or cancel the run
// through the store's marker files.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/promptpilot/api/schemas"
	"github.com/xkilldash9x/promptpilot/internal/chat"
	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/recovery"
)

// inputRecheckWait is how long a missing composer gets to render before
// the run is declared blocked on a human.
const inputRecheckWait = 3 * time.Second

// Orchestrator drives runs against one browser instance.
type Orchestrator struct {
	cfg      *config.Config
	launcher schemas.Launcher
	store    schemas.RunStore
	uploader schemas.Uploader
	focus    schemas.FocusGuard
	recovery *recovery.Controller

	locator   *chat.Locator
	detector  *chat.Detector
	submitter *chat.Submitter
	log       *zap.Logger

	// mu guards run mutation between the main flow and the heartbeat.
	mu sync.Mutex
}

// New wires an orchestrator from its collaborators. The chat-layer
// components are constructed here; they carry no state beyond config.
func New(cfg *config.Config, launcher schemas.Launcher, store schemas.RunStore, up schemas.Uploader, fg schemas.FocusGuard, rec *recovery.Controller, logger *zap.Logger) *Orchestrator {
	locator := chat.NewLocator(cfg.Chat, logger)
	return &Orchestrator{
		cfg:       cfg,
		launcher:  launcher,
		store:     store,
		uploader:  up,
		focus:     fg,
		recovery:  rec,
		locator:   locator,
		detector:  chat.NewDetector(cfg.Chat, logger),
		submitter: chat.NewSubmitter(cfg.Chat, locator, logger),
		log:       logger.Named("orchestrator"),
	}
}

// RunOnce executes a single run to a terminal outcome. Intermediate
// progress is observable only through the persistence layer; the returned
// outcome is the one value handed back to the caller.
func (o *Orchestrator) RunOnce(ctx context.Context, rc schemas.RunConfig) schemas.RunOutcome {
	if rc.ID == "" {
		rc.ID = schemas.NewRunID()
	}
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 1
	}
	if rc.Timeout <= 0 {
		rc.Timeout = o.cfg.Chat.ReplyTimeout
	}

	run := &schemas.Run{
		Config:    rc,
		State:     schemas.StateStarting,
		StartedAt: time.Now().UTC(),
	}
	log := o.log.With(zap.String("run_id", rc.ID))

	if err := o.store.SaveConfig(run); err != nil {
		return o.finishFailed(run, fmt.Errorf("failed to persist run config: %w", err))
	}
	o.persist(run, schemas.StateStarting, schemas.StageLaunch, "starting")

	// The cancel watcher and heartbeat run for the whole lifetime of the
	// main flow and are torn down before the outcome is returned.
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var externalCancel atomic.Bool
	g, watchCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return o.watchCancel(watchCtx, rc.ID, &externalCancel, stop)
	})
	g.Go(func() error {
		return o.heartbeat(watchCtx, run)
	})

	outcome := o.execute(runCtx, run, log)
	stop()
	_ = g.Wait()

	if externalCancel.Load() && outcome.Kind != schemas.OutcomeCompleted {
		log.Info("Run canceled by external request.")
		o.persist(run, schemas.StateCanceled, schemas.StageCleanup, "canceled by request")
		if err := o.store.SaveResult(run, "", context.Canceled); err != nil {
			log.Warn("Failed to persist canceled result.", zap.Error(err))
		}
		return schemas.RunOutcome{Kind: schemas.OutcomeCanceled, Err: context.Canceled}
	}
	return outcome
}

// watchCancel polls the store's cancel marker and tears the run context
// down when it appears. Files are the only cross-process channel.
func (o *Orchestrator) watchCancel(ctx context.Context, runID string, flagged *atomic.Bool, stop context.CancelFunc) error {
	interval := o.cfg.Runs.CancelPoll
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if o.store.Canceled(runID) {
				flagged.Store(true)
				stop()
				return nil
			}
		}
	}
}

// heartbeat refreshes the status record so an observer can tell a slow
// run from a dead one.
func (o *Orchestrator) heartbeat(ctx context.Context, run *schemas.Run) error {
	interval := o.cfg.Runs.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// The store reads the whole record; hand it a copy taken under
			// the lock so the attempt loop can keep mutating the original.
			o.mu.Lock()
			snap := *run
			o.mu.Unlock()
			if err := o.store.SaveStatus(&snap, snap.State, snap.Stage, "heartbeat"); err != nil {
				o.log.Debug("Heartbeat persist failed.", zap.Error(err))
			}
		}
	}
}

// persist records a state transition, updating the in-memory run and the
// status record together.
func (o *Orchestrator) persist(run *schemas.Run, state schemas.RunState, stage schemas.Stage, message string) {
	o.mu.Lock()
	run.State = state
	run.Stage = stage
	run.UpdatedAt = time.Now().UTC()
	o.mu.Unlock()
	if err := o.store.SaveStatus(run, state, stage, message); err != nil {
		o.log.Warn("Failed to persist status.", zap.Error(err))
	}
}

// execute runs the launch-to-extract flow under an already-watched context.
func (o *Orchestrator) execute(ctx context.Context, run *schemas.Run, log *zap.Logger) schemas.RunOutcome {
	rc := run.Config

	// 1. Browser up.
	if err := o.launcher.Launch(ctx, o.cfg.Browser.ProfileDir, rc.Visible); err != nil {
		return o.finishFailed(run, fmt.Errorf("browser launch failed: %w", err))
	}
	if err := o.focus.Suppress(ctx, o.launcher.ProcessID()); err != nil {
		// Degraded guarantee only; the run proceeds.
		o.mu.Lock()
		run.FocusDegraded = true
		o.mu.Unlock()
		log.Debug("Focus suppression unavailable.", zap.Error(err))
	}
	page, err := o.launcher.OpenPage(ctx)
	if err != nil {
		return o.finishFailed(run, fmt.Errorf("failed to open page: %w", err))
	}

	// 2. Navigate to the conversation (or a fresh one).
	target := rc.ConversationURL
	if target == "" {
		target = o.cfg.Chat.BaseURL
	}
	o.persist(run, schemas.StateRunning, schemas.StageNavigate, "navigating")
	if err := page.Goto(ctx, target); err != nil {
		page, err = o.recoverOnce(ctx, run, page, target, err, log)
		if err != nil {
			return o.finishFromError(run, err)
		}
	}

	// 3. Readiness gate: login wall, challenge, composer present.
	if outcome, blocked := o.gateReadiness(ctx, run, page, log); blocked {
		return outcome
	}

	// 4. Never queue behind an in-flight reply in an existing conversation.
	if rc.ConversationURL != "" {
		busy, err := o.detector.IsGenerating(ctx, page)
		if err != nil {
			return o.finishFromError(run, fmt.Errorf("busy probe failed: %w", err))
		}
		if busy {
			return o.finishFailed(run, chat.ErrConversationBusy)
		}
	}

	// 5. Attachments, with overflow inlined into the prompt text.
	prompt := rc.Prompt
	if len(rc.Attachments) > 0 {
		o.persist(run, schemas.StateRunning, schemas.StageSubmit, "uploading attachments")
		overflow, err := o.uploader.Upload(ctx, page, rc.Attachments)
		if err != nil {
			return o.finishFailed(run, fmt.Errorf("attachment upload failed: %w", err))
		}
		prompt, err = inlineOverflow(prompt, overflow)
		if err != nil {
			return o.finishFailed(run, err)
		}
	}

	return o.attemptLoop(ctx, run, page, target, prompt, log)
}

// attemptLoop submits and waits, applying the retry policy:
//   - a stall gets one reload-and-resume that does not consume an attempt;
//   - a silent failure gets at most one resubmission, replaying the same
//     attempt;
//   - an ambiguous timeout is fatal;
//   - unexpected page errors get one recovery pass for the whole run,
//     after which the interrupted attempt runs again.
func (o *Orchestrator) attemptLoop(ctx context.Context, run *schemas.Run, page schemas.PageHandle, target, prompt string, log *zap.Logger) schemas.RunOutcome {
	rc := run.Config
	anomalies := chat.NewAnomalySet()
	normalized := chat.NormalizeText(prompt)

	var (
		lastErr       error
		forceResubmit bool
		resubmitted   bool
		stallResumed  bool
		recoveryUsed  bool
	)

	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		o.mu.Lock()
		run.Attempt = attempt
		o.mu.Unlock()
		if ctx.Err() != nil {
			return schemas.RunOutcome{Kind: schemas.OutcomeCanceled, Err: ctx.Err()}
		}

		// Idempotent re-entry: if the prompt is already the latest user
		// turn (prior invocation, or resuming after a stall reload), do
		// not submit it again. A forced resubmission bypasses the check.
		expectedUserTurn := 0
		if !forceResubmit {
			if match, err := o.locator.LastUserTurnMatches(ctx, page, prompt); err == nil && match {
				if turn, found, ferr := o.locator.FindTurnForContent(ctx, page, []string{normalized}, 0); ferr == nil && found {
					expectedUserTurn = turn
					log.Info("Prompt already present; skipping submission.", zap.Int("turn", turn))
				}
			}
		}
		forceResubmit = false

		if expectedUserTurn == 0 {
			o.persist(run, schemas.StateRunning, schemas.StageSubmit, "submitting prompt")

			before, err := o.submitter.CaptureState(ctx, page)
			if err != nil {
				lastErr = err
				if page, err = o.handleAttemptError(ctx, run, page, target, err, &recoveryUsed, log); err != nil {
					return o.finishFromError(run, err)
				}
				// A recovered page retries the same attempt.
				attempt--
				continue
			}
			next, err := o.locator.NextUserTurn(ctx, page)
			if err != nil {
				lastErr = err
				continue
			}
			expectedUserTurn = next

			if _, err := o.submitter.Submit(ctx, page, prompt); err != nil {
				if errors.Is(err, chat.ErrSubmissionMismatch) {
					return o.finishFailed(run, err)
				}
				lastErr = err
				if page, err = o.handleAttemptError(ctx, run, page, target, err, &recoveryUsed, log); err != nil {
					return o.finishFromError(run, err)
				}
				attempt--
				continue
			}
			if err := o.submitter.Confirm(ctx, page, prompt, expectedUserTurn, before, o.cfg.Chat.ConfirmTimeout); err != nil {
				if errors.Is(err, context.Canceled) {
					return schemas.RunOutcome{Kind: schemas.OutcomeCanceled, Err: err}
				}
				lastErr = fmt.Errorf("attempt %d: %w", attempt, err)
				log.Warn("Submission not confirmed; retrying.", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
		}

		// Wait for the reply one position above the submitted turn. The
		// detector tolerates interleaved turns via its bounded lookahead
		// from this position.
		expectedReplyTurn := expectedUserTurn + 1
		o.persist(run, schemas.StateRunning, schemas.StageWaiting, "waiting for reply")

		reply, err := o.detector.WaitForReply(ctx, page, expectedReplyTurn, rc.Timeout, anomalies)
		if err == nil {
			return o.finishCompleted(run, reply, log)
		}

		switch {
		case ctx.Err() != nil:
			return schemas.RunOutcome{Kind: schemas.OutcomeCanceled, Err: ctx.Err()}

		case errors.Is(err, chat.ErrStalled):
			if stallResumed {
				return o.finishFailed(run, fmt.Errorf("reply stalled again after resume: %w", err))
			}
			stallResumed = true
			log.Warn("Reply stalled; reloading and resuming the wait.")
			o.persist(run, schemas.StateRunning, schemas.StageRecovery, "stalled; reloading page")
			if rerr := page.Reload(ctx); rerr != nil {
				return o.finishFailed(run, fmt.Errorf("reload after stall failed: %w", rerr))
			}
			// Resuming is not a new attempt: the submission already
			// happened and the re-entry check above prevents a duplicate.
			attempt--

		case errors.Is(err, chat.ErrFailed):
			if resubmitted {
				return o.finishFailed(run, fmt.Errorf("reply failed silently after resubmission: %w", err))
			}
			resubmitted = true
			forceResubmit = true
			lastErr = err
			log.Warn("Generation failed silently; resubmitting once.", zap.Int("attempt", attempt))
			// The resubmission replays this attempt rather than consuming
			// the next one.
			attempt--

		case errors.Is(err, chat.ErrTimedOut):
			return o.finishFailed(run, err)

		default:
			lastErr = err
			if page, err = o.handleAttemptError(ctx, run, page, target, err, &recoveryUsed, log); err != nil {
				return o.finishFromError(run, err)
			}
			attempt--
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("exhausted %d attempts", rc.MaxAttempts)
	}
	return o.finishFailed(run, fmt.Errorf("all attempts exhausted: %w", lastErr))
}

// gateReadiness blocks the run when the UI needs a human: login wall,
// anti-automation challenge, or a composer that never rendered.
func (o *Orchestrator) gateReadiness(ctx context.Context, run *schemas.Run, page schemas.PageHandle, log *zap.Logger) (schemas.RunOutcome, bool) {
	loginWall, challenge, inputPresent, err := o.submitter.ReadyState(ctx, page)
	if err != nil {
		return o.finishFromError(run, err), true
	}
	switch {
	case loginWall:
		return o.finishNeedsUser(run, schemas.ReasonLogin, "login required in the automation profile"), true
	case challenge:
		return o.finishNeedsUser(run, schemas.ReasonChallenge, "verification challenge presented"), true
	case !inputPresent:
		// One grace recheck; slow renders are common right after navigation.
		select {
		case <-ctx.Done():
			return schemas.RunOutcome{Kind: schemas.OutcomeCanceled, Err: ctx.Err()}, true
		case <-time.After(inputRecheckWait):
		}
		if _, _, present, rerr := o.submitter.ReadyState(ctx, page); rerr == nil && present {
			return schemas.RunOutcome{}, false
		}
		return o.finishNeedsUser(run, schemas.ReasonUnknown, "prompt composer not found"), true
	}
	log.Debug("UI ready.")
	return schemas.RunOutcome{}, false
}

// recoverOnce is the navigation-phase recovery: a single ladder pass,
// renavigating on any page replacement.
func (o *Orchestrator) recoverOnce(ctx context.Context, run *schemas.Run, page schemas.PageHandle, target string, cause error, log *zap.Logger) (schemas.PageHandle, error) {
	log.Warn("Page operation failed; attempting recovery.", zap.Error(cause))
	o.persist(run, schemas.StateRunning, schemas.StageRecovery, "recovering browser")

	out, err := o.recovery.Recover(ctx, page, run)
	if err != nil {
		return nil, err
	}
	if out.NewPage != nil {
		page = out.NewPage
	}
	if err := page.Goto(ctx, target); err != nil {
		return nil, fmt.Errorf("navigation failed after recovery: %w", err)
	}
	return page, nil
}

// handleAttemptError routes unexpected page errors through the recovery
// ladder, at most once per run.
func (o *Orchestrator) handleAttemptError(ctx context.Context, run *schemas.Run, page schemas.PageHandle, target string, cause error, used *bool, log *zap.Logger) (schemas.PageHandle, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if *used {
		return nil, fmt.Errorf("error after recovery already used: %w", cause)
	}
	*used = true
	return o.recoverOnce(ctx, run, page, target, cause, log)
}

func (o *Orchestrator) finishCompleted(run *schemas.Run, reply *schemas.ReplyResult, log *zap.Logger) schemas.RunOutcome {
	o.mu.Lock()
	run.ConversationRef = reply.ConversationRef
	o.mu.Unlock()
	o.persist(run, schemas.StateCompleted, schemas.StageExtract, "reply extracted")
	if err := o.store.SaveResult(run, reply.Text, nil); err != nil {
		log.Warn("Failed to persist result.", zap.Error(err))
	}
	log.Info("Run completed.", zap.Int("turn", reply.TurnIndex), zap.Int("chars", len(reply.Text)))
	return schemas.RunOutcome{
		Kind:            schemas.OutcomeCompleted,
		Content:         reply.Text,
		ConversationRef: reply.ConversationRef,
	}
}

func (o *Orchestrator) finishNeedsUser(run *schemas.Run, reason schemas.NeedsUserReason, detail string) schemas.RunOutcome {
	o.mu.Lock()
	run.NeedsUserReason = reason
	run.NeedsUserDetail = detail
	stage := run.Stage
	o.mu.Unlock()
	o.persist(run, schemas.StateNeedsUser, stage, detail)
	if err := o.store.SaveResult(run, "", fmt.Errorf("needs user: %s", detail)); err != nil {
		o.log.Warn("Failed to persist needs-user result.", zap.Error(err))
	}
	return schemas.RunOutcome{Kind: schemas.OutcomeNeedsUser, Reason: reason, Detail: detail}
}

func (o *Orchestrator) finishFailed(run *schemas.Run, cause error) schemas.RunOutcome {
	o.mu.Lock()
	run.LastError = cause.Error()
	stage := run.Stage
	o.mu.Unlock()
	o.persist(run, schemas.StateFailed, stage, cause.Error())
	if err := o.store.SaveResult(run, "", cause); err != nil {
		o.log.Warn("Failed to persist failed result.", zap.Error(err))
	}
	return schemas.RunOutcome{Kind: schemas.OutcomeFailed, Err: cause}
}

// finishFromError maps recovery sentinels onto needs-user outcomes and
// everything else onto failure.
func (o *Orchestrator) finishFromError(run *schemas.Run, cause error) schemas.RunOutcome {
	switch {
	case errors.Is(cause, recovery.ErrRestartNotAuthorized):
		return o.finishNeedsUser(run, schemas.ReasonAuthorizationRequired,
			"browser restart required; rerun with restart authorization")
	case errors.Is(cause, recovery.ErrTerminateTimeout):
		return o.finishNeedsUser(run, schemas.ReasonAuthorizationRequired,
			"browser did not exit; force-kill not authorized")
	case errors.Is(cause, context.Canceled):
		return schemas.RunOutcome{Kind: schemas.OutcomeCanceled, Err: cause}
	default:
		return o.finishFailed(run, cause)
	}
}

// inlineOverflow appends overflow attachment content to the prompt as
// fenced text blocks.
func inlineOverflow(prompt string, overflow []schemas.Attachment) (string, error) {
	for _, f := range overflow {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return "", fmt.Errorf("failed to inline attachment %s: %w", f.Path, err)
		}
		name := f.DisplayName
		if name == "" {
			name = f.Path
		}
		prompt += fmt.Sprintf("\n\nAttached file %s:\n```\n%s\n```", name, string(data))
	}
	return prompt, nil
}
