// File: internal/chat/errors.go
// Description: Error taxonomy for the interaction engine. These are the
// only terminal conditions the detector and submitter surface; everything
// local to a single poll is swallowed and retried on the next poll. The
// orchestrator alone decides between retry, recovery, escalation and
// final failure.

package chat

import "errors"

var (
	// ErrStalled fires when the remote side reports generating for the
	// full caller timeout without ever reaching a terminal condition.
	ErrStalled = errors.New("generation stalled: remote stayed in generating state for the full timeout")

	// ErrFailed fires when generation ended but no completion signal
	// appeared within the grace window, which covers silent cancellation
	// or failure on the remote side.
	ErrFailed = errors.New("generation failed silently: generating ended with no completion signal")

	// ErrTimedOut fires when the caller timeout elapses without either
	// of the above, for example when generating was never observed true.
	ErrTimedOut = errors.New("timed out waiting for reply: generation state was never conclusive")

	// ErrSubmissionMismatch means the prompt readback never matched the
	// intended text. Fatal for the attempt; retrying a bad submission
	// blindly risks duplicate sends.
	ErrSubmissionMismatch = errors.New("submission mismatch: input readback never matched the intended prompt")

	// ErrNotConfirmed means no confirmation strategy could establish
	// that the submission was accepted.
	ErrNotConfirmed = errors.New("submission not confirmed: no acceptance signal within the confirmation window")

	// ErrConversationBusy means the remote side is already generating a
	// reply to a previous turn; the engine never queues behind one.
	ErrConversationBusy = errors.New("conversation busy: remote is still generating a previous reply")
)
