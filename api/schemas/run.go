// File: api/schemas/run.go
// Description: Core data model for a single automation run. A Run is the unit
// of work: one prompt submitted to the remote conversational UI, one reply
// extracted. Runs are owned exclusively by the orchestrator and persisted
// after every state transition so an independent process can inspect them.

package schemas

import (
	"time"

	"github.com/google/uuid"
)

// RunState is the lifecycle state of a Run.
type RunState string

const (
	StateStarting  RunState = "starting"
	StateRunning   RunState = "running"
	StateNeedsUser RunState = "needs_user"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateCanceled  RunState = "canceled"
)

// Terminal reports whether no further automated progress is possible.
// needs_user is terminal-ish: only external human action clears it.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled, StateNeedsUser:
		return true
	}
	return false
}

// Stage tags the phase of a running attempt. Stages exist purely for
// external observability and never affect transition logic.
type Stage string

const (
	StageLaunch   Stage = "launch"
	StageLogin    Stage = "login"
	StageNavigate Stage = "navigate"
	StageSubmit   Stage = "submit"
	StageWaiting  Stage = "waiting"
	StageExtract  Stage = "extract"
	StageRecovery Stage = "recovery"
	StageCleanup  Stage = "cleanup"
)

// NeedsUserReason categorizes why a run is blocked on a human.
type NeedsUserReason string

const (
	ReasonLogin                 NeedsUserReason = "login"
	ReasonChallenge             NeedsUserReason = "challenge"
	ReasonAuthorizationRequired NeedsUserReason = "authorization-required"
	ReasonUnknown               NeedsUserReason = "unknown"
)

// Attachment is one externally resolved file to attach to the prompt.
type Attachment struct {
	Path        string `json:"path"`
	DisplayName string `json:"display_name"`
}

// RunConfig is the caller-provided description of the work to perform.
type RunConfig struct {
	ID          string       `json:"id"`
	Prompt      string       `json:"prompt"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// ConversationURL continues an existing conversation when set.
	ConversationURL string `json:"conversation_url,omitempty"`

	// MaxAttempts bounds the attempt loop. Zero means one attempt.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Timeout bounds each wait for the remote reply.
	Timeout time.Duration `json:"timeout,omitempty"`

	// AllowRestart authorizes recovery to terminate and relaunch the
	// browser process. Without it a stuck browser surfaces as needs_user.
	AllowRestart bool `json:"allow_restart,omitempty"`

	// ForceKill additionally authorizes a process-level kill when a
	// graceful terminate does not complete in time.
	ForceKill bool `json:"force_kill,omitempty"`

	Visible bool `json:"visible,omitempty"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.New().String() }

// Run is the mutable per-run record the orchestrator maintains.
type Run struct {
	Config RunConfig `json:"config"`

	State RunState `json:"state"`
	Stage Stage    `json:"stage,omitempty"`

	// ConversationRef is set once the remote system assigns one (the
	// page address at completion time).
	ConversationRef string `json:"conversation_ref,omitempty"`

	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`

	NeedsUserReason NeedsUserReason `json:"needs_user_reason,omitempty"`
	NeedsUserDetail string          `json:"needs_user_detail,omitempty"`

	// FocusDegraded records that the best-effort focus suppression
	// collaborator failed; operational only, never blocks the run.
	FocusDegraded bool `json:"focus_degraded,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OutcomeKind discriminates the terminal result of RunOnce.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeNeedsUser OutcomeKind = "needs_user"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeCanceled  OutcomeKind = "canceled"
)

// RunOutcome is the only value returned to the caller; intermediate
// states are observable exclusively through the persistence interface.
type RunOutcome struct {
	Kind            OutcomeKind     `json:"kind"`
	Content         string          `json:"content,omitempty"`
	ConversationRef string          `json:"conversation_ref,omitempty"`
	Reason          NeedsUserReason `json:"reason,omitempty"`
	Detail          string          `json:"detail,omitempty"`
	Err             error           `json:"-"`
}
