// File: api/schemas/snapshot.go
package schemas

import "time"

// GenerationSnapshot is an immutable, point-in-time reduction of the remote
// page's DOM into the handful of signals the completion detector reasons
// about. Produced fresh on every poll and compared field-by-field against
// the previous snapshot; never mutated.
type GenerationSnapshot struct {
	// Generating is true iff a visible control exists whose label
	// indicates stopping or updating an in-flight generation.
	Generating bool `json:"generating"`

	// CompletionSignalVisible is true iff a reply-finished affordance
	// (copy/share) is visible scoped to the target turn. A finished
	// control on an earlier or interleaved turn does not count.
	CompletionSignalVisible bool `json:"completionSignalVisible"`

	// LatestReplyText is the visible text of the target reply element.
	// Hidden text never contributes.
	LatestReplyText string `json:"latestReplyText"`

	// LatestReplyIndex is the ordinal (turn number) of the target reply.
	LatestReplyIndex int `json:"latestReplyIndex"`

	// ExpectedTurnPresent reports that the expected user turn exists.
	ExpectedTurnPresent bool `json:"expectedTurnPresent"`

	// ExpectedReplyPresent reports that a reply-role turn was found
	// within the bounded lookahead of the expected reply position.
	ExpectedReplyPresent bool `json:"expectedReplyPresent"`

	// MaxTurn is the highest turn number currently on the page.
	MaxTurn int `json:"maxTurn"`
}

// ReplyResult is the successful outcome of waiting for a reply.
type ReplyResult struct {
	Text            string `json:"text"`
	TurnIndex       int    `json:"turn_index"`
	ConversationRef string `json:"conversation_ref"`
}

// RecoveryHealth is the transient result of one browser health check.
// Never persisted; consumed immediately to pick a recovery action.
type RecoveryHealth struct {
	EndpointReachable bool          `json:"endpoint_reachable"`
	RuntimeResponsive bool          `json:"runtime_responsive"`
	PageResponsive    bool          `json:"page_responsive"`
	CheckedAt         time.Time     `json:"checked_at"`
	Latency           time.Duration `json:"latency"`
}

// Healthy reports that nothing needs recovering.
func (h RecoveryHealth) Healthy() bool {
	return h.EndpointReachable && h.RuntimeResponsive && h.PageResponsive
}
