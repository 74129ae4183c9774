package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSubmitter(t *testing.T) *Submitter {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewSubmitter(testChatConfig(), NewLocator(testChatConfig(), logger), logger)
}

func TestSubmitFastPath(t *testing.T) {
	page := &fakePage{}
	s := newTestSubmitter(t)

	echo, err := s.Submit(context.Background(), page, "hello there")
	require.NoError(t, err)
	assert.Equal(t, "hello there", echo)
	assert.Empty(t, page.typed, "fast path must not retype")
	require.Len(t, page.clicks, 1)
	assert.Equal(t, testChatConfig().SendButtonSelector, page.clicks[0])
}

func TestSubmitRetypesOnReadbackMismatch(t *testing.T) {
	page := &fakePage{writeGarbled: true}
	s := newTestSubmitter(t)

	echo, err := s.Submit(context.Background(), page, "hello there")
	require.NoError(t, err)
	assert.Equal(t, "hello there", echo)
	require.Len(t, page.typed, 1, "mismatch must trigger exactly one literal retype")
	assert.Len(t, page.clicks, 1)
}

func TestSubmitFailsAfterSecondMismatch(t *testing.T) {
	page := &fakePage{writeGarbled: true, typeBroken: true}
	s := newTestSubmitter(t)

	_, err := s.Submit(context.Background(), page, "hello there")
	assert.ErrorIs(t, err, ErrSubmissionMismatch)
	assert.Empty(t, page.clicks, "unverified text must never be sent")
}

func TestConfirmExpectedTurn(t *testing.T) {
	page := &fakePage{}
	page.setTurns([]turnEntry{{Index: 1, Role: "user", Text: "the prompt"}})
	s := newTestSubmitter(t)

	err := s.Confirm(context.Background(), page, "the prompt", 1, inputState{}, time.Second)
	assert.NoError(t, err)
}

func TestConfirmAnyTurnAboveMax(t *testing.T) {
	// The UI inserted an interleaved turn, so the prompt landed above the
	// expected position.
	page := &fakePage{}
	page.setTurns([]turnEntry{
		{Index: 1, Role: "", Text: "interleaved"},
		{Index: 2, Role: "user", Text: "the prompt"},
	})
	s := newTestSubmitter(t)

	err := s.Confirm(context.Background(), page, "the prompt", 1, inputState{MaxTurn: 0}, time.Millisecond)
	assert.NoError(t, err)
}

func TestConfirmByInference(t *testing.T) {
	// The echo was rewritten beyond matching, but the composer cleared
	// and the transcript grew.
	page := &fakePage{}
	page.setTurns([]turnEntry{{Index: 3, Role: "user", Text: "rendered *differently*"}})
	page.input = inputState{Text: "", TurnCount: 3, MaxTurn: 3}
	s := newTestSubmitter(t)

	before := inputState{Text: "the original prompt", TurnCount: 2, MaxTurn: 2}
	err := s.Confirm(context.Background(), page, "the original prompt", 3, before, time.Millisecond)
	assert.NoError(t, err)
}

func TestConfirmRetryClick(t *testing.T) {
	// The first send click was swallowed: text still in the composer,
	// send control enabled. One retry click must be issued, after which
	// the turn appears.
	page := &fakePage{}
	page.input = inputState{Text: "the prompt", SendEnabled: true}
	page.onClick = func(string) {
		page.appendTurn(turnEntry{Index: 1, Role: "user", Text: "the prompt"})
		page.mu.Lock()
		page.input.Text = ""
		page.mu.Unlock()
	}
	s := newTestSubmitter(t)

	err := s.Confirm(context.Background(), page, "the prompt", 1, inputState{Text: "the prompt"}, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, page.clicks, 1, "exactly one retry click")
}

func TestConfirmExhaustedChain(t *testing.T) {
	page := &fakePage{}
	page.input = inputState{Text: ""}
	s := newTestSubmitter(t)

	err := s.Confirm(context.Background(), page, "the prompt", 1, inputState{Text: "the prompt"}, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.Empty(t, page.clicks, "no retry click without the original text present")
}

func TestReadyState(t *testing.T) {
	page := &fakePage{ready: readyState{LoginWall: true, InputPresent: false}}
	s := newTestSubmitter(t)

	loginWall, challenge, inputPresent, err := s.ReadyState(context.Background(), page)
	require.NoError(t, err)
	assert.True(t, loginWall)
	assert.False(t, challenge)
	assert.False(t, inputPresent)
}
