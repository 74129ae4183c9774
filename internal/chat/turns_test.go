package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNormalizeText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"collapses runs", "hello   \t world", "hello world"},
		{"trims", "  hello world \n", "hello world"},
		{"nbsp", "hello world", "hello world"},
		{"newlines", "line one\nline two\r\nline three", "line one line two line three"},
		{"empty", "   \n\t ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeText(tc.in))
		})
	}
}

func TestContentMatches(t *testing.T) {
	t.Run("exact after normalization", func(t *testing.T) {
		assert.True(t, contentMatches("hello  world", []string{"hello world"}))
		assert.False(t, contentMatches("hello world!", []string{"hello world"}))
	})

	t.Run("long candidates match by prefix", func(t *testing.T) {
		long := strings.Repeat("a", 300)
		// The UI truncated the rendered turn but kept the lead intact.
		rendered := long[:250] + " [truncated]"
		assert.True(t, contentMatches(rendered, []string{long}))
	})

	t.Run("prefix counts characters not bytes", func(t *testing.T) {
		// 250 two-byte runes: a byte-based cut would compare only the
		// first 100 characters and wrongly accept a turn that diverges
		// well before character 200.
		long := strings.Repeat("é", 250)
		diverges := strings.Repeat("é", 150) + strings.Repeat("x", 100)
		assert.False(t, contentMatches(diverges, []string{long}))

		intact := strings.Repeat("é", 200) + " [truncated]"
		assert.True(t, contentMatches(intact, []string{long}))
	})

	t.Run("short candidates never prefix-match", func(t *testing.T) {
		assert.False(t, contentMatches("hello world and more", []string{"hello world"}))
	})

	t.Run("empty candidate ignored", func(t *testing.T) {
		assert.False(t, contentMatches("anything", []string{""}))
	})
}

func TestNextUserTurn(t *testing.T) {
	loc := NewLocator(testChatConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("empty transcript starts at one", func(t *testing.T) {
		page := &fakePage{}
		next, err := loc.NextUserTurn(ctx, page)
		require.NoError(t, err)
		assert.Equal(t, 1, next)
	})

	t.Run("max plus one regardless of roles", func(t *testing.T) {
		page := &fakePage{}
		page.setTurns([]turnEntry{
			{Index: 1, Role: "user", Text: "first"},
			{Index: 2, Role: "", Text: "system notice"},
			{Index: 4, Role: "assistant", Text: "reply"},
		})
		next, err := loc.NextUserTurn(ctx, page)
		require.NoError(t, err)
		assert.Equal(t, 5, next)
	})

	t.Run("idempotent while page unchanged", func(t *testing.T) {
		page := &fakePage{}
		page.setTurns([]turnEntry{{Index: 1, Role: "user", Text: "hi"}})
		a, err := loc.NextUserTurn(ctx, page)
		require.NoError(t, err)
		b, err := loc.NextUserTurn(ctx, page)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})
}

func TestFindTurnForContent(t *testing.T) {
	loc := NewLocator(testChatConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	page := &fakePage{}
	page.setTurns([]turnEntry{
		{Index: 3, Role: "user", Text: "the question"},
		{Index: 4, Role: "", Text: "the question"}, // role-less echo must be skipped
		{Index: 5, Role: "assistant", Text: "the answer"},
	})

	t.Run("finds participant turn", func(t *testing.T) {
		turn, found, err := loc.FindTurnForContent(ctx, page, []string{"the question"}, 0)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 3, turn)
	})

	t.Run("respects minimum turn", func(t *testing.T) {
		// Only the role-less copy exists at or above turn 4.
		_, found, err := loc.FindTurnForContent(ctx, page, []string{"the question"}, 4)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("no match", func(t *testing.T) {
		_, found, err := loc.FindTurnForContent(ctx, page, []string{"something else"}, 0)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestLastUserTurnMatches(t *testing.T) {
	loc := NewLocator(testChatConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	page := &fakePage{}
	page.setTurns([]turnEntry{
		{Index: 1, Role: "user", Text: "old prompt"},
		{Index: 2, Role: "assistant", Text: "old reply"},
		{Index: 3, Role: "user", Text: "current  prompt"},
		{Index: 4, Role: "", Text: "interleaved"},
	})

	match, err := loc.LastUserTurnMatches(ctx, page, "current prompt")
	require.NoError(t, err)
	assert.True(t, match, "normalized match against the most recent user turn")

	match, err = loc.LastUserTurnMatches(ctx, page, "old prompt")
	require.NoError(t, err)
	assert.False(t, match, "older user turns must not count")

	empty := &fakePage{}
	match, err = loc.LastUserTurnMatches(ctx, empty, "anything")
	require.NoError(t, err)
	assert.False(t, match)
}
