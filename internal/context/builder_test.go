package context

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	hearthcfg "hearth/internal/config"
	"hearth/internal/llm"
	"hearth/internal/memory"
	"hearth/internal/persistence"
	"hearth/internal/persistence/databases"
	"hearth/internal/session"
)

type fakeSearcher struct {
	results []memory.Result
}

func (f fakeSearcher) Search(ctx context.Context, query, userID string, k int, noiseSigma float64) ([]memory.Result, error) {
	return f.results, nil
}

func newTestSessions(t *testing.T) *session.Store {
	t.Helper()
	mgr, err := databases.NewManager(context.Background(), hearthcfg.DBConfig{})
	require.NoError(t, err)
	return session.New(mgr.Chat)
}

func TestBuild_InjectsMemorySnippetsBeforeLastUserMessage(t *testing.T) {
	ctx := context.Background()
	sessions := newTestSessions(t)
	sess, err := sessions.CreateSession(ctx, nil, "cli", "")
	require.NoError(t, err)
	require.NoError(t, sessions.AppendMessage(ctx, nil, sess.ID, persistence.ChatMessage{Role: "user", Content: "what's my favorite color?"}))

	mem := fakeSearcher{results: []memory.Result{
		{Memory: memory.Memory{Category: "preference", Content: "favorite color is teal", Prominence: 0.9}},
	}}
	b := New(sessions, mem, nil)

	msgs, err := b.Build(ctx, sess.ID, "anthropic/claude-haiku-4-5", 100_000)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].Role)
	require.Contains(t, msgs[0].Content, "favorite color is teal")
	require.Equal(t, "user", msgs[1].Role)
}

func TestBuild_NoMemoryHitsLeavesTranscriptUntouched(t *testing.T) {
	ctx := context.Background()
	sessions := newTestSessions(t)
	sess, err := sessions.CreateSession(ctx, nil, "cli", "")
	require.NoError(t, err)
	require.NoError(t, sessions.AppendMessage(ctx, nil, sess.ID, persistence.ChatMessage{Role: "user", Content: "hi"}))

	b := New(sessions, fakeSearcher{}, nil)
	msgs, err := b.Build(ctx, sess.ID, "openai/gpt-4o-mini", 100_000)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Content)
}

func TestBuild_CompressesPrefixButKeepsHotWindowAndSystemMessage(t *testing.T) {
	ctx := context.Background()
	sessions := newTestSessions(t)
	sess, err := sessions.CreateSession(ctx, nil, "cli", "")
	require.NoError(t, err)

	big := strings.Repeat("word ", 2000)
	for i := 0; i < 10; i++ {
		require.NoError(t, sessions.AppendMessage(ctx, nil, sess.ID, persistence.ChatMessage{Role: "user", Content: big}))
		require.NoError(t, sessions.AppendMessage(ctx, nil, sess.ID, persistence.ChatMessage{Role: "assistant", Content: big}))
	}

	b := New(sessions, fakeSearcher{}, nil)
	b.HotWindow = 4
	msgs, err := b.Build(ctx, sess.ID, "openai/gpt-4o-mini", 2000)
	require.NoError(t, err)

	require.True(t, len(msgs) <= 4+1, "expected compression to collapse the prefix, got %d messages", len(msgs))
	require.Contains(t, msgs[0].Content, "earlier conversation summary")
}

func TestTruncateToolOutputs_LargeOutputGetsDigestAndIsRecallable(t *testing.T) {
	sessions := newTestSessions(t)
	b := New(sessions, fakeSearcher{}, nil)

	lines := make([]string, 200)
	for i := range lines {
		lines[i] = strings.Repeat("x", 200)
	}
	full := strings.Join(lines, "\n")

	out := b.truncateToolOutputs([]llm.Message{{Role: "tool", Content: full}})
	require.Contains(t, out[0].Content, "…truncated, use recall(")

	hashStart := strings.Index(out[0].Content, "recall(") + len("recall(")
	hashEnd := strings.Index(out[0].Content[hashStart:], ")") + hashStart
	hash := out[0].Content[hashStart:hashEnd]

	recalled, ok := b.Recall(hash)
	require.True(t, ok)
	require.Equal(t, full, recalled)
}
