package providerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hearth/internal/llm"
)

type fakeProvider struct {
	err error
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	if f.err != nil {
		return llm.Message{}, f.err
	}
	return llm.Message{Role: "assistant", Content: "ok"}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return f.err
}

func TestPool_FailuresDriveProviderDown(t *testing.T) {
	p := &Pool{providers: map[string]llm.Provider{}, health: map[string]Health{}, clock: time.Now}
	fp := &fakeProvider{err: errors.New("boom")}
	p.Register("flaky", fp)

	for i := 0; i < failuresBeforeDown-1; i++ {
		_, err := p.Chat(context.Background(), "flaky", nil, nil, "m")
		require.Error(t, err)
		require.True(t, p.Available("flaky"))
	}

	_, err := p.Chat(context.Background(), "flaky", nil, nil, "m")
	require.Error(t, err)
	require.False(t, p.Available("flaky"))
	require.Equal(t, StateDown, p.Health("flaky").State)
}

func TestPool_SuccessRestoresHealthy(t *testing.T) {
	p := &Pool{providers: map[string]llm.Provider{}, health: map[string]Health{}, clock: time.Now}
	fp := &fakeProvider{err: errors.New("boom")}
	p.Register("svc", fp)

	for i := 0; i < failuresBeforeDown; i++ {
		_, _ = p.Chat(context.Background(), "svc", nil, nil, "m")
	}
	require.Equal(t, StateDown, p.Health("svc").State)

	fp.err = nil
	_, err := p.Chat(context.Background(), "svc", nil, nil, "m")
	require.NoError(t, err)
	require.Equal(t, StateHealthy, p.Health("svc").State)
}

func TestSplitModel(t *testing.T) {
	provider, model := SplitModel("anthropic/claude-sonnet-4-5")
	require.Equal(t, "anthropic", provider)
	require.Equal(t, "claude-sonnet-4-5", model)

	provider, model = SplitModel("gpt-4o-mini")
	require.Equal(t, "", provider)
	require.Equal(t, "gpt-4o-mini", model)
}
