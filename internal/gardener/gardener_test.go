package gardener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hearth/internal/config"
	"hearth/internal/goals"
	"hearth/internal/memory"
	"hearth/internal/persistence"
	"hearth/internal/persistence/databases"
	"hearth/internal/profile"
	"hearth/internal/schedule"
	"hearth/internal/session"
	"hearth/internal/usage"
)

func fakeEmbed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func newTestGardener(t *testing.T) (*Gardener, *session.Store, *memory.Store) {
	t.Helper()
	graph := databases.NewMemoryGraph()
	memStore := memory.New(graph, databases.NewMemoryVector(), databases.NewMemorySearch(), fakeEmbed)

	mgr, err := databases.NewManager(context.Background(), config.DBConfig{})
	require.NoError(t, err)
	sessStore := session.New(mgr.Chat)

	g := &Gardener{
		Memory:   memStore,
		Sessions: sessStore,
		Profiles: profile.New(graph),
		Goals:    goals.New(graph),
		Queue:    schedule.NewMemoryQueue(),
		Ledger:   usage.NewMemoryLedger(usage.PriceTable{}, config.BudgetConfig{}),
		Cfg:      config.GardenerConfig{FusionMaxClusters: 5, SessionMaxAgeDays: 30, SubAgentMaxAgeDays: 7},
	}
	return g, sessStore, memStore
}

func TestLightTick_ReportsDecayAndBudgetWithoutEngine(t *testing.T) {
	g, _, memStore := newTestGardener(t)
	ctx := context.Background()

	mem, err := memStore.Add(ctx, "user-1", "recently touched fact", "fact", false)
	require.NoError(t, err)
	mem.LastAccessed = time.Now().UTC()

	result := g.LightTick(ctx)
	require.Empty(t, result.Errors)
}

func TestDeepTick_RunsAllNineStepsDespiteMissingProviderPool(t *testing.T) {
	g, sessStore, memStore := newTestGardener(t)
	ctx := context.Background()

	_, err := memStore.Add(ctx, "user-1", "an old fact nobody revisits", "fact", false)
	require.NoError(t, err)

	uid := int64(1)
	sess, err := sessStore.CreateSession(ctx, &uid, "chan", "")
	require.NoError(t, err)
	require.NoError(t, sessStore.AppendMessage(ctx, &uid, sess.ID, persistence.ChatMessage{Role: "user", Content: "hello"}))

	result := g.DeepTick(ctx)
	require.Len(t, result.Steps, 9)

	byName := map[string]DeepStepResult{}
	for _, s := range result.Steps {
		byName[s.Step] = s
	}
	require.Contains(t, byName, "full_decay")
	require.Empty(t, byName["full_decay"].ErrMsg)
	require.Contains(t, byName, "enhanced_forgetting")
	require.Empty(t, byName["enhanced_forgetting"].ErrMsg)
	// fusion and session_summarization only reach out to a provider pool once
	// they find an eligible cluster/session; absent one wired here, neither
	// should block the remaining steps from running.
	require.Contains(t, byName, "fusion")
	require.Contains(t, byName, "sub_agent_cleanup")
}

func TestStepGoalDeadlines_EnqueuesOnlyApproachingGoals(t *testing.T) {
	g, _, _ := newTestGardener(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(2 * time.Hour)
	far := time.Now().UTC().Add(60 * 24 * time.Hour)
	_, err := g.Goals.Create(ctx, "user-1", "due soon", &soon)
	require.NoError(t, err)
	_, err = g.Goals.Create(ctx, "user-1", "due later", &far)
	require.NoError(t, err)

	detail, err := g.stepGoalDeadlines(ctx)
	require.NoError(t, err)
	require.Equal(t, "goal_checkins_enqueued=1", detail)
}

func TestStepTrustUpdate_PenalizesSessionsWithToolErrors(t *testing.T) {
	g, sessStore, _ := newTestGardener(t)
	ctx := context.Background()

	uid := int64(42)
	sess, err := sessStore.CreateSession(ctx, &uid, "chan", "")
	require.NoError(t, err)
	require.NoError(t, sessStore.AppendMessage(ctx, &uid, sess.ID, persistence.ChatMessage{
		Role: "tool", Content: `{"ok":false,"error":"boom","isError":true}`,
	}))

	_, err = g.stepTrustUpdate(ctx)
	require.NoError(t, err)

	prof, err := g.Profiles.Get(ctx, "42")
	require.NoError(t, err)
	require.Less(t, prof.TrustScore, 0.5)
}
