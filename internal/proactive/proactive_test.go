package proactive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hearth/internal/config"
	"hearth/internal/goals"
	"hearth/internal/llm"
	"hearth/internal/llm/providerpool"
	"hearth/internal/persistence/databases"
	"hearth/internal/profile"
	"hearth/internal/schedule"
	"hearth/internal/session"
)

type fakeTriageProvider struct {
	reply string
}

func (f *fakeTriageProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	return llm.Message{Role: "assistant", Content: f.reply}, nil
}

func (f *fakeTriageProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return nil
}

func newTestEvaluator(t *testing.T, reply string) (*Evaluator, *goals.Store, *session.Store) {
	t.Helper()
	graph := databases.NewMemoryGraph()
	pool := providerpool.New(config.Config{}, nil)
	pool.Register("openai", &fakeTriageProvider{reply: reply})

	mgr, err := databases.NewManager(context.Background(), config.DBConfig{})
	require.NoError(t, err)
	sessStore := session.New(mgr.Chat)
	return &Evaluator{
		Sessions: sessStore,
		Goals:    goals.New(graph),
		Profiles: profile.New(graph),
		Queue:    schedule.NewMemoryQueue(),
		Pool:     pool,
		Cfg: config.ProactiveConfig{
			CooldownMs:                  6 * 60 * 60_000,
			DialBudgets:                 config.ProactiveDialBudgets{Conservative: 1, Moderate: 3, Eager: 6},
			TriageProvider:              "openai",
			TriageModel:                 "gpt-4o-mini",
			UnresolvedThreadWindowMs:    6 * 60 * 60_000,
			UnresolvedThreadMinMessages: 3,
		},
	}, goals.New(graph), sessStore
}

func TestEvaluate_NoSignalsProducesNoNudges(t *testing.T) {
	e, _, _ := newTestEvaluator(t, `{"items":[]}`)
	result, err := e.Evaluate(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 0, result.SignalCount)
	require.Equal(t, 0, result.Nudges)
}

func TestEvaluate_ApproachingGoalDeadlineSchedulesNudge(t *testing.T) {
	e, goalStore, _ := newTestEvaluator(t, `{"items":[{"index":0,"action":"nudge","message":"check on your goal","urgency":"medium"}]}`)
	ctx := context.Background()
	due := time.Now().UTC().Add(2 * time.Hour)
	_, err := goalStore.Create(ctx, "user-1", "ship the report", &due)
	require.NoError(t, err)

	result, err := e.Evaluate(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.SignalCount)
	require.Equal(t, 1, result.Nudges)

	prof, err := e.Profiles.Get(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, 1, prof.ProactiveSentToday)
}

func TestEvaluate_SkipsWhenCooldownActive(t *testing.T) {
	e, goalStore, _ := newTestEvaluator(t, `{"items":[{"index":0,"action":"nudge","message":"x","urgency":"low"}]}`)
	ctx := context.Background()
	due := time.Now().UTC().Add(2 * time.Hour)
	_, err := goalStore.Create(ctx, "user-1", "ship the report", &due)
	require.NoError(t, err)

	require.NoError(t, e.Profiles.RecordProactiveSend(ctx, "user-1", time.Now().UTC()))

	result, err := e.Evaluate(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "cooldown", result.Skipped)
	require.Equal(t, 0, result.Nudges)
}

func TestEvaluate_DailyBudgetCapStopsFurtherNudges(t *testing.T) {
	e, goalStore, _ := newTestEvaluator(t, `{"items":[{"index":0,"action":"nudge","message":"x","urgency":"low"}]}`)
	ctx := context.Background()
	due := time.Now().UTC().Add(2 * time.Hour)
	_, err := goalStore.Create(ctx, "user-1", "ship the report", &due)
	require.NoError(t, err)

	today := time.Now().UTC().Format("2006-01-02")
	require.NoError(t, e.Profiles.SetDial(ctx, "user-1", profile.DialConservative))
	for i := 0; i < 1; i++ {
		require.NoError(t, e.Profiles.RecordProactiveSend(ctx, "user-1", time.Now().UTC().Add(-7*time.Hour)))
	}
	prof, err := e.Profiles.Get(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, today, prof.ProactiveSentDate)

	result, err := e.Evaluate(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "daily_budget", result.Skipped)
}
