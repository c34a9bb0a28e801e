// Package gardener implements the Gardener (spec.md §4.9): a background
// process that runs a cheap light tick every few minutes and an expensive,
// fault-isolated deep tick roughly every hour, keeping the Hybrid Memory
// Store, Session Store, and behavioral models from growing without bound.
package gardener

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hearth/internal/agent"
	"hearth/internal/config"
	"hearth/internal/core"
	"hearth/internal/goals"
	"hearth/internal/llm"
	"hearth/internal/llm/providerpool"
	"hearth/internal/memory"
	"hearth/internal/observability"
	"hearth/internal/persistence"
	"hearth/internal/proactive"
	"hearth/internal/profile"
	"hearth/internal/schedule"
	"hearth/internal/session"
	"hearth/internal/usage"
)

// subAgentSessionPrefix is the naming convention a sub-agent run's session
// would carry if anything in this module ever persisted one. Nothing does
// today (agent.Delegator.Run never creates a session of its own), so the
// steps that key off this prefix are currently a no-op sweep over an empty
// set — kept so a future sub-agent-session feature only has to start naming
// its sessions this way, not also teach the Gardener a new filter.
const subAgentSessionPrefix = "subagent:"

// Gardener owns both tick loops. Every dependency is the same store the
// Agent Loop and Router already use — it has no storage of its own.
type Gardener struct {
	Clock    core.Clock
	Memory   *memory.Store
	Sessions *session.Store
	Profiles *profile.Store
	Goals    *goals.Store
	Queue    schedule.Queue
	Ledger   usage.Ledger
	Proactive *proactive.Evaluator
	Engine   *agent.Engine
	Pool     *providerpool.Pool
	Cfg      config.GardenerConfig
}

func (g *Gardener) now() time.Time {
	if g.Clock != nil {
		return g.Clock.Now()
	}
	return time.Now().UTC()
}

func (g *Gardener) lightTickInterval() time.Duration {
	if g.Cfg.LightTickMs > 0 {
		return time.Duration(g.Cfg.LightTickMs) * time.Millisecond
	}
	return 5 * time.Minute
}

func (g *Gardener) deepTickInterval() time.Duration {
	if g.Cfg.DeepTickMs > 0 {
		return time.Duration(g.Cfg.DeepTickMs) * time.Millisecond
	}
	return 70 * time.Minute
}

func (g *Gardener) stuckSessionTimeout() time.Duration {
	if g.Cfg.StuckSessionTimeoutMs > 0 {
		return time.Duration(g.Cfg.StuckSessionTimeoutMs) * time.Millisecond
	}
	return 15 * time.Minute
}

// Run starts both tick loops and blocks until ctx is cancelled.
func (g *Gardener) Run(ctx context.Context) {
	logger := observability.LoggerWithTrace(ctx)
	lightTicker := time.NewTicker(g.lightTickInterval())
	deepTicker := time.NewTicker(g.deepTickInterval())
	defer lightTicker.Stop()
	defer deepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lightTicker.C:
			result := g.LightTick(ctx)
			logger.Info().
				Int("decay_updated", result.DecayUpdated).
				Int("sessions_released", len(result.SessionsReleased)).
				Float64("daily_spend", result.Budget.DailySpend).
				Errs("errors", result.Errors).
				Msg("gardener: light tick")
		case <-deepTicker.C:
			result := g.DeepTick(ctx)
			logger.Info().
				Dur("duration", result.Duration).
				Int("steps", len(result.Steps)).
				Interface("steps_detail", result.Steps).
				Msg("gardener: deep tick")
		}
	}
}

// LightTickResult reports the light tick's three independent actions.
type LightTickResult struct {
	DecayUpdated     int
	Budget           usage.BudgetStatus
	SessionsReleased []string
	Errors           []error
}

// LightTick recomputes decay on recently touched memories, reports ledger
// budget status, and releases any session whose agent loop has been running
// past the stuck-session timeout. The three are independent of one another,
// so a failure in one must not block the others (spec.md §4.9) — they run
// concurrently via a zero-value errgroup, which does not cancel siblings
// when one member returns an error.
func (g *Gardener) LightTick(ctx context.Context) LightTickResult {
	var result LightTickResult
	var eg errgroup.Group

	eg.Go(func() error {
		n, err := g.decayHotMemories(ctx)
		result.DecayUpdated = n
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("decay hot memories: %w", err))
		}
		return nil
	})

	eg.Go(func() error {
		if g.Ledger == nil {
			return nil
		}
		status, err := g.Ledger.BudgetStatus(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("ledger budget status: %w", err))
			return nil
		}
		result.Budget = status
		return nil
	})

	eg.Go(func() error {
		if g.Engine == nil {
			return nil
		}
		for _, id := range g.Engine.StuckSessions(g.stuckSessionTimeout()) {
			g.Engine.ReleaseSession(id)
			result.SessionsReleased = append(result.SessionsReleased, id)
		}
		return nil
	})

	_ = eg.Wait()
	return result
}

// decayHotMemories recomputes prominence for memories touched since the
// last light tick — a cheap, frequent refresh of the population the Router
// is most likely to retrieve next, distinct from the deep tick's full sweep.
func (g *Gardener) decayHotMemories(ctx context.Context) (int, error) {
	all, err := g.Memory.AllMemories(ctx, "")
	if err != nil {
		return 0, err
	}
	cutoff := g.now().Add(-2 * g.lightTickInterval())
	var hot []memory.Memory
	for _, m := range all {
		if m.LastAccessed.After(cutoff) {
			hot = append(hot, m)
		}
	}
	if len(hot) == 0 {
		return 0, nil
	}
	report, err := g.Memory.ProcessFullDecay(ctx, hot)
	if err != nil {
		return 0, err
	}
	return report.Updated, nil
}

// DeepStepResult is one step's outcome in the deep tick's fault-isolated
// pipeline.
type DeepStepResult struct {
	Step   string
	Detail string
	ErrMsg string
}

// DeepTickResult aggregates every step's outcome into the one log line the
// deep tick emits.
type DeepTickResult struct {
	Steps    []DeepStepResult
	Duration time.Duration
}

// DeepTick runs the nine-step enhanced-consolidation pipeline in order. Each
// step is isolated with recover()+error-capture: the steps are ordered (step
// 4c's hard prune depends on step 1's decay having already flipped low
// memories to archived, step 8's proactive pass benefits from step 7's fresh
// goal check-ins), so unlike the light tick these cannot simply run
// concurrently — but one step panicking or erroring must not skip the rest
// (spec.md §4.9: "a single failing step must not block the others").
func (g *Gardener) DeepTick(ctx context.Context) DeepTickResult {
	start := g.now()
	var result DeepTickResult

	steps := []struct {
		name string
		fn   func(ctx context.Context) (string, error)
	}{
		{"full_decay", g.stepFullDecay},
		{"fusion", g.stepFusion},
		{"session_summarization", g.stepSummarizeSessions},
		{"enhanced_forgetting", g.stepEnhancedForgetting},
		{"behavioral_inference", g.stepBehavioralInference},
		{"trust_update", g.stepTrustUpdate},
		{"goal_deadline_check", g.stepGoalDeadlines},
		{"proactive_evaluation", g.stepProactiveEvaluation},
		{"sub_agent_cleanup", g.stepSubAgentCleanup},
	}

	for _, step := range steps {
		result.Steps = append(result.Steps, g.runStep(ctx, step.name, step.fn))
	}

	result.Duration = g.now().Sub(start)
	return result
}

func (g *Gardener) runStep(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) (res DeepStepResult) {
	res.Step = name
	defer func() {
		if r := recover(); r != nil {
			res.ErrMsg = fmt.Sprintf("panic: %v", r)
		}
	}()
	detail, err := fn(ctx)
	res.Detail = detail
	if err != nil {
		res.ErrMsg = err.Error()
	}
	return res
}

func (g *Gardener) allMemories(ctx context.Context) ([]memory.Memory, error) {
	return g.Memory.AllMemories(ctx, "")
}

// step 1: full decay over every non-static memory.
func (g *Gardener) stepFullDecay(ctx context.Context) (string, error) {
	all, err := g.allMemories(ctx)
	if err != nil {
		return "", err
	}
	report, err := g.Memory.ProcessFullDecay(ctx, all)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("updated=%d archived=%d", report.Updated, report.Archived), nil
}

// step 2: fuse dormant related clusters, capped at FusionMaxClusters.
func (g *Gardener) stepFusion(ctx context.Context) (string, error) {
	all, err := g.allMemories(ctx)
	if err != nil {
		return "", err
	}
	maxClusters := g.Cfg.FusionMaxClusters
	if maxClusters <= 0 {
		maxClusters = 5
	}
	report, err := g.Memory.Fuse(ctx, all, g.summarizeCluster, maxClusters)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("clusters_fused=%d", report.Fused), nil
}

func (g *Gardener) summarizeCluster(ctx context.Context, clusterContents []string) (summary, category string, importance float64, err error) {
	if g.Pool == nil {
		return "", "", 0, fmt.Errorf("gardener: no provider pool configured for fusion summaries")
	}
	provider, model := g.summarizerModel()
	msgs := []llm.Message{
		{Role: "system", Content: "Summarize these related notes into one concise sentence. Reply with the sentence only."},
		{Role: "user", Content: strings.Join(clusterContents, "\n---\n")},
	}
	msg, chatErr := g.Pool.Chat(ctx, provider, msgs, nil, model)
	if chatErr != nil {
		return "", "", 0, chatErr
	}
	return strings.TrimSpace(msg.Content), "fact", 0.5, nil
}

func (g *Gardener) summarizerModel() (provider, model string) {
	provider = g.Cfg.SummarizerProvider
	if provider == "" {
		provider = "openai"
	}
	model = g.Cfg.SummarizerModel
	return provider, model
}

// step 3: summarize sessions older than a day that have grown since their
// last summary, skipping any session created under the sub-agent naming
// convention.
func (g *Gardener) stepSummarizeSessions(ctx context.Context) (string, error) {
	sessions, err := g.Sessions.ListSessions(ctx, nil)
	if err != nil {
		return "", err
	}
	cutoff := g.now().Add(-24 * time.Hour)
	summarized := 0
	for _, sess := range sessions {
		if strings.HasPrefix(sess.Name, subAgentSessionPrefix) {
			continue
		}
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		msgs, err := g.Sessions.GetSessionMessagesPaginated(ctx, nil, sess.ID, 0, "")
		if err != nil || len(msgs) <= sess.SummarizedCount {
			continue
		}
		if len(msgs)-sess.SummarizedCount < 4 {
			continue
		}
		summary, err := g.summarizeTranscript(ctx, msgs)
		if err != nil || summary == "" {
			continue
		}
		if err := g.Sessions.UpdateSummary(ctx, sess.ID, summary, len(msgs)); err == nil {
			summarized++
		}
	}
	return fmt.Sprintf("sessions_summarized=%d", summarized), nil
}

func (g *Gardener) summarizeTranscript(ctx context.Context, msgs []persistence.ChatMessage) (string, error) {
	if g.Pool == nil {
		return "", fmt.Errorf("gardener: no provider pool configured for session summaries")
	}
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	provider, model := g.summarizerModel()
	chatMsgs := []llm.Message{
		{Role: "system", Content: "Summarize this conversation in 2-3 sentences, noting any open threads. Reply with the summary only."},
		{Role: "user", Content: b.String()},
	}
	msg, err := g.Pool.Chat(ctx, provider, chatMsgs, nil, model)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Content), nil
}

// step 4: enhanced forgetting — audit retrieval, archive low utility, hard
// prune (memories and stale sessions), clean orphan edges.
func (g *Gardener) stepEnhancedForgetting(ctx context.Context) (string, error) {
	if g.Cfg.DisableArchival {
		return "archival disabled", nil
	}
	all, err := g.allMemories(ctx)
	if err != nil {
		return "", err
	}

	audited, err := g.Memory.AuditRetrieval(ctx, all, 7*24*time.Hour)
	if err != nil {
		return "", fmt.Errorf("audit retrieval: %w", err)
	}

	archived, err := g.Memory.ArchiveLowUtility(ctx, all, 14)
	if err != nil {
		return "", fmt.Errorf("archive low utility: %w", err)
	}

	// re-read: archival above may have flipped memoryType in place.
	all, err = g.allMemories(ctx)
	if err != nil {
		return "", err
	}
	prunedMemories, err := g.Memory.HardPrune(ctx, all)
	if err != nil {
		return "", fmt.Errorf("hard prune memories: %w", err)
	}

	prunedSessions, err := g.pruneStaleSessions(ctx)
	if err != nil {
		return "", fmt.Errorf("prune stale sessions: %w", err)
	}

	all, err = g.allMemories(ctx)
	if err != nil {
		return "", err
	}
	orphans, err := g.Memory.CleanOrphanEdges(ctx, all)
	if err != nil {
		return "", fmt.Errorf("clean orphan edges: %w", err)
	}

	return fmt.Sprintf("audited=%d archived=%d pruned_memories=%d pruned_sessions=%d orphan_edges=%d",
		audited, archived, prunedMemories, prunedSessions, orphans), nil
}

func (g *Gardener) pruneStaleSessions(ctx context.Context) (int, error) {
	maxAgeDays := g.Cfg.SessionMaxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	cutoff := g.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	sessions, err := g.Sessions.ListSessions(ctx, nil)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, sess := range sessions {
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		if err := g.Sessions.DeleteSession(ctx, sess.UserID, sess.ID); err == nil {
			pruned++
			if g.Queue != nil {
				_ = g.Queue.CleanStaleSessionRefs(ctx, sess.ID)
			}
		}
	}
	return pruned, nil
}

// step 5: fold one behavioral sample per active user into their EMA, drawn
// from the messages each of their sessions received since roughly the last
// deep tick.
func (g *Gardener) stepBehavioralInference(ctx context.Context) (string, error) {
	users, sessionsByUser, err := g.activeUsers(ctx)
	if err != nil {
		return "", err
	}
	intervalHours := g.deepTickInterval().Hours()
	if intervalHours <= 0 {
		intervalHours = 1
	}
	since := g.now().Add(-g.deepTickInterval())

	updated := 0
	for _, userID := range users {
		var userMsgs, toolMsgs, totalMsgs float64
		for _, sessID := range sessionsByUser[userID] {
			msgs, err := g.Sessions.GetSessionMessagesPaginated(ctx, nil, sessID, 0, "")
			if err != nil {
				continue
			}
			for _, m := range msgs {
				if m.CreatedAt.Before(since) {
					continue
				}
				totalMsgs++
				switch m.Role {
				case "user":
					userMsgs++
				case "tool":
					toolMsgs++
				}
			}
		}
		sample := profile.BehaviorSample{MessagesPerHour: userMsgs / intervalHours}
		if totalMsgs > 0 {
			sample.ToolUseFraction = toolMsgs / totalMsgs
		}
		if _, err := g.Profiles.ApplyBehavior(ctx, userID, sample, intervalHours); err == nil {
			updated++
		}
	}
	return fmt.Sprintf("profiles_updated=%d", updated), nil
}

// activeUsers returns every distinct userID with at least one session, and
// the session IDs owned by each — the string form of persistence's *int64
// user identity bridged the same way internal/proactive bridges it.
func (g *Gardener) activeUsers(ctx context.Context) ([]string, map[string][]string, error) {
	sessions, err := g.Sessions.ListSessions(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	byUser := map[string][]string{}
	for _, sess := range sessions {
		if sess.UserID == nil {
			continue
		}
		uid := fmt.Sprint(*sess.UserID)
		byUser[uid] = append(byUser[uid], sess.ID)
	}
	users := make([]string, 0, len(byUser))
	for uid := range byUser {
		users = append(users, uid)
	}
	return users, byUser, nil
}

// step 6: nudge each active user's trust score from whether their sessions
// produced any tool errors since the last deep tick — the closest proxy to
// explicit feedback this module has (spec.md §4.9 step 6 names no concrete
// feedback channel; tool_use failures bracketed as {"isError":true} in
// runOneTool's payload are the only signal already flowing through the
// system).
func (g *Gardener) stepTrustUpdate(ctx context.Context) (string, error) {
	users, sessionsByUser, err := g.activeUsers(ctx)
	if err != nil {
		return "", err
	}
	const alpha, beta = 0.05, 0.15
	updated := 0
	for _, userID := range users {
		positive := true
		for _, sessID := range sessionsByUser[userID] {
			msgs, err := g.Sessions.GetSessionMessagesPaginated(ctx, nil, sessID, 20, "")
			if err != nil {
				continue
			}
			for _, m := range msgs {
				if m.Role == "tool" && strings.Contains(m.Content, `"isError":true`) {
					positive = false
				}
			}
		}
		if _, err := g.Profiles.ApplyTrustSignal(ctx, userID, positive, alpha, beta); err == nil {
			updated++
		}
	}
	return fmt.Sprintf("trust_updated=%d", updated), nil
}

// step 7: enqueue a goal_checkin scheduled item for every goal approaching
// its deadline.
func (g *Gardener) stepGoalDeadlines(ctx context.Context) (string, error) {
	open, err := g.Goals.ListOpen(ctx, "")
	if err != nil {
		return "", err
	}
	enqueued := 0
	for _, goal := range open {
		if !goal.ApproachingDeadline(g.now(), 7*24*time.Hour) {
			continue
		}
		dedupeKey := goal.UserID + ":goal_checkin:" + goal.ID
		has, err := g.Queue.HasSimilarPending(ctx, dedupeKey, g.now(), 24*time.Hour)
		if err != nil || has {
			continue
		}
		payload, _ := json.Marshal(map[string]string{
			"user_id": goal.UserID, "goal_id": goal.ID, "description": goal.Description,
		})
		if _, err := g.Queue.Enqueue(ctx, schedule.Item{
			Kind: "goal_checkin", Payload: string(payload), DedupeKey: dedupeKey,
			TriggerAt: g.now(), CreatedAt: g.now(), Status: schedule.StatusPending,
		}); err == nil {
			enqueued++
		}
	}
	return fmt.Sprintf("goal_checkins_enqueued=%d", enqueued), nil
}

// step 8: run the Proactive Evaluator once per active user.
func (g *Gardener) stepProactiveEvaluation(ctx context.Context) (string, error) {
	if g.Proactive == nil {
		return "proactive evaluator not configured", nil
	}
	users, _, err := g.activeUsers(ctx)
	if err != nil {
		return "", err
	}
	nudges := 0
	for _, userID := range users {
		res, err := g.Proactive.Evaluate(ctx, userID)
		if err != nil {
			continue
		}
		nudges += res.Nudges
	}
	return fmt.Sprintf("users_evaluated=%d nudges_sent=%d", len(users), nudges), nil
}

// step 9: delete sub-agent sessions past their retention window. Currently
// inert — nothing in this module names a session under
// subAgentSessionPrefix yet — kept as the symmetric counterpart to step 3's
// skip guard so the two stay consistent if that changes.
func (g *Gardener) stepSubAgentCleanup(ctx context.Context) (string, error) {
	maxAgeDays := g.Cfg.SubAgentMaxAgeDays
	if maxAgeDays <= 0 {
		maxAgeDays = 7
	}
	cutoff := g.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
	sessions, err := g.Sessions.ListSessions(ctx, nil)
	if err != nil {
		return "", err
	}
	deleted := 0
	for _, sess := range sessions {
		if !strings.HasPrefix(sess.Name, subAgentSessionPrefix) {
			continue
		}
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		if err := g.Sessions.DeleteSession(ctx, sess.UserID, sess.ID); err == nil {
			deleted++
		}
	}
	return fmt.Sprintf("sub_agent_sessions_deleted=%d", deleted), nil
}
