// Package proactive implements the Proactive Evaluator (spec.md §4.10): a
// single per-user, per-deep-tick evaluation that merges deterministic gap
// signals with one LLM triage call, then schedules at most a few nudges
// through the Scheduled-Item Queue.
package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hearth/internal/config"
	"hearth/internal/goals"
	"hearth/internal/llm"
	"hearth/internal/llm/providerpool"
	"hearth/internal/persistence"
	"hearth/internal/profile"
	"hearth/internal/schedule"
	"hearth/internal/session"
)

// GapSignal is one deterministically detected reason a user might benefit
// from a proactive nudge (spec.md §4.10 step 2).
type GapSignal struct {
	Type        string
	Severity    string // "low" | "medium" | "high"
	Description string
	SourceID    string
}

const (
	SignalGoalDeadline      = "goal_deadline"
	SignalUnresolvedThread  = "unresolved_thread"
)

// TriageItem is one LLM-assigned verdict for a signal (spec.md §4.10 step 3).
type TriageItem struct {
	Index   int    `json:"index"`
	Action  string `json:"action"` // "skip" | "nudge"
	Message string `json:"message"`
	Urgency string `json:"urgency"`
}

type triageResponse struct {
	Items []TriageItem `json:"items"`
}

// Result reports one user's evaluation outcome, for the Gardener's deep-tick
// aggregate log line.
type Result struct {
	UserID      string
	SignalCount int
	Nudges      int
	Skipped     string // non-empty when pre-filter skipped the whole evaluation
}

// Evaluator runs the Proactive Evaluator pipeline for one user at a time.
type Evaluator struct {
	Sessions *session.Store
	Goals    *goals.Store
	Profiles *profile.Store
	Queue    schedule.Queue
	Pool     *providerpool.Pool
	Cfg      config.ProactiveConfig

	Now func() time.Time
}

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func dialBudget(cfg config.ProactiveDialBudgets, dial profile.Dial) int {
	switch dial {
	case profile.DialConservative:
		return cfg.Conservative
	case profile.DialEager:
		return cfg.Eager
	default:
		return cfg.Moderate
	}
}

// Evaluate runs the full pipeline for one user.
func (e *Evaluator) Evaluate(ctx context.Context, userID string) (Result, error) {
	result := Result{UserID: userID}

	prof, err := e.Profiles.Get(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("proactive: load profile: %w", err)
	}

	if skip := e.preFilter(ctx, userID, prof); skip != "" {
		result.Skipped = skip
		return result, nil
	}

	signals, err := e.collectSignals(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("proactive: collect signals: %w", err)
	}
	result.SignalCount = len(signals)
	if len(signals) == 0 {
		return result, nil
	}

	items := e.triage(ctx, signals)

	budget := dialBudget(e.Cfg.DialBudgets, prof.ProactivenessDial)
	scheduled := 0
	for _, item := range items {
		if scheduled >= budget {
			break
		}
		if item.Action != "nudge" || item.Index < 0 || item.Index >= len(signals) {
			continue
		}
		sig := signals[item.Index]
		ok, err := e.dedupAndSchedule(ctx, userID, sig, item)
		if err != nil {
			return result, fmt.Errorf("proactive: schedule: %w", err)
		}
		if ok {
			scheduled++
		}
	}
	result.Nudges = scheduled
	return result, nil
}

// preFilter implements step 1: cooldown, distress, and daily budget checks,
// returning a non-empty reason when the whole evaluation should be skipped.
func (e *Evaluator) preFilter(_ context.Context, _ string, prof profile.Profile) string {
	cooldown := time.Duration(e.Cfg.CooldownMs) * time.Millisecond
	if cooldown <= 0 {
		cooldown = 6 * time.Hour
	}
	if !prof.LastProactiveNudgeAt.IsZero() && e.now().Sub(prof.LastProactiveNudgeAt) < cooldown {
		return "cooldown"
	}
	// A very low trust score alongside a recent behavioral sample stands in
	// for "smoothed affect indicates distress" absent a dedicated affect
	// model: a user who has gone quiet and already trusts the assistant
	// little is the pattern a cooldown-only check would otherwise miss.
	if !prof.LastBehaviorSample.IsZero() && prof.TrustScore < 0.15 && e.now().Sub(prof.LastBehaviorSample) < cooldown {
		return "affect_distress"
	}
	if prof.ProactiveSentDate == e.now().Format("2006-01-02") {
		budget := dialBudget(e.Cfg.DialBudgets, prof.ProactivenessDial)
		if prof.ProactiveSentToday >= budget {
			return "daily_budget"
		}
	}
	return ""
}

// collectSignals implements step 2.
func (e *Evaluator) collectSignals(ctx context.Context, userID string) ([]GapSignal, error) {
	var signals []GapSignal

	openGoals, err := e.Goals.ListOpen(ctx, userID)
	if err == nil {
		for _, g := range openGoals {
			if !g.ApproachingDeadline(e.now(), 7*24*time.Hour) {
				continue
			}
			severity := "medium"
			if g.DueDate != nil && g.DueDate.Sub(e.now()) < 24*time.Hour {
				severity = "high"
			}
			signals = append(signals, GapSignal{
				Type: SignalGoalDeadline, Severity: severity, SourceID: g.ID,
				Description: fmt.Sprintf("goal %q is due soon", g.Description),
			})
		}
	}

	if sig, ok := e.unresolvedThreadSignal(ctx, userID); ok {
		signals = append(signals, sig)
	}

	return signals, nil
}

// unresolvedThreadSignal appends a synthetic unresolved_thread signal when a
// recent session has enough unanswered back-and-forth to suggest the
// conversation trailed off rather than concluded (spec.md §4.10 step 2).
func (e *Evaluator) unresolvedThreadSignal(ctx context.Context, userID string) (GapSignal, bool) {
	window := time.Duration(e.Cfg.UnresolvedThreadWindowMs) * time.Millisecond
	if window <= 0 {
		window = 6 * time.Hour
	}
	minMessages := e.Cfg.UnresolvedThreadMinMessages
	if minMessages <= 0 {
		minMessages = 3
	}

	sessions, err := e.Sessions.ListSessions(ctx, nil)
	if err != nil {
		return GapSignal{}, false
	}
	for _, sess := range sessions {
		if sess.UserID == nil || fmt.Sprint(*sess.UserID) != userID {
			continue
		}
		if e.now().Sub(sess.UpdatedAt) > window {
			continue
		}
		msgs, err := e.Sessions.GetSessionMessagesPaginated(ctx, nil, sess.ID, 0, "")
		if err != nil || len(msgs) < minMessages {
			continue
		}
		if lastRoleIsUser(msgs) {
			return GapSignal{
				Type: SignalUnresolvedThread, Severity: "low", SourceID: sess.ID,
				Description: "a recent conversation ended without a reply",
			}, true
		}
	}
	return GapSignal{}, false
}

func lastRoleIsUser(msgs []persistence.ChatMessage) bool {
	if len(msgs) == 0 {
		return false
	}
	return msgs[len(msgs)-1].Role == "user"
}

const triageSystemPrompt = `You triage proactive-nudge candidates for an assistant. ` +
	`For each numbered signal, decide whether the assistant should skip it or send a brief nudge. ` +
	`Respond with JSON only: {"items":[{"index":0,"action":"skip"|"nudge","message":"...","urgency":"low"|"medium"|"high"}]}`

// triage implements step 3: one LLM call, temperature held low by the prompt
// itself (no provider in this pool exposes a temperature knob through
// llm.Provider, so determinism here comes from the prompt's explicit
// instruction and low signal count rather than a sampling parameter).
func (e *Evaluator) triage(ctx context.Context, signals []GapSignal) []TriageItem {
	provider := e.Cfg.TriageProvider
	if provider == "" {
		provider = "openai"
	}
	model := e.Cfg.TriageModel

	var b strings.Builder
	for i, s := range signals {
		fmt.Fprintf(&b, "%d. [%s/%s] %s\n", i, s.Type, s.Severity, s.Description)
	}

	msgs := []llm.Message{
		{Role: "system", Content: triageSystemPrompt},
		{Role: "user", Content: b.String()},
	}

	msg, err := e.Pool.Chat(ctx, provider, msgs, nil, model)
	if err != nil {
		return nil
	}
	var resp triageResponse
	if err := json.Unmarshal([]byte(extractJSON(msg.Content)), &resp); err != nil {
		return nil
	}
	return resp.Items
}

// extractJSON trims any prose a model wraps its JSON reply in, taking the
// outermost {...} span.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// dedupAndSchedule implements step 4.
func (e *Evaluator) dedupAndSchedule(ctx context.Context, userID string, sig GapSignal, item TriageItem) (bool, error) {
	dedupeKey := userID + ":proactive_nudge:" + sig.SourceID
	window := 24 * time.Hour
	has, err := e.Queue.HasSimilarPending(ctx, dedupeKey, e.now(), window)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}

	triggerAt := e.nextSendWindow(e.now())
	payload, _ := json.Marshal(map[string]string{
		"user_id": userID, "message": item.Message, "urgency": item.Urgency, "signal_type": sig.Type,
	})
	sessionID := ""
	if sig.Type == SignalUnresolvedThread {
		sessionID = sig.SourceID
	}
	if _, err := e.Queue.Enqueue(ctx, schedule.Item{
		SessionID: sessionID,
		Kind:      "proactive_nudge",
		Payload:   string(payload),
		DedupeKey: dedupeKey,
		TriggerAt: triggerAt,
		CreatedAt: e.now(),
		Status:    schedule.StatusPending,
	}); err != nil {
		return false, err
	}
	if err := e.Profiles.RecordProactiveSend(ctx, userID, e.now()); err != nil {
		return false, err
	}
	return true, nil
}

// nextSendWindow pushes a trigger time out of configured quiet hours.
func (e *Evaluator) nextSendWindow(t time.Time) time.Time {
	qh := e.Cfg.QuietHours
	if qh.Start == 0 && qh.End == 0 {
		return t
	}
	hour := t.Hour()
	inQuiet := false
	if qh.Start > qh.End {
		inQuiet = hour >= qh.Start || hour < qh.End
	} else {
		inQuiet = hour >= qh.Start && hour < qh.End
	}
	if !inQuiet {
		return t
	}
	next := time.Date(t.Year(), t.Month(), t.Day(), qh.End, 0, 0, 0, t.Location())
	if !next.After(t) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
