// Package profile implements the Gardener's two behavioral-modeling deep-tick
// steps (spec.md §4.9 steps 5 and 6): a per-user EMA over interaction
// patterns, and an asymmetric trust score. Both ride on the same GraphDB the
// Hybrid Memory Store uses, as a dedicated "user_profile" node per user
// rather than a Memory (a profile never decays and isn't retrieved by
// content, so the Memory Store's dedupe/decay/fusion machinery doesn't fit
// it).
package profile

import (
	"context"
	"fmt"
	"math"
	"time"

	"hearth/internal/persistence/databases"
)

const nodeLabel = "user_profile"

// Dial is a user's proactiveness setting, gating how many nudges the
// Proactive Evaluator may send in a day (spec.md §4.10 step 1).
type Dial string

const (
	DialConservative Dial = "conservative"
	DialModerate     Dial = "moderate"
	DialEager        Dial = "eager"
)

// Profile is one user's behavioral and trust model.
type Profile struct {
	UserID             string
	MessageRateEMA     float64 // messages/hour, exponentially averaged
	ToolUseRateEMA     float64 // fraction of turns that invoked a tool
	TrustScore         float64 // 0..1, asymmetric EMA; starts at 0.5
	ProactivenessDial    Dial
	LastProactiveNudgeAt time.Time
	ProactiveSentToday   int
	ProactiveSentDate    string // YYYY-MM-DD, resets ProactiveSentToday on rollover
	LastBehaviorSample   time.Time
	LastTrustUpdate      time.Time
	UpdatedAt            time.Time
}

func nodeID(userID string) string { return "profile:" + userID }

func defaultProfile(userID string) Profile {
	return Profile{UserID: userID, TrustScore: 0.5, ProactivenessDial: DialModerate}
}

// SetDial persists a user's chosen proactiveness dial.
func (s *Store) SetDial(ctx context.Context, userID string, dial Dial) error {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	p.ProactivenessDial = dial
	return s.save(ctx, p)
}

// Store reads and writes Profiles against a GraphDB.
type Store struct {
	Graph databases.GraphDB
}

// New constructs a profile Store.
func New(graph databases.GraphDB) *Store {
	return &Store{Graph: graph}
}

// Get loads a user's profile, returning the zero-value default (trust 0.5,
// no samples yet) if none has been recorded.
func (s *Store) Get(ctx context.Context, userID string) (Profile, error) {
	node, ok := s.Graph.GetNode(ctx, nodeID(userID))
	if !ok {
		return defaultProfile(userID), nil
	}
	return propsToProfile(userID, node.Props), nil
}

func (s *Store) save(ctx context.Context, p Profile) error {
	p.UpdatedAt = time.Now().UTC()
	if err := s.Graph.UpsertNode(ctx, nodeID(p.UserID), []string{nodeLabel}, profileToProps(p)); err != nil {
		return fmt.Errorf("profile: save: %w", err)
	}
	return nil
}

// BehaviorSample is one deep tick's observation of a user's recent activity,
// gathered from the session transcript and usage ledger.
type BehaviorSample struct {
	MessagesPerHour float64
	ToolUseFraction float64
}

// emaAlpha is the smoothing factor for a half-life of halfLifeDays applied
// once per deep tick; ln(2)/halfLife in tick units, approximated at a fixed
// cadence since the Gardener's deep tick interval is itself roughly fixed.
func emaAlpha(halfLifeDays float64, tickIntervalHours float64) float64 {
	if halfLifeDays <= 0 {
		return 1
	}
	ticksPerHalfLife := (halfLifeDays * 24) / tickIntervalHours
	if ticksPerHalfLife <= 0 {
		return 1
	}
	return 1 - math.Exp(math.Log(0.5)/ticksPerHalfLife)
}

// ApplyBehavior folds one sample into the running EMA with a 7-day half-life
// (spec.md §4.9 step 5), assuming deep ticks run roughly every
// tickIntervalHours hours.
func (s *Store) ApplyBehavior(ctx context.Context, userID string, sample BehaviorSample, tickIntervalHours float64) (Profile, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	alpha := emaAlpha(7, tickIntervalHours)
	p.MessageRateEMA = ema(p.MessageRateEMA, sample.MessagesPerHour, alpha)
	p.ToolUseRateEMA = ema(p.ToolUseRateEMA, sample.ToolUseFraction, alpha)
	p.LastBehaviorSample = time.Now().UTC()
	if err := s.save(ctx, p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func ema(prev, sample, alpha float64) float64 {
	return prev + alpha*(sample-prev)
}

// ApplyTrustSignal nudges the trust score toward 1 on a positive signal (at
// rate alpha) and toward 0 on a negative one (at rate beta), with beta > alpha
// so that trust is harder to earn back than to lose (spec.md §4.9 step 6).
func (s *Store) ApplyTrustSignal(ctx context.Context, userID string, positive bool, alpha, beta float64) (Profile, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if positive {
		p.TrustScore = p.TrustScore + alpha*(1-p.TrustScore)
	} else {
		p.TrustScore = p.TrustScore - beta*p.TrustScore
	}
	if p.TrustScore < 0 {
		p.TrustScore = 0
	}
	if p.TrustScore > 1 {
		p.TrustScore = 1
	}
	p.LastTrustUpdate = time.Now().UTC()
	if err := s.save(ctx, p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// RecordProactiveSend increments today's sent count (resetting it if the
// calendar day has rolled over since the last send) and stamps the cooldown
// timestamp. Called by the Proactive Evaluator when it schedules a nudge.
func (s *Store) RecordProactiveSend(ctx context.Context, userID string, at time.Time) error {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	day := at.Format("2006-01-02")
	if p.ProactiveSentDate != day {
		p.ProactiveSentDate = day
		p.ProactiveSentToday = 0
	}
	p.ProactiveSentToday++
	p.LastProactiveNudgeAt = at
	return s.save(ctx, p)
}

func profileToProps(p Profile) map[string]any {
	if p.ProactivenessDial == "" {
		p.ProactivenessDial = DialModerate
	}
	return map[string]any{
		"user_id":                 p.UserID,
		"message_rate_ema":        p.MessageRateEMA,
		"tool_use_rate_ema":       p.ToolUseRateEMA,
		"trust_score":             p.TrustScore,
		"proactiveness_dial":      string(p.ProactivenessDial),
		"last_proactive_nudge_at": p.LastProactiveNudgeAt.Format(time.RFC3339Nano),
		"proactive_sent_today":    p.ProactiveSentToday,
		"proactive_sent_date":     p.ProactiveSentDate,
		"last_behavior_sample":    p.LastBehaviorSample.Format(time.RFC3339Nano),
		"last_trust_update":       p.LastTrustUpdate.Format(time.RFC3339Nano),
	}
}

func propsToProfile(userID string, props map[string]any) Profile {
	p := defaultProfile(userID)
	if v, ok := props["message_rate_ema"].(float64); ok {
		p.MessageRateEMA = v
	}
	if v, ok := props["tool_use_rate_ema"].(float64); ok {
		p.ToolUseRateEMA = v
	}
	if v, ok := props["trust_score"].(float64); ok {
		p.TrustScore = v
	}
	if v, ok := props["proactiveness_dial"].(string); ok && v != "" {
		p.ProactivenessDial = Dial(v)
	}
	switch v := props["proactive_sent_today"].(type) {
	case float64:
		p.ProactiveSentToday = int(v)
	case int:
		p.ProactiveSentToday = v
	}
	if v, ok := props["proactive_sent_date"].(string); ok {
		p.ProactiveSentDate = v
	}
	if v, ok := props["last_proactive_nudge_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.LastProactiveNudgeAt = t
		}
	}
	if v, ok := props["last_behavior_sample"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.LastBehaviorSample = t
		}
	}
	if v, ok := props["last_trust_update"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.LastTrustUpdate = t
		}
	}
	return p
}
