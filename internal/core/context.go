package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"hearth/internal/config"
	"hearth/internal/llm/providerpool"
	"hearth/internal/memory"
	"hearth/internal/session"
	"hearth/internal/usage"
)

// Clock is the injectable time source every tick-driven component (Gardener,
// Scheduled-Item Queue) takes instead of calling time.Now directly, per
// spec.md §9's design note on testable time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Context is CoreContext (spec.md §9): every long-lived dependency a
// constructor needs, threaded explicitly instead of reached for through a
// global mutable singleton — one of the design notes' explicit redesigns.
type Context struct {
	Config    config.Config
	Providers *providerpool.Pool
	Memory    *memory.Store
	Sessions  *session.Store
	Usage     usage.Ledger
	Logger    zerolog.Logger
	Clock     Clock
}

// AllowPolicy governs what a Channel does with a message from a user who
// isn't on its allow-list.
type AllowPolicy string

const (
	AllowSilentDrop AllowPolicy = "silent_drop"
	AllowRefuse     AllowPolicy = "refuse"
)

// Channel is an inbound/outbound adapter (Slack, CLI, a scheduled-item
// dispatcher) that the Agent Loop and Proactive Evaluator send replies and
// nudges through. It is intentionally minimal — CORE has no channel
// implementations of its own (spec.md §1 Non-goals).
type Channel interface {
	Name() string
	AllowPolicy() AllowPolicy
	Send(ctx context.Context, sessionID, text string) error
}

// TriggerSource is anything that can hand the runtime a new inbound message:
// a channel's inbound stream, or the Scheduled-Item Queue's due-item poller
// delivering a proactive nudge through the channel that created the session.
type TriggerSource interface {
	Next(ctx context.Context) (sessionID string, text string, err error)
}
