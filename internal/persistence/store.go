// Package persistence defines the storage-facing contracts the
// Session Store and Context Builder are built on; concrete backends live in
// internal/persistence/databases.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session or message lookup misses.
var ErrNotFound = errors.New("persistence: not found")

// ErrForbidden is returned when a caller's userID does not own the session.
var ErrForbidden = errors.New("persistence: forbidden")

// ChatMessage is a single turn in a session transcript (spec.md's
// SessionMessage), keyed by monotonically increasing CreatedAt for pagination.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      string // "user" | "assistant" | "tool"
	Content   string
	CreatedAt time.Time
}

// ChatSession is the durable record backing spec.md's Session (§3/§4.6).
type ChatSession struct {
	ID                 string
	Name               string
	UserID             *int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastMessagePreview string
	Model              string
	Summary            string
	SummarizedCount    int
}

// ChatStore is the Session Store contract: durable, append-only message
// history keyed by session id, single-writer-per-session per spec.md §5.
type ChatStore interface {
	Init(ctx context.Context) error
	EnsureSession(ctx context.Context, userID *int64, id, name string) (ChatSession, error)
	CreateSession(ctx context.Context, userID *int64, name string) (ChatSession, error)
	GetSession(ctx context.Context, userID *int64, id string) (ChatSession, error)
	ListSessions(ctx context.Context, userID *int64) ([]ChatSession, error)
	RenameSession(ctx context.Context, userID *int64, id, name string) (ChatSession, error)
	DeleteSession(ctx context.Context, userID *int64, id string) error
	ListMessages(ctx context.Context, userID *int64, sessionID string, limit int) ([]ChatMessage, error)
	AppendMessages(ctx context.Context, userID *int64, sessionID string, messages []ChatMessage, preview string, model string) error
	UpdateSummary(ctx context.Context, userID *int64, sessionID string, summary string, summarizedCount int) error
}
