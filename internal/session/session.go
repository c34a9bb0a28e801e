// Package session implements the Session Store: a durable, append-only
// message log keyed by session id, wrapping internal/persistence.ChatStore
// with spec.md §4.6's operation names.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"hearth/internal/persistence"
)

// Store is the Session Store. It adds id-generation, channel tagging, and
// pagination-by-id semantics on top of a persistence.ChatStore backend.
type Store struct {
	chat persistence.ChatStore
}

// New wraps a persistence.ChatStore as a Session Store.
func New(chat persistence.ChatStore) *Store {
	return &Store{chat: chat}
}

// CreateSession implements createSession({userId, channelId, id?}). When id
// is empty a new one is minted; channelId is folded into the session name so
// findSessionByUserId's prefix match (below) can recover it.
func (s *Store) CreateSession(ctx context.Context, userID *int64, channelID, id string) (persistence.ChatSession, error) {
	if id == "" {
		id = uuid.NewString()
	}
	name := channelID
	if name == "" {
		name = "session"
	}
	return s.chat.EnsureSession(ctx, userID, id, name)
}

// GetSession implements getSession(id). userID is nil for admin/internal
// callers (e.g. the Gardener); channel adapters pass the owning user so
// cross-tenant lookups fail with persistence.ErrForbidden.
func (s *Store) GetSession(ctx context.Context, userID *int64, id string) (persistence.ChatSession, error) {
	return s.chat.GetSession(ctx, userID, id)
}

// AppendMessage implements appendMessage(sessionId, message). A single
// message is the common case (one user turn, one assistant turn, one tool
// result); the underlying store's batch append still durably commits before
// this returns, per spec.md §4.6 ("messages are appended atomically and are
// durable before the call returns").
func (s *Store) AppendMessage(ctx context.Context, userID *int64, sessionID string, msg persistence.ChatMessage) error {
	preview := msg.Content
	if len(preview) > 200 {
		preview = preview[:200]
	}
	model := ""
	return s.chat.AppendMessages(ctx, userID, sessionID, []persistence.ChatMessage{msg}, preview, model)
}

// DeleteSession implements deleteSession(id).
func (s *Store) DeleteSession(ctx context.Context, userID *int64, id string) error {
	return s.chat.DeleteSession(ctx, userID, id)
}

// FindSessionByUserID implements findSessionByUserId(prefixedId): a scan of
// the user's sessions for one whose id or name carries prefixedID as a
// prefix. persistence.ChatStore has no native prefix index, so this walks
// ListSessions — acceptable since it's scoped to a single user's session
// count, not the whole table.
func (s *Store) FindSessionByUserID(ctx context.Context, userID int64, prefixedID string) (persistence.ChatSession, error) {
	uid := userID
	sessions, err := s.chat.ListSessions(ctx, &uid)
	if err != nil {
		return persistence.ChatSession{}, fmt.Errorf("session: list for find: %w", err)
	}
	for _, sess := range sessions {
		if strings.HasPrefix(sess.ID, prefixedID) || strings.HasPrefix(sess.Name, prefixedID) {
			return sess, nil
		}
	}
	return persistence.ChatSession{}, persistence.ErrNotFound
}

// GetSessionMessagesPaginated implements getSessionMessagesPaginated(id,
// limit, before?). before, when non-empty, is a message id: only messages
// appended strictly before it are returned. persistence.ChatStore's
// ListMessages already returns messages in append order (oldest first)
// capped at limit; the before-cursor is applied here since the interface
// below it only knows "most recent N".
func (s *Store) GetSessionMessagesPaginated(ctx context.Context, userID *int64, id string, limit int, before string) ([]persistence.ChatMessage, error) {
	all, err := s.chat.ListMessages(ctx, userID, id, 0)
	if err != nil {
		return nil, err
	}
	if before != "" {
		cut := len(all)
		for i, m := range all {
			if m.ID == before {
				cut = i
				break
			}
		}
		all = all[:cut]
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// RenameSession is carried through from persistence.ChatStore unchanged;
// spec.md §4.6 doesn't name it but channel adapters (e.g. a "rename this
// chat" command) need it and the teacher's chat store already supports it.
func (s *Store) RenameSession(ctx context.Context, userID *int64, id, name string) (persistence.ChatSession, error) {
	return s.chat.RenameSession(ctx, userID, id, name)
}

// ListSessions is likewise carried through for channel adapters that list a
// user's open conversations.
func (s *Store) ListSessions(ctx context.Context, userID *int64) ([]persistence.ChatSession, error) {
	return s.chat.ListSessions(ctx, userID)
}

// UpdateSummary persists the Gardener's session-summarization output
// (spec.md §4.9 deep-tick step 3).
func (s *Store) UpdateSummary(ctx context.Context, id, summary string, summarizedCount int) error {
	return s.chat.UpdateSummary(ctx, nil, id, summary, summarizedCount)
}
