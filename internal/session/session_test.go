package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"hearth/internal/config"
	"hearth/internal/persistence"
	"hearth/internal/persistence/databases"
)

func newTestSessionStore(t *testing.T) *Store {
	t.Helper()
	mgr, err := databases.NewManager(context.Background(), config.DBConfig{})
	require.NoError(t, err)
	return New(mgr.Chat)
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	s := newTestSessionStore(t)

	sess, err := s.CreateSession(ctx, nil, "slack", "")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, "slack", sess.Name)

	loaded, err := s.GetSession(ctx, nil, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, loaded.ID)
}

func TestAppendMessage_DurableAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestSessionStore(t)

	sess, err := s.CreateSession(ctx, nil, "cli", "")
	require.NoError(t, err)

	require.NoError(t, s.AppendMessage(ctx, nil, sess.ID, persistence.ChatMessage{Role: "user", Content: "hello"}))
	require.NoError(t, s.AppendMessage(ctx, nil, sess.ID, persistence.ChatMessage{Role: "assistant", Content: "hi there"}))

	msgs, err := s.GetSessionMessagesPaginated(ctx, nil, sess.ID, 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "user", msgs[0].Role)
	require.Equal(t, "assistant", msgs[1].Role)
}

func TestGetSessionMessagesPaginated_LimitAndBeforeCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestSessionStore(t)

	sess, err := s.CreateSession(ctx, nil, "cli", "")
	require.NoError(t, err)

	for _, c := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.AppendMessage(ctx, nil, sess.ID, persistence.ChatMessage{Role: "user", Content: c}))
	}

	all, err := s.GetSessionMessagesPaginated(ctx, nil, sess.ID, 0, "")
	require.NoError(t, err)
	require.Len(t, all, 4)

	limited, err := s.GetSessionMessagesPaginated(ctx, nil, sess.ID, 2, "")
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "three", limited[0].Content)
	require.Equal(t, "four", limited[1].Content)

	beforeFour := all[3].ID
	cursored, err := s.GetSessionMessagesPaginated(ctx, nil, sess.ID, 0, beforeFour)
	require.NoError(t, err)
	require.Len(t, cursored, 3)
	require.Equal(t, "three", cursored[2].Content)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s := newTestSessionStore(t)

	sess, err := s.CreateSession(ctx, nil, "cli", "")
	require.NoError(t, err)
	require.NoError(t, s.DeleteSession(ctx, nil, sess.ID))

	_, err = s.GetSession(ctx, nil, sess.ID)
	require.Error(t, err)
}

func TestFindSessionByUserID_PrefixMatch(t *testing.T) {
	ctx := context.Background()
	s := newTestSessionStore(t)
	userID := int64(42)

	sess, err := s.CreateSession(ctx, &userID, "slack-dm", "")
	require.NoError(t, err)

	found, err := s.FindSessionByUserID(ctx, userID, sess.ID[:8])
	require.NoError(t, err)
	require.Equal(t, sess.ID, found.ID)

	_, err = s.FindSessionByUserID(ctx, userID, "no-such-prefix-xyz")
	require.ErrorIs(t, err, persistence.ErrNotFound)
}
