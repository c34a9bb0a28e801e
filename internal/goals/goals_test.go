package goals

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hearth/internal/persistence/databases"
)

func TestApproachingDeadline_WithinWindowOnly(t *testing.T) {
	now := time.Now().UTC()
	soon := now.Add(2 * time.Hour)
	far := now.Add(30 * 24 * time.Hour)

	g1 := Goal{DueDate: &soon}
	require.True(t, g1.ApproachingDeadline(now, 24*time.Hour))

	g2 := Goal{DueDate: &far}
	require.False(t, g2.ApproachingDeadline(now, 24*time.Hour))

	g3 := Goal{}
	require.False(t, g3.ApproachingDeadline(now, 24*time.Hour))
}

func TestListOpen_ExcludesDoneAndOtherUsers(t *testing.T) {
	s := New(databases.NewMemoryGraph())
	ctx := context.Background()

	g1, err := s.Create(ctx, "user-1", "finish report", nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "user-2", "other user's goal", nil)
	require.NoError(t, err)
	g3, err := s.Create(ctx, "user-1", "already done", nil)
	require.NoError(t, err)
	require.NoError(t, s.MarkDone(ctx, g3.ID))

	open, err := s.ListOpen(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, g1.ID, open[0].ID)
}
