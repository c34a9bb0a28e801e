package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"hearth/internal/persistence/databases"
)

func TestGet_ReturnsDefaultWhenNoProfileRecorded(t *testing.T) {
	s := New(databases.NewMemoryGraph())
	p, err := s.Get(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, 0.5, p.TrustScore)
	require.Zero(t, p.MessageRateEMA)
}

func TestApplyTrustSignal_NegativeMovesFasterThanPositive(t *testing.T) {
	s := New(databases.NewMemoryGraph())
	ctx := context.Background()

	up, err := s.ApplyTrustSignal(ctx, "user-1", true, 0.1, 0.3)
	require.NoError(t, err)
	require.Greater(t, up.TrustScore, 0.5)
	gainedBy := up.TrustScore - 0.5

	down, err := s.ApplyTrustSignal(ctx, "user-2", false, 0.1, 0.3)
	require.NoError(t, err)
	require.Less(t, down.TrustScore, 0.5)
	lostBy := 0.5 - down.TrustScore

	require.Greater(t, lostBy, gainedBy, "beta > alpha means a negative signal should move trust further than a positive one of equal magnitude")
}

func TestApplyBehavior_PersistsAcrossCalls(t *testing.T) {
	s := New(databases.NewMemoryGraph())
	ctx := context.Background()

	_, err := s.ApplyBehavior(ctx, "user-1", BehaviorSample{MessagesPerHour: 10, ToolUseFraction: 0.5}, 24)
	require.NoError(t, err)

	p2, err := s.ApplyBehavior(ctx, "user-1", BehaviorSample{MessagesPerHour: 10, ToolUseFraction: 0.5}, 24)
	require.NoError(t, err)
	require.Greater(t, p2.MessageRateEMA, 0.0)
	require.Greater(t, p2.ToolUseRateEMA, 0.0)
}
