package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAuditRetrieval_PenalizesUntouchedMemoriesOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(fakeEmbed(nil))

	fresh, err := s.Add(ctx, "user-1", "Recently looked up fact", "fact", false)
	require.NoError(t, err)
	fresh.Prominence = 0.8
	fresh.AccessCount = 3
	fresh.LastAccessed = time.Now().UTC()
	require.NoError(t, s.persistFields(ctx, fresh))

	stale, err := s.Add(ctx, "user-1", "Never looked at again", "fact", false)
	require.NoError(t, err)
	stale.Prominence = 0.8
	stale.AccessCount = 0
	require.NoError(t, s.persistFields(ctx, stale))

	n, err := s.AuditRetrieval(ctx, []Memory{fresh, stale}, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	loadedFresh, _ := s.loadMemory(ctx, fresh.ID)
	require.Equal(t, 0.8, loadedFresh.Prominence, "recently accessed memory must be untouched")

	loadedStale, _ := s.loadMemory(ctx, stale.ID)
	require.InDelta(t, 0.8*retrievalAuditDecay, loadedStale.Prominence, 1e-9)
}

func TestArchiveLowUtility_CapsAtMaxRunAndSkipsYoungMemories(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(fakeEmbed(nil))

	young, err := s.Add(ctx, "user-1", "Too young to archive yet", "fact", false)
	require.NoError(t, err)
	young.Prominence = 0.001
	young.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.persistFields(ctx, young))

	old, err := s.Add(ctx, "user-1", "Old and low utility", "fact", false)
	require.NoError(t, err)
	old.Prominence = 0.001
	old.CreatedAt = time.Now().UTC().Add(-30 * 24 * time.Hour)
	require.NoError(t, s.persistFields(ctx, old))

	n, err := s.ArchiveLowUtility(ctx, []Memory{young, old}, 14)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	loadedYoung, _ := s.loadMemory(ctx, young.ID)
	require.NotEqual(t, TypeArchived, loadedYoung.MemoryType)

	loadedOld, _ := s.loadMemory(ctx, old.ID)
	require.Equal(t, TypeArchived, loadedOld.MemoryType)
}

func TestHardPrune_DeletesOnlyArchivedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(fakeEmbed(nil))

	keep, err := s.Add(ctx, "user-1", "Archived but still has some utility", "fact", false)
	require.NoError(t, err)
	keep.MemoryType = TypeArchived
	keep.Prominence = s.ArchivalThreshold + 0.5
	require.NoError(t, s.persistFields(ctx, keep))

	gone, err := s.Add(ctx, "user-1", "Archived and worthless", "fact", false)
	require.NoError(t, err)
	gone.MemoryType = TypeArchived
	gone.Prominence = 0
	require.NoError(t, s.persistFields(ctx, gone))

	n, err := s.HardPrune(ctx, []Memory{keep, gone})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok := s.loadMemory(ctx, keep.ID)
	require.True(t, ok)
	_, ok = s.loadMemory(ctx, gone.ID)
	require.False(t, ok)
}

func TestCleanOrphanEdges_RemovesEdgesToMissingEndpoints(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(fakeEmbed(nil))

	a, err := s.Add(ctx, "user-1", "Still alive", "fact", false)
	require.NoError(t, err)
	require.NoError(t, s.Graph.UpsertEdge(ctx, a.ID, string(RelationExtends), "deleted-node", nil))

	n, err := s.CleanOrphanEdges(ctx, []Memory{a})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	neighbors, err := s.Graph.Neighbors(ctx, a.ID, string(RelationExtends))
	require.NoError(t, err)
	require.Empty(t, neighbors)
}
