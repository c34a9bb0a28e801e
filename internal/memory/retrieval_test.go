package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearch_KeywordHitRanksAboveUnrelated(t *testing.T) {
	ctx := context.Background()
	embed := fakeEmbed(nil)
	s := newTestStore(embed)

	_, err := s.Add(ctx, "user-1", "The deploy pipeline runs on Kubernetes", "fact", false)
	require.NoError(t, err)
	_, err = s.Add(ctx, "user-1", "My dog likes long walks on the beach", "fact", false)
	require.NoError(t, err)

	results, err := s.Search(ctx, "kubernetes pipeline", "user-1", 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Contains(t, results[0].Memory.Content, "Kubernetes")
}

func TestSearch_ScopesToUserID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(fakeEmbed(nil))

	_, err := s.Add(ctx, "user-1", "Project Atlas launches in March", "fact", false)
	require.NoError(t, err)
	_, err = s.Add(ctx, "user-2", "Project Atlas launches in March", "fact", false)
	require.NoError(t, err)

	results, err := s.Search(ctx, "Project Atlas", "user-1", 5, 0)
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, "user-1", r.Memory.UserID)
	}
}

// TestSearch_DeterministicAtZeroSigma exercises spec.md's requirement that
// retrieval at noiseSigma=0 never touches math/rand, so repeated calls over
// unchanged state return identical ordering and scores.
func TestSearch_DeterministicAtZeroSigma(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(fakeEmbed(nil))

	_, err := s.Add(ctx, "user-1", "The release train ships every Tuesday", "fact", false)
	require.NoError(t, err)
	_, err = s.Add(ctx, "user-1", "Tuesday is also trash pickup day", "fact", false)
	require.NoError(t, err)

	first, err := s.Search(ctx, "Tuesday release", "user-1", 5, 0)
	require.NoError(t, err)
	second, err := s.Search(ctx, "Tuesday release", "user-1", 5, 0)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].Memory.ID, second[i].Memory.ID)
		require.Equal(t, first[i].Score, second[i].Score)
	}
}

func TestSearch_AccessBumpsProminenceAndAccessCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(fakeEmbed(nil))

	mem, err := s.Add(ctx, "user-1", "The API key rotates monthly", "fact", false)
	require.NoError(t, err)

	mem.Prominence = 0.2
	require.NoError(t, s.persistFields(ctx, mem))

	results, err := s.Search(ctx, "API key rotation", "user-1", 5, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	loaded, ok := s.loadMemory(ctx, mem.ID)
	require.True(t, ok)
	require.Equal(t, 1, loaded.AccessCount)
	require.Greater(t, loaded.Prominence, 0.2, "Touch should re-lift prominence toward 1 on access")
}

func TestSpreadActivation_SurfacesRelatedMemoryNotDirectlyMatched(t *testing.T) {
	ctx := context.Background()
	// base's vector and vocabulary are orthogonal to both root and the query,
	// so it can only be surfaced via the EXTENDS edge from root.
	embed := fakeEmbed(map[string][]float32{
		"The onboarding doc covers laptop setup":    {1, 0},
		"onboarding doc laptop setup":               {1, 0},
		"Completely unrelated sentence about lizards": {0, 1},
	})
	s := newTestStore(embed)

	root, err := s.Add(ctx, "user-1", "The onboarding doc covers laptop setup", "fact", false)
	require.NoError(t, err)
	base, err := s.Add(ctx, "user-1", "Completely unrelated sentence about lizards", "fact", false)
	require.NoError(t, err)
	require.NoError(t, s.addRelation(ctx, root.ID, RelationExtends, base.ID, 0.9))

	results, err := s.Search(ctx, "onboarding doc laptop setup", "user-1", 5, 0)
	require.NoError(t, err)

	var sawBase bool
	for _, r := range results {
		if r.Memory.ID == base.ID {
			sawBase = true
		}
	}
	require.True(t, sawBase, "graph activation spread should surface the EXTENDS-connected memory")
}

func TestGaussianNoise_ZeroSigmaAlwaysZero(t *testing.T) {
	require.Equal(t, 0.0, gaussianNoiseOrZero(0))
}

// gaussianNoiseOrZero mirrors how spreadRelation gates the call: the function
// itself doesn't special-case sigma=0, the caller just never invokes it then.
func gaussianNoiseOrZero(sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	return gaussianNoise(sigma)
}
