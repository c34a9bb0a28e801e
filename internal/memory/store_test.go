package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"hearth/internal/persistence/databases"
)

// fakeEmbed assigns each distinct text a stable 2D vector so cosine similarity
// is predictable: identical/near-identical text maps to the same point.
func fakeEmbed(vectors map[string][]float32) Embedder {
	return func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			if v, ok := vectors[t]; ok {
				out[i] = v
				continue
			}
			out[i] = []float32{1, 0}
		}
		return out, nil
	}
}

func newTestStore(embed Embedder) *Store {
	return New(databases.NewMemoryGraph(), databases.NewMemoryVector(), databases.NewMemorySearch(), embed)
}

func TestAdd_NewMemoryPersists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(fakeEmbed(nil))

	mem, err := s.Add(ctx, "user-1", "The sky is blue", "fact", false)
	require.NoError(t, err)
	require.NotEmpty(t, mem.ID)
	require.Equal(t, TypeRegular, mem.MemoryType)
	require.True(t, mem.IsLatest)
	require.Equal(t, 1.0, mem.Prominence)

	loaded, ok := s.loadMemory(ctx, mem.ID)
	require.True(t, ok)
	require.Equal(t, "The sky is blue", loaded.Content)
	require.Equal(t, "user-1", loaded.UserID)
}

func TestAdd_DuplicateContentMergesInsteadOfInserting(t *testing.T) {
	ctx := context.Background()
	// Both writes embed to the same point, so cosine similarity is 1.0 and
	// the shared "favorite color" token overlap passes the dedupe gate.
	embed := fakeEmbed(map[string][]float32{
		"My favorite color is blue":     {1, 0},
		"My favorite color is also blue": {1, 0},
	})
	s := newTestStore(embed)

	first, err := s.Add(ctx, "user-1", "My favorite color is blue", "preference", false)
	require.NoError(t, err)
	require.Equal(t, 0, first.TimesConfirmed)

	second, err := s.Add(ctx, "user-1", "My favorite color is also blue", "preference", false)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "near-duplicate content should merge into the existing memory")
	require.Equal(t, 1, second.TimesConfirmed)
}

func TestAdd_DissimilarContentDoesNotMerge(t *testing.T) {
	ctx := context.Background()
	embed := fakeEmbed(map[string][]float32{
		"My favorite color is blue": {1, 0},
		"I work as a civil engineer": {0, 1},
	})
	s := newTestStore(embed)

	first, err := s.Add(ctx, "user-1", "My favorite color is blue", "preference", false)
	require.NoError(t, err)
	second, err := s.Add(ctx, "user-1", "I work as a civil engineer", "fact", false)
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
}

func TestAdd_DetectRelationsUsesHeuristicFallbackAndSupersedes(t *testing.T) {
	ctx := context.Background()
	embed := fakeEmbed(map[string][]float32{
		"John works at Acme Corp":    {1, 0},
		"John works at Globex Corp": {0, 1}, // dissimilar enough to avoid dedupe
	})
	s := newTestStore(embed)

	first, err := s.Add(ctx, "user-1", "John works at Acme Corp", "fact", false)
	require.NoError(t, err)

	second, err := s.Add(ctx, "user-1", "John works at Globex Corp", "fact", true)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	neighbors, err := s.Graph.Neighbors(ctx, second.ID, string(RelationUpdates))
	require.NoError(t, err)
	require.Contains(t, neighbors, first.ID, "heuristic fallback should infer an UPDATES relation for a changed object, same subject")

	supersededNode, ok := s.loadMemory(ctx, first.ID)
	require.True(t, ok)
	require.False(t, supersededNode.IsLatest)
	require.Equal(t, TypeSuperseded, supersededNode.MemoryType)
}

func TestTokensOverlap(t *testing.T) {
	require.True(t, tokensOverlap(tokenSet("My favorite color is blue"), tokenSet("My favorite color is also blue")))
	require.False(t, tokensOverlap(tokenSet("My favorite color is blue"), tokenSet("I work as a civil engineer")))
}
