package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hearth/internal/observability"
	"hearth/internal/persistence/databases"
)

// Embedder turns text into vectors. Implementations wrap internal/embedding
// with the deployment's configured endpoint and e5-style prefixes.
type Embedder func(ctx context.Context, texts []string) ([][]float32, error)

// Store is the Hybrid Memory Store, backed by the same pluggable
// FullTextSearch / VectorStore / GraphDB trio the rest of persistence uses.
// The graph is the system of record for a memory's fields; the search and
// vector stores are retrieval indices kept in sync on every write.
//
// Writes serialize through writeMu (spec.md §5 "Memory store is a
// single-writer, multi-reader resource"); reads take no lock here because the
// underlying stores are themselves safe for concurrent reads.
type Store struct {
	Graph    databases.GraphDB
	Vector   databases.VectorStore
	Keyword  databases.FullTextSearch
	Embed    Embedder
	Rerank   Reranker         // optional; nil falls back to original blended score
	Infer    RelationInferrer // optional; nil falls back to the regex heuristic
	RandSeed func() float64

	DedupeThreshold    float64
	DecayHalfLifeDays  map[Type]float64
	ArchivalThreshold  float64
	ArchivalMinAgeDays float64

	writeMu  sync.Mutex
	embCache *embeddingCache
}

// New constructs a Store with spec.md §4.5 defaults; callers override tuning
// fields after construction from config.MemoryConfig.
func New(graph databases.GraphDB, vector databases.VectorStore, search databases.FullTextSearch, embed Embedder) *Store {
	return &Store{
		Graph:    graph,
		Vector:   vector,
		Keyword:  search,
		Embed:    embed,
		embCache: newEmbeddingCache(),
		DedupeThreshold: 0.92,
		DecayHalfLifeDays: map[Type]float64{
			TypeRegular: 30,
			TypeDerived: 60,
		},
		ArchivalThreshold:  0.01,
		ArchivalMinAgeDays: 14,
	}
}

// Add implements the write path (spec.md §4.5.1).
func (s *Store) Add(ctx context.Context, userID, content, category string, detectRelations bool) (Memory, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	embeddings, err := s.Embed(ctx, []string{content})
	if err != nil {
		return Memory{}, fmt.Errorf("memory: embed: %w", err)
	}
	embedding := embeddings[0]

	candidates, err := s.candidateNeighbors(ctx, userID, content, embedding)
	if err != nil {
		return Memory{}, fmt.Errorf("memory: candidate search: %w", err)
	}

	if dup, ok := s.findDuplicate(content, embedding, candidates); ok {
		dup.TimesConfirmed++
		if err := s.persistFields(ctx, dup); err != nil {
			return Memory{}, err
		}
		observability.LoggerWithTrace(ctx).Debug().Str("memory_id", dup.ID).Int("times_confirmed", dup.TimesConfirmed).Msg("memory_dedup_merged")
		return dup, nil
	}

	now := time.Now().UTC()
	mem := Memory{
		ID:           uuid.NewString(),
		UserID:       userID,
		Content:      content,
		Category:     category,
		MemoryType:   TypeRegular,
		Prominence:   1.0,
		IsLatest:     true,
		AccessCount:  0,
		CreatedAt:    now,
		LastAccessed: now,
	}

	if err := s.writeMemory(ctx, mem, embedding); err != nil {
		return Memory{}, err
	}

	if detectRelations && len(candidates) > 0 {
		inferences, err := s.inferRelations(ctx, mem, candidates)
		if err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memory_relation_inference_failed")
		}
		for _, inf := range inferences {
			if err := s.addRelation(ctx, mem.ID, inf.Relation, inf.TargetID, inf.Confidence); err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Str("target", inf.TargetID).Msg("memory_relation_insert_failed")
			}
		}
	}

	return mem, nil
}

// candidateNeighbors gathers memories that might be dedup or relation targets
// for new content: overlapping-token keyword hits plus semantic neighbors.
func (s *Store) candidateNeighbors(ctx context.Context, userID, content string, embedding []float32) ([]Memory, error) {
	seen := map[string]Memory{}

	if s.Keyword != nil {
		hits, err := s.Keyword.Search(ctx, content, 20)
		if err == nil {
			for _, h := range hits {
				if mem, ok := s.loadMemory(ctx, h.ID); ok && mem.UserID == userID {
					seen[mem.ID] = mem
				}
			}
		}
	}

	if s.Vector != nil && len(embedding) > 0 {
		vhits, err := s.Vector.SimilaritySearch(ctx, embedding, 20, map[string]string{"user_id": userID})
		if err == nil {
			for _, h := range vhits {
				if mem, ok := s.loadMemory(ctx, h.ID); ok {
					seen[mem.ID] = mem
				}
			}
		}
	}

	out := make([]Memory, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	return out, nil
}

// findDuplicate implements dedupe-by-merge: candidates with overlapping
// tokens whose embedding cosine similarity exceeds the threshold are merged
// into instead of duplicated (spec.md §4.5.1 step 2).
func (s *Store) findDuplicate(content string, embedding []float32, candidates []Memory) (Memory, bool) {
	contentTokens := tokenSet(content)
	for _, c := range candidates {
		if !c.IsLatest {
			continue
		}
		if !tokensOverlap(contentTokens, tokenSet(c.Content)) {
			continue
		}
		otherEmb, ok := s.loadEmbedding(context.Background(), c.ID)
		if !ok {
			continue
		}
		if cosineSimilarity(embedding, otherEmb) > s.DedupeThreshold {
			return c, true
		}
	}
	return Memory{}, false
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(s)) {
		out[strings.Trim(f, ".,!?;:\"'()")] = true
	}
	return out
}

func tokensOverlap(a, b map[string]bool) bool {
	for t := range a {
		if len(t) < 3 {
			continue
		}
		if b[t] {
			return true
		}
	}
	return false
}

// writeMemory inserts a new memory's node, vector, and search index entries.
func (s *Store) writeMemory(ctx context.Context, mem Memory, embedding []float32) error {
	if err := s.persistFields(ctx, mem); err != nil {
		return err
	}
	if s.Vector != nil {
		if err := s.Vector.Upsert(ctx, mem.ID, embedding, map[string]string{
			"user_id":   mem.UserID,
			"is_latest": strconv.FormatBool(mem.IsLatest),
		}); err != nil {
			return fmt.Errorf("memory: vector upsert: %w", err)
		}
		s.cacheEmbedding(mem.ID, embedding)
	}
	if s.Keyword != nil {
		if err := s.Keyword.Index(ctx, mem.ID, mem.Content, map[string]string{
			"user_id":  mem.UserID,
			"category": mem.Category,
		}); err != nil {
			return fmt.Errorf("memory: search index: %w", err)
		}
	}
	return nil
}

// persistFields writes a Memory's canonical fields to its graph node. The
// graph is the system of record; vector/search entries are derived indices.
func (s *Store) persistFields(ctx context.Context, mem Memory) error {
	return s.Graph.UpsertNode(ctx, mem.ID, []string{string(mem.MemoryType)}, memoryToProps(mem))
}

// AllMemories lists every memory in the graph, optionally filtered to one
// user. The Gardener's deep tick uses this to gather ProcessFullDecay/Fuse's
// "all" input — there is no separate index, so this walks every node the
// graph holds, acceptable for the same reason FindSessionByUserID's full
// scan is: scoped to a single deployment's memory count, not a live hot path.
func (s *Store) AllMemories(ctx context.Context, userID string) ([]Memory, error) {
	nodes, err := s.Graph.ListNodes(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("memory: list all: %w", err)
	}
	out := make([]Memory, 0, len(nodes))
	for _, n := range nodes {
		mem := propsToMemory(n.ID, n.Props)
		if userID != "" && mem.UserID != userID {
			continue
		}
		out = append(out, mem)
	}
	return out, nil
}

func (s *Store) loadMemory(ctx context.Context, id string) (Memory, bool) {
	node, ok := s.Graph.GetNode(ctx, id)
	if !ok {
		return Memory{}, false
	}
	return propsToMemory(id, node.Props), true
}

func (s *Store) addRelation(ctx context.Context, sourceID string, rel Relation, targetID string, confidence float64) error {
	props := map[string]any{"confidence": confidence}
	if err := s.Graph.UpsertEdge(ctx, sourceID, string(rel), targetID, props); err != nil {
		return err
	}
	if err := s.Graph.UpsertEdge(ctx, targetID, string(rel)+reverseSuffix, sourceID, props); err != nil {
		return err
	}
	if rel == RelationUpdates {
		target, ok := s.loadMemory(ctx, targetID)
		if ok && target.IsLatest {
			target.IsLatest = false
			target.MemoryType = TypeSuperseded
			if err := s.persistFields(ctx, target); err != nil {
				return fmt.Errorf("memory: supersede target: %w", err)
			}
		}
	}
	return nil
}

func memoryToProps(mem Memory) map[string]any {
	return map[string]any{
		"user_id":         mem.UserID,
		"content":         mem.Content,
		"category":        mem.Category,
		"memory_type":     string(mem.MemoryType),
		"prominence":      mem.Prominence,
		"is_latest":       mem.IsLatest,
		"access_count":    mem.AccessCount,
		"times_confirmed": mem.TimesConfirmed,
		"created_at":      mem.CreatedAt.Format(time.RFC3339Nano),
		"last_accessed":   mem.LastAccessed.Format(time.RFC3339Nano),
	}
}

func propsToMemory(id string, props map[string]any) Memory {
	mem := Memory{ID: id}
	if v, ok := props["user_id"].(string); ok {
		mem.UserID = v
	}
	if v, ok := props["content"].(string); ok {
		mem.Content = v
	}
	if v, ok := props["category"].(string); ok {
		mem.Category = v
	}
	if v, ok := props["memory_type"].(string); ok {
		mem.MemoryType = Type(v)
	}
	mem.Prominence = toFloat(props["prominence"])
	if v, ok := props["is_latest"].(bool); ok {
		mem.IsLatest = v
	}
	mem.AccessCount = toInt(props["access_count"])
	mem.TimesConfirmed = toInt(props["times_confirmed"])
	if v, ok := props["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			mem.CreatedAt = t
		}
	}
	if v, ok := props["last_accessed"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			mem.LastAccessed = t
		}
	}
	return mem
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	}
	return 0
}

func toInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case float64:
		return int(x)
	}
	return 0
}
