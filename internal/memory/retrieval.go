package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"hearth/internal/llm"
	"hearth/internal/persistence/databases"
)

// Reranker asks a cheap model to score retrieval candidates against a query,
// returning a sparse index→score map (spec.md §4.5.2: "any candidate the LLM
// omits keeps its original score").
type Reranker func(ctx context.Context, query string, candidateTexts []string) (map[int]float64, error)

// NewLLMReranker builds a Reranker backed by provider/model.
func NewLLMReranker(provider llm.Provider, model string) Reranker {
	return func(ctx context.Context, query string, candidateTexts []string) (map[int]float64, error) {
		var b strings.Builder
		for i, t := range candidateTexts {
			fmt.Fprintf(&b, "%d) %s\n", i, t)
		}
		sys := "Score how relevant each numbered candidate is to the query, from 0 (irrelevant) to 1 (highly relevant). Return ONLY a JSON array of {\"index\":number,\"score\":number}."
		user := fmt.Sprintf("Query: %s\n\nCandidates:\n%s", query, b.String())

		msg, err := provider.Chat(ctx, []llm.Message{
			{Role: "system", Content: sys},
			{Role: "user", Content: user},
		}, nil, model)
		if err != nil {
			return nil, fmt.Errorf("memory: rerank call: %w", err)
		}

		var parsed []struct {
			Index int     `json:"index"`
			Score float64 `json:"score"`
		}
		if err := json.Unmarshal([]byte(extractJSON(msg.Content)), &parsed); err != nil {
			return nil, fmt.Errorf("memory: parse rerank response: %w", err)
		}
		out := make(map[int]float64, len(parsed))
		for _, p := range parsed {
			out[p.Index] = p.Score
		}
		return out, nil
	}
}

const (
	finalScoreDropThreshold = 0.05
	activationHops          = 2
	maxRelatedPerResult     = 5
)

type scoredCandidate struct {
	mem          Memory
	blendedScore float64
}

// Search implements the hybrid retrieval read path (spec.md §4.5.2).
func (s *Store) Search(ctx context.Context, query, userID string, k int, noiseSigma float64) ([]Result, error) {
	if k <= 0 {
		k = 10
	}

	candidates := map[string]*scoredCandidate{}

	if s.Keyword != nil {
		hits, err := s.Keyword.Search(ctx, query, 40)
		if err != nil {
			return nil, fmt.Errorf("memory: keyword search: %w", err)
		}
		maxScore := maxSearchScore(hits)
		for _, h := range hits {
			mem, ok := s.loadMemory(ctx, h.ID)
			if !ok || mem.UserID != userID {
				continue
			}
			norm := 0.0
			if maxScore > 0 {
				norm = h.Score / maxScore
			}
			addBlended(candidates, mem, 0.5*norm)
		}
	}

	if s.Vector != nil {
		qEmb, err := s.Embed(ctx, []string{query})
		if err == nil && len(qEmb) > 0 {
			vhits, err := s.Vector.SimilaritySearch(ctx, qEmb[0], 40, map[string]string{
				"user_id":   userID,
				"is_latest": "true",
			})
			if err == nil {
				for _, h := range vhits {
					mem, ok := s.loadMemory(ctx, h.ID)
					if !ok {
						continue
					}
					addBlended(candidates, mem, 0.5*h.Score)
				}
			}
		}
	}

	seeds := topCandidateIDs(candidates, 10)
	s.spreadActivation(ctx, seeds, candidates, noiseSigma)

	ordered := make([]*scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].blendedScore > ordered[j].blendedScore })

	rerankN := len(ordered)
	if rerankN > 20 {
		rerankN = 20
	}
	top := ordered[:rerankN]

	finalScores := make([]float64, len(top))
	for i, c := range top {
		finalScores[i] = c.blendedScore
	}
	if s.Rerank != nil && len(top) > 0 {
		texts := make([]string, len(top))
		for i, c := range top {
			texts[i] = c.mem.Content
		}
		llmScores, err := s.Rerank(ctx, query, texts)
		if err == nil {
			for i := range top {
				if ls, ok := llmScores[i]; ok {
					finalScores[i] = 0.4*top[i].blendedScore + 0.6*ls
				}
			}
		}
	}

	type finalResult struct {
		mem   Memory
		score float64
	}
	results := make([]finalResult, 0, len(top))
	for i, c := range top {
		if finalScores[i] < finalScoreDropThreshold {
			continue
		}
		results = append(results, finalResult{mem: c.mem, score: finalScores[i]})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > k {
		results = results[:k]
	}

	out := make([]Result, 0, len(results))
	now := time.Now().UTC()
	for _, r := range results {
		mem := r.mem
		mem.AccessCount++
		mem.LastAccessed = now
		mem = Touch(mem)
		if err := s.persistFields(ctx, mem); err != nil {
			return nil, fmt.Errorf("memory: bump access: %w", err)
		}
		related := s.relatedMemories(ctx, mem.ID, maxRelatedPerResult)
		out = append(out, Result{Memory: mem, Score: r.score, Related: related})
	}
	return out, nil
}

func maxSearchScore(hits []databases.SearchResult) float64 {
	max := 0.0
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	return max
}

func addBlended(candidates map[string]*scoredCandidate, mem Memory, delta float64) {
	c, ok := candidates[mem.ID]
	if !ok {
		c = &scoredCandidate{mem: mem}
		candidates[mem.ID] = c
	}
	c.blendedScore += delta
}

func topCandidateIDs(candidates map[string]*scoredCandidate, n int) []string {
	ordered := make([]*scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].blendedScore > ordered[j].blendedScore })
	if len(ordered) > n {
		ordered = ordered[:n]
	}
	ids := make([]string, len(ordered))
	for i, c := range ordered {
		ids[i] = c.mem.ID
	}
	return ids
}

// spreadActivation does a two-hop spread from seeds through the relation
// graph, adding each hop's weighted score to candidates (creating new
// candidates for memories reached only via the graph). noiseSigma adds
// Gaussian jitter to the spread weight; 0 is deterministic (spec.md §4.5.2
// requires σ=0 to be deterministic for tests).
func (s *Store) spreadActivation(ctx context.Context, seeds []string, candidates map[string]*scoredCandidate, noiseSigma float64) {
	if s.Graph == nil {
		return
	}
	frontier := seeds
	weight := 1.0
	for hop := 0; hop < activationHops; hop++ {
		weight *= 0.5
		var next []string
		for _, id := range frontier {
			for rel, w := range edgeWeights {
				s.spreadRelation(ctx, id, string(rel), w[0], weight, noiseSigma, candidates, &next)
				s.spreadRelation(ctx, id, string(rel)+reverseSuffix, w[1], weight, noiseSigma, candidates, &next)
			}
		}
		frontier = next
	}
}

func (s *Store) spreadRelation(ctx context.Context, id, edgeLabel string, edgeWeight, hopWeight, noiseSigma float64, candidates map[string]*scoredCandidate, next *[]string) {
	neighbors, err := s.Graph.Neighbors(ctx, id, edgeLabel)
	if err != nil {
		return
	}
	for _, n := range neighbors {
		mem, ok := s.loadMemory(ctx, n)
		if !ok {
			continue
		}
		score := edgeWeight * hopWeight
		if noiseSigma > 0 {
			score += gaussianNoise(noiseSigma)
		}
		addBlended(candidates, mem, score)
		*next = append(*next, n)
	}
}

// relatedMemories returns up to N latest neighbors of id, ordered by
// insertion (the graph doesn't track activation order across calls, so
// direct-neighbor order stands in for it).
func (s *Store) relatedMemories(ctx context.Context, id string, n int) []Memory {
	if s.Graph == nil {
		return nil
	}
	var out []Memory
	for rel := range edgeWeights {
		neighbors, err := s.Graph.Neighbors(ctx, id, string(rel))
		if err != nil {
			continue
		}
		for _, nid := range neighbors {
			mem, ok := s.loadMemory(ctx, nid)
			if !ok || !mem.IsLatest {
				continue
			}
			out = append(out, mem)
			if len(out) >= n {
				return out
			}
		}
	}
	return out
}

// gaussianNoise returns a single Box-Muller sample scaled by sigma. Only
// called when the caller explicitly requests sigma > 0; sigma=0 retrieval
// never touches math/rand and stays fully deterministic.
func gaussianNoise(sigma float64) float64 {
	u1 := rand.Float64()
	u2 := rand.Float64()
	if u1 <= 0 {
		u1 = 1e-12
	}
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return sigma * z
}
