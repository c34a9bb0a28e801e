package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"hearth/internal/observability"
)

// Summarizer asks a cheap model to summarize a cluster of dormant related
// memories into one derived memory (spec.md §4.5.5).
type Summarizer func(ctx context.Context, clusterContents []string) (summary, category string, importance float64, err error)

// ProcessFullDecay recomputes prominence for every non-static memory
// (spec.md §4.5.4). Effective prominence is base·exp(-Δt/τ)·(1+boost), where
// τ depends on memoryType and boost saturates with accessCount. Archival
// flips memoryType to archived when prominence drops below 0.01 and the
// memory is older than 14 days.
func (s *Store) ProcessFullDecay(ctx context.Context, all []Memory) (DecayReport, error) {
	now := time.Now().UTC()
	report := DecayReport{}
	for _, mem := range all {
		if mem.MemoryType == TypeStaticProfile || mem.MemoryType == TypeArchived {
			continue
		}
		tau, ok := s.DecayHalfLifeDays[mem.MemoryType]
		if !ok {
			tau = 30
		}
		mem.Prominence = effectiveProminence(mem, tau, now)
		if mem.Prominence < s.ArchivalThreshold && now.Sub(mem.CreatedAt).Hours()/24 > s.ArchivalMinAgeDays {
			mem.MemoryType = TypeArchived
			report.Archived++
		}
		if err := s.persistFields(ctx, mem); err != nil {
			return report, fmt.Errorf("memory: persist decay: %w", err)
		}
		report.Updated++
	}
	return report, nil
}

// effectiveProminence computes base·exp(-Δt/τ)·(1+boost(accessCount)).
// boost saturates toward 1 so a heavily accessed memory can at most double
// its decayed prominence.
func effectiveProminence(mem Memory, tauDays float64, now time.Time) float64 {
	if tauDays <= 0 {
		return mem.Prominence
	}
	deltaDays := now.Sub(mem.LastAccessed).Hours() / 24
	if deltaDays < 0 {
		deltaDays = 0
	}
	decayed := mem.Prominence * math.Exp(-deltaDays/tauDays)
	boost := 1 - math.Exp(-float64(mem.AccessCount)/10.0)
	return decayed * (1 + boost)
}

// Touch re-lifts a memory's prominence toward 1 on access, per spec.md
// §4.5.4 ("a new access re-lifts prominence toward 1").
func Touch(mem Memory) Memory {
	mem.Prominence = mem.Prominence + (1-mem.Prominence)*0.5
	if mem.Prominence > 1 {
		mem.Prominence = 1
	}
	return mem
}

const minFusionClusterSize = 2

// fusionCandidate pairs a memory with its EXTENDS/UPDATES-connected siblings.
type fusionCandidate struct {
	members []Memory
}

// Fuse detects dormant clusters of related memories and summarizes each into
// a new derived memory, capped at maxClusters per run (spec.md §4.5.5).
func (s *Store) Fuse(ctx context.Context, all []Memory, summarize Summarizer, maxClusters int) (FusionReport, error) {
	report := FusionReport{}
	if summarize == nil {
		return report, nil
	}

	dormant := make([]Memory, 0, len(all))
	for _, m := range all {
		if m.Prominence < 0.7 && (m.MemoryType == TypeRegular || m.MemoryType == TypeSuperseded) {
			dormant = append(dormant, m)
		}
	}

	clusters := s.clusterByRelations(ctx, dormant)
	report.ClustersConsidered = len(clusters)
	sort.Slice(clusters, func(i, j int) bool { return len(clusters[i].members) > len(clusters[j].members) })

	for _, cluster := range clusters {
		if report.Fused >= maxClusters {
			break
		}
		if len(cluster.members) < minFusionClusterSize {
			continue
		}
		contents := make([]string, len(cluster.members))
		for i, m := range cluster.members {
			contents[i] = m.Content
		}
		summary, category, importance, err := summarize(ctx, contents)
		if err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memory_fusion_summarize_failed")
			continue
		}

		now := time.Now().UTC()
		derived := Memory{
			ID:           uuid.NewString(),
			UserID:       cluster.members[0].UserID,
			Content:      summary,
			Category:     category,
			MemoryType:   TypeDerived,
			Prominence:   clampProminence(importance),
			IsLatest:     true,
			CreatedAt:    now,
			LastAccessed: now,
		}
		if err := s.persistFields(ctx, derived); err != nil {
			return report, fmt.Errorf("memory: persist derived: %w", err)
		}
		if s.Vector != nil {
			if emb, err := s.Embed(ctx, []string{summary}); err == nil && len(emb) > 0 {
				_ = s.Vector.Upsert(ctx, derived.ID, emb[0], map[string]string{"user_id": derived.UserID, "is_latest": "true"})
				s.cacheEmbedding(derived.ID, emb[0])
			}
		}
		if s.Keyword != nil {
			_ = s.Keyword.Index(ctx, derived.ID, summary, map[string]string{"user_id": derived.UserID, "category": category})
		}

		for _, src := range cluster.members {
			if err := s.Graph.UpsertEdge(ctx, derived.ID, string(RelationDerives), src.ID, nil); err != nil {
				return report, fmt.Errorf("memory: derives edge: %w", err)
			}
			if err := s.Graph.UpsertEdge(ctx, src.ID, string(RelationDerives)+reverseSuffix, derived.ID, nil); err != nil {
				return report, fmt.Errorf("memory: derives reverse edge: %w", err)
			}
			src.IsLatest = false
			src.MemoryType = TypeSuperseded
			if err := s.persistFields(ctx, src); err != nil {
				return report, fmt.Errorf("memory: supersede fused source: %w", err)
			}
		}
		report.Fused++
	}
	return report, nil
}

// clusterByRelations groups dormant memories connected by EXTENDS or UPDATES
// edges using union-find over the candidate set.
func (s *Store) clusterByRelations(ctx context.Context, dormant []Memory) []fusionCandidate {
	index := map[string]int{}
	parent := make([]int, len(dormant))
	for i, m := range dormant {
		index[m.ID] = i
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for i, m := range dormant {
		for _, rel := range []Relation{RelationExtends, RelationUpdates} {
			neighbors, err := s.Graph.Neighbors(ctx, m.ID, string(rel))
			if err != nil {
				continue
			}
			for _, n := range neighbors {
				if j, ok := index[n]; ok {
					union(i, j)
				}
			}
		}
	}

	groups := map[int][]Memory{}
	for i, m := range dormant {
		root := find(i)
		groups[root] = append(groups[root], m)
	}
	out := make([]fusionCandidate, 0, len(groups))
	for _, members := range groups {
		out = append(out, fusionCandidate{members: members})
	}
	return out
}

func clampProminence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
