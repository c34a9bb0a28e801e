package memory

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RetentionReport is step 4's typed result (spec.md §4.9 deep-tick step 4).
type RetentionReport struct {
	AuditPenalized int
	Archived       int
	Pruned         int
	OrphanEdges    int
}

const (
	retrievalAuditDecay   = 0.95
	utilityArchivalMaxRun = 50
	staleSessionDays      = 30
)

// AuditRetrieval applies a small prominence penalty to memories that were
// never retrieved, or not retrieved within staleAfter, so a memory that sits
// untouched keeps sliding toward archival even between decay runs (spec.md
// §4.9 step 4a).
func (s *Store) AuditRetrieval(ctx context.Context, all []Memory, staleAfter time.Duration) (int, error) {
	now := time.Now().UTC()
	penalized := 0
	for _, mem := range all {
		if mem.MemoryType == TypeStaticProfile || mem.MemoryType == TypeArchived {
			continue
		}
		if mem.AccessCount > 0 && now.Sub(mem.LastAccessed) < staleAfter {
			continue
		}
		mem.Prominence = clampProminence(mem.Prominence * retrievalAuditDecay)
		if err := s.persistFields(ctx, mem); err != nil {
			return penalized, fmt.Errorf("memory: retrieval audit: %w", err)
		}
		penalized++
	}
	return penalized, nil
}

// ArchiveLowUtility moves the lowest-prominence non-static memories older
// than minAgeDays to archived, capped at utilityArchivalMaxRun per run
// (spec.md §4.9 step 4b).
func (s *Store) ArchiveLowUtility(ctx context.Context, all []Memory, minAgeDays float64) (int, error) {
	now := time.Now().UTC()
	var candidates []Memory
	for _, mem := range all {
		if mem.MemoryType == TypeStaticProfile || mem.MemoryType == TypeArchived {
			continue
		}
		if now.Sub(mem.CreatedAt).Hours()/24 < minAgeDays {
			continue
		}
		if mem.Prominence >= s.ArchivalThreshold {
			continue
		}
		candidates = append(candidates, mem)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Prominence < candidates[j].Prominence })
	if len(candidates) > utilityArchivalMaxRun {
		candidates = candidates[:utilityArchivalMaxRun]
	}

	for _, mem := range candidates {
		mem.MemoryType = TypeArchived
		if err := s.persistFields(ctx, mem); err != nil {
			return 0, fmt.Errorf("memory: archive low utility: %w", err)
		}
	}
	return len(candidates), nil
}

// HardPrune permanently deletes archived memories whose prominence has
// fallen below the archival threshold, and removes their edges so step 4d
// (orphan cleanup) has nothing left to find for these particular nodes
// (spec.md §4.9 step 4c, the memory half).
func (s *Store) HardPrune(ctx context.Context, all []Memory) (int, error) {
	pruned := 0
	for _, mem := range all {
		if mem.MemoryType != TypeArchived || mem.Prominence >= s.ArchivalThreshold {
			continue
		}
		if err := s.Graph.DeleteEdgesTouching(ctx, mem.ID); err != nil {
			return pruned, fmt.Errorf("memory: prune edges: %w", err)
		}
		if err := s.Graph.DeleteNode(ctx, mem.ID); err != nil {
			return pruned, fmt.Errorf("memory: prune node: %w", err)
		}
		pruned++
	}
	return pruned, nil
}

// CleanOrphanEdges removes relations whose source or target no longer
// exists among all — e.g. a node deleted by a hard prune this same tick
// before every one of its referrers was visited (spec.md §4.9 step 4d).
func (s *Store) CleanOrphanEdges(ctx context.Context, all []Memory) (int, error) {
	alive := make(map[string]struct{}, len(all))
	for _, mem := range all {
		alive[mem.ID] = struct{}{}
	}

	removed := 0
	for _, mem := range all {
		for _, rel := range []Relation{RelationUpdates, RelationExtends, RelationDerives} {
			neighbors, err := s.Graph.Neighbors(ctx, mem.ID, string(rel))
			if err != nil {
				continue
			}
			for _, n := range neighbors {
				if _, ok := alive[n]; ok {
					continue
				}
				if err := s.Graph.DeleteEdgesTouching(ctx, n); err != nil {
					return removed, fmt.Errorf("memory: clean orphan edge: %w", err)
				}
				removed++
			}
		}
	}
	return removed, nil
}
