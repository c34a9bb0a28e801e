// Package memory implements the Hybrid Memory Store: content-addressed
// memories with prominence decay, an inferred relation graph, and hybrid
// (keyword + semantic + graph-activation) retrieval with LLM re-ranking.
package memory

import "time"

// Type classifies a memory's decay behavior and lifecycle.
type Type string

const (
	TypeStaticProfile Type = "static_profile" // never decays
	TypeRegular       Type = "regular"
	TypeDerived       Type = "derived"   // produced by fusion
	TypeSuperseded    Type = "superseded"
	TypeArchived      Type = "archived"
)

// Relation is an edge label in the memory graph.
type Relation string

const (
	RelationUpdates Relation = "UPDATES"
	RelationExtends Relation = "EXTENDS"
	RelationDerives Relation = "DERIVES"
)

// reverseSuffix marks the backward half of a directed relation, stored as its
// own edge so GraphDB's forward-only Neighbors can still answer two-hop
// spread in either direction.
const reverseSuffix = "_REV"

// edgeWeights gives the forward/backward activation weight for each relation
// kind, per spec.md §4.5.2.
var edgeWeights = map[Relation][2]float64{
	RelationUpdates: {0.9, 0.1},
	RelationExtends: {0.7, 0.3},
	RelationDerives: {0.8, 0.2},
}

// Memory is a single stored fact, preference, or episode.
type Memory struct {
	ID             string
	UserID         string
	Content        string
	Category       string
	MemoryType     Type
	Prominence     float64
	IsLatest       bool
	AccessCount    int
	TimesConfirmed int
	CreatedAt      time.Time
	LastAccessed   time.Time
}

// Edge is a directed relation between two memories.
type Edge struct {
	SourceID   string
	Relation   Relation
	TargetID   string
	Confidence float64
}

// Result is a single hybrid-retrieval hit plus its related memories.
type Result struct {
	Memory  Memory
	Score   float64
	Related []Memory
}

// RelationInference is the outcome of relation inference for one candidate
// neighbor of a newly written memory.
type RelationInference struct {
	TargetID   string
	Relation   Relation
	Confidence float64
	Reason     string
}

// DecayReport is processFullDecay's result (spec.md §4.5.4).
type DecayReport struct {
	Updated  int
	Archived int
}

// FusionReport is one fusion pass's result (spec.md §4.5.5).
type FusionReport struct {
	ClustersConsidered int
	Fused              int
}
