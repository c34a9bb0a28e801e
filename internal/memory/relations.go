package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"hearth/internal/llm"
)

// RelationInferrer asks a model whether a new memory UPDATES or EXTENDS an
// existing one. Implementations wrap a cheap-tier llm.Provider call.
type RelationInferrer func(ctx context.Context, newContent string, candidates []Memory) ([]RelationInference, error)

// NewLLMRelationInferrer builds a RelationInferrer backed by provider/model,
// following the JSON-returning-prompt pattern used elsewhere for cheap
// classification calls (see NewLLMReranker in retrieval.go).
func NewLLMRelationInferrer(provider llm.Provider, model string) RelationInferrer {
	return func(ctx context.Context, newContent string, candidates []Memory) ([]RelationInference, error) {
		if len(candidates) == 0 {
			return nil, nil
		}
		var b strings.Builder
		for i, c := range candidates {
			fmt.Fprintf(&b, "%d) id=%s: %s\n", i, c.ID, c.Content)
		}
		sys := "You compare a new memory against existing ones and decide if it UPDATES (replaces a fact), EXTENDS (adds detail without replacing), or is unrelated (NONE) to each candidate. Return ONLY a JSON array of objects {\"targetId\":string,\"relation\":\"UPDATES\"|\"EXTENDS\"|\"NONE\",\"confidence\":number 0-1,\"reason\":string}. Omit NONE entries."
		user := fmt.Sprintf("New memory: %s\n\nCandidates:\n%s", newContent, b.String())

		msg, err := provider.Chat(ctx, []llm.Message{
			{Role: "system", Content: sys},
			{Role: "user", Content: user},
		}, nil, model)
		if err != nil {
			return nil, fmt.Errorf("memory: relation inference call: %w", err)
		}

		var parsed []struct {
			TargetID   string  `json:"targetId"`
			Relation   string  `json:"relation"`
			Confidence float64 `json:"confidence"`
			Reason     string  `json:"reason"`
		}
		if err := json.Unmarshal([]byte(extractJSON(msg.Content)), &parsed); err != nil {
			return nil, fmt.Errorf("memory: parse relation inference response: %w", err)
		}

		out := make([]RelationInference, 0, len(parsed))
		for _, p := range parsed {
			rel := Relation(strings.ToUpper(p.Relation))
			if rel != RelationUpdates && rel != RelationExtends {
				continue
			}
			out = append(out, RelationInference{TargetID: p.TargetID, Relation: rel, Confidence: p.Confidence, Reason: p.Reason})
		}
		return out, nil
	}
}

// inferRelations asks the configured RelationInferrer, falling back to a
// regex heuristic on failure or absence (spec.md §4.5.3).
func (s *Store) inferRelations(ctx context.Context, mem Memory, candidates []Memory) ([]RelationInference, error) {
	if s.Infer != nil {
		inferences, err := s.Infer(ctx, mem.Content, candidates)
		if err == nil {
			return inferences, nil
		}
	}
	return heuristicInferRelations(mem.Content, candidates), nil
}

var subjectQualifierPattern = regexp.MustCompile(`^(\w+(?:\s\w+){0,2})\s+(?:is|are|was|were|has|have)\s+(.+)$`)

// heuristicInferRelations is the regex fallback: same leading subject phrase
// with a changed trailing clause is UPDATES; same subject with the new
// content a superset of the old is EXTENDS.
func heuristicInferRelations(content string, candidates []Memory) []RelationInference {
	newSubject, newRest, ok := splitSubject(content)
	if !ok {
		return nil
	}
	var out []RelationInference
	for _, c := range candidates {
		if !c.IsLatest {
			continue
		}
		oldSubject, oldRest, ok := splitSubject(c.Content)
		if !ok || !strings.EqualFold(oldSubject, newSubject) {
			continue
		}
		switch {
		case strings.Contains(strings.ToLower(newRest), strings.ToLower(oldRest)):
			out = append(out, RelationInference{TargetID: c.ID, Relation: RelationExtends, Confidence: 0.5, Reason: "heuristic: same subject, added qualifier"})
		case !strings.EqualFold(oldRest, newRest):
			out = append(out, RelationInference{TargetID: c.ID, Relation: RelationUpdates, Confidence: 0.5, Reason: "heuristic: same subject, changed object"})
		}
	}
	return out
}

func splitSubject(s string) (subject, rest string, ok bool) {
	m := subjectQualifierPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// extractJSON strips a fenced code block or surrounding prose around a JSON
// array/object, tolerating models that don't follow "return only JSON".
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "[{"); i > 0 {
		s = s[i:]
	}
	return s
}
