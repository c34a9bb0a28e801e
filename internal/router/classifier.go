package router

import (
	"strings"
	"unicode"

	"hearth/internal/util"
)

// Tier is a complexity class the classifier assigns an inbound message to.
type Tier string

const (
	TierTrivial  Tier = "trivial"
	TierSimple   Tier = "simple"
	TierModerate Tier = "moderate"
	TierComplex  Tier = "complex"
)

// tierOrder is cheapest-first, matching the router's downshift direction.
var tierOrder = []Tier{TierTrivial, TierSimple, TierModerate, TierComplex}

// Downshift returns the next cheaper tier, or ok=false if already lowest.
func Downshift(t Tier) (Tier, bool) {
	for i, candidate := range tierOrder {
		if candidate == t {
			if i == 0 {
				return t, false
			}
			return tierOrder[i-1], true
		}
	}
	return TierTrivial, false
}

var ackWords = map[string]bool{
	"hi": true, "hello": true, "hey": true, "thanks": true, "thank": true,
	"ok": true, "okay": true, "yes": true, "no": true, "sure": true,
	"cool": true, "great": true, "bye": true, "goodbye": true, "yo": true,
}

var architectureKeywords = []string{
	"architecture", "design doc", "refactor", "migration", "schema",
	"race condition", "deadlock", "stack trace", "panic", "segfault",
	"root cause", "performance regression", "memory leak", "distributed",
	"scalab", "consisten",
}

var debugKeywords = []string{
	"error", "exception", "traceback", "failing", "broken", "bug",
	"doesn't work", "not working", "crash", "debug", "investigate",
}

// Classify implements the Complexity Classifier (spec.md §4.3): a
// deterministic, keyword- and shape-based mapping from an inbound message
// to a complexity tier. recentHistory is accepted but not consulted: only the
// input's token count, code shape, keywords and predicted tool use decide the
// tier. No LLM call is made.
func Classify(input string, recentHistory []string) Tier {
	tokenCount := util.CountTokens(input)
	lower := strings.ToLower(input)
	hasCode := containsCodeFence(input) || containsIdentifierLike(input)

	if tokenCount < 20 && !hasCode && isGreetingOrAck(lower) {
		return TierTrivial
	}

	if tokenCount > 500 || containsAny(lower, architectureKeywords) || containsAny(lower, debugKeywords) {
		return TierComplex
	}

	predictedTools := predictToolCount(lower)
	if hasCode || predictedTools > 2 {
		return TierModerate
	}

	return TierSimple
}

func isGreetingOrAck(lower string) bool {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if !ackWords[f] {
			return false
		}
	}
	return true
}

func containsCodeFence(s string) bool {
	return strings.Contains(s, "```") || strings.Contains(s, "\n\t") || strings.Contains(s, "    func ") || strings.Contains(s, "    def ")
}

func containsIdentifierLike(s string) bool {
	for _, tok := range strings.Fields(s) {
		if strings.ContainsAny(tok, "(){}[];") && len(tok) > 2 {
			return true
		}
		if strings.Contains(tok, "_") && strings.ContainsAny(tok, "().") {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// predictToolCount estimates how many tool calls a message is likely to need,
// from verbs that typically trigger tool dispatch (file, search, run, fetch).
func predictToolCount(lower string) int {
	toolVerbs := []string{"search", "look up", "fetch", "open the file", "read the file", "run ", "execute", "curl", "download", "list the", "write to", "edit the", "delete the", "query the database"}
	count := 0
	for _, v := range toolVerbs {
		if strings.Contains(lower, v) {
			count++
		}
	}
	return count
}
