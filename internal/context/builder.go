// Package context implements the Context Builder: it assembles the message
// list handed to the model for a single turn out of the session's durable
// transcript, a bulleted block of relevant memory snippets, and (when the
// transcript overruns budget) a single compressed summary message standing
// in for everything older than the hot window.
package context

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hearth/internal/llm"
	"hearth/internal/memory"
	"hearth/internal/persistence"
	"hearth/internal/session"
)

// Summarizer compresses an older message prefix into a short system note,
// following the teacher's maybeSummarize shape but reduced to exactly one
// call since the Context Builder only ever produces one compression block.
type Summarizer func(ctx context.Context, msgs []llm.Message) (string, error)

// Searcher is the subset of memory.Store the Context Builder needs; kept as
// an interface so tests can fake it without standing up real backends.
type Searcher interface {
	Search(ctx context.Context, query, userID string, k int, noiseSigma float64) ([]memory.Result, error)
}

// Builder implements router.ContextBuilder (buildContext(session, model),
// spec.md §4.7).
type Builder struct {
	Sessions   *session.Store
	Memory     Searcher
	Summarize  Summarizer
	HotWindow  int     // verbatim tail, default 5
	BudgetFrac float64 // compress when tokens exceed maxContextTokens*BudgetFrac, default 0.7
	SnippetK   int      // memory snippets injected per user turn, default 5
	NoiseSigma float64  // retrieval noise passed through to memory.Store.Search

	recall recallCache
}

const (
	defaultHotWindow  = 5
	defaultBudgetFrac = 0.7
	defaultSnippetK   = 5
	toolOutputLimit   = 2000 // tokens; above this a tool message is truncated
)

// New builds a Context Builder with spec defaults for any zero-valued field.
func New(sessions *session.Store, mem Searcher, summarize Summarizer) *Builder {
	return &Builder{
		Sessions:   sessions,
		Memory:     mem,
		Summarize:  summarize,
		HotWindow:  defaultHotWindow,
		BudgetFrac: defaultBudgetFrac,
		SnippetK:   defaultSnippetK,
	}
}

// Build implements router.ContextBuilder.
func (b *Builder) Build(ctx context.Context, sessionID string, model string, maxTokens int) ([]llm.Message, error) {
	hot := b.hotWindow()
	transcript, err := b.Sessions.GetSessionMessagesPaginated(ctx, nil, sessionID, 0, "")
	if err != nil {
		return nil, fmt.Errorf("context: load transcript: %w", err)
	}

	msgs := toLLMMessages(transcript)
	msgs = b.injectMemorySnippets(ctx, sessionID, msgs)
	msgs = b.truncateToolOutputs(msgs)

	budget := maxTokens
	if budget <= 0 {
		budget = 128_000
	}
	threshold := int(float64(budget) * b.budgetFrac())
	if llm.EstimateTokensForMessages(msgs) <= threshold || len(msgs) <= hot {
		return msgs, nil
	}

	return b.compress(ctx, msgs, hot)
}

func (b *Builder) hotWindow() int {
	if b.HotWindow > 0 {
		return b.HotWindow
	}
	return defaultHotWindow
}

func (b *Builder) budgetFrac() float64 {
	if b.BudgetFrac > 0 {
		return b.BudgetFrac
	}
	return defaultBudgetFrac
}

func (b *Builder) snippetK() int {
	if b.SnippetK > 0 {
		return b.SnippetK
	}
	return defaultSnippetK
}

func toLLMMessages(chat []persistence.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(chat))
	for _, m := range chat {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// compress pulls the cut index backward so a kept tool message is never
// separated from the assistant message holding its ToolCalls, adopting the
// teacher's adjustCutIndexForToolDeps mechanic verbatim (engine.go).
func (b *Builder) compress(ctx context.Context, msgs []llm.Message, hot int) ([]llm.Message, error) {
	start := 0
	var sys *llm.Message
	if len(msgs) > 0 && msgs[0].Role == "system" {
		sys = &msgs[0]
		start = 1
	}

	cut := len(msgs) - hot
	if cut < start {
		cut = start
	}
	cut = adjustCutIndexForToolDeps(msgs, start, cut)
	if cut <= start {
		return msgs, nil
	}

	toCompress := msgs[start:cut]
	recent := msgs[cut:]

	var summaryText string
	if b.Summarize != nil {
		s, err := b.Summarize(ctx, toCompress)
		if err != nil {
			return nil, fmt.Errorf("context: compress: %w", err)
		}
		summaryText = s
	} else {
		summaryText = fallbackSummary(toCompress)
	}

	out := make([]llm.Message, 0, 2+len(recent))
	if sys != nil {
		out = append(out, *sys)
	}
	out = append(out, llm.Message{Role: "system", Content: "[earlier conversation summary] " + summaryText})
	out = append(out, recent...)
	return out, nil
}

func fallbackSummary(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, truncateRunes(m.Content, 200))
	}
	return truncateRunes(b.String(), 2000)
}

func adjustCutIndexForToolDeps(msgs []llm.Message, start, cutIndex int) int {
	if cutIndex <= start || cutIndex >= len(msgs) {
		return cutIndex
	}
	required := make(map[string]struct{})
	for i := cutIndex; i < len(msgs); i++ {
		if msgs[i].Role == "tool" && strings.TrimSpace(msgs[i].ToolID) != "" {
			required[msgs[i].ToolID] = struct{}{}
		}
	}
	if len(required) == 0 {
		return cutIndex
	}
	earliest := cutIndex
	for toolID := range required {
		for i := cutIndex - 1; i >= start; i-- {
			if msgs[i].Role != "assistant" {
				continue
			}
			for _, tc := range msgs[i].ToolCalls {
				if tc.ID == toolID && i < earliest {
					earliest = i
				}
			}
		}
	}
	return earliest
}

// injectMemorySnippets prepends a bulleted, category-tagged, prominence-
// ordered system block of memory hits before the latest user message
// (spec.md §4.7).
func (b *Builder) injectMemorySnippets(ctx context.Context, sessionID string, msgs []llm.Message) []llm.Message {
	if b.Memory == nil {
		return msgs
	}
	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return msgs
	}
	query := msgs[lastUser].Content
	hits, err := b.Memory.Search(ctx, query, sessionID, b.snippetK(), 0)
	if err != nil || len(hits) == 0 {
		return msgs
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Memory.Prominence > hits[j].Memory.Prominence })

	var sb strings.Builder
	sb.WriteString("Relevant memory:\n")
	for _, h := range hits {
		fmt.Fprintf(&sb, "- [%s] %s\n", h.Memory.Category, h.Memory.Content)
	}

	block := llm.Message{Role: "system", Content: sb.String()}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, msgs[:lastUser]...)
	out = append(out, block)
	out = append(out, msgs[lastUser:]...)
	return out
}

// truncateToolOutputs replaces any tool message whose content exceeds
// toolOutputLimit tokens with a head/tail digest, stashing the full text in
// the recall cache keyed by its hash so a later recall(hash) tool call can
// fetch it back (spec.md §4.7).
func (b *Builder) truncateToolOutputs(msgs []llm.Message) []llm.Message {
	for i := range msgs {
		if msgs[i].Role != "tool" {
			continue
		}
		if llm.EstimateTokens(msgs[i].Content) <= toolOutputLimit {
			continue
		}
		hash := b.recall.store(msgs[i].Content)
		msgs[i].Content = digestToolOutput(msgs[i].Content, hash)
	}
	return msgs
}

func digestToolOutput(content, hash string) string {
	lines := strings.Split(content, "\n")
	head := lines
	if len(lines) > 50 {
		head = lines[:50]
	}
	var tail []string
	if len(lines) > 20 {
		tail = lines[len(lines)-20:]
	}
	var b strings.Builder
	b.WriteString(strings.Join(head, "\n"))
	fmt.Fprintf(&b, "\n…truncated, use recall(%s) for the full output…\n", hash)
	b.WriteString(strings.Join(tail, "\n"))
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// Recall returns the full text previously truncated under the given hash, for
// the recall(hash) tool. false is returned once the entry has aged out.
func (b *Builder) Recall(hash string) (string, bool) {
	return b.recall.load(hash)
}

// recallCache is an in-memory, process-lifetime store of full tool outputs
// keyed by content hash, per spec.md §4.7's "full text kept in an in-memory
// recall cache".
type recallCache struct {
	mu      sync.Mutex
	entries map[string]recallEntry
}

type recallEntry struct {
	text      string
	createdAt time.Time
}

const recallTTL = 2 * time.Hour

func (c *recallCache) store(text string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]recallEntry{}
	}
	h := contentHash(text)
	c.entries[h] = recallEntry{text: text, createdAt: time.Now()}
	return h
}

func (c *recallCache) load(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return "", false
	}
	if time.Since(e.createdAt) > recallTTL {
		delete(c.entries, hash)
		return "", false
	}
	return e.text, true
}
