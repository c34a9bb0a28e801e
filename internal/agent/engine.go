// Package agent implements the Agent Loop (spec.md §4.8): the per-session
// state machine that routes an inbound message, builds its context, calls
// the model, and executes any requested tools until the model ends its turn.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hearth/internal/core"
	"hearth/internal/llm"
	"hearth/internal/persistence"
	"hearth/internal/router"
	"hearth/internal/session"
	"hearth/internal/tools"
	"hearth/internal/usage"
)

const (
	defaultMaxIterations = 20
	defaultToolTimeout   = 120 * time.Second
)

// Attachment is a user-supplied file or image accompanying a message.
// Engine folds it into the user turn's text; binary content is the channel
// adapter's concern (out of CORE's scope per spec.md §1).
type Attachment struct {
	Name    string
	Content string
}

// Result is processMessage's return value (spec.md §4.8).
type Result struct {
	Response       string
	InputTokens    int
	OutputTokens   int
	Cost           float64
	IterationsUsed int
}

// Engine drives the Agent Loop for every session. Its only per-session state
// is the interrupt queues and the active-loop markers; a single Engine serves every session
// (spec.md §5: "per-session loops are serialized, cross-session loops run in
// parallel" — serialization here comes from the Session Store being
// single-writer-per-session, not from locking in Engine itself).
type Engine struct {
	Router   *router.Router
	Sessions *session.Store
	Tools    tools.Registry
	Ledger   usage.Ledger
	Prices   usage.PriceTable
	System   string

	MaxIterations int
	ToolTimeout   time.Duration

	// Delegator, when set, routes a tool_use call named agent_call/ask_agent
	// to a sub-invocation of processMessage instead of the tool registry
	// (spec supplemented feature: agent-to-agent delegation as an engine
	// capability, not a tool).
	Delegator   Delegator
	AgentTracer AgentTracer
	AgentDepth  int

	interrupts  *interruptQueues
	toolCallSeq uint64
	active      sync.Map // sessionID -> time.Time (loop start)
}

// ActiveSession reports one in-flight processMessage call, for the
// Gardener's light-tick stuck-session sweep (spec.md §5: "per-session agent
// loops are serialized — one active loop per session at a time").
type ActiveSession struct {
	SessionID string
	StartedAt time.Time
}

// ActiveSessions lists every session with a processMessage call currently
// in flight.
func (e *Engine) ActiveSessions() []ActiveSession {
	var out []ActiveSession
	e.active.Range(func(k, v any) bool {
		out = append(out, ActiveSession{SessionID: k.(string), StartedAt: v.(time.Time)})
		return true
	})
	return out
}

// StuckSessions returns the session IDs whose loop has been running longer
// than maxAge.
func (e *Engine) StuckSessions(maxAge time.Duration) []string {
	now := time.Now()
	var stuck []string
	for _, s := range e.ActiveSessions() {
		if now.Sub(s.StartedAt) > maxAge {
			stuck = append(stuck, s.SessionID)
		}
	}
	return stuck
}

// ReleaseSession clears the active-loop marker for sessionID without
// touching the session's persisted state — used by the Gardener to stop
// tracking a loop it has judged stuck, so ActiveSessions and StuckSessions
// stop reporting it. It does not cancel any goroutine still running the
// original call.
func (e *Engine) ReleaseSession(sessionID string) {
	e.active.Delete(sessionID)
}

// New builds an Engine from its wired dependencies.
func New(r *router.Router, sessions *session.Store, reg tools.Registry, ledger usage.Ledger, prices usage.PriceTable, system string) *Engine {
	return &Engine{
		Router:     r,
		Sessions:   sessions,
		Tools:      reg,
		Ledger:     ledger,
		Prices:     prices,
		System:     system,
		interrupts: newInterruptQueues(),
	}
}

func (e *Engine) maxIterations() int {
	if e.MaxIterations > 0 {
		return e.MaxIterations
	}
	return defaultMaxIterations
}

func (e *Engine) toolTimeout() time.Duration {
	if e.ToolTimeout > 0 {
		return e.ToolTimeout
	}
	return defaultToolTimeout
}

// Interrupt enqueues text as an interrupting message for an in-flight
// processMessage call on sessionID. It is safe to call from any goroutine —
// a channel adapter receiving a new user message while the loop is mid-turn
// (spec.md §4.8's Interrupt Queue).
func (e *Engine) Interrupt(sessionID, text string) {
	e.interrupts.get(sessionID).Enqueue(text)
}

// ProcessMessage implements processMessage(sessionId, text, attachments?,
// onProgress?, shouldStop?) → {response, tokenUsage, iterationsUsed}
// (spec.md §4.8): ENTER → ROUTE → BUILD_CONTEXT → CALL_LLM → branch, bounded
// at maxIterations() (fatal to this call, not the session).
func (e *Engine) ProcessMessage(
	ctx context.Context,
	sessionID, text string,
	attachments []Attachment,
	onProgress func(ProgressEvent),
	shouldStop func() bool,
) (Result, error) {
	if _, err := e.Sessions.GetSession(ctx, nil, sessionID); err != nil {
		return Result{}, fmt.Errorf("agent: %w", core.ErrSessionNotFound)
	}

	e.active.Store(sessionID, time.Now())
	defer e.active.Delete(sessionID)

	queue := e.interrupts.get(sessionID)

	if strings.TrimSpace(e.System) != "" {
		existing, err := e.Sessions.GetSessionMessagesPaginated(ctx, nil, sessionID, 1, "")
		if err != nil {
			return Result{}, fmt.Errorf("agent: load transcript: %w", err)
		}
		if len(existing) == 0 {
			if err := e.Sessions.AppendMessage(ctx, nil, sessionID, persistence.ChatMessage{Role: "system", Content: e.System}); err != nil {
				return Result{}, fmt.Errorf("agent: persist system message: %w", err)
			}
		}
	}

	userText := joinAttachments(text, attachments)
	if err := e.Sessions.AppendMessage(ctx, nil, sessionID, persistence.ChatMessage{Role: "user", Content: userText}); err != nil {
		return Result{}, fmt.Errorf("agent: persist user message: %w", err)
	}

	var result Result
	var recentHistory []string

	for iter := 0; iter < e.maxIterations(); iter++ {
		result.IterationsUsed = iter + 1

		if shouldStop != nil && shouldStop() {
			return result, fmt.Errorf("agent: %w", core.ErrCancelled)
		}

		// ROUTE (+ BUILD_CONTEXT, folded into Route's step 6 via ContextBuilder)
		emit(onProgress, ProgressEvent{Type: ProgressStatus, Message: "routing"})
		decision, err := e.Router.Route(ctx, sessionID, text, recentHistory)
		if err != nil {
			return result, fmt.Errorf("agent: route: %w", err)
		}
		if len(decision.Messages) == 0 {
			return result, fmt.Errorf("agent: %w", core.ErrContextOverflow)
		}
		msgs := decision.Messages

		// Drain any interrupts queued since the last iteration and fold them
		// into this turn, persisting them as ordinary user messages.
		for _, interrupted := range queue.Drain() {
			if err := e.Sessions.AppendMessage(ctx, nil, sessionID, persistence.ChatMessage{Role: "user", Content: interrupted}); err == nil {
				msgs = append(msgs, llm.Message{Role: "user", Content: interrupted})
			}
		}

		if shouldStop != nil && shouldStop() {
			return result, fmt.Errorf("agent: %w", core.ErrCancelled)
		}

		// CALL_LLM
		emit(onProgress, ProgressEvent{Type: ProgressThinking})
		schemas := e.Tools.Schemas()
		msg, err := e.Router.Pool.Chat(ctx, decision.Provider, msgs, schemas, decision.Model)
		if err != nil {
			return result, fmt.Errorf("agent: call llm: %w", err)
		}

		inTok := llm.EstimateTokensForMessages(msgs)
		outTok := llm.EstimateTokens(msg.Content)
		cost := e.Prices.Cost(decision.Provider+"/"+decision.Model, inTok, outTok)
		result.InputTokens += inTok
		result.OutputTokens += outTok
		result.Cost += cost
		if e.Ledger != nil {
			_ = e.Ledger.Record(ctx, usage.Record{
				Timestamp: time.Now(), SessionID: sessionID, Model: decision.Model,
				InputTokens: inTok, OutputTokens: outTok, Cost: cost, Tier: string(decision.Tier),
			})
		}

		msg.ToolCalls = e.ensureToolCallIDs(msgs, msg.ToolCalls)
		_ = e.Sessions.AppendMessage(ctx, nil, sessionID, persistence.ChatMessage{Role: "assistant", Content: msg.Content})

		// branch: end_turn
		if len(msg.ToolCalls) == 0 {
			result.Response = msg.Content
			return result, nil
		}

		// branch: tool_use
		emit(onProgress, ProgressEvent{Type: ProgressPlanning, Message: fmt.Sprintf("%d tool call(s)", len(msg.ToolCalls))})
		e.dispatchTools(ctx, sessionID, msg.ToolCalls, onProgress)
		recentHistory = append(recentHistory, msg.Content)
	}

	return result, fmt.Errorf("agent: %w", core.ErrMaxIterations)
}

func joinAttachments(text string, attachments []Attachment) string {
	if len(attachments) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, a := range attachments {
		fmt.Fprintf(&b, "\n\n[attachment: %s]\n%s", a.Name, a.Content)
	}
	return b.String()
}

// dispatchTools executes a batch of tool calls. Per spec.md §4.8, the batch
// runs in parallel only if every call's tool is registered as pure;
// otherwise calls run serially in declared order.
func (e *Engine) dispatchTools(ctx context.Context, sessionID string, calls []llm.ToolCall, onProgress func(ProgressEvent)) {
	if len(calls) == 0 {
		return
	}
	allPure := true
	for _, c := range calls {
		if !e.Tools.IsPure(c.Name) {
			allPure = false
			break
		}
	}

	if allPure {
		var wg sync.WaitGroup
		for _, c := range calls {
			wg.Add(1)
			go func(c llm.ToolCall) {
				defer wg.Done()
				e.runOneTool(ctx, sessionID, c, onProgress)
			}(c)
		}
		wg.Wait()
		return
	}

	for _, c := range calls {
		e.runOneTool(ctx, sessionID, c, onProgress)
	}
}

func (e *Engine) runOneTool(ctx context.Context, sessionID string, tc llm.ToolCall, onProgress func(ProgressEvent)) {
	emit(onProgress, ProgressEvent{Type: ProgressToolStart, Tool: tc.Name, Args: string(tc.Args), Depth: e.AgentDepth})

	if e.Delegator != nil && isAgentCall(tc.Name) {
		payload := e.runDelegatedAgent(ctx, tc)
		emit(onProgress, ProgressEvent{Type: ProgressToolComplete, Tool: tc.Name, Output: string(payload), Depth: e.AgentDepth})
		_ = e.Sessions.AppendMessage(ctx, nil, sessionID, persistence.ChatMessage{Role: "tool", Content: string(payload)})
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, e.toolTimeout())
	defer cancel()

	type dispatchResult struct {
		payload []byte
		err     error
	}
	done := make(chan dispatchResult, 1)
	go func() {
		payload, err := e.Tools.Dispatch(callCtx, tc.Name, tc.Args)
		done <- dispatchResult{payload, err}
	}()

	var payload []byte
	isError := false
	select {
	case res := <-done:
		payload = res.payload
		if res.err != nil {
			isError = true
			payload = []byte(fmt.Sprintf(`{"ok":false,"error":%q,"isError":true}`, res.err.Error()))
		}
	case <-callCtx.Done():
		isError = true
		payload = []byte(fmt.Sprintf(`{"ok":false,"error":"tool %q timed out after %s","isError":true,"exitCode":-1}`, tc.Name, e.toolTimeout()))
	}

	if isError {
		emit(onProgress, ProgressEvent{Type: ProgressToolError, Tool: tc.Name, Output: string(payload), Depth: e.AgentDepth})
	} else {
		emit(onProgress, ProgressEvent{Type: ProgressToolComplete, Tool: tc.Name, Output: string(payload), Depth: e.AgentDepth})
	}

	_ = e.Sessions.AppendMessage(ctx, nil, sessionID, persistence.ChatMessage{Role: "tool", Content: string(payload)})
}

// ensureToolCallIDs assigns a synthetic id to any tool call the provider
// returned without one, and disambiguates collisions against ids already
// used earlier in the conversation (teacher idiom, engine.go).
func (e *Engine) ensureToolCallIDs(msgs []llm.Message, toolCalls []llm.ToolCall) []llm.ToolCall {
	used := make(map[string]struct{}, len(toolCalls))
	for _, msg := range msgs {
		if msg.Role != "assistant" {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if id := strings.TrimSpace(tc.ID); id != "" {
				used[id] = struct{}{}
			}
		}
	}
	for i := range toolCalls {
		id := strings.TrimSpace(toolCalls[i].ID)
		if id == "" {
			id = e.nextToolCallID()
		}
		for {
			if _, ok := used[id]; !ok {
				break
			}
			id = e.nextToolCallID()
		}
		toolCalls[i].ID = id
		used[id] = struct{}{}
	}
	return toolCalls
}

func (e *Engine) nextToolCallID() string {
	seq := atomic.AddUint64(&e.toolCallSeq, 1)
	return fmt.Sprintf("agent-call-%d", seq)
}

func isAgentCall(name string) bool {
	return name == "agent_call" || name == "ask_agent"
}

// runDelegatedAgent executes an agent-to-agent handoff using the configured
// Delegator and wraps the output in the tool payload shape the caller's loop
// expects, so the parent turn can continue unchanged.
func (e *Engine) runDelegatedAgent(ctx context.Context, tc llm.ToolCall) []byte {
	var args struct {
		AgentName      string        `json:"agent_name"`
		To             string        `json:"to"`
		Prompt         string        `json:"prompt"`
		History        []llm.Message `json:"history"`
		EnableTools    *bool         `json:"enable_tools"`
		MaxSteps       int           `json:"max_steps"`
		TimeoutSeconds int           `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		return []byte(fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error()))
	}
	if strings.TrimSpace(args.AgentName) == "" && strings.TrimSpace(args.To) != "" {
		args.AgentName = strings.TrimSpace(args.To)
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return []byte(`{"ok":false,"error":"prompt is required"}`)
	}
	callID := tc.ID
	if strings.TrimSpace(callID) == "" {
		callID = fmt.Sprintf("agent-%d", time.Now().UnixNano())
	}
	req := DelegateRequest{
		AgentName:      strings.TrimSpace(args.AgentName),
		Prompt:         args.Prompt,
		History:        args.History,
		EnableTools:    args.EnableTools,
		MaxSteps:       args.MaxSteps,
		TimeoutSeconds: args.TimeoutSeconds,
		CallID:         callID,
		ParentCallID:   tc.ID,
		Depth:          e.AgentDepth + 1,
	}
	out, err := e.Delegator.Run(ctx, req, e.AgentTracer)
	if err != nil {
		return []byte(fmt.Sprintf(`{"ok":false,"agent":%q,"error":%q}`, req.AgentName, err.Error()))
	}
	payload := map[string]any{"ok": true, "agent": req.AgentName, "output": out}
	if b, err := json.Marshal(payload); err == nil {
		return b
	}
	return []byte(out)
}
