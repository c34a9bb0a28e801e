// Package providerpool wraps the teacher's per-backend provider factory with
// a health + cooldown state machine (spec.md §4.2): callers ask for a named
// provider, failures push it toward a "down" state with exponentially
// growing cooldown, and the router skips down providers until they recover.
package providerpool

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"hearth/internal/config"
	"hearth/internal/llm"
	"hearth/internal/llm/anthropic"
	"hearth/internal/llm/google"
	openaillm "hearth/internal/llm/openai"
)

// State is a provider's health classification.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

const (
	cooldownBase = 3 * time.Second
	cooldownCap  = 5 * time.Minute
	// failuresBeforeDown is the consecutive-failure count that moves a
	// provider from degraded to down.
	failuresBeforeDown = 3
)

// Health is a provider's current health snapshot.
type Health struct {
	State               State
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// Pool holds named llm.Provider backends and their health state. One mutex
// guards both maps; it is held for lookups and health updates only, never
// across a provider call.
type Pool struct {
	mu        sync.Mutex
	providers map[string]llm.Provider
	health    map[string]Health
	clock     func() time.Time
}

// New builds a Pool from config, constructing one backend per provider name
// referenced by the LLM client config. Unknown provider names surface when
// Chat or ChatStream is called rather than here, since the router may reference models for
// providers a given deployment hasn't configured.
func New(cfg config.Config, httpClient *http.Client) *Pool {
	p := &Pool{
		providers: map[string]llm.Provider{},
		health:    map[string]Health{},
		clock:     time.Now,
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.LLMClient.OpenAI.APIKey != "" || cfg.LLMClient.Provider == "openai" {
		p.providers["openai"] = openaillm.New(cfg.LLMClient.OpenAI, httpClient)
	}
	if cfg.LLMClient.Anthropic.APIKey != "" || cfg.LLMClient.Provider == "anthropic" {
		p.providers["anthropic"] = anthropic.New(cfg.LLMClient.Anthropic, httpClient)
	}
	if cfg.LLMClient.Google.APIKey != "" || cfg.LLMClient.Provider == "google" {
		if gp, err := google.New(cfg.LLMClient.Google, httpClient); err == nil {
			p.providers["google"] = gp
		}
	}
	for name := range p.providers {
		p.health[name] = Health{State: StateHealthy}
	}
	return p
}

// Register wires a provider in directly, useful for tests with fakes.
func (p *Pool) Register(name string, provider llm.Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers[name] = provider
	p.health[name] = Health{State: StateHealthy}
}

// SplitModel parses a "provider/model" candidate string from router tier
// config into its provider name and model id.
func SplitModel(candidate string) (provider, model string) {
	if i := strings.IndexByte(candidate, '/'); i >= 0 {
		return candidate[:i], candidate[i+1:]
	}
	return "", candidate
}

// Health returns a provider's current health snapshot.
func (p *Pool) Health(name string) Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.health[name]
	if !ok {
		return Health{State: StateHealthy}
	}
	if h.State == StateDown && !h.CooldownUntil.IsZero() && p.clock().After(h.CooldownUntil) {
		return Health{State: StateDegraded, ConsecutiveFailures: h.ConsecutiveFailures}
	}
	return h
}

// Available reports whether a provider is eligible for selection right now
// (not "down" within its cooldown window).
func (p *Pool) Available(name string) bool {
	return p.Health(name).State != StateDown
}

func (p *Pool) recordSuccess(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health[name] = Health{State: StateHealthy}
}

func (p *Pool) recordFailure(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.health[name]
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= failuresBeforeDown {
		backoff := time.Duration(float64(cooldownBase) * math.Pow(2, float64(h.ConsecutiveFailures-failuresBeforeDown)))
		if backoff > cooldownCap {
			backoff = cooldownCap
		}
		h.State = StateDown
		h.CooldownUntil = p.clock().Add(backoff)
	} else {
		h.State = StateDegraded
	}
	p.health[name] = h
}

// Chat dispatches to the named provider, updating its health on the outcome.
func (p *Pool) Chat(ctx context.Context, providerName string, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	p.mu.Lock()
	provider, ok := p.providers[providerName]
	p.mu.Unlock()
	if !ok {
		return llm.Message{}, fmt.Errorf("providerpool: unknown provider %q", providerName)
	}
	msg, err := provider.Chat(ctx, msgs, tools, model)
	if err != nil {
		if isTransient(err) {
			p.recordFailure(providerName)
		}
		return llm.Message{}, err
	}
	p.recordSuccess(providerName)
	return msg, nil
}

// ChatStream dispatches a streaming call to the named provider, updating its
// health on the outcome the same way Chat does.
func (p *Pool) ChatStream(ctx context.Context, providerName string, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	p.mu.Lock()
	provider, ok := p.providers[providerName]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("providerpool: unknown provider %q", providerName)
	}
	err := provider.ChatStream(ctx, msgs, tools, model, h)
	if err != nil {
		if isTransient(err) {
			p.recordFailure(providerName)
		}
		return err
	}
	p.recordSuccess(providerName)
	return nil
}

// isTransient decides whether an error should count against a provider's
// health. Context cancellation is caller-side, not a backend fault.
func isTransient(err error) bool {
	return err != nil && err != context.Canceled && err != context.DeadlineExceeded
}
