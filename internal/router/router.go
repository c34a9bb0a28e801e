// Package router implements the Router / Budget Gate: it classifies an
// inbound message's complexity, picks the cheapest capable model for that
// tier among healthy providers, downshifts when the budget is exceeded, and
// hands back a context-fitted prompt.
package router

import (
	"context"
	"errors"
	"fmt"

	"hearth/internal/config"
	"hearth/internal/llm"
	"hearth/internal/llm/providerpool"
	"hearth/internal/usage"
	"hearth/internal/util"
)

// ErrBudgetExceeded is returned when even the lowest tier is over budget.
var ErrBudgetExceeded = errors.New("router: budget exceeded at lowest tier")

// ErrNoHealthyProvider is returned when every candidate for a tier is down.
var ErrNoHealthyProvider = errors.New("router: no healthy provider for tier")

// ContextBuilder fits a session's history and memory snippets into the
// chosen model's context budget. Implemented by internal/context; kept as an
// interface here so the router has no import-cycle on it.
type ContextBuilder interface {
	Build(ctx context.Context, sessionID string, model string, maxTokens int) ([]llm.Message, error)
}

// Decision is the router's output for a single inbound message.
type Decision struct {
	Tier          Tier
	Provider      string
	Model         string
	EstimatedCost float64
	BudgetWarning bool
	Messages      []llm.Message
}

// Router is pure given its dependencies: the same (input, session) at the
// same budget state always yields the same Decision (spec.md §4.4).
type Router struct {
	Tiers          map[Tier][]string
	MaxContextTok  int
	Pool           *providerpool.Pool
	Ledger         usage.Ledger
	Prices         usage.PriceTable
	ContextBuilder ContextBuilder
}

// New builds a Router from the memory/router config sections plus its wired
// dependencies. ContextBuilder may be nil; Route then skips step 6 and
// leaves Decision.Messages empty.
func New(routerCfg config.RouterConfig, maxContextTok int, pool *providerpool.Pool, ledger usage.Ledger, prices usage.PriceTable, cb ContextBuilder) *Router {
	tiers := map[Tier][]string{
		TierTrivial:  routerCfg.Tiers["trivial"].Models,
		TierSimple:   routerCfg.Tiers["simple"].Models,
		TierModerate: routerCfg.Tiers["moderate"].Models,
		TierComplex:  routerCfg.Tiers["complex"].Models,
	}
	return &Router{Tiers: tiers, MaxContextTok: maxContextTok, Pool: pool, Ledger: ledger, Prices: prices, ContextBuilder: cb}
}

// Route implements the route() algorithm of spec.md §4.4.
func (r *Router) Route(ctx context.Context, sessionID, input string, recentHistory []string) (Decision, error) {
	tier := Classify(input, recentHistory)
	tokenCount := util.CountTokens(input)

	for {
		provider, model, ok := r.pickHealthyCandidate(tier)
		if !ok {
			if next, down := Downshift(tier); down {
				tier = next
				continue
			}
			return Decision{}, ErrNoHealthyProvider
		}

		estimatedCost := r.Prices.Cost(fmt.Sprintf("%s/%s", provider, model), tokenCount, tokenCount/2)

		status, err := r.Ledger.BudgetStatus(ctx)
		if err != nil {
			return Decision{}, fmt.Errorf("router: budget status: %w", err)
		}

		if status.IsDailyExceeded || status.IsMonthlyExceeded {
			if next, down := Downshift(tier); down {
				tier = next
				continue
			}
			return Decision{}, ErrBudgetExceeded
		}

		decision := Decision{
			Tier:          tier,
			Provider:      provider,
			Model:         model,
			EstimatedCost: estimatedCost,
			BudgetWarning: status.IsDailyWarning || status.IsMonthlyWarning,
		}

		if r.ContextBuilder != nil {
			msgs, err := r.ContextBuilder.Build(ctx, sessionID, model, r.MaxContextTok)
			if err != nil {
				return Decision{}, fmt.Errorf("router: context build: %w", err)
			}
			decision.Messages = msgs
		}
		return decision, nil
	}
}

// pickHealthyCandidate returns the first candidate for tier whose provider
// isn't down, implementing "cheapest capable first" (tier lists are
// configured cheapest-to-most-capable).
func (r *Router) pickHealthyCandidate(tier Tier) (provider, model string, ok bool) {
	for _, candidate := range r.Tiers[tier] {
		p, m := providerpool.SplitModel(candidate)
		if p == "" {
			continue
		}
		if r.Pool == nil || r.Pool.Available(p) {
			return p, m, true
		}
	}
	return "", "", false
}
