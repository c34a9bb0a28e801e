// Package usage implements the Usage Ledger: an append-only record of
// per-request token/cost accounting that exposes budget status to the
// Router / Budget Gate.
package usage

import (
	"context"
	"sync"
	"time"

	"hearth/internal/config"
)

// Record is a single completion's accounting entry (spec.md §3 Usage record).
type Record struct {
	Timestamp    time.Time
	SessionID    string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Tier         string
}

// ModelPrice is a per-model pricing entry, dollars per million tokens.
type ModelPrice struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// BudgetStatus summarizes spend against configured caps.
type BudgetStatus struct {
	DailySpend       float64
	MonthlySpend     float64
	DailyBudget      *float64
	MonthlyBudget    *float64
	DailyRemaining   *float64
	MonthlyRemaining *float64
	IsDailyWarning   bool
	IsDailyExceeded  bool
	IsMonthlyWarning bool
	IsMonthlyExceeded bool
}

// Ledger is the Usage Ledger contract: record completions, ask for budget
// status, and replay history since a timestamp. Implementations must persist
// durably enough that a restart reconstructs today's and this month's totals
// (spec.md §4.1).
type Ledger interface {
	Record(ctx context.Context, r Record) error
	BudgetStatus(ctx context.Context) (BudgetStatus, error)
	History(ctx context.Context, sinceTs time.Time) ([]Record, error)
}

// PriceTable resolves a model name to its per-token pricing. Unknown models
// are zero-cost, per spec.md §4.1 ("an unknown model is zero-cost and logged
// as such").
type PriceTable map[string]ModelPrice

// Cost computes the dollar cost of a completion from the price table.
func (p PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000*price.InputPerMTok +
		float64(outputTokens)/1_000_000*price.OutputPerMTok
}

// DefaultPriceTable seeds prices for the models the default router tiers
// reference (internal/config defaults); callers may replace it with values
// from the deployment's provider contracts.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"openai/gpt-4o-mini":          {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"anthropic/claude-haiku-4-5":  {InputPerMTok: 1.00, OutputPerMTok: 5.00},
		"anthropic/claude-sonnet-4-5": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		"google/gemini-2.5-pro":       {InputPerMTok: 1.25, OutputPerMTok: 10.00},
	}
}

// memLedger is an in-process implementation that keeps every record in a
// slice and sums the day/month totals on each BudgetStatus call; it satisfies
// Ledger for the "memory" persistence backend.
type memLedger struct {
	mu      sync.Mutex
	prices  PriceTable
	budget  config.BudgetConfig
	clock   func() time.Time
	records []Record
}

// NewMemoryLedger returns a process-local Ledger. Restart does not preserve
// history; pair with a durable Ledger (see postgres.go) in production.
func NewMemoryLedger(prices PriceTable, budget config.BudgetConfig) Ledger {
	return &memLedger{prices: prices, budget: budget, clock: time.Now}
}

func (l *memLedger) Record(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = l.clock().UTC()
	}
	if r.Cost == 0 {
		r.Cost = l.prices.Cost(r.Model, r.InputTokens, r.OutputTokens)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	return nil
}

func (l *memLedger) BudgetStatus(ctx context.Context) (BudgetStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock().UTC()
	var daily, monthly float64
	for _, r := range l.records {
		if sameDay(r.Timestamp, now) {
			daily += r.Cost
		}
		if sameMonth(r.Timestamp, now) {
			monthly += r.Cost
		}
	}
	return computeStatus(daily, monthly, l.budget), nil
}

func (l *memLedger) History(ctx context.Context, sinceTs time.Time) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if !r.Timestamp.Before(sinceTs) {
			out = append(out, r)
		}
	}
	return out, nil
}

func computeStatus(daily, monthly float64, cfg config.BudgetConfig) BudgetStatus {
	warn := cfg.WarningPct
	if warn <= 0 {
		warn = 0.75
	}
	st := BudgetStatus{DailySpend: daily, MonthlySpend: monthly}
	if cfg.DailyLimit > 0 {
		limit := cfg.DailyLimit
		st.DailyBudget = &limit
		remaining := limit - daily
		st.DailyRemaining = &remaining
		st.IsDailyWarning = daily >= limit*warn
		st.IsDailyExceeded = daily >= limit
	}
	if cfg.MonthlyLimit > 0 {
		limit := cfg.MonthlyLimit
		st.MonthlyBudget = &limit
		remaining := limit - monthly
		st.MonthlyRemaining = &remaining
		st.IsMonthlyWarning = monthly >= limit*warn
		st.IsMonthlyExceeded = monthly >= limit
	}
	return st
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}
