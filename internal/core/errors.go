// Package core wires the CORE components into a single CoreContext and
// defines the sentinel error taxonomy every component's errors ultimately
// wrap, so callers can errors.Is instead of string-matching.
package core

import (
	"context"
	"errors"

	"hearth/internal/persistence"
	"hearth/internal/router"
)

// Sentinel errors. Where a component package already defines the sentinel
// (Router/Budget Gate, Session Store) it's re-exported here rather than
// duplicated, so errors.Is works whichever package a caller imports.
var (
	ErrBudgetExceeded      = router.ErrBudgetExceeded
	ErrProviderUnavailable = router.ErrNoHealthyProvider
	ErrProviderTransient   = errors.New("core: transient provider error")
	ErrToolFailure         = errors.New("core: tool call failed")
	ErrToolTimeout         = errors.New("core: tool call timed out")
	ErrMaxIterations       = errors.New("core: exceeded max loop iterations")
	ErrContextOverflow     = errors.New("core: context would not fit even after compression")
	ErrMemoryFusionFailure = errors.New("core: memory fusion pass failed")
	ErrRerankFailure       = errors.New("core: memory rerank failed")
	ErrRelationInferFailure = errors.New("core: memory relation inference failed")
	ErrSessionNotFound     = persistence.ErrNotFound
	ErrCancelled           = context.Canceled
)
