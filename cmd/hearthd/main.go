// Command hearthd runs the Hearth core process: the Agent Loop, the Router,
// the Gardener's tick loops, and the Scheduled-Item Queue's due-item poller,
// wired together from CoreContext.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hearth/internal/agent"
	"hearth/internal/agent/prompts"
	"hearth/internal/config"
	hearthcontext "hearth/internal/context"
	"hearth/internal/core"
	"hearth/internal/embedding"
	"hearth/internal/gardener"
	"hearth/internal/goals"
	"hearth/internal/llm/providerpool"
	"hearth/internal/memory"
	"hearth/internal/observability"
	"hearth/internal/persistence/databases"
	"hearth/internal/proactive"
	"hearth/internal/profile"
	"hearth/internal/router"
	"hearth/internal/schedule"
	"hearth/internal/session"
	"hearth/internal/tools"
	"hearth/internal/tools/fs"
	"hearth/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	observability.InitLogger(os.Getenv("HEARTH_LOG_FILE"), cfg.LogLevel)
	logger := log.Logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Obs.Enabled {
		shutdownOTel, err := observability.InitOTel(ctx, cfg.Obs)
		if err != nil {
			logger.Warn().Err(err).Msg("otel init failed, continuing without it")
		} else {
			defer func() { _ = shutdownOTel(ctx) }()
		}
	}

	coreCtx, queue, dispatcher, gdn, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("hearthd: startup failed")
	}

	go gdn.Run(ctx)
	go runSchedulePoller(ctx, cfg.Schedule, queue, dispatcher, logger)

	coreCtx.Logger.Info().Str("workspace", coreCtx.Config.Agent.Workspace).Msg("hearthd: running")
	<-ctx.Done()
	coreCtx.Logger.Info().Msg("hearthd: shutting down")
}

// build constructs CoreContext and every component that rides on it, per
// spec.md §9's CoreContext design note: every long-lived dependency threaded
// explicitly through constructors instead of reached for via a package-level
// global.
func build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (core.Context, schedule.Queue, schedule.Dispatcher, *gardener.Gardener, error) {
	mgr, err := databases.NewManager(ctx, cfg.DB)
	if err != nil {
		return core.Context{}, nil, nil, nil, err
	}

	embed := func(ctx context.Context, texts []string) ([][]float32, error) {
		return embedding.EmbedText(ctx, cfg.Embedding, texts)
	}
	memStore := memory.New(mgr.Graph, mgr.Vector, mgr.Search, embed)
	memStore.DedupeThreshold = cfg.Memory.DedupeThreshold
	memStore.ArchivalThreshold = cfg.Memory.ArchivalUtilityThreshold
	memStore.ArchivalMinAgeDays = cfg.Memory.ArchivalMinAgeDays
	if cfg.Memory.DecayHalfLifeDays > 0 {
		for t := range memStore.DecayHalfLifeDays {
			memStore.DecayHalfLifeDays[t] = cfg.Memory.DecayHalfLifeDays
		}
	}

	sessions := session.New(mgr.Chat)
	pool := providerpool.New(cfg, observability.NewHTTPClient(nil))

	var ledger usage.Ledger
	if cfg.Budget.Backend == "postgres" || cfg.Budget.Backend == "pg" {
		dsn := cfg.Budget.DSN
		if dsn == "" {
			dsn = cfg.DB.DefaultDSN
		}
		ledgerPool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return core.Context{}, nil, nil, nil, err
		}
		ledger = usage.NewPostgresLedger(ledgerPool, usage.DefaultPriceTable(), cfg.Budget)
	} else {
		ledger = usage.NewMemoryLedger(usage.DefaultPriceTable(), cfg.Budget)
	}

	builder := hearthcontext.New(sessions, memStore, nil)
	builder.HotWindow = cfg.Memory.HotWindowSize

	r := router.New(cfg.Router, cfg.Memory.MaxContextTokens, pool, ledger, usage.DefaultPriceTable(), builder)

	reg := tools.NewRegistry()
	reg.Register(fs.NewReadTool(cfg.Agent.Workspace))
	reg.Register(fs.NewWriteTool(cfg.Agent.Workspace))
	reg.Register(fs.NewApplyPatchTool(cfg.Agent.Workspace))

	eng := agent.New(r, sessions, reg, ledger, usage.DefaultPriceTable(), systemPrompt(cfg))

	var pgPool *pgxpool.Pool
	if cfg.Schedule.Backend == "postgres" || cfg.Schedule.Backend == "pg" {
		pgPool, err = pgxpool.New(ctx, cfg.Schedule.DSN)
		if err != nil {
			return core.Context{}, nil, nil, nil, err
		}
	}
	queue, err := schedule.New(ctx, cfg.Schedule, pgPool)
	if err != nil {
		return core.Context{}, nil, nil, nil, err
	}
	dispatcher, err := schedule.NewDispatcher(cfg.Schedule, func(ctx context.Context, item schedule.Item) error {
		if item.SessionID == "" {
			return nil
		}
		eng.Interrupt(item.SessionID, item.Payload)
		return nil
	})
	if err != nil {
		return core.Context{}, nil, nil, nil, err
	}

	profiles := profile.New(mgr.Graph)
	goalStore := goals.New(mgr.Graph)
	proactiveEval := &proactive.Evaluator{
		Sessions: sessions,
		Goals:    goalStore,
		Profiles: profiles,
		Queue:    queue,
		Pool:     pool,
		Cfg:      cfg.Proactive,
	}

	gdn := &gardener.Gardener{
		Clock:     core.SystemClock{},
		Memory:    memStore,
		Sessions:  sessions,
		Profiles:  profiles,
		Goals:     goalStore,
		Queue:     queue,
		Ledger:    ledger,
		Proactive: proactiveEval,
		Engine:    eng,
		Pool:      pool,
		Cfg:       cfg.Gardener,
	}

	coreCtx := core.Context{
		Config:    cfg,
		Providers: pool,
		Memory:    memStore,
		Sessions:  sessions,
		Usage:     ledger,
		Logger:    log.Logger,
		Clock:     core.SystemClock{},
	}
	return coreCtx, queue, dispatcher, gdn, nil
}

func systemPrompt(cfg config.Config) string {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt
	}
	return prompts.DefaultSystemPrompt(cfg.Agent.Workspace)
}

// runSchedulePoller drains due scheduled items on a fixed cadence and hands
// each to the Dispatcher, marking it fired only once dispatch succeeds so a
// crash mid-delivery leaves the item pending for the next poll.
func runSchedulePoller(ctx context.Context, cfg config.ScheduleConfig, queue schedule.Queue, dispatcher schedule.Dispatcher, logger zerolog.Logger) {
	interval := time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := queue.DueItems(ctx, time.Now().UTC(), 50)
			if err != nil {
				logger.Warn().Err(err).Msg("schedule: due items poll failed")
				continue
			}
			for _, item := range due {
				if err := dispatcher.Dispatch(ctx, item); err != nil {
					logger.Warn().Err(err).Str("item_id", item.ID).Msg("schedule: dispatch failed")
					continue
				}
				if ok, err := queue.MarkFired(ctx, item.ID, time.Now().UTC()); err != nil || !ok {
					logger.Warn().Err(err).Str("item_id", item.ID).Msg("schedule: mark fired failed")
				}
			}
		}
	}
}
