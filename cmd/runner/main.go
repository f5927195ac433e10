// Package main is the entrypoint for the one-shot fleet runner. It sweeps
// every active account through the agent pipeline once and exits, which is
// how scheduled (cron) runs invoke the system without going through the API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nikhilpatil/agentflow/internal/agent"
	"github.com/nikhilpatil/agentflow/internal/batch"
	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/internal/credentials"
	"github.com/nikhilpatil/agentflow/internal/metrics"
	"github.com/nikhilpatil/agentflow/internal/pipeline"
	"github.com/nikhilpatil/agentflow/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	mode := flag.String("mode", "fleet", "sweep mode: fleet (continue past failures) or strict (abort on first failure)")
	force := flag.Bool("force", false, "bypass the duplicate-run guard")
	refDate := flag.String("date", "", "reference date override (YYYY-MM-DD), defaults to now")
	flag.Parse()

	if err := run(*mode, *force, *refDate); err != nil {
		slog.Error("fleet run failed", "error", err)
		os.Exit(1)
	}
}

func run(mode string, force bool, refDate string) error {
	if mode != "fleet" && mode != "strict" {
		return fmt.Errorf("unknown mode %q", mode)
	}

	opts := pipeline.RunOptions{Force: force}
	if refDate != "" {
		ref, err := time.Parse("2006-01-02", refDate)
		if err != nil {
			return fmt.Errorf("parse date: %w", err)
		}
		opts.ReferenceDate = ref
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	pgStore := store.NewPostgresStore(pool)

	invoker := agent.NewHTTPInvoker(agent.Endpoints{
		agent.TypeDaily:        cfg.Agents.DailyEndpoint,
		agent.TypeSummary:      cfg.Agents.SummaryEndpoint,
		agent.TypeOpportunity:  cfg.Agents.OpportunityEndpoint,
		agent.TypeCROOptimizer: cfg.Agents.CROOptimizerEndpoint,
		agent.TypeRanking:      cfg.Agents.RankingEndpoint,
	}, cfg.Agents.DailyTimeout, cfg.Agents.MonthlyTimeout)

	creds := credentials.NewOAuthProvider(pgStore, cfg.OAuth)
	source := metrics.NewMultiSource(
		metrics.NewAnalyticsProvider(cfg.Metrics),
		metrics.NewSearchProvider(cfg.Metrics),
		metrics.NewBusinessProvider(cfg.Metrics),
	)

	orchestrator := pipeline.NewOrchestrator(pgStore, invoker, creds, source, cfg.Pipeline)
	fleet := batch.NewFleetCoordinator(pgStore, orchestrator, cfg.Pipeline)

	var report *batch.FleetReport
	if mode == "strict" {
		report, err = fleet.RunStrict(ctx, opts)
	} else {
		report, err = fleet.Run(ctx, opts)
	}
	if report != nil {
		succeeded, skipped, failed := report.Counts()
		slog.Info("fleet sweep finished",
			"mode", mode,
			"accounts", len(report.Results),
			"succeeded", succeeded,
			"skipped", skipped,
			"failed", failed,
			"duration", report.FinishedAt.Sub(report.StartedAt).String(),
		)
	}
	return err
}
