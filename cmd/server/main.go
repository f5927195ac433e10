// Package main is the entrypoint for the AgentFlow API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilpatil/agentflow/internal/agent"
	"github.com/nikhilpatil/agentflow/internal/api"
	"github.com/nikhilpatil/agentflow/internal/api/handler"
	mw "github.com/nikhilpatil/agentflow/internal/api/middleware"
	"github.com/nikhilpatil/agentflow/internal/api/response"
	"github.com/nikhilpatil/agentflow/internal/batch"
	"github.com/nikhilpatil/agentflow/internal/cache"
	"github.com/nikhilpatil/agentflow/internal/config"
	"github.com/nikhilpatil/agentflow/internal/credentials"
	"github.com/nikhilpatil/agentflow/internal/jobs"
	"github.com/nikhilpatil/agentflow/internal/metrics"
	"github.com/nikhilpatil/agentflow/internal/pipeline"
	"github.com/nikhilpatil/agentflow/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and pipeline components
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
	rankings := batch.NewRankingCoordinator(pgStore, redisCache, invoker, cfg.Pipeline)
	jobService := jobs.NewService(pgStore, redisCache, orchestrator)

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		UploadHandler:        handler.NewUploadHandler(jobService),
		JobStatusHandler:     handler.NewJobStatusHandler(jobService),
		ApproveAdminHandler:  handler.NewApproveHandler(jobService, store.ApprovalAdmin),
		ApproveClientHandler: handler.NewApproveHandler(jobService, store.ApprovalClient),
		RetryHandler:         handler.NewRetryHandler(jobService),

		RunAccountHandler: handler.NewRunAccountHandler(jobService),
		RunFleetHandler: handler.NewRunFleetHandler(func(force bool) {
			go func() {
				if _, err := fleet.Run(context.Background(), pipeline.RunOptions{Force: force}); err != nil {
					slog.Error("fleet run failed", "error", err)
				}
			}()
		}),

		SubmitRankingsHandler: handler.NewSubmitRankingsHandler(rankings, func(batchID uuid.UUID) {
			go func() {
				if err := rankings.Process(context.Background(), batchID); err != nil {
					slog.Error("ranking batch failed", "batch_id", batchID, "error", err)
				}
			}()
		}),
		RankingStatusHandler: handler.NewRankingStatusHandler(rankings),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
