package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/forgemarket/api/internal/platform/config"
	"github.com/forgemarket/api/internal/platform/jobs"
	"github.com/forgemarket/api/internal/platform/observability"
	"github.com/forgemarket/api/internal/repositories/postgres"
	"github.com/forgemarket/api/internal/services"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("sweeper")
	ctx = observability.WithLogger(ctx, logger)

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to parse database dsn", zap.Error(err))
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	registry, err := postgres.NewRegistry(pool)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	consultations, err := services.NewConsultationService(services.ConsultationServiceDeps{
		Orders:        registry.Orders(),
		Consultations: registry.Consultations(),
		Adjustments:   registry.Adjustments(),
		Timeouts:      registry.Timeouts(),
		Timeline:      registry.Timeline(),
		UnitOfWork:    registry,
	})
	if err != nil {
		logger.Fatal("failed to build consultation service", zap.Error(err))
	}

	sweeper, err := jobs.NewDeadlineSweeper(jobs.DeadlineSweeperDeps{
		Timeouts:      registry.Timeouts(),
		Consultations: consultations,
		Logger:        logger,
		Interval:      cfg.Sweeper.Interval,
		BatchSize:     cfg.Sweeper.BatchSize,
	})
	if err != nil {
		logger.Fatal("failed to build deadline sweeper", zap.Error(err))
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("deadline sweeper running",
		zap.Duration("interval", cfg.Sweeper.Interval),
		zap.Int("batch_size", cfg.Sweeper.BatchSize),
	)
	if err := sweeper.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("deadline sweeper stopped", zap.Error(err))
	}
	logger.Info("deadline sweeper stopped")
}
