package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/forgemarket/api/internal/di"
	"github.com/forgemarket/api/internal/handlers"
	"github.com/forgemarket/api/internal/payments"
	"github.com/forgemarket/api/internal/platform/auth"
	"github.com/forgemarket/api/internal/platform/config"
	"github.com/forgemarket/api/internal/platform/idempotency"
	"github.com/forgemarket/api/internal/platform/jobs"
	"github.com/forgemarket/api/internal/platform/observability"
	"github.com/forgemarket/api/internal/platform/secrets"
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

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	pool, err := newDatabasePool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to initialise database pool", zap.Error(err))
	}
	defer pool.Close()

	registry, err := postgres.NewRegistry(pool)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:   cfg.PSP.StripeAPIKey,
		Currency: cfg.PSP.Currency,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe provider", zap.Error(err))
	}
	gateway, err := payments.NewManager(
		map[string]payments.Provider{"stripe": provider},
		payments.WithDefaultProvider("stripe"),
	)
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	var events services.OrderEventPublisher
	var pubsubClient *pubsub.Client
	if cfg.PubSub.ProjectID != "" {
		if cfg.PubSub.EmulatorHost != "" {
			// The pubsub client only honours the emulator via this env var.
			if err := os.Setenv("PUBSUB_EMULATOR_HOST", cfg.PubSub.EmulatorHost); err != nil {
				logger.Fatal("failed to configure pubsub emulator", zap.Error(err))
			}
		}
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		publisher, err := jobs.NewPubSubOrderEventPublisher(pubsubClient.Topic(cfg.PubSub.Topic))
		if err != nil {
			logger.Fatal("failed to initialise event publisher", zap.Error(err))
		}
		events = publisher
	} else {
		logger.Warn("pubsub project not configured; order events will not be published")
	}
	defer func() {
		if pubsubClient != nil {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}
	}()

	container, err := di.NewContainer(ctx, cfg, registry, di.Dependencies{
		Gateway: gateway,
		Events:  events,
		Logger:  logger.Named("services"),
	})
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	authenticator, err := auth.NewAuthenticator(cfg.Security.JWT.Secret,
		auth.WithIssuer(cfg.Security.JWT.Issuer),
		auth.WithAudience(cfg.Security.JWT.Audience),
		auth.WithLeeway(cfg.Security.JWT.Leeway),
	)
	if err != nil {
		logger.Fatal("failed to initialise authenticator", zap.Error(err))
	}

	idempotencyStore, err := idempotency.NewPostgresStore(pool)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Workflow, container.Services.Escrow,
		handlers.WithOrderRateLimit(cfg.RateLimits.MutationPerMinute))
	consultationHandlers := handlers.NewConsultationHandlers(authenticator, container.Services.Consultations)
	adjustmentHandlers := handlers.NewAdjustmentHandlers(authenticator, container.Services.Adjustments,
		handlers.WithAdjustmentRateLimit(cfg.RateLimits.MutationPerMinute))
	walletHandlers := handlers.NewWalletHandlers(authenticator, registry.Wallets())

	healthHandlers := handlers.NewHealthHandlers(map[string]handlers.ReadinessChecker{
		"database": registry.Health(),
	})

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger),
		observability.TraceMiddleware(cfg.PubSub.ProjectID),
		observability.RequestLoggerMiddleware(cfg.PubSub.ProjectID),
		observability.RecoveryMiddleware(logger),
		handlers.RateLimitMiddleware(cfg.RateLimits.DefaultPerMinute),
		idempotencyMiddleware,
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithConsultationRoutes(consultationHandlers.Routes),
		handlers.WithAdjustmentRoutes(adjustmentHandlers.Routes),
		handlers.WithMeRoutes(walletHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("forgemarket api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func newDatabasePool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_PUBSUB_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}

	return secrets.NewFetcher(ctx, opts...)
}
