// Package main is the entrypoint for the HashGate API server.
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

	"github.com/hashgate-io/hashgate/internal/anomaly"
	"github.com/hashgate-io/hashgate/internal/api"
	"github.com/hashgate-io/hashgate/internal/api/handler"
	mw "github.com/hashgate-io/hashgate/internal/api/middleware"
	"github.com/hashgate-io/hashgate/internal/auth"
	"github.com/hashgate-io/hashgate/internal/cache"
	"github.com/hashgate-io/hashgate/internal/chain"
	"github.com/hashgate-io/hashgate/internal/config"
	"github.com/hashgate-io/hashgate/internal/credits"
	"github.com/hashgate-io/hashgate/internal/pricing"
	"github.com/hashgate-io/hashgate/internal/ratelimit"
	"github.com/hashgate-io/hashgate/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second
	janitorInterval = 10 * time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "network", cfg.Hedera.Network, "env", cfg.Server.Env)

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

	// 5. Chain client and tariff
	mirror := chain.NewMirrorClient(cfg.Hedera.MirrorBaseURL, cfg.Hedera.MirrorTimeout)

	tariff := pricing.Default()
	if cfg.Pricing.TariffFile != "" {
		tariff, err = pricing.LoadFile(cfg.Pricing.TariffFile)
		if err != nil {
			return fmt.Errorf("load tariff: %w", err)
		}
		slog.Info("tariff loaded", "file", cfg.Pricing.TariffFile)
	}
	engine := pricing.NewEngine(tariff)

	// 6. Create store and domain services
	pgStore := store.NewPostgresStore(pool)

	keys, err := auth.NewKeyService(pgStore, []byte(cfg.Auth.KeyEncryptionSecret))
	if err != nil {
		return fmt.Errorf("create key service: %w", err)
	}
	challenges := auth.NewChallengeService(pgStore, cfg.Hedera.Network)
	signatures := auth.NewSignatureVerifier(mirror)

	creditSvc := credits.NewService(pgStore, redisCache, mirror, engine, credits.Config{
		TreasuryAccount:     cfg.Hedera.TreasuryAccount,
		MinPaymentHbar:      cfg.Hedera.MinPaymentHbar,
		FallbackHbarUSDRate: cfg.Hedera.FallbackHbarUSDRate,
	}, logger)

	limiter := ratelimit.New(redisCache, ratelimit.Config{
		MaxRequests:      cfg.RateLimit.MaxRequests,
		Window:           cfg.RateLimit.Window,
		Algorithm:        ratelimit.Algorithm(cfg.RateLimit.Algorithm),
		SkipOnStoreError: cfg.RateLimit.SkipOnStoreError,
	}, logger)

	detector := anomaly.NewDetector(pgStore, redisCache, anomaly.Thresholds{
		SpikePerMinute:  int64(cfg.Anomaly.SpikePerMinute),
		SpikePerHour:    int64(cfg.Anomaly.SpikePerHour),
		ErrorRatePct:    cfg.Anomaly.ErrorRatePct,
		UniqueEndpoints: cfg.Anomaly.UniqueEndpoints,
	}, logger)

	var sink anomaly.AlertSink
	if cfg.Alerting.WebhookURL != "" {
		sink = anomaly.NewWebhookSink(cfg.Alerting.WebhookURL)
		slog.Info("anomaly webhook alerting enabled")
	}
	anomalyHandler := anomaly.NewHandler(pgStore, keys, sink, logger)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(keys),
		RateLimit: mw.NewRateLimit(limiter),
		Usage:     mw.NewUsage(keys, detector, anomalyHandler),

		AllowedOrigins: cfg.Server.AllowedOrigins,

		HealthHandler:    handler.NewHealthHandler(pgStore, redisCache),
		ChallengeHandler: handler.NewChallengeHandler(challenges),
		VerifyHandler:    handler.NewVerifyHandler(challenges, signatures, keys),
		PricingHandler:   handler.NewPricingHandler(engine),

		ListKeysHandler:  handler.NewListKeysHandler(keys),
		RotateKeyHandler: handler.NewRotateKeyHandler(keys),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(keys),

		BalanceHandler:        handler.NewBalanceHandler(creditSvc),
		CreditHistoryHandler:  handler.NewCreditHistoryHandler(creditSvc),
		CheckCreditsHandler:   handler.NewCheckCreditsHandler(creditSvc),
		ConsumeCreditsHandler: handler.NewConsumeCreditsHandler(creditSvc),

		CreatePaymentHandler: handler.NewCreatePaymentHandler(creditSvc),
		VerifyPaymentHandler: handler.NewVerifyPaymentHandler(creditSvc),

		AnomalyHistoryHandler: handler.NewAnomalyHistoryHandler(pgStore),
	}
	router := api.NewRouter(deps)

	// 8. Background challenge cleanup
	go challengeJanitor(ctx, challenges)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// challengeJanitor periodically deletes expired auth challenges.
func challengeJanitor(ctx context.Context, challenges *auth.ChallengeService) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := challenges.CleanupExpired(ctx)
			if err != nil {
				slog.Warn("challenge cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Info("expired challenges removed", "count", removed)
			}
		}
	}
}
