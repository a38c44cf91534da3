package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/visionmarket/ledger/api"
	"github.com/visionmarket/ledger/internal/app"
	"github.com/visionmarket/ledger/internal/config"
	cronrunner "github.com/visionmarket/ledger/internal/cron"
	"github.com/visionmarket/ledger/internal/database"
	"github.com/visionmarket/ledger/internal/events"
	"github.com/visionmarket/ledger/internal/middleware/ratelimit"
	"github.com/visionmarket/ledger/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the custody sweep",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, zapLogger, err := bootstrap()
	if err != nil {
		return err
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{Tracing: cfg.Tracing.Enabled, Metrics: cfg.Tracing.Metrics})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zapLogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	db, err := openDB(cfg, zapLogger)
	if err != nil {
		return err
	}
	go database.MonitorPool(ctx, db, 30*time.Second, zapLogger)

	deps, closeDeps, err := connectDeps(ctx, cfg, zapLogger)
	if err != nil {
		return err
	}
	defer closeDeps()

	ledger, err := app.New(cfg, db, deps, zapLogger)
	if err != nil {
		return fmt.Errorf("failed to assemble ledger: %w", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			zapLogger.Error("Failed to flush sinks", zap.Error(err))
		}
	}()

	runner := cronrunner.New(zapLogger.Named("cron"), ctx)
	if err := ledger.Custody.Schedule(runner, cfg.Custody.SweepSchedule); err != nil {
		return err
	}
	runner.Start()
	defer runner.Stop()

	opts := api.Options{
		JWTSecret:    cfg.Auth.JWTSecret,
		ServiceToken: cfg.Auth.ServiceToken,
		DB:           db,
	}
	if deps.Redis != nil {
		opts.RateLimiter = ratelimit.NewSlidingWindow(deps.Redis, "ledger:ratelimit", cfg.Server.RateLimit, cfg.Server.RateWindow)
	}
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(zapLogger, api.Services{
		Wallets:     ledger.Wallets,
		Assets:      ledger.Assets,
		Settlement:  ledger.Settlement,
		Custody:     ledger.Custody,
		Withdrawals: ledger.Withdrawals,
		Dashboard:   ledger.Dashboard,
		Revenue:     ledger.Revenue,
	}, opts).HTTPServer(fmt.Sprintf(":%d", cfg.Server.Port))

	errCh := make(chan error, 1)
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
	case <-ctx.Done():
	}

	zapLogger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Graceful shutdown failed", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
	return nil
}

// connectDeps dials Redis and Kafka when configured
func connectDeps(ctx context.Context, cfg *config.Config, log *zap.Logger) (app.Deps, func(), error) {
	var (
		deps    app.Deps
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("Close failed", zap.Error(err))
			}
		}
	}

	if cfg.Redis.Enabled() {
		client, err := database.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return deps, closeAll, err
		}
		deps.Redis = client
		closers = append(closers, client.Close)
		log.Info("Connected to Redis", zap.String("address", cfg.Redis.Address))
	}

	if cfg.Kafka.Enabled() {
		deps.InteractionSink = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.InteractionsTopic, log)
		deps.NotificationSink = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic, log)
		log.Info("Publishing to Kafka", zap.Strings("brokers", cfg.Kafka.Brokers))
	} else if deps.Redis != nil {
		deps.InteractionSink = events.NewRedisPublisher(deps.Redis, cfg.Kafka.InteractionsTopic, log)
		deps.NotificationSink = events.NewRedisPublisher(deps.Redis, cfg.Kafka.NotificationsTopic, log)
		log.Info("Publishing to Redis streams")
	}
	return deps, closeAll, nil
}
