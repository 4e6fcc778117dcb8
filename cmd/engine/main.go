package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dukerupert/skuld/internal"
	"github.com/dukerupert/skuld/internal/commerce"
	"github.com/dukerupert/skuld/internal/crypto"
	"github.com/dukerupert/skuld/internal/ops"
	"github.com/dukerupert/skuld/internal/payment"
	"github.com/dukerupert/skuld/internal/provider"
	"github.com/dukerupert/skuld/internal/relay"
	"github.com/dukerupert/skuld/internal/service"
	"github.com/dukerupert/skuld/internal/store"
	"github.com/dukerupert/skuld/internal/sweeper"
	"github.com/dukerupert/skuld/internal/task"
	"github.com/dukerupert/skuld/internal/tax"
	"github.com/dukerupert/skuld/internal/telemetry"
	"github.com/dukerupert/skuld/internal/worker"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for the engine
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)

	// Prometheus collectors; task handlers and loops record through the
	// package-level handle.
	telemetry.InitEngineMetrics("skuld")

	// Attempt budget for tasks enqueued without an explicit override.
	task.DefaultMaxAttempts = int32(cfg.Tasks.DefaultMaxAttempts)

	// ==========================================================================
	// Encryption and provider adapters
	// ==========================================================================

	encryptor, err := newEncryptor(cfg.EncryptionKey, logger)
	if err != nil {
		return err
	}

	fallbackPayment, err := newFallbackPayment(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize payment provider: %w", err)
	}
	fallbackCommerce := newFallbackCommerce(cfg, logger)
	logger.Info("Provider fallbacks initialized",
		"payment", cfg.Provider.Payment,
		"commerce", cfg.Provider.Commerce,
	)

	factory := provider.NewDefaultFactory(nil, logger, time.Duration(cfg.Provider.TimeoutSeconds)*time.Second)
	registry := provider.NewDefaultRegistry(st.Providers(), factory, encryptor, 0, fallbackPayment, fallbackCommerce)

	// ==========================================================================
	// Services and task handlers
	// ==========================================================================

	taxCalculator := tax.NewNoTaxCalculator()

	billingService := service.NewBillingService(st, registry, taxCalculator, logger)
	fulfillmentService := service.NewFulfillmentService(st, registry, logger)
	subscriptionService := service.NewSubscriptionService(st, taxCalculator, logger)

	handlers := service.Handlers(billingService, fulfillmentService, subscriptionService)
	logger.Info("Task handlers registered", "count", len(handlers))

	// ==========================================================================
	// Engine loops
	// ==========================================================================

	dispatcher := worker.NewDispatcher(st, handlers, worker.Config{
		PollInterval: time.Duration(cfg.Tasks.PollIntervalSeconds) * time.Second,
		LeaseFor:     time.Duration(cfg.Tasks.LeaseSeconds) * time.Second,
		BatchSize:    int32(cfg.Tasks.BatchSize),
		Concurrency:  cfg.Tasks.WorkerCount,
		ReapInterval: time.Duration(cfg.Tasks.ReapIntervalSeconds) * time.Second,
		Backoff: task.Backoff{
			Base: time.Duration(cfg.Tasks.BackoffBaseSeconds) * time.Second,
			Cap:  task.DefaultBackoffCap,
		},
	}, logger)

	sweepEvery, err := sweeper.ParseSchedule(cfg.Sweeper.Schedule)
	if err != nil {
		logger.Warn("invalid SWEEPER_SCHEDULE, sweeping hourly",
			"schedule", cfg.Sweeper.Schedule, "error", err)
		sweepEvery = 0
	}
	renewalSweeper := sweeper.New(st, subscriptionService, sweeper.Config{
		Schedule:    sweepEvery,
		BatchSize:   int32(cfg.Sweeper.BatchSize),
		ExpiryGrace: time.Duration(cfg.Sweeper.ExpiryGraceHours) * time.Hour,
	}, logger)

	webhookRelay := relay.New(st, encryptor, relay.Config{
		FanoutInterval:   time.Duration(cfg.Webhooks.FanoutIntervalSeconds) * time.Second,
		DispatchInterval: time.Duration(cfg.Webhooks.DispatchIntervalSeconds) * time.Second,
		BatchSize:        int32(cfg.Webhooks.BatchSize),
		MaxAttempts:      int32(cfg.Webhooks.MaxAttempts),
		RetryBase:        time.Duration(cfg.Webhooks.RetryBaseSeconds) * time.Second,
		Timeout:          time.Duration(cfg.Webhooks.TimeoutSeconds) * time.Second,
	}, logger)

	opsServer := ops.NewServer(ops.Config{Addr: fmt.Sprintf(":%d", cfg.Port)}, pool, logger)

	// ==========================================================================
	// Run until signaled
	// ==========================================================================

	var wg sync.WaitGroup
	loops := map[string]func(context.Context) error{
		"dispatcher": dispatcher.Run,
		"sweeper":    renewalSweeper.Run,
		"relay":      webhookRelay.Run,
		"ops":        opsServer.Run,
	}
	for name, loop := range loops {
		name, loop := name, loop
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && ctx.Err() == nil {
				logger.Error("engine loop exited", "loop", name, "error", err)
				stop()
			}
		}()
	}

	logger.Info("Engine started", "env", cfg.Env, "port", cfg.Port)
	<-ctx.Done()
	logger.Info("Shutdown signal received, draining...")
	wg.Wait()
	logger.Info("Engine stopped")
	return nil
}

// newEncryptor builds the AES encryptor for webhook secrets and provider
// credentials. Development without a key gets an ephemeral one, so
// nothing encrypted survives a restart there. Config rejects a missing
// key in production before this runs.
func newEncryptor(encodedKey string, logger *slog.Logger) (crypto.Encryptor, error) {
	if encodedKey == "" {
		logger.Warn("ENCRYPTION_KEY not set, generating ephemeral development key")
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		return crypto.NewAESEncryptor(key)
	}

	key, err := crypto.DecodeKeyBase64(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
	}
	return crypto.NewAESEncryptor(key)
}

// newFallbackPayment builds the process-wide payment adapter used for
// tenants without their own provider configuration.
func newFallbackPayment(cfg *internal.Config) (payment.Provider, error) {
	switch cfg.Provider.Payment {
	case "stripe":
		return payment.NewStripeProvider(cfg.Stripe.SecretKey)
	default:
		return payment.NewMockProvider(), nil
	}
}

// newFallbackCommerce does the same for order placement. Config rejects a
// rest selection without a gateway URL in production.
func newFallbackCommerce(cfg *internal.Config, logger *slog.Logger) commerce.Provider {
	switch cfg.Provider.Commerce {
	case "rest":
		return commerce.NewRESTProvider(cfg.CommerceGateway.BaseURL, cfg.CommerceGateway.APIKey,
			time.Duration(cfg.Provider.TimeoutSeconds)*time.Second, logger)
	default:
		return commerce.NewMockProvider()
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
