package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/greenbasket/greenbasket-backend/internal/events"
	"github.com/greenbasket/greenbasket-backend/internal/wallet"
	"github.com/greenbasket/greenbasket-backend/pkg/config"
	"github.com/greenbasket/greenbasket-backend/pkg/db"
	"github.com/greenbasket/greenbasket-backend/pkg/logger"
	"github.com/greenbasket/greenbasket-backend/pkg/migrate"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox/idempotency"
	"github.com/greenbasket/greenbasket-backend/pkg/pubsub"
	"github.com/greenbasket/greenbasket-backend/pkg/redis"
)

// Processed-event markers outlive any realistic redelivery window.
const consumerDedupTTL = 7 * 24 * time.Hour

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pub/sub", err)
		os.Exit(1)
	}
	defer pubsubClient.Close()

	outboxSvc := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	walletSvc, err := wallet.NewService(wallet.NewRepository(dbClient.DB()), dbClient, outboxSvc)
	if err != nil {
		logg.Error(context.Background(), "failed to create wallet service", err)
		os.Exit(1)
	}

	dedup, err := idempotency.NewManager(redisClient, consumerDedupTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency manager", err)
		os.Exit(1)
	}

	consumer, err := events.NewConsumer(walletSvc, pubsubClient.DomainSubscription(), dedup, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create event consumer", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ctx = logg.WithFields(ctx, map[string]any{
		"env":          cfg.App.Env,
		"subscription": cfg.PubSub.DomainSubscription,
	})
	logg.Info(ctx, "starting worker")

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}
