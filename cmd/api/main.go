package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/greenbasket/greenbasket-backend/api/routes"
	"github.com/greenbasket/greenbasket-backend/internal/checkout"
	"github.com/greenbasket/greenbasket-backend/internal/inventory"
	"github.com/greenbasket/greenbasket-backend/internal/notifications"
	"github.com/greenbasket/greenbasket-backend/internal/orders"
	"github.com/greenbasket/greenbasket-backend/internal/payments"
	"github.com/greenbasket/greenbasket-backend/internal/wallet"
	"github.com/greenbasket/greenbasket-backend/pkg/config"
	"github.com/greenbasket/greenbasket-backend/pkg/db"
	"github.com/greenbasket/greenbasket-backend/pkg/logger"
	"github.com/greenbasket/greenbasket-backend/pkg/metrics"
	"github.com/greenbasket/greenbasket-backend/pkg/migrate"
	"github.com/greenbasket/greenbasket-backend/pkg/outbox"
	"github.com/greenbasket/greenbasket-backend/pkg/pubsub"
	"github.com/greenbasket/greenbasket-backend/pkg/redis"
)

const shutdownGrace = 10 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	notifSvc, err := notifications.NewService(
		notifications.NewUserRepository(dbClient.DB()),
		notifications.NewSenderFromConfig(cfg.Email, logg),
		logg,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create notifications service", err)
		os.Exit(1)
	}

	adjuster := inventory.NewAdjuster()

	walletSvc, err := wallet.NewService(wallet.NewRepository(dbClient.DB()), dbClient, outboxSvc)
	if err != nil {
		logg.Error(context.Background(), "failed to create wallet service", err)
		os.Exit(1)
	}

	ordersRepo := orders.NewRepository(dbClient.DB())

	ordersSvc, err := orders.NewService(ordersRepo, dbClient, outboxSvc, adjuster, walletSvc, notifSvc)
	if err != nil {
		logg.Error(context.Background(), "failed to create orders service", err)
		os.Exit(1)
	}

	providerRegistry, err := buildProviderRegistry(cfg)
	if err != nil {
		logg.Error(context.Background(), "failed to build payment providers", err)
		os.Exit(1)
	}

	paymentsSvc, err := payments.NewService(
		providerRegistry,
		ordersRepo,
		ordersSvc,
		dbClient,
		outboxSvc,
		redisClient,
		cfg.Payments.CallbackGuardTTL,
		notifSvc,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create payments service", err)
		os.Exit(1)
	}

	checkoutSvc, err := checkout.NewService(
		checkout.NewProductRepository(dbClient.DB()),
		ordersRepo,
		ordersSvc,
		adjuster,
		walletSvc,
		paymentsSvc,
		dbClient,
		outboxSvc,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create checkout service", err)
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()

	handler := routes.NewRouter(routes.Deps{
		Config:      cfg,
		Logger:      logg,
		DB:          dbClient,
		Redis:       redisClient,
		PubSub:      pubsubClient,
		HTTPMetrics: metrics.NewHTTPMetrics(promRegistry),
		Gatherer:    promRegistry,
		Checkout:    checkoutSvc,
		Orders:      ordersSvc,
		Payments:    paymentsSvc,
		Wallet:      walletSvc,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown error", err)
			os.Exit(1)
		}
		logg.Info(ctx, "api server shut down gracefully")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	}
}

// buildProviderRegistry wires only the gateways that have credentials
// configured. Wallet and COD orders settle without a gateway, so an empty
// registry is still valid in dev.
func buildProviderRegistry(cfg *config.Config) (*payments.Registry, error) {
	var providers []payments.Provider

	if cfg.Payments.RazorpayKeyID != "" {
		razorpay, err := payments.NewRazorpayProvider(cfg.Payments)
		if err != nil {
			return nil, err
		}
		providers = append(providers, razorpay)
	}
	if cfg.Payments.StripeAPIKey != "" {
		stripe, err := payments.NewStripeProvider(cfg.Payments)
		if err != nil {
			return nil, err
		}
		providers = append(providers, stripe)
	}

	return payments.NewRegistry(providers...)
}
