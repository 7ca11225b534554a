package routes

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/greenbasket/greenbasket-backend/api/controllers"
	"github.com/greenbasket/greenbasket-backend/api/middleware"
	"github.com/greenbasket/greenbasket-backend/internal/checkout"
	"github.com/greenbasket/greenbasket-backend/internal/orders"
	"github.com/greenbasket/greenbasket-backend/internal/payments"
	"github.com/greenbasket/greenbasket-backend/internal/wallet"
	"github.com/greenbasket/greenbasket-backend/pkg/config"
	"github.com/greenbasket/greenbasket-backend/pkg/db"
	"github.com/greenbasket/greenbasket-backend/pkg/logger"
	"github.com/greenbasket/greenbasket-backend/pkg/metrics"
	"github.com/greenbasket/greenbasket-backend/pkg/redis"
)

type pinger interface {
	Ping(context.Context) error
}

// Deps bundles everything the router needs. The pub/sub pinger is optional;
// readiness skips it when nil.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          db.Pinger
	Redis       *redis.Client
	PubSub      pinger
	HTTPMetrics *metrics.HTTPMetrics
	Gatherer    prometheus.Gatherer
	Checkout    checkout.Service
	Orders      orders.Service
	Payments    payments.Service
	Wallet      wallet.Service
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, deps.HTTPMetrics),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readyChecks(deps)...))
	})

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Gateways authenticate callbacks by signature, not bearer token.
	r.Post("/api/v1/payments/callback", controllers.PaymentCallback(deps.Payments, logg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		if deps.Redis != nil {
			r.Use(middleware.Idempotency(deps.Redis, logg))
			r.Use(middleware.RateLimit(cfg.RateLimit, deps.Redis, logg))
		}

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", controllers.PlaceOrder(deps.Checkout, logg))
			r.Get("/", controllers.ListOrders(deps.Orders, logg))
			r.Get("/{orderId}", controllers.OrderDetail(deps.Orders, logg))
			r.Get("/{orderId}/timeline", controllers.OrderTimeline(deps.Orders, logg))
			r.Post("/{orderId}/cancel", controllers.CancelOrder(deps.Orders, logg))
		})

		r.Get("/wallet", controllers.Wallet(deps.Wallet, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole("admin", logg))
		if deps.Redis != nil {
			r.Use(middleware.Idempotency(deps.Redis, logg))
			r.Use(middleware.RateLimit(cfg.RateLimit, deps.Redis, logg))
		}

		r.Patch("/orders/{orderId}/status", controllers.AdminUpdateOrderStatus(deps.Orders, logg))
	})

	return r
}

func readyChecks(deps Deps) []controllers.ReadyCheck {
	checks := []controllers.ReadyCheck{}
	if deps.DB != nil {
		checks = append(checks, controllers.ReadyCheck{Name: "postgres", Ping: deps.DB.Ping})
	}
	if deps.Redis != nil {
		checks = append(checks, controllers.ReadyCheck{Name: "redis", Ping: deps.Redis.Ping})
	}
	if deps.PubSub != nil {
		checks = append(checks, controllers.ReadyCheck{Name: "pubsub", Ping: deps.PubSub.Ping})
	}
	return checks
}
