package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/orderflow-engine/api/controllers"
	ordercontrollers "github.com/angelmondragon/orderflow-engine/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/orderflow-engine/api/controllers/webhooks"
	"github.com/angelmondragon/orderflow-engine/api/middleware"
	"github.com/angelmondragon/orderflow-engine/internal/engine"
	"github.com/angelmondragon/orderflow-engine/pkg/config"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/redis"
	"github.com/angelmondragon/orderflow-engine/pkg/stripe"
)

// NewRouter mounts every HTTP route. redisClient may be nil, in which case
// idempotency keys are not enforced and readiness skips the redis probe.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	stripeClient *stripe.Client,
	eng *engine.Engine,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	readiness := []controllers.Dependency{{Name: "database", Pinger: dbP}}
	idempotent := func(h http.Handler) http.Handler { return h }
	if redisClient != nil {
		readiness = append(readiness, controllers.Dependency{Name: "redis", Pinger: redisClient})
		idempotent = middleware.Idempotency(redisClient, cfg.Cache.IdempotencyTTL, logg)
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness...))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(eng.Webhooks, stripeClient, cfg.Stripe.Environment() == "live", logg))
	})

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Use(middleware.OptionalAuth(cfg.JWT, logg))
		r.With(idempotent).Post("/", ordercontrollers.CreateOrder(eng.Orders, logg))
		r.Get("/number/{orderNumber}", ordercontrollers.GetOrderByNumber(eng.Orders, logg))
		r.Route("/{orderId}", func(r chi.Router) {
			r.Get("/", ordercontrollers.GetOrder(eng.Orders, logg))
			r.Get("/status", ordercontrollers.OrderStatus(eng.Orders, logg))
			r.Get("/history", ordercontrollers.OrderHistory(eng.Orders, logg))
			r.Post("/payment/confirm", ordercontrollers.ConfirmPayment(eng.Orders, eng.Payments, logg))
			r.Post("/payment-attempts", ordercontrollers.StartPaymentAttempt(eng.Orders, logg))
			r.Post("/cancel", ordercontrollers.CancelOrder(eng.Orders, logg))
		})
	})

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(logg, enums.UserRoleAdmin))

		r.Route("/orders/{orderId}", func(r chi.Router) {
			r.Get("/", ordercontrollers.GetOrder(eng.Orders, logg))
			r.Get("/history", ordercontrollers.OrderHistory(eng.Orders, logg))
			r.Get("/payment-attempts", controllers.AdminPaymentAttempts(eng.Payments, logg))
			r.Post("/payment/reconcile", controllers.AdminRetryShortfall(eng.Payments, logg))
			r.Get("/movements", controllers.AdminOrderMovements(eng.Ledger, logg))
			r.Post("/status", controllers.AdminTransitionOrder(eng.Orders, logg))
		})
		r.Route("/stock", func(r chi.Router) {
			r.With(idempotent).Post("/adjustments", controllers.AdminAdjustStock(eng.Ledger, logg))
			r.Get("/low", controllers.AdminLowStock(eng.Ledger, logg))
			r.Get("/{productId}", controllers.AdminStockLevel(eng.Ledger, logg))
			r.Get("/{productId}/movements", controllers.AdminStockMovements(eng.Ledger, logg))
			r.Get("/{productId}/verify", controllers.AdminVerifyStock(eng.Ledger, logg))
		})
		r.Route("/outbox/dead-letters", func(r chi.Router) {
			r.Get("/", controllers.AdminDeadLetters(eng.DeadLetters, logg))
			r.Post("/{eventId}/replay", controllers.AdminReplayDeadLetter(eng.DeadLetters, logg))
		})
	})

	return r
}
