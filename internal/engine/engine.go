// Package engine assembles the order lifecycle services over one database
// connection. Binaries build an Engine once and hand its parts to routers
// and jobs.
package engine

import (
	"fmt"

	"github.com/angelmondragon/orderflow-engine/internal/catalog"
	"github.com/angelmondragon/orderflow-engine/internal/checkout"
	"github.com/angelmondragon/orderflow-engine/internal/orders"
	"github.com/angelmondragon/orderflow-engine/internal/payments"
	"github.com/angelmondragon/orderflow-engine/internal/reservation"
	"github.com/angelmondragon/orderflow-engine/internal/stockledger"
	stripewebhook "github.com/angelmondragon/orderflow-engine/internal/webhooks/stripe"
	"github.com/angelmondragon/orderflow-engine/pkg/config"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/metrics"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	"github.com/angelmondragon/orderflow-engine/pkg/redis"
	"github.com/angelmondragon/orderflow-engine/pkg/retry"
)

const webhookGuardScope = "stripe_event"

// Params carries the shared infrastructure. Redis is optional; without it
// the status cache and webhook event guard are disabled.
type Params struct {
	Config  *config.Config
	DB      *db.Client
	Redis   *redis.Client
	Gateway payments.Gateway
	Metrics *metrics.EngineMetrics
	Logger  *logger.Logger
}

type Engine struct {
	OrdersRepo  orders.Repository
	Ledger      *stockledger.Service
	Reservation *reservation.Coordinator
	Transitions *orders.Transitioner
	Orders      *orders.Service
	Payments    *payments.Service
	Webhooks    *stripewebhook.Service
	Outbox      *outbox.Service
	DeadLetters *outbox.DLQRepository
}

func New(params Params) (*Engine, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	cfg := params.Config
	conn := params.DB.DB()
	policy := retry.Policy{
		MaxRetries: cfg.Payments.ConflictRetries,
		Base:       cfg.Payments.ConflictBackoff,
		Jitter:     cfg.Payments.ConflictBackoff / 2,
	}

	emitter := outbox.NewService(outbox.NewRepository(conn), logg)

	ledgerRepo := stockledger.NewRepository(conn)
	ledger, err := stockledger.NewService(stockledger.ServiceParams{
		DB:     params.DB,
		Repo:   ledgerRepo,
		Outbox: emitter,
		Logger: logg,
	})
	if err != nil {
		return nil, fmt.Errorf("stock ledger: %w", err)
	}
	coordinator, err := reservation.NewCoordinator(ledger, ledgerRepo, params.Metrics, logg)
	if err != nil {
		return nil, fmt.Errorf("reservation coordinator: %w", err)
	}

	var (
		cache orders.StatusCache
		guard *stripewebhook.EventGuard
	)
	if params.Redis != nil {
		cache = params.Redis
		guard, err = stripewebhook.NewEventGuard(params.Redis, cfg.Payments.WebhookIdempotencyTTL, webhookGuardScope)
		if err != nil {
			return nil, fmt.Errorf("webhook guard: %w", err)
		}
	}

	ordersRepo := orders.NewRepository(conn)
	transitions, err := orders.NewTransitioner(orders.TransitionerParams{
		DB:       params.DB,
		Repo:     ordersRepo,
		Releaser: coordinator,
		Outbox:   emitter,
		Cache:    cache,
		Metrics:  params.Metrics,
		Retry:    policy,
		Logger:   logg,
	})
	if err != nil {
		return nil, fmt.Errorf("order transitioner: %w", err)
	}

	paymentsSvc, err := payments.NewService(payments.ServiceParams{
		DB:           params.DB,
		Repo:         payments.NewRepository(conn),
		Gateway:      params.Gateway,
		Orders:       ordersRepo,
		Transitions:  transitions,
		Reservations: coordinator,
		Outbox:       emitter,
		Metrics:      params.Metrics,
		Retry:        policy,
		Logger:       logg,
	})
	if err != nil {
		return nil, fmt.Errorf("payments service: %w", err)
	}

	builder, err := checkout.NewBuilder(catalog.NewRepository(conn), cfg.Checkout)
	if err != nil {
		return nil, fmt.Errorf("snapshot builder: %w", err)
	}
	ordersSvc, err := orders.NewService(orders.ServiceParams{
		DB:          params.DB,
		Repo:        ordersRepo,
		Builder:     builder,
		Transitions: transitions,
		Payments:    paymentsSvc,
		Outbox:      emitter,
		Cache:       cache,
		CacheTTL:    cfg.Cache.OrderStatusTTL,
		Gateway:     params.Gateway.Name(),
		Retry:       policy,
		Logger:      logg,
	})
	if err != nil {
		return nil, fmt.Errorf("orders service: %w", err)
	}

	webhookParams := stripewebhook.ServiceParams{Payments: paymentsSvc, Logger: logg}
	if guard != nil {
		webhookParams.Guard = guard
	}
	webhooks, err := stripewebhook.NewService(webhookParams)
	if err != nil {
		return nil, fmt.Errorf("stripe webhook service: %w", err)
	}

	return &Engine{
		OrdersRepo:  ordersRepo,
		Ledger:      ledger,
		Reservation: coordinator,
		Transitions: transitions,
		Orders:      ordersSvc,
		Payments:    paymentsSvc,
		Webhooks:    webhooks,
		Outbox:      emitter,
		DeadLetters: outbox.NewDLQRepository(params.DB.DB()),
	}, nil
}
