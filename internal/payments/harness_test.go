package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/orders"
	"github.com/angelmondragon/orderflow-engine/internal/reservation"
	"github.com/angelmondragon/orderflow-engine/internal/stockledger"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/dbtest"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/metrics"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	pkgstripe "github.com/angelmondragon/orderflow-engine/pkg/stripe"
)

type stubGateway struct {
	mu        sync.Mutex
	intents   map[string]*pkgstripe.Intent
	keys      []string
	cancelled []string
	createErr error
}

func newStubGateway() *stubGateway {
	return &stubGateway{intents: map[string]*pkgstripe.Intent{}}
}

func (g *stubGateway) Name() string { return pkgstripe.GatewayName }

func (g *stubGateway) CreateIntent(_ context.Context, in pkgstripe.CreateIntentInput) (*pkgstripe.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.keys = append(g.keys, in.IdempotencyKey)
	id := fmt.Sprintf("pi_%d", len(g.keys))
	intent := &pkgstripe.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       enums.PaymentAttemptRequiresPayment,
		AmountCents:  in.AmountCents,
		Currency:     in.Currency,
	}
	g.intents[id] = intent
	copied := *intent
	return &copied, nil
}

func (g *stubGateway) RetrieveIntent(_ context.Context, id string) (*pkgstripe.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[id]
	if !ok {
		return nil, errors.New("no such intent")
	}
	copied := *intent
	return &copied, nil
}

func (g *stubGateway) CancelIntent(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, id)
	if intent, ok := g.intents[id]; ok {
		intent.Status = enums.PaymentAttemptCanceled
	}
	return nil
}

func (g *stubGateway) settle(id string, status enums.PaymentAttemptStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[id].Status = status
}

type harness struct {
	client      *db.Client
	conn        *gorm.DB
	gateway     *stubGateway
	ledger      *stockledger.Service
	transitions *orders.Transitioner
	service     *Service
	registry    *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.New(t)
	conn := client.DB()
	emitter := outbox.NewService(outbox.NewRepository(conn), logger.Nop())
	registry := prometheus.NewRegistry()
	engineMetrics := metrics.NewEngineMetrics(registry)

	ledgerRepo := stockledger.NewRepository(conn)
	ledger, err := stockledger.NewService(stockledger.ServiceParams{DB: client, Repo: ledgerRepo, Outbox: emitter})
	require.NoError(t, err)
	coordinator, err := reservation.NewCoordinator(ledger, ledgerRepo, engineMetrics, logger.Nop())
	require.NoError(t, err)

	orderRepo := orders.NewRepository(conn)
	transitions, err := orders.NewTransitioner(orders.TransitionerParams{
		DB:       client,
		Repo:     orderRepo,
		Releaser: coordinator,
		Outbox:   emitter,
		Metrics:  engineMetrics,
	})
	require.NoError(t, err)

	gateway := newStubGateway()
	service, err := NewService(ServiceParams{
		DB:           client,
		Repo:         NewRepository(conn),
		Gateway:      gateway,
		Orders:       orderRepo,
		Transitions:  transitions,
		Reservations: coordinator,
		Outbox:       emitter,
		Metrics:      engineMetrics,
	})
	require.NoError(t, err)

	return &harness{
		client:      client,
		conn:        conn,
		gateway:     gateway,
		ledger:      ledger,
		transitions: transitions,
		service:     service,
		registry:    registry,
	}
}

// checkout seeds a pending order for the lines and opens its first attempt.
func (h *harness) checkout(t *testing.T, lines ...dbtest.OrderLine) (models.Order, *orders.PaymentHandle) {
	t.Helper()
	order := dbtest.SeedOrder(t, h.conn, dbtest.OrderSeed{Lines: lines})
	handle, err := h.service.StartAttempt(context.Background(), &order)
	require.NoError(t, err)
	return order, handle
}

func (h *harness) order(t *testing.T, id fmt.Stringer) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, h.conn.First(&order, "id = ?", id.String()).Error)
	return order
}

func (h *harness) attempt(t *testing.T, intentID string) models.PaymentAttempt {
	t.Helper()
	var attempt models.PaymentAttempt
	require.NoError(t, h.conn.First(&attempt, "gateway_intent_id = ?", intentID).Error)
	return attempt
}

func (h *harness) countEvents(t *testing.T, eventType enums.OutboxEventType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.conn.Model(&models.OutboxEvent{}).Where("event_type = ?", eventType).Count(&count).Error)
	return count
}

func (h *harness) sales(t *testing.T, orderID fmt.Stringer) []models.StockMovement {
	t.Helper()
	var rows []models.StockMovement
	require.NoError(t, h.conn.
		Where("order_id = ? AND movement_type = ?", orderID.String(), enums.MovementSale).
		Find(&rows).Error)
	return rows
}

func succeeded(intentID string, at time.Time) GatewayEvent {
	return GatewayEvent{
		IntentID:   intentID,
		Status:     enums.PaymentAttemptSucceeded,
		OccurredAt: at,
		EventID:    "evt_" + intentID + "_ok",
		Source:     SourceWebhook,
	}
}
