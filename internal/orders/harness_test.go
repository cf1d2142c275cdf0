package orders

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/catalog"
	"github.com/angelmondragon/orderflow-engine/internal/checkout"
	"github.com/angelmondragon/orderflow-engine/internal/reservation"
	"github.com/angelmondragon/orderflow-engine/internal/stockledger"
	"github.com/angelmondragon/orderflow-engine/pkg/config"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/dbtest"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	pkgredis "github.com/angelmondragon/orderflow-engine/pkg/redis"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	// beforeSet runs once, ahead of the next SetJSON.
	beforeSet func()
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]byte{}}
}

func (m *memoryCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	hook := m.beforeSet
	m.beforeSet = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = raw
	return nil
}

func (m *memoryCache) GetJSON(_ context.Context, key string, dest any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	raw, ok := m.entries[key]
	if !ok {
		return pkgredis.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) CacheKey(scope, id string) string {
	return scope + ":" + id
}

func (m *memoryCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

type stubPayments struct {
	startFn func(ctx context.Context, order *models.Order) (*PaymentHandle, error)
	calls   int
}

func (s *stubPayments) StartAttempt(ctx context.Context, order *models.Order) (*PaymentHandle, error) {
	s.calls++
	if s.startFn != nil {
		return s.startFn(ctx, order)
	}
	return &PaymentHandle{IntentID: "pi_test", ClientSecret: "pi_test_secret", Gateway: "stripe"}, nil
}

type harness struct {
	client      *db.Client
	conn        *gorm.DB
	coordinator *reservation.Coordinator
	transitions *Transitioner
	service     *Service
	payments    *stubPayments
	cache       *memoryCache
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.New(t)
	conn := client.DB()
	emitter := outbox.NewService(outbox.NewRepository(conn), logger.Nop())

	ledgerRepo := stockledger.NewRepository(conn)
	ledger, err := stockledger.NewService(stockledger.ServiceParams{DB: client, Repo: ledgerRepo, Outbox: emitter})
	require.NoError(t, err)
	coordinator, err := reservation.NewCoordinator(ledger, ledgerRepo, nil, logger.Nop())
	require.NoError(t, err)

	cache := newMemoryCache()
	repo := NewRepository(conn)
	transitions, err := NewTransitioner(TransitionerParams{
		DB:       client,
		Repo:     repo,
		Releaser: coordinator,
		Outbox:   emitter,
		Cache:    cache,
	})
	require.NoError(t, err)

	builder, err := checkout.NewBuilder(catalog.NewRepository(conn), config.CheckoutConfig{Currency: "USD"})
	require.NoError(t, err)

	payments := &stubPayments{}
	service, err := NewService(ServiceParams{
		DB:          client,
		Repo:        repo,
		Builder:     builder,
		Transitions: transitions,
		Payments:    payments,
		Outbox:      emitter,
		Cache:       cache,
		Gateway:     "stripe",
	})
	require.NoError(t, err)

	return &harness{
		client:      client,
		conn:        conn,
		coordinator: coordinator,
		transitions: transitions,
		service:     service,
		payments:    payments,
		cache:       cache,
	}
}

// reserve moves an order's stock out as a successful payment would.
func (h *harness) reserve(t *testing.T, order *models.Order) {
	t.Helper()
	require.NoError(t, h.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return h.coordinator.DecrementForOrder(context.Background(), tx, order, types.GatewayActor())
	}))
}

func testAddress() types.Address {
	return types.Address{Name: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
}
