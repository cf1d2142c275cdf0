package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/pkg/config"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/dbtest"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/metrics"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox/payloads"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox/registry"
)

type sentMessage struct {
	topic string
	msg   Message
}

type fakeSink struct {
	mu       sync.Mutex
	failFor  map[string]error
	sent     []sentMessage
	pingErr  error
	attempts int
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Ping(context.Context) error { return f.pingErr }

func (f *fakeSink) Send(_ context.Context, topic string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if err, ok := f.failFor[string(msg.Key)]; ok {
		return err
	}
	f.sent = append(f.sent, sentMessage{topic: topic, msg: msg})
	return nil
}

type relayFixture struct {
	client  *db.Client
	emitter *outbox.Service
	sink    *fakeSink
	reg     *prometheus.Registry
	service *Service
}

func newRelayFixture(t *testing.T, cfg config.OutboxConfig) *relayFixture {
	t.Helper()
	client := dbtest.New(t)
	repo := outbox.NewRepository(client.DB())
	eventRegistry, err := registry.NewEventRegistry(registry.Topics{Orders: "orders", Stock: "stock"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	reg := prometheus.NewRegistry()
	sink := &fakeSink{failFor: map[string]error{}}
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logger.Nop(),
		DB:            client,
		Sink:          sink,
		Repository:    repo,
		DLQRepository: outbox.NewDLQRepository(client.DB()),
		Registry:      eventRegistry,
		Metrics:       metrics.NewEngineMetrics(reg),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &relayFixture{
		client:  client,
		emitter: outbox.NewService(repo, logger.Nop()),
		sink:    sink,
		reg:     reg,
		service: service,
	}
}

func (f *relayFixture) emitOrderCreated(t *testing.T) uuid.UUID {
	t.Helper()
	orderID := uuid.New()
	err := f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return f.emitter.Emit(context.Background(), tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			Data: payloads.OrderCreatedEvent{
				OrderID:     orderID,
				OrderNumber: 100001,
				TotalCents:  2500,
				Currency:    enums.CurrencyUSD,
				LineCount:   1,
			},
		})
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	return orderID
}

func (f *relayFixture) row(t *testing.T, aggregateID uuid.UUID) models.OutboxEvent {
	t.Helper()
	var row models.OutboxEvent
	if err := f.client.DB().Where("aggregate_id = ?", aggregateID).First(&row).Error; err != nil {
		t.Fatalf("load outbox row: %v", err)
	}
	return row
}

func relayedCount(t *testing.T, reg *prometheus.Registry) int {
	t.Helper()
	n, err := testutil.GatherAndCount(reg, "orderflow_outbox_relayed_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	return n
}

func TestServiceProcessBatchContinuesAfterFailure(t *testing.T) {
	f := newRelayFixture(t, config.OutboxConfig{MaxAttempts: 5})
	failing := f.emitOrderCreated(t)
	healthy := f.emitOrderCreated(t)
	f.sink.failFor[failing.String()] = errors.New("broker unavailable")

	processed, err := f.service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected batch to report processed")
	}

	failedRow := f.row(t, failing)
	if failedRow.PublishedAt != nil {
		t.Fatalf("failed row must stay unpublished")
	}
	if failedRow.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", failedRow.AttemptCount)
	}
	if failedRow.LastError == nil || !strings.Contains(*failedRow.LastError, "broker unavailable") {
		t.Fatalf("expected last_error to be recorded, got %v", failedRow.LastError)
	}
	if f.row(t, healthy).PublishedAt == nil {
		t.Fatalf("healthy row should be published")
	}

	if len(f.sink.sent) != 1 {
		t.Fatalf("expected one delivered message, got %d", len(f.sink.sent))
	}
	sent := f.sink.sent[0]
	if sent.topic != "orders" {
		t.Fatalf("unexpected topic %q", sent.topic)
	}
	if string(sent.msg.Key) != healthy.String() {
		t.Fatalf("message key should be the aggregate id")
	}
	for _, attr := range []string{"event_id", "event_type", "aggregate_type", "aggregate_id", "created_at"} {
		if sent.msg.Attributes[attr] == "" {
			t.Fatalf("missing attribute %s", attr)
		}
	}
	if sent.msg.Attributes["event_type"] != string(enums.EventOrderCreated) {
		t.Fatalf("unexpected event_type attribute %q", sent.msg.Attributes["event_type"])
	}
	if got := relayedCount(t, f.reg); got != 2 {
		t.Fatalf("expected published and retry series, got %d", got)
	}
}

func TestServiceProcessBatchRetriesUntilDelivered(t *testing.T) {
	f := newRelayFixture(t, config.OutboxConfig{MaxAttempts: 5})
	orderID := f.emitOrderCreated(t)
	f.sink.failFor[orderID.String()] = errors.New("timeout")

	if _, err := f.service.processBatch(context.Background()); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	delete(f.sink.failFor, orderID.String())
	if _, err := f.service.processBatch(context.Background()); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	row := f.row(t, orderID)
	if row.PublishedAt == nil {
		t.Fatalf("row should be published on retry")
	}
	processed, err := f.service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("third batch: %v", err)
	}
	if processed {
		t.Fatalf("published rows must not be claimed again")
	}
}

func TestServiceProcessBatchWritesDLQOnNonRetryable(t *testing.T) {
	f := newRelayFixture(t, config.OutboxConfig{MaxAttempts: 5})
	orderID := f.emitOrderCreated(t)
	f.sink.failFor[orderID.String()] = registry.NewNonRetryableError(errors.New("topic missing"))

	if _, err := f.service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}

	row := f.row(t, orderID)
	if row.AttemptCount != 5 {
		t.Fatalf("expected row parked at max attempts, got %d", row.AttemptCount)
	}
	entry, err := outbox.NewDLQRepository(f.client.DB()).FindByEventID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("dlq lookup: %v", err)
	}
	if entry.ErrorReason != enums.OutboxDLQReasonUnroutable {
		t.Fatalf("unexpected reason %s", entry.ErrorReason)
	}

	processed, err := f.service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if processed {
		t.Fatalf("dead-lettered row must not be claimed again")
	}
}

func TestServiceProcessBatchWritesDLQOnUnknownEvent(t *testing.T) {
	f := newRelayFixture(t, config.OutboxConfig{MaxAttempts: 5})
	row := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventOrderCreated,
		AggregateType: enums.AggregateProduct,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{"version":1,"eventId":"x","data":{}}`),
	}
	if err := f.client.DB().Create(&row).Error; err != nil {
		t.Fatalf("insert row: %v", err)
	}

	if _, err := f.service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if f.sink.attempts != 0 {
		t.Fatalf("unresolvable rows must not reach the sink")
	}
	entry, err := outbox.NewDLQRepository(f.client.DB()).FindByEventID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("dlq lookup: %v", err)
	}
	if entry.ErrorReason != enums.OutboxDLQReasonNonRetryable {
		t.Fatalf("unexpected reason %s", entry.ErrorReason)
	}
}

func TestServiceProcessBatchWritesDLQOnMaxAttempts(t *testing.T) {
	f := newRelayFixture(t, config.OutboxConfig{MaxAttempts: 2})
	orderID := f.emitOrderCreated(t)
	f.sink.failFor[orderID.String()] = errors.New("still down")

	for i := 0; i < 2; i++ {
		if _, err := f.service.processBatch(context.Background()); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}

	row := f.row(t, orderID)
	entry, err := outbox.NewDLQRepository(f.client.DB()).FindByEventID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("dlq lookup: %v", err)
	}
	if entry.ErrorReason != enums.OutboxDLQReasonMaxAttempts {
		t.Fatalf("unexpected reason %s", entry.ErrorReason)
	}
	if entry.AttemptCount != 1 {
		t.Fatalf("expected dlq to record prior attempts, got %d", entry.AttemptCount)
	}
	if f.sink.attempts != 2 {
		t.Fatalf("expected two send attempts, got %d", f.sink.attempts)
	}
}

func TestServiceRunFailsWhenSinkUnreachable(t *testing.T) {
	f := newRelayFixture(t, config.OutboxConfig{})
	f.sink.pingErr = errors.New("dial refused")

	err := f.service.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "fake ping failed") {
		t.Fatalf("expected readiness error, got %v", err)
	}
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	f := newRelayFixture(t, config.OutboxConfig{PollIntervalMS: 5})
	f.emitOrderCreated(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := f.service.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if len(f.sink.sent) != 1 {
		t.Fatalf("expected the pending row to be relayed, got %d", len(f.sink.sent))
	}
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	if _, err := NewService(ServiceParams{Logger: logger.Nop()}); err == nil {
		t.Fatalf("expected error without database")
	}
}

type fakeProducer struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
	err     error
}

func (p *fakeProducer) Ping(context.Context) error { return nil }

func (p *fakeProducer) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return p.err
}

func TestKafkaSinkForwardsKeyAndHeaders(t *testing.T) {
	producer := &fakeProducer{}
	sink := &kafkaSink{producer: producer}

	err := sink.Send(context.Background(), "orders", Message{
		Key:        []byte("order-1"),
		Data:       []byte(`{}`),
		Attributes: map[string]string{"event_type": "order_created"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if producer.topic != "orders" || string(producer.key) != "order-1" {
		t.Fatalf("unexpected routing %s/%s", producer.topic, producer.key)
	}
	if producer.headers["event_type"] != "order_created" {
		t.Fatalf("headers not forwarded")
	}
	if sink.Name() != config.OutboxSinkKafka {
		t.Fatalf("unexpected sink name %s", sink.Name())
	}
}

type stubPublishResult struct {
	err error
}

func (r stubPublishResult) Get(context.Context) (string, error) { return "msg-1", r.err }

type stubTopicPublisher struct {
	got *gcppubsub.Message
	err error
}

func (p *stubTopicPublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	p.got = msg
	return stubPublishResult{err: p.err}
}

func TestPubSubSinkAddsKeyAttribute(t *testing.T) {
	pub := &stubTopicPublisher{}
	sink := &pubSubSink{publisher: func(topic string) topicPublisher {
		if topic != "orders" {
			return nil
		}
		return pub
	}}

	err := sink.Send(context.Background(), "orders", Message{
		Key:        []byte("order-1"),
		Data:       []byte(`{}`),
		Attributes: map[string]string{"event_id": "e1"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if pub.got.Attributes["key"] != "order-1" || pub.got.Attributes["event_id"] != "e1" {
		t.Fatalf("unexpected attributes %v", pub.got.Attributes)
	}

	err = sink.Send(context.Background(), "unknown", Message{Key: []byte("k")})
	var nonRetry registry.NonRetryableError
	if !errors.As(err, &nonRetry) {
		t.Fatalf("unknown topic should be non-retryable, got %v", err)
	}
}
