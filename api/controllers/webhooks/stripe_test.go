package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/angelmondragon/orderflow-engine/internal/payments"
	stripewebhook "github.com/angelmondragon/orderflow-engine/internal/webhooks/stripe"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
)

const testSecret = "whsec_test"

func TestStripeWebhook_SuccessAndIdempotent(t *testing.T) {
	payload, header := buildSignedEvent(t, stripe.EventTypePaymentIntentSucceeded)
	reconciler := &fakeReconciler{}
	handler := newHandler(t, reconciler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d (%s)", i, rec.Code, rec.Body.String())
		}
	}
	if len(reconciler.events) != 1 {
		t.Fatalf("expected duplicate delivery to be skipped, got %d reconciliations", len(reconciler.events))
	}
	got := reconciler.events[0]
	if got.Status != enums.PaymentAttemptSucceeded || got.Source != payments.SourceWebhook {
		t.Fatalf("unexpected gateway event %+v", got)
	}
}

func TestStripeWebhook_InvalidSignature(t *testing.T) {
	payload, _ := buildSignedEvent(t, stripe.EventTypePaymentIntentSucceeded)
	reconciler := &fakeReconciler{}
	handler := newHandler(t, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=invalid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid signature, got %d", rec.Code)
	}
	if len(reconciler.events) != 0 {
		t.Fatalf("reconciler should not be invoked on invalid signature")
	}
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	payload, _ := buildSignedEvent(t, stripe.EventTypePaymentIntentSucceeded)
	handler := newHandler(t, &fakeReconciler{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStripeWebhook_FailureAllowsRedelivery(t *testing.T) {
	payload, header := buildSignedEvent(t, stripe.EventTypePaymentIntentPaymentFailed)
	reconciler := &fakeReconciler{err: errors.New("database down")}
	handler := newHandler(t, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code < 500 {
		t.Fatalf("expected 5xx so Stripe retries, got %d", rec.Code)
	}

	reconciler.err = nil
	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", header)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected redelivery to succeed, got %d", rec.Code)
	}
	if len(reconciler.events) != 2 {
		t.Fatalf("expected two reconcile attempts, got %d", len(reconciler.events))
	}
}

func TestStripeWebhook_ConflictIsAcknowledged(t *testing.T) {
	payload, header := buildSignedEvent(t, stripe.EventTypePaymentIntentSucceeded)
	reconciler := &fakeReconciler{err: pkgerrors.ReconciliationConflict("pi_1", "order already advanced")}
	handler := newHandler(t, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected conflict to be absorbed, got %d", rec.Code)
	}
}

func TestStripeWebhook_OtherModeIsIgnored(t *testing.T) {
	payload, header := buildSignedEventInMode(t, stripe.EventTypePaymentIntentSucceeded, true)
	reconciler := &fakeReconciler{}
	handler := newHandler(t, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected live event to be acknowledged, got %d", rec.Code)
	}
	if len(reconciler.events) != 0 {
		t.Fatalf("live event must not reach reconciliation in test mode")
	}
	var body struct {
		Data webhookAck `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Data.Ignored != "livemode_mismatch" {
		t.Fatalf("unexpected ack %+v", body.Data)
	}
}

func newHandler(t *testing.T, reconciler *fakeReconciler) http.HandlerFunc {
	t.Helper()
	guard, err := stripewebhook.NewEventGuard(newInMemoryStore(), time.Minute, "stripe_event")
	if err != nil {
		t.Fatalf("guard setup: %v", err)
	}
	svc, err := stripewebhook.NewService(stripewebhook.ServiceParams{Payments: reconciler, Guard: guard})
	if err != nil {
		t.Fatalf("service setup: %v", err)
	}
	return StripeWebhook(svc, signingVerifier{secret: testSecret}, false, nil)
}

func buildSignedEvent(t *testing.T, eventType stripe.EventType) ([]byte, string) {
	t.Helper()
	return buildSignedEventInMode(t, eventType, false)
}

func buildSignedEventInMode(t *testing.T, eventType stripe.EventType, livemode bool) ([]byte, string) {
	t.Helper()
	intent := &stripe.PaymentIntent{
		ID:       "pi_" + uuid.NewString(),
		Amount:   2000,
		Currency: stripe.CurrencyUSD,
		Metadata: map[string]string{"order_id": uuid.NewString()},
	}
	rawIntent, err := json.Marshal(intent)
	if err != nil {
		t.Fatalf("marshal intent: %v", err)
	}
	event := &stripe.Event{
		ID:         "evt_" + uuid.NewString(),
		Type:       eventType,
		Object:     "event",
		APIVersion: stripe.APIVersion,
		Created:    time.Now().Unix(),
		Livemode:   livemode,
		Data: &stripe.EventData{
			Raw: rawIntent,
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	header := buildStripeSignatureHeader(payload, testSecret, time.Now().Unix())
	return payload, header
}

func buildStripeSignatureHeader(payload []byte, secret string, ts int64) string {
	signedPayload := fmt.Sprintf("%d.%s", ts, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

type fakeReconciler struct {
	events []payments.GatewayEvent
	err    error
}

func (f *fakeReconciler) Reconcile(_ context.Context, event payments.GatewayEvent) (*payments.ReconcileResult, error) {
	f.events = append(f.events, event)
	if f.err != nil {
		return nil, f.err
	}
	return &payments.ReconcileResult{Outcome: payments.OutcomeAdvanced}, nil
}

type signingVerifier struct {
	secret string
}

func (v signingVerifier) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEvent(payload, signature, v.secret)
}

type inMemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newInMemoryStore() *inMemoryStore {
	return &inMemoryStore{
		data: make(map[string]string),
	}
}

func (s *inMemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func (s *inMemoryStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = fmt.Sprintf("%v", value)
	return true, nil
}

func (s *inMemoryStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("of:idempotency:%s:%s", scope, id)
}

func (s *inMemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}
