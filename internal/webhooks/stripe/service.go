// Package stripewebhook turns Stripe payment_intent events into payment
// reconciliations.
package stripewebhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/orderflow-engine/internal/payments"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	pkgstripe "github.com/angelmondragon/orderflow-engine/pkg/stripe"
)

type reconciler interface {
	Reconcile(ctx context.Context, event payments.GatewayEvent) (*payments.ReconcileResult, error)
}

type eventGuard interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type ServiceParams struct {
	Payments reconciler
	Guard    eventGuard
	Logger   *logger.Logger
}

type Service struct {
	payments reconciler
	guard    eventGuard
	logg     *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payments reconciler required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &Service{
		payments: params.Payments,
		guard:    params.Guard,
		logg:     params.Logger,
	}, nil
}

var intentStatuses = map[stripe.EventType]enums.PaymentAttemptStatus{
	stripe.EventTypePaymentIntentSucceeded:     enums.PaymentAttemptSucceeded,
	stripe.EventTypePaymentIntentPaymentFailed: enums.PaymentAttemptFailed,
	stripe.EventTypePaymentIntentCanceled:      enums.PaymentAttemptCanceled,
}

// HandleEvent reconciles a verified event. Events of other types and
// already-claimed event ids are acknowledged without work. Conflicts and
// stock shortfalls are absorbed: their outcome is already recorded. Any
// other failure releases the claim so Stripe's retry is processed.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	status, ok := intentStatuses[event.Type]
	if !ok {
		return nil
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"stripe_event_id": event.ID, "stripe_event_type": string(event.Type)})

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent")
	}
	if pi.ID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment intent id missing")
	}

	if s.guard != nil && event.ID != "" {
		claimed, err := s.guard.Claim(ctx, event.ID)
		switch {
		case err != nil:
			s.logg.Warn(ctx, "webhook guard unavailable; relying on reconciliation checks: "+err.Error())
		case !claimed:
			s.logg.Info(ctx, "duplicate stripe event skipped")
			return nil
		}
	}

	occurredAt := time.Now().UTC()
	if event.Created > 0 {
		occurredAt = time.Unix(event.Created, 0).UTC()
	}
	intent := pkgstripe.ToIntent(&pi)
	result, err := s.payments.Reconcile(ctx, payments.GatewayEvent{
		IntentID:      pi.ID,
		Status:        status,
		OccurredAt:    occurredAt,
		EventID:       event.ID,
		Source:        payments.SourceWebhook,
		FailureReason: intent.FailureReason,
	})
	switch {
	case err == nil:
		s.logg.Info(ctx, fmt.Sprintf("stripe event applied: %s", result.Outcome))
		return nil
	case pkgerrors.IsCode(err, pkgerrors.CodeReconciliationConflict):
		return nil
	case pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock):
		// The flag is committed; a resent event gets another try at the stock.
		s.logg.Warn(ctx, "paid order flagged for stock reconciliation")
		s.release(ctx, event.ID)
		return nil
	}

	s.release(ctx, event.ID)
	return err
}

func (s *Service) release(ctx context.Context, eventID string) {
	if s.guard == nil || eventID == "" {
		return
	}
	if err := s.guard.Release(ctx, eventID); err != nil {
		s.logg.Warn(ctx, "release webhook guard failed: "+err.Error())
	}
}
