package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/orders"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox/payloads"
	"github.com/angelmondragon/orderflow-engine/pkg/retry"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

// Reconcile applies one observed intent state to its attempt and order in a
// single transaction.
//
// Duplicate and out-of-order events come back as RECONCILIATION_CONFLICT and
// change nothing. When a paid order cannot be covered by stock the
// compensations and the shortfall flag are committed and INSUFFICIENT_STOCK
// is returned together with the result.
func (s *Service) Reconcile(ctx context.Context, event GatewayEvent) (*ReconcileResult, error) {
	event.IntentID = strings.TrimSpace(event.IntentID)
	if event.IntentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent id required")
	}
	if !event.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid intent status %q", event.Status))
	}
	if event.Source == "" {
		event.Source = SourceWebhook
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	ctx = s.logg.WithFields(ctx, map[string]any{"intent_id": event.IntentID, "source": event.Source})

	var result *ReconcileResult
	err := retry.OnConflict(ctx, s.retry, func(ctx context.Context) error {
		result = nil
		return s.db.WithTx(ctx, func(tx *gorm.DB) error {
			var err error
			result, err = s.reconcileTx(ctx, tx, event)
			return err
		})
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeReconciliationConflict) {
			s.metrics.Reconciliation(event.Source, OutcomeConflict)
			s.logg.Warn(ctx, err.Error())
		} else {
			s.metrics.Reconciliation(event.Source, "error")
		}
		return nil, err
	}

	s.transitions.Forget(ctx, result.OrderID)
	s.metrics.Reconciliation(event.Source, result.Outcome)
	logCtx := s.logg.WithOrderID(ctx, result.OrderID.String())
	s.logg.Info(logCtx, fmt.Sprintf("intent %s reconciled: %s", event.Status, result.Outcome))
	return result, result.stockErr
}

func (s *Service) reconcileTx(ctx context.Context, tx *gorm.DB, event GatewayEvent) (*ReconcileResult, error) {
	repo := s.repo.WithTx(tx)
	// Order row first, then the attempt: the same order StartAttempt takes.
	found, err := repo.FindByIntentID(ctx, event.IntentID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.ReconciliationConflict(event.IntentID, "unknown payment intent")
		}
		return nil, db.MapError(err)
	}
	order, err := s.transitions.LockTx(ctx, tx, found.OrderID)
	if err != nil {
		return nil, err
	}
	attempt, err := repo.LockByIntentID(ctx, event.IntentID)
	if err != nil {
		return nil, db.MapError(err)
	}

	switch event.Status {
	case enums.PaymentAttemptSucceeded:
		return s.applySuccess(ctx, tx, repo, attempt, order, event)
	case enums.PaymentAttemptFailed, enums.PaymentAttemptCanceled:
		return s.applyFailure(ctx, tx, repo, attempt, order, event)
	default:
		return resultFor(attempt, order, OutcomeIgnored), nil
	}
}

func (s *Service) applySuccess(ctx context.Context, tx *gorm.DB, repo Repository, attempt *models.PaymentAttempt, order *models.Order, event GatewayEvent) (*ReconcileResult, error) {
	flipped := false
	switch attempt.Status {
	case enums.PaymentAttemptCanceled:
		return nil, pkgerrors.ReconciliationConflict(event.IntentID, "attempt was canceled")
	case enums.PaymentAttemptFailed:
		if attempt.GatewayStatusAt != nil && !event.OccurredAt.After(*attempt.GatewayStatusAt) {
			return nil, pkgerrors.ReconciliationConflict(event.IntentID, "success is older than the recorded failure")
		}
		fallthrough
	case enums.PaymentAttemptRequiresPayment:
		ok, err := repo.UpdateStatusIf(ctx, attempt.ID, attempt.Status, map[string]any{
			"status":            enums.PaymentAttemptSucceeded,
			"gateway_status_at": event.OccurredAt,
			"last_event_id":     optional(event.EventID),
			"failure_reason":    nil,
		})
		if err != nil {
			return nil, db.MapError(err)
		}
		if !ok {
			return nil, pkgerrors.StorageConflict(nil, "payment attempt changed concurrently")
		}
		attempt.Status = enums.PaymentAttemptSucceeded
		attempt.GatewayStatusAt = &event.OccurredAt
		flipped = true
	}

	switch order.Status {
	case enums.OrderStatusPending:
		return s.advance(ctx, tx, attempt, order)
	case enums.OrderStatusCancelled:
		if !flipped {
			return nil, pkgerrors.ReconciliationConflict(event.IntentID, "refund already requested")
		}
		if err := s.requireRefund(ctx, tx, attempt, order, reasonPaidAfterCancel); err != nil {
			return nil, err
		}
		return resultFor(attempt, order, OutcomeRefundRequired), nil
	default:
		if flipped && (order.PaymentReference == nil || *order.PaymentReference != attempt.GatewayIntentID) {
			if err := s.requireRefund(ctx, tx, attempt, order, reasonDuplicatePayment); err != nil {
				return nil, err
			}
			return resultFor(attempt, order, OutcomeRefundRequired), nil
		}
		return nil, pkgerrors.ReconciliationConflict(event.IntentID, "order already advanced")
	}
}

// advance takes the order's stock and moves it to processing. A stale
// attempt that was paid still counts: the money is real.
func (s *Service) advance(ctx context.Context, tx *gorm.DB, attempt *models.PaymentAttempt, order *models.Order) (*ReconcileResult, error) {
	actor := types.GatewayActor()
	if err := s.reservations.DecrementForOrder(ctx, tx, order, actor); err != nil {
		if !pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock) {
			return nil, err
		}
		if ferr := s.recordShortfall(ctx, tx, attempt, order, err); ferr != nil {
			return nil, ferr
		}
		result := resultFor(attempt, order, OutcomeShortfall)
		result.stockErr = err
		return result, nil
	}

	paid := enums.PaymentStatusPaid
	ref := attempt.GatewayIntentID
	patch := orders.OrderPatch{PaymentStatus: &paid, PaymentReference: &ref}
	if order.NeedsReconciliation {
		cleared := false
		patch.NeedsReconciliation = &cleared
	}
	if err := s.transitions.TransitionTx(ctx, tx, order, orders.TransitionInput{
		OrderID: order.ID,
		To:      enums.OrderStatusProcessing,
		Actor:   actor,
		Comment: "payment confirmed",
		Patch:   patch,
	}); err != nil {
		return nil, err
	}
	return resultFor(attempt, order, OutcomeAdvanced), nil
}

func (s *Service) recordShortfall(ctx context.Context, tx *gorm.DB, attempt *models.PaymentAttempt, order *models.Order, stockErr error) error {
	paid := enums.PaymentStatusPaid
	flag := true
	reason := reasonInsufficientStock
	ref := attempt.GatewayIntentID
	if err := s.transitions.PatchTx(ctx, tx, order, orders.OrderPatch{
		PaymentStatus:        &paid,
		PaymentReference:     &ref,
		NeedsReconciliation:  &flag,
		ReconciliationReason: &reason,
	}); err != nil {
		return err
	}

	event := payloads.OrderStockShortfallEvent{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		PaymentIntentID: attempt.GatewayIntentID,
	}
	if typed := pkgerrors.As(stockErr); typed != nil {
		if shortage, ok := typed.Details().(pkgerrors.StockShortage); ok {
			event.Requested = shortage.Requested
			event.Available = shortage.Available
			if id, err := uuid.Parse(shortage.ProductID); err == nil {
				event.ProductID = id
			}
		}
	}
	actor := types.GatewayActor()
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderStockShortfall,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         &outbox.ActorRef{Type: actor.Type},
		Data:          event,
	}); err != nil {
		return err
	}
	s.logg.Warn(s.logg.WithOrderID(ctx, order.ID.String()), "paid order is short on stock; flagged for reconciliation")
	return nil
}

func (s *Service) requireRefund(ctx context.Context, tx *gorm.DB, attempt *models.PaymentAttempt, order *models.Order, reason string) error {
	flag := true
	patch := orders.OrderPatch{NeedsReconciliation: &flag, ReconciliationReason: &reason}
	if order.PaymentStatus != enums.PaymentStatusPaid {
		paid := enums.PaymentStatusPaid
		patch.PaymentStatus = &paid
	}
	if err := s.transitions.PatchTx(ctx, tx, order, patch); err != nil {
		return err
	}
	actor := types.GatewayActor()
	if err := s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderRefundRequired,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         &outbox.ActorRef{Type: actor.Type},
		Data: payloads.OrderRefundRequiredEvent{
			OrderID:         order.ID,
			OrderNumber:     order.OrderNumber,
			PaymentIntentID: attempt.GatewayIntentID,
			AmountCents:     attempt.AmountCents,
			Currency:        attempt.Currency,
			Reason:          reason,
		},
	}); err != nil {
		return err
	}
	s.logg.Warn(s.logg.WithOrderID(ctx, order.ID.String()), "payment needs refund: "+reason)
	return nil
}

// applyFailure records a failed or canceled intent. The order is never
// cancelled here; the customer may retry with a new attempt.
func (s *Service) applyFailure(ctx context.Context, tx *gorm.DB, repo Repository, attempt *models.PaymentAttempt, order *models.Order, event GatewayEvent) (*ReconcileResult, error) {
	switch attempt.Status {
	case enums.PaymentAttemptSucceeded:
		return nil, pkgerrors.ReconciliationConflict(event.IntentID, "attempt already succeeded")
	case enums.PaymentAttemptCanceled:
		return nil, pkgerrors.ReconciliationConflict(event.IntentID, "attempt already canceled")
	}
	if attempt.GatewayStatusAt != nil {
		if event.OccurredAt.Before(*attempt.GatewayStatusAt) ||
			(attempt.Status == event.Status && !event.OccurredAt.After(*attempt.GatewayStatusAt)) {
			return nil, pkgerrors.ReconciliationConflict(event.IntentID, "event is not newer than recorded state")
		}
	}

	ok, err := repo.UpdateStatusIf(ctx, attempt.ID, attempt.Status, map[string]any{
		"status":            event.Status,
		"gateway_status_at": event.OccurredAt,
		"last_event_id":     optional(event.EventID),
		"failure_reason":    optional(event.FailureReason),
	})
	if err != nil {
		return nil, db.MapError(err)
	}
	if !ok {
		return nil, pkgerrors.StorageConflict(nil, "payment attempt changed concurrently")
	}
	attempt.Status = event.Status
	attempt.GatewayStatusAt = &event.OccurredAt

	if order.Status == enums.OrderStatusPending && !attempt.Stale &&
		order.PaymentStatus == enums.PaymentStatusUnpaid {
		failed := enums.PaymentStatusFailed
		if err := s.transitions.PatchTx(ctx, tx, order, orders.OrderPatch{PaymentStatus: &failed}); err != nil {
			return nil, err
		}
	}

	actor := types.GatewayActor()
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentAttemptFailed,
		AggregateType: enums.AggregatePaymentAttempt,
		AggregateID:   attempt.ID,
		Actor:         &outbox.ActorRef{Type: actor.Type},
		Data: payloads.PaymentAttemptFailedEvent{
			OrderID:         order.ID,
			AttemptID:       attempt.ID,
			PaymentIntentID: attempt.GatewayIntentID,
			Status:          event.Status,
			FailureReason:   event.FailureReason,
		},
	}); err != nil {
		return nil, err
	}
	return resultFor(attempt, order, OutcomeRecordedFailed), nil
}

func resultFor(attempt *models.PaymentAttempt, order *models.Order, outcome string) *ReconcileResult {
	return &ReconcileResult{
		AttemptID:     attempt.ID,
		OrderID:       order.ID,
		AttemptStatus: attempt.Status,
		OrderStatus:   order.Status,
		PaymentStatus: order.PaymentStatus,
		Outcome:       outcome,
	}
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
