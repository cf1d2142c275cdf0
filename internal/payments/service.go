// Package payments correlates gateway payment intents with orders. Every
// state the gateway reports goes through Reconcile, whether it arrived by
// webhook or by a client asking us to confirm.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/orders"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/metrics"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	"github.com/angelmondragon/orderflow-engine/pkg/retry"
	pkgstripe "github.com/angelmondragon/orderflow-engine/pkg/stripe"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type orderStateMachine interface {
	LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, order *models.Order, input orders.TransitionInput) error
	PatchTx(ctx context.Context, tx *gorm.DB, order *models.Order, patch orders.OrderPatch) error
	Forget(ctx context.Context, orderID uuid.UUID)
}

type stockDecrementer interface {
	DecrementForOrder(ctx context.Context, tx *gorm.DB, order *models.Order, actor types.Actor) error
}

type orderReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
}

// ServiceParams wires the payment correlation service.
type ServiceParams struct {
	DB           txRunner
	Repo         Repository
	Gateway      Gateway
	Orders       orderReader
	Transitions  orderStateMachine
	Reservations stockDecrementer
	Outbox       outbox.Emitter
	Metrics      *metrics.EngineMetrics
	Retry        retry.Policy
	Logger       *logger.Logger
}

// Service opens payment attempts and reconciles gateway outcomes.
type Service struct {
	db           txRunner
	repo         Repository
	gateway      Gateway
	orders       orderReader
	transitions  orderStateMachine
	reservations stockDecrementer
	outbox       outbox.Emitter
	metrics      *metrics.EngineMetrics
	retry        retry.Policy
	logg         *logger.Logger
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order reader required")
	}
	if params.Transitions == nil {
		return nil, fmt.Errorf("order state machine required")
	}
	if params.Reservations == nil {
		return nil, fmt.Errorf("reservation coordinator required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.Retry.Base <= 0 {
		params.Retry = retry.DefaultPolicy
	}
	return &Service{
		db:           params.DB,
		repo:         params.Repo,
		gateway:      params.Gateway,
		orders:       params.Orders,
		transitions:  params.Transitions,
		reservations: params.Reservations,
		outbox:       params.Outbox,
		metrics:      params.Metrics,
		retry:        params.Retry,
		logg:         params.Logger,
		now:          time.Now,
	}, nil
}

// StartAttempt opens a gateway intent for the order total and makes it the
// order's only active attempt. The previous attempt is kept, flagged stale,
// and its intent is cancelled at the gateway on a best-effort basis.
func (s *Service) StartAttempt(ctx context.Context, order *models.Order) (*orders.PaymentHandle, error) {
	if order == nil {
		return nil, fmt.Errorf("order required")
	}
	if order.Status != enums.OrderStatusPending || order.PaymentStatus == enums.PaymentStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order no longer accepts payment")
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	count, err := s.repo.CountForOrder(ctx, order.ID)
	if err != nil {
		return nil, db.MapError(err)
	}
	intent, err := s.gateway.CreateIntent(ctx, pkgstripe.CreateIntentInput{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		AmountCents:    order.TotalCents,
		Currency:       order.Currency,
		IdempotencyKey: fmt.Sprintf("order:%s:attempt:%d", order.ID, count+1),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "creating payment intent")
	}

	attempt := &models.PaymentAttempt{
		ID:              uuid.New(),
		OrderID:         order.ID,
		Gateway:         s.gateway.Name(),
		GatewayIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		AmountCents:     order.TotalCents,
		Currency:        order.Currency,
		Status:          enums.PaymentAttemptRequiresPayment,
	}

	var superseded *models.PaymentAttempt
	err = retry.OnConflict(ctx, s.retry, func(ctx context.Context) error {
		superseded = nil
		return s.db.WithTx(ctx, func(tx *gorm.DB) error {
			locked, err := s.transitions.LockTx(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if locked.Status != enums.OrderStatusPending || locked.PaymentStatus == enums.PaymentStatusPaid {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "order no longer accepts payment")
			}

			repo := s.repo.WithTx(tx)
			existing, err := repo.FindByIntentID(ctx, intent.ID)
			switch {
			case err == nil:
				// A retried create returned an intent we already stored.
				attempt = existing
				return nil
			case !db.IsNotFound(err):
				return db.MapError(err)
			}

			previous, err := repo.LockActive(ctx, order.ID)
			if err != nil && !db.IsNotFound(err) {
				return db.MapError(err)
			}
			if previous != nil {
				if err := repo.Supersede(ctx, previous.ID, attempt.ID, s.now().UTC()); err != nil {
					return db.MapError(err)
				}
				superseded = previous
			}
			if err := repo.Create(ctx, attempt); err != nil {
				if db.IsUniqueViolation(err, "") {
					return pkgerrors.StorageConflict(err, "another payment attempt was opened concurrently")
				}
				return db.MapError(err)
			}

			ref := intent.ID
			patch := orders.OrderPatch{PaymentReference: &ref}
			if locked.PaymentStatus == enums.PaymentStatusFailed {
				unpaid := enums.PaymentStatusUnpaid
				patch.PaymentStatus = &unpaid
			}
			return s.transitions.PatchTx(ctx, tx, locked, patch)
		})
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			s.cancelIntent(ctx, intent.ID)
		}
		return nil, err
	}
	s.transitions.Forget(ctx, order.ID)

	if superseded != nil {
		s.cancelIntent(ctx, superseded.GatewayIntentID)
	}
	s.logg.Info(ctx, fmt.Sprintf("payment attempt %d opened", count+1))

	return &orders.PaymentHandle{
		AttemptID:    attempt.ID,
		IntentID:     attempt.GatewayIntentID,
		ClientSecret: attempt.ClientSecret,
		Gateway:      attempt.Gateway,
	}, nil
}

// Confirm asks the gateway what happened to the order's payment and
// reconciles that answer. Whatever the client claims is ignored.
func (s *Service) Confirm(ctx context.Context, input ConfirmInput) (*ConfirmResult, error) {
	ctx = s.logg.WithOrderID(ctx, input.OrderID.String())
	attempt, err := s.attemptForConfirm(ctx, input)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.RetrieveIntent(ctx, attempt.GatewayIntentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "retrieving payment intent")
	}

	if intent.Status != enums.PaymentAttemptRequiresPayment {
		_, err := s.Reconcile(ctx, GatewayEvent{
			IntentID:      intent.ID,
			Status:        intent.Status,
			OccurredAt:    s.now().UTC(),
			Source:        SourceConfirm,
			FailureReason: intent.FailureReason,
		})
		switch {
		case err == nil:
		case pkgerrors.IsCode(err, pkgerrors.CodeReconciliationConflict):
			s.logg.Warn(ctx, "confirm absorbed reconciliation conflict: "+err.Error())
		default:
			return nil, err
		}
	}

	order, err := s.orders.FindByID(ctx, input.OrderID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, err
	}
	return &ConfirmResult{
		OrderID:             order.ID,
		OrderStatus:         order.Status,
		PaymentStatus:       order.PaymentStatus,
		NeedsReconciliation: order.NeedsReconciliation,
		IntentID:            intent.ID,
		IntentStatus:        intent.Status,
	}, nil
}

// RetryShortfall re-runs confirmation for an order that was paid while its
// stock could not be taken. The paid intent is looked up again at the
// gateway, so the order advances once stock has been restored and stays
// flagged otherwise.
func (s *Service) RetryShortfall(ctx context.Context, orderID uuid.UUID) (*ConfirmResult, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, err
	}
	shortfall := order.NeedsReconciliation &&
		order.ReconciliationReason != nil && *order.ReconciliationReason == reasonInsufficientStock
	if order.Status != enums.OrderStatusPending || !shortfall || order.PaymentReference == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no stock shortfall to retry").
			WithDetails(map[string]any{"status": order.Status, "needs_reconciliation": order.NeedsReconciliation})
	}
	s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "retrying stock shortfall")
	return s.Confirm(ctx, ConfirmInput{OrderID: order.ID, IntentID: *order.PaymentReference})
}

func (s *Service) attemptForConfirm(ctx context.Context, input ConfirmInput) (*models.PaymentAttempt, error) {
	var (
		attempt *models.PaymentAttempt
		err     error
	)
	if input.IntentID != "" {
		attempt, err = s.repo.FindByIntentID(ctx, input.IntentID)
	} else {
		attempt, err = s.repo.FindLatest(ctx, input.OrderID)
	}
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment attempt not found")
		}
		return nil, err
	}
	if attempt.OrderID != input.OrderID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment attempt not found")
	}
	return attempt, nil
}

// CancelActiveAttempt cancels the order's open intent at the gateway and
// marks the attempt canceled. Used after an order is abandoned; failures are
// returned for logging only.
func (s *Service) CancelActiveAttempt(ctx context.Context, orderID uuid.UUID) error {
	attempt, err := s.repo.FindActive(ctx, orderID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := s.gateway.CancelIntent(ctx, attempt.GatewayIntentID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancelling payment intent")
	}
	now := s.now().UTC()
	reason := "order abandoned"
	_, err = s.repo.UpdateStatusIf(ctx, attempt.ID, enums.PaymentAttemptRequiresPayment, map[string]any{
		"status":            enums.PaymentAttemptCanceled,
		"gateway_status_at": now,
		"failure_reason":    reason,
	})
	return db.MapError(err)
}

// Attempts lists every attempt for an order, oldest first.
func (s *Service) Attempts(ctx context.Context, orderID uuid.UUID) ([]models.PaymentAttempt, error) {
	return s.repo.ListForOrder(ctx, orderID)
}

func (s *Service) cancelIntent(ctx context.Context, intentID string) {
	if err := s.gateway.CancelIntent(ctx, intentID); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "intent_id", intentID), "best-effort intent cancel failed: "+err.Error())
	}
}
