package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/metrics"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox/payloads"
	"github.com/angelmondragon/orderflow-engine/pkg/retry"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

const statusCacheScope = "order_status"

type stockReleaser interface {
	ReleaseForOrder(ctx context.Context, tx *gorm.DB, order *models.Order, actor types.Actor, reason string) ([]models.StockMovement, error)
}

// TransitionerParams wires the order state machine.
type TransitionerParams struct {
	DB       txRunner
	Repo     Repository
	Releaser stockReleaser
	Outbox   outbox.Emitter
	Cache    StatusCache
	Metrics  *metrics.EngineMetrics
	Retry    retry.Policy
	Logger   *logger.Logger
}

// Transitioner moves orders through the status table. Every change locks
// the order row, bumps its version and appends a history row in one tx.
type Transitioner struct {
	db       txRunner
	repo     Repository
	releaser stockReleaser
	outbox   outbox.Emitter
	cache    StatusCache
	metrics  *metrics.EngineMetrics
	retry    retry.Policy
	logg     *logger.Logger
	now      func() time.Time
}

func NewTransitioner(params TransitionerParams) (*Transitioner, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Releaser == nil {
		return nil, fmt.Errorf("stock releaser required")
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
	return &Transitioner{
		db:       params.DB,
		repo:     params.Repo,
		releaser: params.Releaser,
		outbox:   params.Outbox,
		cache:    params.Cache,
		metrics:  params.Metrics,
		retry:    params.Retry,
		logg:     params.Logger,
		now:      time.Now,
	}, nil
}

// Transition runs one transition in its own transaction, retrying lost
// races. A stale ExpectedVersion is reported at once.
func (t *Transitioner) Transition(ctx context.Context, input TransitionInput) (*models.Order, error) {
	policy := t.retry
	if input.ExpectedVersion != nil {
		policy.MaxRetries = 0
	}

	var result *models.Order
	err := retry.OnConflict(ctx, policy, func(ctx context.Context) error {
		return t.db.WithTx(ctx, func(tx *gorm.DB) error {
			order, err := t.repo.WithTx(tx).LockByID(ctx, input.OrderID)
			if err != nil {
				if db.IsNotFound(err) {
					return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
				}
				return db.MapError(err)
			}
			if err := t.TransitionTx(ctx, tx, order, input); err != nil {
				return err
			}
			result = order
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	t.Forget(ctx, result.ID)
	return result, nil
}

// TransitionTx applies input to an order already locked inside tx and
// updates order in place. Cancelling returns any stock the order holds.
func (t *Transitioner) TransitionTx(ctx context.Context, tx *gorm.DB, order *models.Order, input TransitionInput) error {
	if tx == nil || order == nil {
		return fmt.Errorf("transaction and order required")
	}
	if !input.To.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid order status %q", input.To))
	}
	if !input.Actor.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid actor type %q", input.Actor.Type))
	}
	if input.ExpectedVersion != nil && *input.ExpectedVersion != order.Version {
		return pkgerrors.StorageConflict(nil,
			fmt.Sprintf("order version is %d, expected %d", order.Version, *input.ExpectedVersion))
	}

	from := order.Status
	if !from.CanTransition(input.To, input.Actor.Type) {
		return pkgerrors.IllegalTransition(pkgerrors.TransitionRejection{
			OrderID:         order.ID.String(),
			CurrentStatus:   string(from),
			RequestedStatus: string(input.To),
			Actor:           string(input.Actor.Type),
		})
	}

	comment := strings.TrimSpace(input.Comment)
	if input.To == enums.OrderStatusCancelled {
		reason := comment
		if reason == "" {
			reason = "order cancelled"
		}
		if _, err := t.releaser.ReleaseForOrder(ctx, tx, order, input.Actor, reason); err != nil {
			return err
		}
	}

	now := t.now().UTC()
	updates := map[string]any{"status": input.To}
	if input.To == enums.OrderStatusCancelled {
		updates["cancelled_at"] = now
	}
	input.Patch.columns(updates)

	repo := t.repo.WithTx(tx)
	ok, err := repo.UpdateGuarded(ctx, order.ID, order.Version, updates)
	if err != nil {
		return db.MapError(err)
	}
	if !ok {
		return pkgerrors.StorageConflict(nil, "order was modified concurrently")
	}

	fromStatus := from
	entry := &models.OrderStatusHistory{
		OrderID:    order.ID,
		FromStatus: &fromStatus,
		ToStatus:   input.To,
		ActorType:  input.Actor.Type,
		ActorID:    input.Actor.ID,
		Comment:    optionalString(comment),
		CreatedAt:  now,
	}
	if err := repo.AppendHistory(ctx, entry); err != nil {
		return db.MapError(err)
	}

	order.Status = input.To
	order.Version++
	order.UpdatedAt = now
	if input.To == enums.OrderStatusCancelled {
		order.CancelledAt = &now
	}
	input.Patch.applyTo(order)

	if err := t.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderStatusChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         &outbox.ActorRef{Type: input.Actor.Type, ID: input.Actor.ID},
		OccurredAt:    now,
		Data: payloads.OrderStatusChangedEvent{
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			FromStatus:  from,
			ToStatus:    input.To,
			ActorType:   input.Actor.Type,
			ActorID:     input.Actor.ID,
			Comment:     comment,
			Version:     order.Version,
			ChangedAt:   now,
		},
	}); err != nil {
		return err
	}
	if input.To == enums.OrderStatusCancelled && order.PaymentStatus == enums.PaymentStatusPaid {
		if err := t.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderRefundRequired,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{Type: input.Actor.Type, ID: input.Actor.ID},
			OccurredAt:    now,
			Data: payloads.OrderRefundRequiredEvent{
				OrderID:         order.ID,
				OrderNumber:     order.OrderNumber,
				PaymentIntentID: deref(order.PaymentReference),
				AmountCents:     order.TotalCents,
				Currency:        order.Currency,
				Reason:          "cancelled_after_payment",
			},
		}); err != nil {
			return err
		}
	}

	t.metrics.Transition(string(from), string(input.To), string(input.Actor.Type))
	logCtx := t.logg.WithOrderID(ctx, order.ID.String())
	logCtx = t.logg.WithActor(logCtx, string(input.Actor.Type), input.Actor.IDString())
	t.logg.Info(logCtx, fmt.Sprintf("order %s -> %s", from, input.To))
	return nil
}

// PatchTx updates payment bookkeeping on a locked order without a status
// change.
func (t *Transitioner) PatchTx(ctx context.Context, tx *gorm.DB, order *models.Order, patch OrderPatch) error {
	if tx == nil || order == nil {
		return fmt.Errorf("transaction and order required")
	}
	if patch.isEmpty() {
		return nil
	}
	updates := map[string]any{}
	patch.columns(updates)
	ok, err := t.repo.WithTx(tx).UpdateGuarded(ctx, order.ID, order.Version, updates)
	if err != nil {
		return db.MapError(err)
	}
	if !ok {
		return pkgerrors.StorageConflict(nil, "order was modified concurrently")
	}
	order.Version++
	order.UpdatedAt = t.now().UTC()
	patch.applyTo(order)
	return nil
}

// LockTx loads and locks an order inside tx.
func (t *Transitioner) LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	order, err := t.repo.WithTx(tx).LockByID(ctx, orderID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, db.MapError(err)
	}
	return order, nil
}

// Forget drops the cached status projection. Call it after the transaction
// that changed the order has committed.
func (t *Transitioner) Forget(ctx context.Context, orderID uuid.UUID) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Del(ctx, t.cache.CacheKey(statusCacheScope, orderID.String())); err != nil {
		t.logg.Warn(t.logg.WithOrderID(ctx, orderID.String()), "order status cache invalidation failed")
	}
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
