// Package orders owns the order aggregate: creation from a cart snapshot,
// the status state machine and the read paths.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/checkout"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox/payloads"
	pkgredis "github.com/angelmondragon/orderflow-engine/pkg/redis"
	"github.com/angelmondragon/orderflow-engine/pkg/retry"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

type snapshotBuilder interface {
	Build(ctx context.Context, input checkout.CartInput) (*checkout.Snapshot, error)
}

type paymentStarter interface {
	StartAttempt(ctx context.Context, order *models.Order) (*PaymentHandle, error)
}

// ServiceParams wires the order service.
type ServiceParams struct {
	DB          txRunner
	Repo        Repository
	Builder     snapshotBuilder
	Transitions *Transitioner
	Payments    paymentStarter
	Outbox      outbox.Emitter
	Cache       StatusCache
	CacheTTL    time.Duration
	Gateway     string
	Retry       retry.Policy
	Logger      *logger.Logger
}

// Service is the order use-case surface the HTTP layer talks to.
type Service struct {
	db          txRunner
	repo        Repository
	builder     snapshotBuilder
	transitions *Transitioner
	payments    paymentStarter
	outbox      outbox.Emitter
	cache       StatusCache
	cacheTTL    time.Duration
	gateway     string
	retry       retry.Policy
	logg        *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Builder == nil {
		return nil, fmt.Errorf("snapshot builder required")
	}
	if params.Transitions == nil {
		return nil, fmt.Errorf("transitioner required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payment starter required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Gateway == "" {
		return nil, fmt.Errorf("payment gateway name required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.CacheTTL <= 0 {
		params.CacheTTL = 30 * time.Second
	}
	if params.Retry.Base <= 0 {
		params.Retry = retry.DefaultPolicy
	}
	return &Service{
		db:          params.DB,
		repo:        params.Repo,
		builder:     params.Builder,
		transitions: params.Transitions,
		payments:    params.Payments,
		outbox:      params.Outbox,
		cache:       params.Cache,
		cacheTTL:    params.CacheTTL,
		gateway:     params.Gateway,
		retry:       params.Retry,
		logg:        params.Logger,
	}, nil
}

// Create snapshots the cart, persists a pending order and opens a payment
// attempt. When the gateway fails the order is kept and returned together
// with a DEPENDENCY_ERROR that names it.
func (s *Service) Create(ctx context.Context, input CreateOrderInput) (*CreateOrderResult, error) {
	snapshot, err := s.builder.Build(ctx, input.Cart)
	if err != nil {
		return nil, err
	}
	order := newOrderFromSnapshot(snapshot, s.gateway)
	items := order.Items
	actor := types.CustomerActor(snapshot.CustomerUserID)

	err = retry.OnConflict(ctx, s.retry, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			number, err := repo.NextOrderNumber(ctx)
			if err != nil {
				return db.MapError(err)
			}
			order.OrderNumber = number
			if err := repo.CreateOrder(ctx, order); err != nil {
				return db.MapError(err)
			}
			if err := repo.CreateLineItems(ctx, items); err != nil {
				return db.MapError(err)
			}
			if err := repo.AppendHistory(ctx, &models.OrderStatusHistory{
				OrderID:   order.ID,
				ToStatus:  enums.OrderStatusPending,
				ActorType: actor.Type,
				ActorID:   actor.ID,
			}); err != nil {
				return db.MapError(err)
			}
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventOrderCreated,
				AggregateType: enums.AggregateOrder,
				AggregateID:   order.ID,
				Actor:         &outbox.ActorRef{Type: actor.Type, ID: actor.ID},
				Data: payloads.OrderCreatedEvent{
					OrderID:        order.ID,
					OrderNumber:    order.OrderNumber,
					CustomerUserID: order.CustomerUserID,
					GuestEmail:     order.GuestEmail,
					TotalCents:     order.TotalCents,
					Currency:       order.Currency,
					LineCount:      len(items),
				},
			})
		})
	})
	if err != nil {
		return nil, err
	}
	order.Items = items

	ctx = s.logg.WithOrderID(ctx, order.ID.String())
	s.logg.Info(ctx, fmt.Sprintf("order %d created", order.OrderNumber))

	result := &CreateOrderResult{Order: order}
	handle, err := s.payments.StartAttempt(ctx, order)
	if err != nil {
		s.logg.Error(ctx, "payment attempt failed after order creation", err)
		return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment gateway unavailable; order kept as pending").
			WithDetails(map[string]any{"order_id": order.ID, "order_number": order.OrderNumber})
	}
	result.Payment = handle
	return result, nil
}

// StartPayment opens a new attempt for an unpaid pending order; the previous
// attempt is superseded.
func (s *Service) StartPayment(ctx context.Context, orderID uuid.UUID, owner Owner) (*PaymentHandle, error) {
	order, err := s.ownedOrder(ctx, orderID, owner)
	if err != nil {
		return nil, err
	}
	if order.Status != enums.OrderStatusPending || order.PaymentStatus == enums.PaymentStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order no longer accepts payment").
			WithDetails(map[string]any{"status": order.Status, "payment_status": order.PaymentStatus})
	}
	return s.payments.StartAttempt(ctx, order)
}

// Cancel lets a customer cancel their own pending order.
func (s *Service) Cancel(ctx context.Context, orderID uuid.UUID, owner Owner, comment string) (*models.Order, error) {
	if _, err := s.ownedOrder(ctx, orderID, owner); err != nil {
		return nil, err
	}
	if comment == "" {
		comment = "cancelled by customer"
	}
	return s.transitions.Transition(ctx, TransitionInput{
		OrderID: orderID,
		To:      enums.OrderStatusCancelled,
		Actor:   types.CustomerActor(owner.UserID),
		Comment: comment,
	})
}

// Transition exposes the state machine to admin callers.
func (s *Service) Transition(ctx context.Context, input TransitionInput) (*models.Order, error) {
	return s.transitions.Transition(ctx, input)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return order, nil
}

func (s *Service) GetByNumber(ctx context.Context, number int64) (*models.Order, error) {
	order, err := s.repo.FindByNumber(ctx, number)
	if err != nil {
		return nil, notFound(err)
	}
	return order, nil
}

// History returns the status history oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]models.OrderStatusHistory, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, id)
}

// Status serves the polling projection from cache, falling back to the
// database. Cache failures never fail the read.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	var key string
	if s.cache != nil {
		key = s.cache.CacheKey(statusCacheScope, id.String())
		var cached StatusView
		err := s.cache.GetJSON(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, pkgredis.ErrCacheMiss) {
			s.logg.Warn(s.logg.WithOrderID(ctx, id.String()), "order status cache read failed")
		}
	}

	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := toStatusView(order)
	if s.cache != nil {
		s.cacheStatus(ctx, key, view)
	}
	return &view, nil
}

// cacheStatus stores view and then drops it again if the order moved on
// while it was being read. Transitions invalidate after commit, so either
// that invalidation or this check removes a stale projection.
func (s *Service) cacheStatus(ctx context.Context, key string, view StatusView) {
	logCtx := s.logg.WithOrderID(ctx, view.OrderID.String())
	if err := s.cache.SetJSON(ctx, key, view, s.cacheTTL); err != nil {
		s.logg.Warn(logCtx, "order status cache write failed")
		return
	}
	version, err := s.repo.CurrentVersion(ctx, view.OrderID)
	if err == nil && version == view.Version {
		return
	}
	if err := s.cache.Del(ctx, key); err != nil {
		s.logg.Warn(logCtx, "order status cache invalidation failed")
	}
}

// GetOwned is Get restricted to the order's customer.
func (s *Service) GetOwned(ctx context.Context, id uuid.UUID, owner Owner) (*models.Order, error) {
	return s.ownedOrder(ctx, id, owner)
}

func (s *Service) ownedOrder(ctx context.Context, id uuid.UUID, owner Owner) (*models.Order, error) {
	order, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owner.Owns(order) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func newOrderFromSnapshot(snapshot *checkout.Snapshot, gateway string) *models.Order {
	order := &models.Order{
		ID:              uuid.New(),
		CustomerUserID:  snapshot.CustomerUserID,
		GuestEmail:      snapshot.GuestEmail,
		SubtotalCents:   snapshot.Totals.SubtotalCents,
		ShippingCents:   snapshot.Totals.ShippingCents,
		TaxCents:        snapshot.Totals.TaxCents,
		DiscountCents:   snapshot.Totals.DiscountCents,
		TotalCents:      snapshot.Totals.TotalCents,
		Currency:        snapshot.Currency,
		BillingAddress:  snapshot.BillingAddress,
		ShippingAddress: snapshot.ShippingAddress,
		Status:          enums.OrderStatusPending,
		PaymentStatus:   enums.PaymentStatusUnpaid,
		PaymentGateway:  gateway,
		Version:         1,
	}
	for _, line := range snapshot.Lines {
		order.Items = append(order.Items, models.OrderLineItem{
			ID:             uuid.New(),
			OrderID:        order.ID,
			ProductID:      line.ProductID,
			SKU:            line.SKU,
			Name:           line.Name,
			UnitPriceCents: line.UnitPriceCents,
			Quantity:       line.Quantity,
			LineTotalCents: line.LineTotalCents,
		})
	}
	return order
}

func notFound(err error) error {
	if db.IsNotFound(err) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return err
}
