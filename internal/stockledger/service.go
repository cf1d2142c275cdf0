// Package stockledger owns the append-only stock movement log and the
// product counter that mirrors it.
package stockledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox/payloads"
	"github.com/angelmondragon/orderflow-engine/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// MovementInput describes one unconditional ledger entry.
type MovementInput struct {
	ProductID uuid.UUID
	Quantity  int
	Type      enums.MovementType
	OrderID   *uuid.UUID
	Reference string
	Note      string
	ActorType enums.ActorType
	ActorID   *uuid.UUID
}

// DecrementInput describes a conditional sale decrement.
type DecrementInput struct {
	ProductID uuid.UUID
	Quantity  int
	OrderID   uuid.UUID
	ActorType enums.ActorType
	ActorID   *uuid.UUID
}

// AdjustInput is an admin stock correction.
type AdjustInput struct {
	ProductID uuid.UUID
	Quantity  int
	Type      enums.MovementType
	Reference string
	Note      string
	ActorID   uuid.UUID
}

// StockLevel is the read model for one product's stock.
type StockLevel struct {
	ProductID  uuid.UUID `json:"product_id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Tracked    bool      `json:"track_inventory"`
	Quantity   int       `json:"quantity"`
	LedgerSum  int       `json:"ledger_sum"`
	Threshold  int       `json:"low_stock_threshold"`
	LowStock   bool      `json:"low_stock"`
	OutOfStock bool      `json:"out_of_stock"`
	Consistent bool      `json:"consistent"`
}

// HistoryPage is one page of movements, newest first.
type HistoryPage struct {
	Movements  []models.StockMovement
	NextCursor string
}

// ServiceParams wires the ledger service.
type ServiceParams struct {
	DB     txRunner
	Repo   Repository
	Outbox outbox.Emitter
	Logger *logger.Logger
}

// Service records stock movements and answers stock queries.
type Service struct {
	db     txRunner
	repo   Repository
	outbox outbox.Emitter
	logg   *logger.Logger
}

// NewService validates dependencies and returns a ledger service.
func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("stock ledger repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	return &Service{
		db:     params.DB,
		repo:   params.Repo,
		outbox: params.Outbox,
		logg:   params.Logger,
	}, nil
}

// Append moves the counter by input.Quantity and records the movement in tx.
// Sales are refused here; they go through TryDecrement.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, input MovementInput) (*models.StockMovement, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if err := validateMovement(input); err != nil {
		return nil, err
	}

	repo := s.repo.WithTx(tx)
	product, err := repo.LockProduct(ctx, input.ProductID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return nil, db.MapError(err)
	}

	before := product.StockQuantity
	after := before + input.Quantity
	if err := repo.ApplyDelta(ctx, product.ID, input.Quantity); err != nil {
		return nil, db.MapError(err)
	}

	movement := &models.StockMovement{
		ProductID:      product.ID,
		Quantity:       input.Quantity,
		MovementType:   input.Type,
		QuantityBefore: before,
		QuantityAfter:  after,
		OrderID:        input.OrderID,
		Reference:      optionalString(input.Reference),
		Note:           optionalString(input.Note),
		ActorType:      input.ActorType,
		ActorID:        input.ActorID,
	}
	if err := repo.InsertMovement(ctx, movement); err != nil {
		return nil, db.MapError(err)
	}

	if err := s.emitLowStock(ctx, tx, product, before, after); err != nil {
		return nil, err
	}
	return movement, nil
}

// TryDecrement takes input.Quantity units for a sale if they are available.
// When they are not it returns a nil movement and the quantity on hand.
func (s *Service) TryDecrement(ctx context.Context, tx *gorm.DB, input DecrementInput) (*models.StockMovement, int, error) {
	if tx == nil {
		return nil, 0, fmt.Errorf("transaction required")
	}
	if input.ProductID == uuid.Nil || input.OrderID == uuid.Nil {
		return nil, 0, pkgerrors.New(pkgerrors.CodeValidation, "product id and order id are required")
	}
	if input.Quantity <= 0 {
		return nil, 0, pkgerrors.New(pkgerrors.CodeValidation, "sale quantity must be positive")
	}

	repo := s.repo.WithTx(tx)
	ok, err := repo.DecrementIfAvailable(ctx, input.ProductID, input.Quantity)
	if err != nil {
		return nil, 0, db.MapError(err)
	}

	product, err := repo.FindProduct(ctx, input.ProductID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, db.MapError(err)
	}
	if !ok {
		available := product.StockQuantity
		if product.DeletedAt.Valid || available < 0 {
			available = 0
		}
		return nil, available, nil
	}

	after := product.StockQuantity
	before := after + input.Quantity
	orderID := input.OrderID
	movement := &models.StockMovement{
		ProductID:      product.ID,
		Quantity:       -input.Quantity,
		MovementType:   enums.MovementSale,
		QuantityBefore: before,
		QuantityAfter:  after,
		OrderID:        &orderID,
		ActorType:      input.ActorType,
		ActorID:        input.ActorID,
	}
	if err := repo.InsertMovement(ctx, movement); err != nil {
		return nil, 0, db.MapError(err)
	}
	if err := s.emitLowStock(ctx, tx, product, before, after); err != nil {
		return nil, 0, err
	}
	return movement, after, nil
}

// Adjust records an admin movement in its own transaction.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (*models.StockMovement, error) {
	if input.ActorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "admin actor id is required")
	}
	if !input.Type.IsManual() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("movement type %q cannot be recorded manually", input.Type))
	}

	actorID := input.ActorID
	var movement *models.StockMovement
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		movement, err = s.Append(ctx, tx, MovementInput{
			ProductID: input.ProductID,
			Quantity:  input.Quantity,
			Type:      input.Type,
			Reference: input.Reference,
			Note:      input.Note,
			ActorType: enums.ActorAdmin,
			ActorID:   &actorID,
		})
		if err != nil {
			return err
		}

		product, err := s.repo.WithTx(tx).FindProduct(ctx, input.ProductID)
		if err != nil {
			return db.MapError(err)
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventStockAdjusted,
			AggregateType: enums.AggregateProduct,
			AggregateID:   product.ID,
			Actor:         &outbox.ActorRef{Type: enums.ActorAdmin, ID: &actorID},
			Data: payloads.StockAdjustedEvent{
				ProductID:      product.ID,
				SKU:            product.SKU,
				MovementID:     movement.ID,
				MovementType:   movement.MovementType,
				Quantity:       movement.Quantity,
				QuantityBefore: movement.QuantityBefore,
				QuantityAfter:  movement.QuantityAfter,
				ActorID:        &actorID,
				Reference:      input.Reference,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	ctx = s.logg.WithFields(ctx, map[string]any{
		"product_id":    movement.ProductID.String(),
		"movement_type": string(movement.MovementType),
		"quantity":      movement.Quantity,
		"stock_after":   movement.QuantityAfter,
	})
	s.logg.Info(ctx, "stock adjusted")
	return movement, nil
}

// CurrentStock reports the counter next to the ledger sum.
func (s *Service) CurrentStock(ctx context.Context, productID uuid.UUID) (*StockLevel, error) {
	product, err := s.repo.FindProduct(ctx, productID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return nil, err
	}
	sum, err := s.repo.LedgerSum(ctx, productID)
	if err != nil {
		return nil, err
	}
	level := toStockLevel(*product, sum)
	return &level, nil
}

// LowStock lists tracked products at or below their threshold.
func (s *Service) LowStock(ctx context.Context, limit int) ([]StockLevel, error) {
	products, err := s.repo.ListLowStock(ctx, pagination.NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	sums, err := s.repo.LedgerSums(ctx, ids)
	if err != nil {
		return nil, err
	}
	levels := make([]StockLevel, 0, len(products))
	for _, p := range products {
		levels = append(levels, toStockLevel(p, sums[p.ID]))
	}
	return levels, nil
}

// History pages through a product's movements, newest first.
func (s *Service) History(ctx context.Context, productID uuid.UUID, params pagination.Params) (*HistoryPage, error) {
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, err := s.repo.ListMovements(ctx, productID, pagination.LimitWithBuffer(params.Limit), cursor)
	if err != nil {
		return nil, err
	}
	page, next := pagination.Trim(rows, params.Limit, func(m models.StockMovement) pagination.Cursor {
		return pagination.Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
	})
	return &HistoryPage{Movements: page, NextCursor: next}, nil
}

// MovementsForOrder returns every movement tagged with orderID.
func (s *Service) MovementsForOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockMovement, error) {
	return s.repo.ListMovementsByOrder(ctx, orderID)
}

// VerifyConsistency reports the product's level and fails with CONFLICT when
// the counter and the ledger disagree. The level is returned either way.
func (s *Service) VerifyConsistency(ctx context.Context, productID uuid.UUID) (*StockLevel, error) {
	level, err := s.CurrentStock(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !level.Consistent {
		return level, pkgerrors.New(pkgerrors.CodeConflict,
			fmt.Sprintf("product %s counter %d differs from ledger sum %d", productID, level.Quantity, level.LedgerSum)).
			WithDetails(level)
	}
	return level, nil
}

func (s *Service) emitLowStock(ctx context.Context, tx *gorm.DB, product *models.Product, before, after int) error {
	if !product.TrackInventory {
		return nil
	}
	crossedThreshold := before > product.LowStockThreshold && after <= product.LowStockThreshold
	ranOut := before > 0 && after <= 0
	if !crossedThreshold && !ranOut {
		return nil
	}
	return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventStockLow,
		AggregateType: enums.AggregateProduct,
		AggregateID:   product.ID,
		Data: payloads.StockLowEvent{
			ProductID:  product.ID,
			SKU:        product.SKU,
			Quantity:   after,
			Threshold:  product.LowStockThreshold,
			OutOfStock: after <= 0,
		},
	})
}

func validateMovement(input MovementInput) error {
	if input.ProductID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "product id is required")
	}
	if input.Type == enums.MovementSale {
		return pkgerrors.New(pkgerrors.CodeValidation, "sale movements are recorded by the reservation coordinator")
	}
	if !input.Type.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid movement type %q", input.Type))
	}
	if !input.Type.AcceptsDelta(input.Quantity) {
		return pkgerrors.New(pkgerrors.CodeValidation,
			fmt.Sprintf("quantity %d not allowed for %s movements", input.Quantity, input.Type))
	}
	if !input.ActorType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid actor type %q", input.ActorType))
	}
	if input.ActorType == enums.ActorAdmin && input.ActorID == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "admin movements require an actor id")
	}
	return nil
}

func toStockLevel(p models.Product, ledgerSum int) StockLevel {
	return StockLevel{
		ProductID:  p.ID,
		SKU:        p.SKU,
		Name:       p.Name,
		Tracked:    p.TrackInventory,
		Quantity:   p.StockQuantity,
		LedgerSum:  ledgerSum,
		Threshold:  p.LowStockThreshold,
		LowStock:   p.IsLowStock(),
		OutOfStock: p.IsOutOfStock(),
		Consistent: p.StockQuantity == ledgerSum,
	}
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
