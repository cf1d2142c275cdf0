// Package reservation is the only writer of sale movements. Stock is taken
// for an order when its payment is confirmed and given back when the order
// is cancelled.
package reservation

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/stockledger"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/metrics"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

const compensationNote = "compensation"

type ledgerWriter interface {
	TryDecrement(ctx context.Context, tx *gorm.DB, input stockledger.DecrementInput) (*models.StockMovement, int, error)
	Append(ctx context.Context, tx *gorm.DB, input stockledger.MovementInput) (*models.StockMovement, error)
}

type ledgerReader interface {
	WithTx(tx *gorm.DB) stockledger.Repository
}

// Coordinator decrements and releases stock on behalf of orders.
type Coordinator struct {
	ledger  ledgerWriter
	reader  ledgerReader
	metrics *metrics.EngineMetrics
	logg    *logger.Logger
}

// NewCoordinator validates dependencies. metrics may be nil.
func NewCoordinator(ledger ledgerWriter, reader ledgerReader, m *metrics.EngineMetrics, logg *logger.Logger) (*Coordinator, error) {
	if ledger == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if reader == nil {
		return nil, fmt.Errorf("stock ledger repository required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Coordinator{ledger: ledger, reader: reader, metrics: m, logg: logg}, nil
}

type lineNeed struct {
	productID uuid.UUID
	quantity  int
}

// DecrementForOrder takes whatever the order does not hold yet. It is safe to
// call again: units already sold to the order are not taken twice. On the
// first product that cannot be covered every decrement made by this call is
// compensated and INSUFFICIENT_STOCK is returned; tx stays usable so the
// caller can commit the compensations.
func (c *Coordinator) DecrementForOrder(ctx context.Context, tx *gorm.DB, order *models.Order, actor types.Actor) error {
	if tx == nil {
		return fmt.Errorf("transaction required")
	}
	if order == nil || len(order.Items) == 0 {
		return fmt.Errorf("order with line items required")
	}

	repo := c.reader.WithTx(tx)
	held, err := repo.NetSoldByOrder(ctx, order.ID)
	if err != nil {
		return db.MapError(err)
	}

	var taken []lineNeed
	units := 0
	for _, need := range outstanding(order.Items, held) {
		product, err := repo.FindProduct(ctx, need.productID)
		if err != nil && !db.IsNotFound(err) {
			return db.MapError(err)
		}
		if product != nil && !product.TrackInventory {
			continue
		}

		movement, available, err := c.ledger.TryDecrement(ctx, tx, stockledger.DecrementInput{
			ProductID: need.productID,
			Quantity:  need.quantity,
			OrderID:   order.ID,
			ActorType: actor.Type,
			ActorID:   actor.ID,
		})
		if err != nil {
			return err
		}
		if movement == nil {
			if err := c.compensate(ctx, tx, order.ID, taken, actor); err != nil {
				return err
			}
			c.metrics.Reservation(metrics.ReservationInsufficient, 0)
			return pkgerrors.InsufficientStock(pkgerrors.StockShortage{
				OrderID:   order.ID.String(),
				ProductID: need.productID.String(),
				Requested: need.quantity,
				Available: available,
			})
		}
		taken = append(taken, need)
		units += need.quantity
	}

	if len(taken) == 0 {
		c.metrics.Reservation(metrics.ReservationNoop, 0)
		return nil
	}
	c.metrics.Reservation(metrics.ReservationReserved, units)
	return nil
}

// ReleaseForOrder returns every unit the order still holds, one return
// movement per product.
func (c *Coordinator) ReleaseForOrder(ctx context.Context, tx *gorm.DB, order *models.Order, actor types.Actor, reason string) ([]models.StockMovement, error) {
	if tx == nil {
		return nil, fmt.Errorf("transaction required")
	}
	if order == nil {
		return nil, fmt.Errorf("order required")
	}
	held, err := c.reader.WithTx(tx).NetSoldByOrder(ctx, order.ID)
	if err != nil {
		return nil, db.MapError(err)
	}

	ids := make([]uuid.UUID, 0, len(held))
	for id, qty := range held {
		if qty > 0 {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)

	orderID := order.ID
	movements := make([]models.StockMovement, 0, len(ids))
	units := 0
	for _, id := range ids {
		movement, err := c.ledger.Append(ctx, tx, stockledger.MovementInput{
			ProductID: id,
			Quantity:  held[id],
			Type:      enums.MovementReturn,
			OrderID:   &orderID,
			Note:      reason,
			ActorType: actor.Type,
			ActorID:   actor.ID,
		})
		if err != nil {
			return nil, err
		}
		movements = append(movements, *movement)
		units += held[id]
	}
	if units > 0 {
		c.metrics.Reservation(metrics.ReservationReleased, units)
	}
	return movements, nil
}

func (c *Coordinator) compensate(ctx context.Context, tx *gorm.DB, orderID uuid.UUID, taken []lineNeed, actor types.Actor) error {
	for _, need := range taken {
		id := orderID
		if _, err := c.ledger.Append(ctx, tx, stockledger.MovementInput{
			ProductID: need.productID,
			Quantity:  need.quantity,
			Type:      enums.MovementReturn,
			OrderID:   &id,
			Note:      compensationNote,
			ActorType: actor.Type,
			ActorID:   actor.ID,
		}); err != nil {
			return err
		}
	}
	if len(taken) > 0 {
		ctx = c.logg.WithOrderID(ctx, orderID.String())
		c.logg.Warn(ctx, fmt.Sprintf("compensated %d partial decrement(s)", len(taken)))
	}
	return nil
}

// outstanding returns what each product still needs, sorted by product id so
// concurrent reservations lock rows in the same order.
func outstanding(items []models.OrderLineItem, held map[uuid.UUID]int) []lineNeed {
	required := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		required[item.ProductID] += item.Quantity
	}
	ids := make([]uuid.UUID, 0, len(required))
	for id := range required {
		ids = append(ids, id)
	}
	sortIDs(ids)

	needs := make([]lineNeed, 0, len(ids))
	for _, id := range ids {
		if remaining := required[id] - held[id]; remaining > 0 {
			needs = append(needs, lineNeed{productID: id, quantity: remaining})
		}
	}
	return needs
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
