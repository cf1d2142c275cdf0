package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/repo"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

const orderCounterName = "orders"

type repository struct {
	base repo.Base
}

// NewRepository returns an order repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: r.base.Tx(tx)}
}

// NextOrderNumber bumps the counter row; the row lock taken by the UPDATE
// keeps numbers unique and increasing across concurrent checkouts.
func (r *repository) NextOrderNumber(ctx context.Context) (int64, error) {
	var values []int64
	if err := r.base.DB(ctx).
		Raw("UPDATE order_counters SET value = value + 1, updated_at = ? WHERE name = ? RETURNING value",
			time.Now().UTC(), orderCounterName).
		Scan(&values).Error; err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("order counter %q missing", orderCounterName)
	}
	return values[0], nil
}

func (r *repository) CreateOrder(ctx context.Context, order *models.Order) error {
	return r.base.DB(ctx).Omit("Items").Create(order).Error
}

func (r *repository) CreateLineItems(ctx context.Context, items []models.OrderLineItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.base.DB(ctx).Create(&items).Error
}

func (r *repository) AppendHistory(ctx context.Context, entry *models.OrderStatusHistory) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.base.DB(ctx).Create(entry).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.base.DB(ctx).
		Preload("Items", orderItems).
		First(&order, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByNumber(ctx context.Context, number int64) (*models.Order, error) {
	var order models.Order
	if err := r.base.DB(ctx).
		Preload("Items", orderItems).
		First(&order, "order_number = ?", number).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) CurrentVersion(ctx context.Context, id uuid.UUID) (int, error) {
	var version int
	err := r.base.DB(ctx).Model(&models.Order{}).
		Select("version").
		Where("id = ?", id).
		Scan(&version).Error
	return version, err
}

// LockByID loads the order under a row lock; callers must be inside a tx.
func (r *repository) LockByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.base.ForUpdate(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, err
	}
	var items []models.OrderLineItem
	if err := orderItems(r.base.DB(ctx)).Where("order_id = ?", id).Find(&items).Error; err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

func (r *repository) ListHistory(ctx context.Context, orderID uuid.UUID) ([]models.OrderStatusHistory, error) {
	var rows []models.OrderStatusHistory
	if err := r.base.DB(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpdateGuarded applies updates only if the row still carries version and
// bumps the version. It reports false when another writer got there first.
func (r *repository) UpdateGuarded(ctx context.Context, id uuid.UUID, version int, updates map[string]any) (bool, error) {
	columns := make(map[string]any, len(updates)+2)
	for k, v := range updates {
		columns[k] = v
	}
	columns["version"] = gorm.Expr("version + 1")
	columns["updated_at"] = time.Now().UTC()

	res := r.base.DB(ctx).
		Model(&models.Order{}).
		Where("id = ? AND version = ?", id, version).
		Updates(columns)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindAbandoned lists unpaid pending orders created before cutoff, oldest
// first. Orders flagged for reconciliation are left to operators.
func (r *repository) FindAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var rows []models.Order
	if err := r.base.DB(ctx).
		Where("status = ? AND payment_status <> ? AND needs_reconciliation = ? AND created_at < ?",
			enums.OrderStatusPending, enums.PaymentStatusPaid, false, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func orderItems(db *gorm.DB) *gorm.DB {
	return db.Order("sku ASC")
}
