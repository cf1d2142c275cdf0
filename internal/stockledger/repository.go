package stockledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/repo"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	"github.com/angelmondragon/orderflow-engine/pkg/pagination"
)

// Repository manages the product counter and the movements that explain it.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	LockProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	ApplyDelta(ctx context.Context, id uuid.UUID, delta int) error
	DecrementIfAvailable(ctx context.Context, id uuid.UUID, qty int) (bool, error)
	InsertMovement(ctx context.Context, movement *models.StockMovement) error
	LedgerSum(ctx context.Context, productID uuid.UUID) (int, error)
	LedgerSums(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]int, error)
	NetSoldByOrder(ctx context.Context, orderID uuid.UUID) (map[uuid.UUID]int, error)
	ListMovements(ctx context.Context, productID uuid.UUID, limit int, cursor *pagination.Cursor) ([]models.StockMovement, error)
	ListMovementsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockMovement, error)
	ListLowStock(ctx context.Context, limit int) ([]models.Product, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns a stock ledger repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: r.base.Tx(tx)}
}

func (r *repository) FindProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := r.base.DB(ctx).Unscoped().First(&product, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// LockProduct loads the product row under a row lock. Soft-deleted rows are
// included so returns against retired products still land.
func (r *repository) LockProduct(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := r.base.ForUpdate(ctx).Unscoped().First(&product, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func (r *repository) ApplyDelta(ctx context.Context, id uuid.UUID, delta int) error {
	return r.base.DB(ctx).Unscoped().
		Model(&models.Product{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"stock_quantity": gorm.Expr("stock_quantity + ?", delta),
			"updated_at":     time.Now().UTC(),
		}).Error
}

// DecrementIfAvailable is the compare-and-decrement: it only touches the row
// when the product is live and either allows backorder or holds qty units.
func (r *repository) DecrementIfAvailable(ctx context.Context, id uuid.UUID, qty int) (bool, error) {
	res := r.base.DB(ctx).
		Model(&models.Product{}).
		Where("id = ? AND (allow_backorder OR stock_quantity >= ?)", id, qty).
		Updates(map[string]any{
			"stock_quantity": gorm.Expr("stock_quantity - ?", qty),
			"updated_at":     time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) InsertMovement(ctx context.Context, movement *models.StockMovement) error {
	if movement.ID == uuid.Nil {
		movement.ID = uuid.New()
	}
	return r.base.DB(ctx).Create(movement).Error
}

func (r *repository) LedgerSum(ctx context.Context, productID uuid.UUID) (int, error) {
	var sum int
	err := r.base.DB(ctx).
		Model(&models.StockMovement{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("product_id = ?", productID).
		Scan(&sum).Error
	return sum, err
}

func (r *repository) LedgerSums(ctx context.Context, productIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		ProductID uuid.UUID
		Total     int
	}
	if err := r.base.DB(ctx).
		Model(&models.StockMovement{}).
		Select("product_id, COALESCE(SUM(quantity), 0) AS total").
		Where("product_id IN ?", productIDs).
		Group("product_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ProductID] = row.Total
	}
	return out, nil
}

// NetSoldByOrder returns, per product, the units an order currently holds:
// the negated sum of its sale and return movements.
func (r *repository) NetSoldByOrder(ctx context.Context, orderID uuid.UUID) (map[uuid.UUID]int, error) {
	var rows []struct {
		ProductID uuid.UUID
		Total     int
	}
	if err := r.base.DB(ctx).
		Model(&models.StockMovement{}).
		Select("product_id, COALESCE(SUM(quantity), 0) AS total").
		Where("order_id = ? AND movement_type IN ?", orderID,
			[]enums.MovementType{enums.MovementSale, enums.MovementReturn}).
		Group("product_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]int, len(rows))
	for _, row := range rows {
		out[row.ProductID] = -row.Total
	}
	return out, nil
}

func (r *repository) ListMovements(ctx context.Context, productID uuid.UUID, limit int, cursor *pagination.Cursor) ([]models.StockMovement, error) {
	query := r.base.DB(ctx).
		Where("product_id = ?", productID)
	if cursor != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var movements []models.StockMovement
	if err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&movements).Error; err != nil {
		return nil, err
	}
	return movements, nil
}

func (r *repository) ListMovementsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockMovement, error) {
	var movements []models.StockMovement
	if err := r.base.DB(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&movements).Error; err != nil {
		return nil, err
	}
	return movements, nil
}

// ListLowStock returns tracked live products at or under their threshold,
// emptiest first.
func (r *repository) ListLowStock(ctx context.Context, limit int) ([]models.Product, error) {
	var products []models.Product
	if err := r.base.DB(ctx).
		Where("track_inventory = ? AND stock_quantity <= low_stock_threshold", true).
		Order("stock_quantity ASC").
		Order("sku ASC").
		Limit(limit).
		Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}
