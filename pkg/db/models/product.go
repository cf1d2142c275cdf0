package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

// Product is the stock-bearing catalog row. Variants are their own rows
// pointing at ParentID. StockQuantity is a counter kept in step with the
// stock_movements ledger and is only written by the ledger.
type Product struct {
	ID                uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	ParentID          *uuid.UUID     `gorm:"column:parent_id;type:uuid"`
	SKU               string         `gorm:"column:sku;not null;uniqueIndex"`
	Name              string         `gorm:"column:name;not null"`
	PriceCents        int64          `gorm:"column:price_cents;not null"`
	Currency          enums.Currency `gorm:"column:currency;type:varchar(3);not null"`
	IsActive          bool           `gorm:"column:is_active;not null"`
	TrackInventory    bool           `gorm:"column:track_inventory;not null"`
	StockQuantity     int            `gorm:"column:stock_quantity;not null"`
	LowStockThreshold int            `gorm:"column:low_stock_threshold;not null"`
	AllowBackorder    bool           `gorm:"column:allow_backorder;not null"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"`
	DeletedAt         gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// IsPurchasable reports whether checkout may reference this product at all.
func (p Product) IsPurchasable() bool {
	return p.IsActive && !p.DeletedAt.Valid
}

// IsLowStock reports whether a tracked product sits at or under its threshold.
func (p Product) IsLowStock() bool {
	return p.TrackInventory && p.StockQuantity <= p.LowStockThreshold
}

// IsOutOfStock reports whether a tracked product has nothing left to sell.
func (p Product) IsOutOfStock() bool {
	return p.TrackInventory && p.StockQuantity <= 0
}
