package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

// StockMovement is one immutable stock ledger entry. Quantity is signed.
type StockMovement struct {
	ID             uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	ProductID      uuid.UUID          `gorm:"column:product_id;type:uuid;not null;index"`
	Quantity       int                `gorm:"column:quantity;not null"`
	MovementType   enums.MovementType `gorm:"column:movement_type;type:stock_movement_type;not null"`
	QuantityBefore int                `gorm:"column:quantity_before;not null"`
	QuantityAfter  int                `gorm:"column:quantity_after;not null"`
	OrderID        *uuid.UUID         `gorm:"column:order_id;type:uuid;index"`
	Reference      *string            `gorm:"column:reference"`
	Note           *string            `gorm:"column:note"`
	ActorType      enums.ActorType    `gorm:"column:actor_type;type:actor_type;not null"`
	ActorID        *uuid.UUID         `gorm:"column:actor_id;type:uuid"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (StockMovement) TableName() string {
	return "stock_movements"
}
