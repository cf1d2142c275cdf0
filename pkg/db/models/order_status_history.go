package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

// OrderStatusHistory records one transition. FromStatus is nil for the
// creation row.
type OrderStatusHistory struct {
	ID         uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID    uuid.UUID          `gorm:"column:order_id;type:uuid;not null;index"`
	FromStatus *enums.OrderStatus `gorm:"column:from_status;type:order_status"`
	ToStatus   enums.OrderStatus  `gorm:"column:to_status;type:order_status;not null"`
	ActorType  enums.ActorType    `gorm:"column:actor_type;type:actor_type;not null"`
	ActorID    *uuid.UUID         `gorm:"column:actor_id;type:uuid"`
	Comment    *string            `gorm:"column:comment"`
	CreatedAt  time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (OrderStatusHistory) TableName() string {
	return "order_status_history"
}
