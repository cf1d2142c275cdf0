package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

// Order is the checkout aggregate. Monetary fields and addresses are frozen
// at creation; only status columns move afterwards, and only through the
// state machine.
type Order struct {
	ID                   uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber          int64               `gorm:"column:order_number;not null;uniqueIndex"`
	CustomerUserID       *uuid.UUID          `gorm:"column:customer_user_id;type:uuid"`
	GuestEmail           *string             `gorm:"column:guest_email"`
	SubtotalCents        int64               `gorm:"column:subtotal_cents;not null"`
	ShippingCents        int64               `gorm:"column:shipping_cents;not null"`
	TaxCents             int64               `gorm:"column:tax_cents;not null"`
	DiscountCents        int64               `gorm:"column:discount_cents;not null"`
	TotalCents           int64               `gorm:"column:total_cents;not null"`
	Currency             enums.Currency      `gorm:"column:currency;type:varchar(3);not null"`
	BillingAddress       types.Address       `gorm:"column:billing_address;type:jsonb;not null"`
	ShippingAddress      types.Address       `gorm:"column:shipping_address;type:jsonb;not null"`
	Status               enums.OrderStatus   `gorm:"column:status;type:order_status;not null"`
	PaymentStatus        enums.PaymentStatus `gorm:"column:payment_status;type:payment_status;not null"`
	PaymentGateway       string              `gorm:"column:payment_gateway;not null"`
	PaymentReference     *string             `gorm:"column:payment_reference"`
	NeedsReconciliation  bool                `gorm:"column:needs_reconciliation;not null"`
	ReconciliationReason *string             `gorm:"column:reconciliation_reason"`
	Version              int                 `gorm:"column:version;not null"`
	CancelledAt          *time.Time          `gorm:"column:cancelled_at"`
	CreatedAt            time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time           `gorm:"column:updated_at;autoUpdateTime"`

	Items []OrderLineItem `gorm:"foreignKey:OrderID"`
}
