package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

// OrderCreatedEvent is emitted once the pending order and its lines are persisted.
type OrderCreatedEvent struct {
	OrderID        uuid.UUID      `json:"order_id"`
	OrderNumber    int64          `json:"order_number"`
	CustomerUserID *uuid.UUID     `json:"customer_user_id,omitempty"`
	GuestEmail     *string        `json:"guest_email,omitempty"`
	TotalCents     int64          `json:"total_cents"`
	Currency       enums.Currency `json:"currency"`
	LineCount      int            `json:"line_count"`
}

// OrderStatusChangedEvent mirrors one order_status_history row.
type OrderStatusChangedEvent struct {
	OrderID     uuid.UUID         `json:"order_id"`
	OrderNumber int64             `json:"order_number"`
	FromStatus  enums.OrderStatus `json:"from_status"`
	ToStatus    enums.OrderStatus `json:"to_status"`
	ActorType   enums.ActorType   `json:"actor_type"`
	ActorID     *uuid.UUID        `json:"actor_id,omitempty"`
	Comment     string            `json:"comment,omitempty"`
	Version     int               `json:"version"`
	ChangedAt   time.Time         `json:"changed_at"`
}

// OrderStockShortfallEvent flags a paid order that could not be fulfilled
// from stock. The order stays pending until an operator resolves it.
type OrderStockShortfallEvent struct {
	OrderID         uuid.UUID `json:"order_id"`
	OrderNumber     int64     `json:"order_number"`
	PaymentIntentID string    `json:"payment_intent_id"`
	ProductID       uuid.UUID `json:"product_id"`
	Requested       int       `json:"requested"`
	Available       int       `json:"available"`
}

// OrderRefundRequiredEvent is emitted when money arrived for an order that
// can no longer be fulfilled, e.g. a payment that lands after cancellation.
type OrderRefundRequiredEvent struct {
	OrderID         uuid.UUID      `json:"order_id"`
	OrderNumber     int64          `json:"order_number"`
	PaymentIntentID string         `json:"payment_intent_id"`
	AmountCents     int64          `json:"amount_cents"`
	Currency        enums.Currency `json:"currency"`
	Reason          string         `json:"reason"`
}

// PaymentAttemptFailedEvent reports a failed or canceled gateway attempt.
type PaymentAttemptFailedEvent struct {
	OrderID         uuid.UUID                  `json:"order_id"`
	AttemptID       uuid.UUID                  `json:"attempt_id"`
	PaymentIntentID string                     `json:"payment_intent_id"`
	Status          enums.PaymentAttemptStatus `json:"status"`
	FailureReason   string                     `json:"failure_reason,omitempty"`
}

// StockAdjustedEvent describes a manual movement written by an admin.
type StockAdjustedEvent struct {
	ProductID      uuid.UUID          `json:"product_id"`
	SKU            string             `json:"sku"`
	MovementID     uuid.UUID          `json:"movement_id"`
	MovementType   enums.MovementType `json:"movement_type"`
	Quantity       int                `json:"quantity"`
	QuantityBefore int                `json:"quantity_before"`
	QuantityAfter  int                `json:"quantity_after"`
	ActorID        *uuid.UUID         `json:"actor_id,omitempty"`
	Reference      string             `json:"reference,omitempty"`
}

// StockLowEvent fires when a movement takes a tracked product to or below
// its low-stock threshold.
type StockLowEvent struct {
	ProductID  uuid.UUID `json:"product_id"`
	SKU        string    `json:"sku"`
	Quantity   int       `json:"quantity"`
	Threshold  int       `json:"threshold"`
	OutOfStock bool      `json:"out_of_stock"`
}
