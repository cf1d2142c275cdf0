package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

// OrderResponse is the JSON shape of an order and its frozen lines.
type OrderResponse struct {
	ID                   uuid.UUID           `json:"id"`
	OrderNumber          int64               `json:"order_number"`
	CustomerUserID       *uuid.UUID          `json:"customer_user_id,omitempty"`
	GuestEmail           *string             `json:"guest_email,omitempty"`
	Status               enums.OrderStatus   `json:"status"`
	PaymentStatus        enums.PaymentStatus `json:"payment_status"`
	PaymentGateway       string              `json:"payment_gateway"`
	PaymentReference     *string             `json:"payment_reference,omitempty"`
	NeedsReconciliation  bool                `json:"needs_reconciliation"`
	ReconciliationReason *string             `json:"reconciliation_reason,omitempty"`
	SubtotalCents        int64               `json:"subtotal_cents"`
	ShippingCents        int64               `json:"shipping_cents"`
	TaxCents             int64               `json:"tax_cents"`
	DiscountCents        int64               `json:"discount_cents"`
	TotalCents           int64               `json:"total_cents"`
	Currency             enums.Currency      `json:"currency"`
	BillingAddress       types.Address       `json:"billing_address"`
	ShippingAddress      types.Address       `json:"shipping_address"`
	Version              int                 `json:"version"`
	Items                []LineItemResponse  `json:"items"`
	CancelledAt          *time.Time          `json:"cancelled_at,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

type LineItemResponse struct {
	ProductID      uuid.UUID `json:"product_id"`
	SKU            string    `json:"sku"`
	Name           string    `json:"name"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Quantity       int       `json:"quantity"`
	LineTotalCents int64     `json:"line_total_cents"`
}

type HistoryEntryResponse struct {
	FromStatus *enums.OrderStatus `json:"from_status,omitempty"`
	ToStatus   enums.OrderStatus  `json:"to_status"`
	ActorType  enums.ActorType    `json:"actor_type"`
	ActorID    *uuid.UUID         `json:"actor_id,omitempty"`
	Comment    *string            `json:"comment,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

func NewOrderResponse(order *models.Order) OrderResponse {
	items := make([]LineItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, LineItemResponse{
			ProductID:      item.ProductID,
			SKU:            item.SKU,
			Name:           item.Name,
			UnitPriceCents: item.UnitPriceCents,
			Quantity:       item.Quantity,
			LineTotalCents: item.LineTotalCents,
		})
	}
	return OrderResponse{
		ID:                   order.ID,
		OrderNumber:          order.OrderNumber,
		CustomerUserID:       order.CustomerUserID,
		GuestEmail:           order.GuestEmail,
		Status:               order.Status,
		PaymentStatus:        order.PaymentStatus,
		PaymentGateway:       order.PaymentGateway,
		PaymentReference:     order.PaymentReference,
		NeedsReconciliation:  order.NeedsReconciliation,
		ReconciliationReason: order.ReconciliationReason,
		SubtotalCents:        order.SubtotalCents,
		ShippingCents:        order.ShippingCents,
		TaxCents:             order.TaxCents,
		DiscountCents:        order.DiscountCents,
		TotalCents:           order.TotalCents,
		Currency:             order.Currency,
		BillingAddress:       order.BillingAddress,
		ShippingAddress:      order.ShippingAddress,
		Version:              order.Version,
		Items:                items,
		CancelledAt:          order.CancelledAt,
		CreatedAt:            order.CreatedAt,
		UpdatedAt:            order.UpdatedAt,
	}
}

func NewHistoryResponse(history []models.OrderStatusHistory) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(history))
	for _, entry := range history {
		out = append(out, HistoryEntryResponse{
			FromStatus: entry.FromStatus,
			ToStatus:   entry.ToStatus,
			ActorType:  entry.ActorType,
			ActorID:    entry.ActorID,
			Comment:    entry.Comment,
			CreatedAt:  entry.CreatedAt,
		})
	}
	return out
}
