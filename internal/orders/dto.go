package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/internal/checkout"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

// TransitionInput requests one status change.
type TransitionInput struct {
	OrderID         uuid.UUID
	To              enums.OrderStatus
	Actor           types.Actor
	Comment         string
	ExpectedVersion *int
	Patch           OrderPatch
}

// OrderPatch lists the non-status columns a transition may change together
// with the status. Prices, lines and addresses are not patchable.
type OrderPatch struct {
	PaymentStatus        *enums.PaymentStatus
	PaymentReference     *string
	NeedsReconciliation  *bool
	ReconciliationReason *string
}

func (p OrderPatch) isEmpty() bool {
	return p.PaymentStatus == nil && p.PaymentReference == nil &&
		p.NeedsReconciliation == nil && p.ReconciliationReason == nil
}

func (p OrderPatch) columns(into map[string]any) {
	if p.PaymentStatus != nil {
		into["payment_status"] = *p.PaymentStatus
	}
	if p.PaymentReference != nil {
		into["payment_reference"] = *p.PaymentReference
	}
	if p.NeedsReconciliation != nil {
		into["needs_reconciliation"] = *p.NeedsReconciliation
	}
	if p.ReconciliationReason != nil {
		into["reconciliation_reason"] = *p.ReconciliationReason
	}
}

func (p OrderPatch) applyTo(order *models.Order) {
	if p.PaymentStatus != nil {
		order.PaymentStatus = *p.PaymentStatus
	}
	if p.PaymentReference != nil {
		ref := *p.PaymentReference
		order.PaymentReference = &ref
	}
	if p.NeedsReconciliation != nil {
		order.NeedsReconciliation = *p.NeedsReconciliation
	}
	if p.ReconciliationReason != nil {
		reason := *p.ReconciliationReason
		order.ReconciliationReason = &reason
	}
}

// CreateOrderInput is a checkout submission.
type CreateOrderInput struct {
	Cart checkout.CartInput
}

// PaymentHandle is what the client needs to complete payment.
type PaymentHandle struct {
	AttemptID    uuid.UUID `json:"attempt_id"`
	IntentID     string    `json:"intent_id"`
	ClientSecret string    `json:"client_secret"`
	Gateway      string    `json:"gateway"`
}

// CreateOrderResult carries the new order and, when the gateway answered,
// its payment handle.
type CreateOrderResult struct {
	Order   *models.Order
	Payment *PaymentHandle
}

// StatusView is the cached polling projection of an order.
type StatusView struct {
	OrderID             uuid.UUID           `json:"order_id"`
	OrderNumber         int64               `json:"order_number"`
	Status              enums.OrderStatus   `json:"status"`
	PaymentStatus       enums.PaymentStatus `json:"payment_status"`
	NeedsReconciliation bool                `json:"needs_reconciliation"`
	Version             int                 `json:"version"`
	UpdatedAt           time.Time           `json:"updated_at"`
	CustomerUserID      *uuid.UUID          `json:"customer_user_id,omitempty"`
	GuestEmail          *string             `json:"guest_email,omitempty"`
}

func toStatusView(order *models.Order) StatusView {
	return StatusView{
		OrderID:             order.ID,
		OrderNumber:         order.OrderNumber,
		Status:              order.Status,
		PaymentStatus:       order.PaymentStatus,
		NeedsReconciliation: order.NeedsReconciliation,
		Version:             order.Version,
		UpdatedAt:           order.UpdatedAt,
		CustomerUserID:      order.CustomerUserID,
		GuestEmail:          order.GuestEmail,
	}
}

// Owner identifies the customer making a request: a signed-in user or a
// guest proving the checkout email.
type Owner struct {
	UserID     *uuid.UUID
	GuestEmail string
}

// Owns reports whether the order belongs to o.
func (o Owner) Owns(order *models.Order) bool {
	if order == nil {
		return false
	}
	return o.owns(order.CustomerUserID, order.GuestEmail)
}

// OwnsStatus is Owns for the cached projection.
func (o Owner) OwnsStatus(view *StatusView) bool {
	if view == nil {
		return false
	}
	return o.owns(view.CustomerUserID, view.GuestEmail)
}

func (o Owner) owns(customerID *uuid.UUID, guestEmail *string) bool {
	if o.UserID != nil {
		return customerID != nil && *customerID == *o.UserID
	}
	email := strings.TrimSpace(o.GuestEmail)
	return email != "" && guestEmail != nil && strings.EqualFold(*guestEmail, email)
}
