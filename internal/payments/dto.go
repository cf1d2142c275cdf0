package payments

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

// Sources of gateway outcomes.
const (
	SourceWebhook = "webhook"
	SourceConfirm = "confirm"
)

// Reconcile outcomes, also used as metric labels.
const (
	OutcomeAdvanced       = "advanced"
	OutcomeRecordedFailed = "failed_recorded"
	OutcomeShortfall      = "shortfall"
	OutcomeRefundRequired = "refund_required"
	OutcomeIgnored        = "ignored"
	OutcomeConflict       = "conflict"
)

const (
	reasonInsufficientStock = "insufficient_stock"
	reasonPaidAfterCancel   = "paid_after_cancel"
	reasonDuplicatePayment  = "duplicate_payment"
)

// GatewayEvent is one observed intent state.
type GatewayEvent struct {
	IntentID      string
	Status        enums.PaymentAttemptStatus
	OccurredAt    time.Time
	EventID       string
	Source        string
	FailureReason string
}

// ReconcileResult reports what a gateway event did.
type ReconcileResult struct {
	AttemptID     uuid.UUID
	OrderID       uuid.UUID
	AttemptStatus enums.PaymentAttemptStatus
	OrderStatus   enums.OrderStatus
	PaymentStatus enums.PaymentStatus
	Outcome       string

	stockErr error
}

// ConfirmInput identifies the payment a client wants checked. IntentID is
// optional; without it the order's current attempt is used.
type ConfirmInput struct {
	OrderID  uuid.UUID
	IntentID string
}

// ConfirmResult is returned to the polling client.
type ConfirmResult struct {
	OrderID             uuid.UUID                  `json:"order_id"`
	OrderStatus         enums.OrderStatus          `json:"order_status"`
	PaymentStatus       enums.PaymentStatus        `json:"payment_status"`
	NeedsReconciliation bool                       `json:"needs_reconciliation"`
	IntentID            string                     `json:"intent_id"`
	IntentStatus        enums.PaymentAttemptStatus `json:"intent_status"`
}
