package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	ordercontrollers "github.com/angelmondragon/orderflow-engine/api/controllers/orders"
	"github.com/angelmondragon/orderflow-engine/api/middleware"
	"github.com/angelmondragon/orderflow-engine/api/responses"
	"github.com/angelmondragon/orderflow-engine/api/validators"
	internalorders "github.com/angelmondragon/orderflow-engine/internal/orders"
	"github.com/angelmondragon/orderflow-engine/internal/payments"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

type orderTransitioner interface {
	Transition(ctx context.Context, input internalorders.TransitionInput) (*models.Order, error)
}

type attemptLister interface {
	Attempts(ctx context.Context, orderID uuid.UUID) ([]models.PaymentAttempt, error)
}

type shortfallRetrier interface {
	RetryShortfall(ctx context.Context, orderID uuid.UUID) (*payments.ConfirmResult, error)
}

type transitionRequest struct {
	Status          string `json:"status" validate:"required"`
	Comment         string `json:"comment,omitempty" validate:"max=500"`
	ExpectedVersion *int   `json:"expected_version,omitempty" validate:"omitempty,min=1"`
}

type paymentAttemptResponse struct {
	ID              uuid.UUID                  `json:"id"`
	Gateway         string                     `json:"gateway"`
	GatewayIntentID string                     `json:"gateway_intent_id"`
	AmountCents     int64                      `json:"amount_cents"`
	Currency        enums.Currency             `json:"currency"`
	Status          enums.PaymentAttemptStatus `json:"status"`
	Stale           bool                       `json:"stale"`
	FailureReason   *string                    `json:"failure_reason,omitempty"`
	GatewayStatusAt *time.Time                 `json:"gateway_status_at,omitempty"`
	SupersededByID  *uuid.UUID                 `json:"superseded_by_id,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
}

// AdminTransitionOrder moves an order to the requested status on behalf of
// the signed-in admin. expected_version turns the call into a compare and
// swap against the order's version.
func AdminTransitionOrder(svc orderTransitioner, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		adminID := middleware.UserIDFromContext(r.Context())
		if adminID == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "admin identity missing"))
			return
		}

		var req transitionRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := enums.ParseOrderStatus(req.Status)
		if err != nil {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error()).WithDetails(map[string]any{"allowed": enums.OrderStatuses()}))
			return
		}

		order, err := svc.Transition(r.Context(), internalorders.TransitionInput{
			OrderID:         orderID,
			To:              status,
			Actor:           types.AdminActor(*adminID),
			Comment:         validators.SanitizeString(req.Comment, 500),
			ExpectedVersion: req.ExpectedVersion,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, ordercontrollers.NewOrderResponse(order))
	}
}

// AdminPaymentAttempts lists every attempt for an order, stale ones included.
func AdminPaymentAttempts(svc attemptLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		attempts, err := svc.Attempts(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]paymentAttemptResponse, 0, len(attempts))
		for _, a := range attempts {
			out = append(out, paymentAttemptResponse{
				ID:              a.ID,
				Gateway:         a.Gateway,
				GatewayIntentID: a.GatewayIntentID,
				AmountCents:     a.AmountCents,
				Currency:        a.Currency,
				Status:          a.Status,
				Stale:           a.Stale,
				FailureReason:   a.FailureReason,
				GatewayStatusAt: a.GatewayStatusAt,
				SupersededByID:  a.SupersededByID,
				CreatedAt:       a.CreatedAt,
			})
		}
		responses.WriteSuccess(w, out)
	}
}

// AdminRetryShortfall asks the gateway again about an order that was paid
// while stock ran short. Restock first; the order moves to processing when
// every line can be covered and otherwise stays flagged with 409.
func AdminRetryShortfall(svc shortfallRetrier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.RetryShortfall(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
