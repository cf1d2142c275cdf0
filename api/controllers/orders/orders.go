package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/api/middleware"
	"github.com/angelmondragon/orderflow-engine/api/responses"
	"github.com/angelmondragon/orderflow-engine/api/validators"
	"github.com/angelmondragon/orderflow-engine/internal/checkout"
	"github.com/angelmondragon/orderflow-engine/internal/checkout/helpers"
	internalorders "github.com/angelmondragon/orderflow-engine/internal/orders"
	"github.com/angelmondragon/orderflow-engine/internal/payments"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

// Service is the slice of the order service the customer routes use.
type Service interface {
	Create(ctx context.Context, input internalorders.CreateOrderInput) (*internalorders.CreateOrderResult, error)
	StartPayment(ctx context.Context, orderID uuid.UUID, owner internalorders.Owner) (*internalorders.PaymentHandle, error)
	Cancel(ctx context.Context, orderID uuid.UUID, owner internalorders.Owner, comment string) (*models.Order, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Order, error)
	GetByNumber(ctx context.Context, number int64) (*models.Order, error)
	GetOwned(ctx context.Context, id uuid.UUID, owner internalorders.Owner) (*models.Order, error)
	History(ctx context.Context, id uuid.UUID) ([]models.OrderStatusHistory, error)
	Status(ctx context.Context, id uuid.UUID) (*internalorders.StatusView, error)
}

// PaymentConfirmer re-reads a payment from the gateway.
type PaymentConfirmer interface {
	Confirm(ctx context.Context, input payments.ConfirmInput) (*payments.ConfirmResult, error)
}

type createOrderRequest struct {
	Lines           []helpers.Line `json:"lines" validate:"required,min=1,dive"`
	BillingAddress  types.Address  `json:"billing_address" validate:"required"`
	ShippingAddress *types.Address `json:"shipping_address,omitempty"`
	GuestEmail      string         `json:"guest_email,omitempty" validate:"omitempty,email"`
	Currency        string         `json:"currency,omitempty"`
}

type confirmPaymentRequest struct {
	IntentID string `json:"intent_id,omitempty"`
}

type cancelOrderRequest struct {
	Comment string `json:"comment,omitempty" validate:"max=500"`
}

type createOrderResponse struct {
	Order   OrderResponse                 `json:"order"`
	Payment *internalorders.PaymentHandle `json:"payment,omitempty"`
}

// CreateOrder snapshots the cart and opens the first payment attempt. The
// caller's identity comes from the token; guests must give an email.
func CreateOrder(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		cart := checkout.CartInput{
			Lines:           req.Lines,
			BillingAddress:  req.BillingAddress,
			ShippingAddress: req.ShippingAddress,
			CustomerUserID:  middleware.UserIDFromContext(r.Context()),
			GuestEmail:      strings.TrimSpace(req.GuestEmail),
		}
		if cart.CustomerUserID == nil && cart.GuestEmail == "" {
			cart.GuestEmail = middleware.GuestEmailFromContext(r.Context())
		}
		if cart.CustomerUserID == nil && cart.GuestEmail == "" {
			responses.WriteError(r.Context(), logg, w,
				pkgerrors.New(pkgerrors.CodeValidation, "guest_email is required without a signed-in customer"))
			return
		}
		if req.Currency != "" {
			currency, err := enums.ParseCurrency(req.Currency)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error()))
				return
			}
			cart.Currency = currency
		}

		result, err := svc.Create(r.Context(), internalorders.CreateOrderInput{Cart: cart})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, createOrderResponse{
			Order:   NewOrderResponse(result.Order),
			Payment: result.Payment,
		})
	}
}

func GetOrder(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := loadOrder(r, svc)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderResponse(order))
	}
}

func GetOrderByNumber(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number, err := validators.ParseInt64Param(r, "orderNumber")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.GetByNumber(r.Context(), number)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !isAdmin(r) && !ownerFrom(r).Owns(order) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}
		responses.WriteSuccess(w, NewOrderResponse(order))
	}
}

// OrderStatus serves the lightweight projection clients poll after paying.
func OrderStatus(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.Status(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !isAdmin(r) && !ownerFrom(r).OwnsStatus(view) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func OrderHistory(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := loadOrder(r, svc)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		history, err := svc.History(r.Context(), order.ID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewHistoryResponse(history))
	}
}

// ConfirmPayment asks the gateway for the current intent state and
// reconciles it. The request body never decides the outcome.
func ConfirmPayment(svc Service, confirmer PaymentConfirmer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := loadOrder(r, svc)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req confirmPaymentRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		result, err := confirmer.Confirm(r.Context(), payments.ConfirmInput{
			OrderID:  order.ID,
			IntentID: strings.TrimSpace(req.IntentID),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func StartPaymentAttempt(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		handle, err := svc.StartPayment(r.Context(), id, ownerFrom(r))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, handle)
	}
}

func CancelOrder(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req cancelOrderRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		order, err := svc.Cancel(r.Context(), id, ownerFrom(r), validators.SanitizeString(req.Comment, 500))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderResponse(order))
	}
}

func loadOrder(r *http.Request, svc Service) (*models.Order, error) {
	id, err := validators.ParseUUIDParam(r, "orderId")
	if err != nil {
		return nil, err
	}
	if isAdmin(r) {
		return svc.Get(r.Context(), id)
	}
	return svc.GetOwned(r.Context(), id, ownerFrom(r))
}

func ownerFrom(r *http.Request) internalorders.Owner {
	return internalorders.Owner{
		UserID:     middleware.UserIDFromContext(r.Context()),
		GuestEmail: middleware.GuestEmailFromContext(r.Context()),
	}
}

func isAdmin(r *http.Request) bool {
	return middleware.RoleFromContext(r.Context()) == enums.UserRoleAdmin
}
