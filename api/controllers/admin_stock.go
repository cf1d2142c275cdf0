package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/api/middleware"
	"github.com/angelmondragon/orderflow-engine/api/responses"
	"github.com/angelmondragon/orderflow-engine/api/validators"
	"github.com/angelmondragon/orderflow-engine/internal/stockledger"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/pagination"
)

type stockService interface {
	Adjust(ctx context.Context, input stockledger.AdjustInput) (*models.StockMovement, error)
	CurrentStock(ctx context.Context, productID uuid.UUID) (*stockledger.StockLevel, error)
	LowStock(ctx context.Context, limit int) ([]stockledger.StockLevel, error)
	History(ctx context.Context, productID uuid.UUID, params pagination.Params) (*stockledger.HistoryPage, error)
	VerifyConsistency(ctx context.Context, productID uuid.UUID) (*stockledger.StockLevel, error)
	MovementsForOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockMovement, error)
}

type adjustStockRequest struct {
	ProductID    uuid.UUID `json:"product_id" validate:"required"`
	Quantity     int       `json:"quantity" validate:"ne=0"`
	MovementType string    `json:"movement_type" validate:"required"`
	Reference    string    `json:"reference,omitempty" validate:"max=200"`
	Note         string    `json:"note,omitempty" validate:"max=1000"`
}

type stockMovementResponse struct {
	ID             uuid.UUID          `json:"id"`
	ProductID      uuid.UUID          `json:"product_id"`
	Quantity       int                `json:"quantity"`
	MovementType   enums.MovementType `json:"movement_type"`
	QuantityBefore int                `json:"quantity_before"`
	QuantityAfter  int                `json:"quantity_after"`
	OrderID        *uuid.UUID         `json:"order_id,omitempty"`
	Reference      *string            `json:"reference,omitempty"`
	Note           *string            `json:"note,omitempty"`
	ActorType      enums.ActorType    `json:"actor_type"`
	ActorID        *uuid.UUID         `json:"actor_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

func newStockMovementResponse(m models.StockMovement) stockMovementResponse {
	return stockMovementResponse{
		ID:             m.ID,
		ProductID:      m.ProductID,
		Quantity:       m.Quantity,
		MovementType:   m.MovementType,
		QuantityBefore: m.QuantityBefore,
		QuantityAfter:  m.QuantityAfter,
		OrderID:        m.OrderID,
		Reference:      m.Reference,
		Note:           m.Note,
		ActorType:      m.ActorType,
		ActorID:        m.ActorID,
		CreatedAt:      m.CreatedAt,
	}
}

// AdminAdjustStock records a manual movement (restock, return, damage,
// loss or a correction) against the ledger.
func AdminAdjustStock(svc stockService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminID := middleware.UserIDFromContext(r.Context())
		if adminID == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "admin identity missing"))
			return
		}
		var req adjustStockRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		movementType, err := enums.ParseMovementType(strings.TrimSpace(req.MovementType))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error()))
			return
		}

		movement, err := svc.Adjust(r.Context(), stockledger.AdjustInput{
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			Type:      movementType,
			Reference: validators.SanitizeString(req.Reference, 200),
			Note:      validators.SanitizeString(req.Note, 1000),
			ActorID:   *adminID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newStockMovementResponse(*movement))
	}
}

func AdminStockLevel(svc stockService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := validators.ParseUUIDParam(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		level, err := svc.CurrentStock(r.Context(), productID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, level)
	}
}

func AdminLowStock(svc stockService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		levels, err := svc.LowStock(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, levels)
	}
}

// AdminStockMovements pages through a product's ledger, newest first.
func AdminStockMovements(svc stockService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := validators.ParseUUIDParam(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := svc.History(r.Context(), productID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]stockMovementResponse, 0, len(page.Movements))
		for _, m := range page.Movements {
			out = append(out, newStockMovementResponse(m))
		}
		responses.WritePage(w, out, page.NextCursor)
	}
}

// AdminVerifyStock compares the product's counter with its ledger sum and
// answers 409 when they have drifted apart.
func AdminVerifyStock(svc stockService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := validators.ParseUUIDParam(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		level, err := svc.VerifyConsistency(r.Context(), productID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, level)
	}
}

func AdminOrderMovements(svc stockService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		movements, err := svc.MovementsForOrder(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make([]stockMovementResponse, 0, len(movements))
		for _, m := range movements {
			out = append(out, newStockMovementResponse(m))
		}
		responses.WriteSuccess(w, out)
	}
}
