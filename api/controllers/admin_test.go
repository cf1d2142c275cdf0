package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/api/middleware"
	internalorders "github.com/angelmondragon/orderflow-engine/internal/orders"
	"github.com/angelmondragon/orderflow-engine/internal/payments"
	"github.com/angelmondragon/orderflow-engine/internal/stockledger"
	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/dbtest"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

func asAdmin(req *http.Request, adminID uuid.UUID) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), adminID, enums.UserRoleAdmin))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type stockHarness struct {
	router  http.Handler
	product models.Product
	stock   func() int
	ledger  *stockledger.Service
	client  *db.Client
}

func newStockHarness(t *testing.T) stockHarness {
	t.Helper()
	client := dbtest.New(t)
	ledger, err := stockledger.NewService(stockledger.ServiceParams{
		DB:     client,
		Repo:   stockledger.NewRepository(client.DB()),
		Outbox: outbox.NewService(outbox.NewRepository(client.DB()), logger.Nop()),
	})
	require.NoError(t, err)

	product := dbtest.SeedProduct(t, client.DB(), dbtest.ProductSeed{PriceCents: 500, Stock: 10, LowStockThreshold: 5})

	r := chi.NewRouter()
	r.Post("/admin/stock/adjustments", AdminAdjustStock(ledger, nil))
	r.Get("/admin/stock/low", AdminLowStock(ledger, nil))
	r.Get("/admin/stock/{productId}", AdminStockLevel(ledger, nil))
	r.Get("/admin/stock/{productId}/movements", AdminStockMovements(ledger, nil))
	r.Get("/admin/stock/{productId}/verify", AdminVerifyStock(ledger, nil))
	r.Get("/admin/orders/{orderId}/movements", AdminOrderMovements(ledger, nil))

	return stockHarness{
		router:  r,
		product: product,
		stock:   func() int { return dbtest.StockOf(t, client.DB(), product.ID) },
		ledger:  ledger,
		client:  client,
	}
}

func TestAdminAdjustStockRecordsMovement(t *testing.T) {
	h := newStockHarness(t)
	adminID := uuid.New()
	payload := fmt.Sprintf(`{"product_id":%q,"quantity":-7,"movement_type":"damaged","note":"water damage"}`, h.product.ID)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodPost, "/admin/stock/adjustments", bytes.NewBufferString(payload)), adminID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	data := decode(t, rec)["data"].(map[string]any)
	require.Equal(t, float64(10), data["quantity_before"])
	require.Equal(t, float64(3), data["quantity_after"])
	require.Equal(t, adminID.String(), data["actor_id"])
	require.Equal(t, 3, h.stock())

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodGet, "/admin/stock/"+h.product.ID.String(), nil), adminID))
	require.Equal(t, http.StatusOK, rec.Code)
	level := decode(t, rec)["data"].(map[string]any)
	require.Equal(t, true, level["consistent"])
	require.Equal(t, true, level["low_stock"])

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodGet, "/admin/stock/low", nil), adminID))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["data"], 1)
}

func TestAdminAdjustStockRejectsSaleAndWrongSign(t *testing.T) {
	h := newStockHarness(t)
	cases := map[string]string{
		"sale":          `{"product_id":%q,"quantity":-1,"movement_type":"sale"}`,
		"restock minus": `{"product_id":%q,"quantity":-1,"movement_type":"restock"}`,
		"unknown type":  `{"product_id":%q,"quantity":1,"movement_type":"gift"}`,
		"zero quantity": `{"product_id":%q,"quantity":0,"movement_type":"adjustment"}`,
	}
	for name, tmpl := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/admin/stock/adjustments", bytes.NewBufferString(fmt.Sprintf(tmpl, h.product.ID)))
			h.router.ServeHTTP(rec, asAdmin(req, uuid.New()))
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
	require.Equal(t, 10, h.stock())
}

func TestAdminAdjustStockRequiresIdentity(t *testing.T) {
	h := newStockHarness(t)
	payload := fmt.Sprintf(`{"product_id":%q,"quantity":5,"movement_type":"restock"}`, h.product.ID)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/stock/adjustments", bytes.NewBufferString(payload)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminStockMovementsPaginates(t *testing.T) {
	h := newStockHarness(t)
	adminID := uuid.New()
	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"product_id":%q,"quantity":1,"movement_type":"restock","reference":"po-%d"}`, h.product.ID, i)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodPost, "/admin/stock/adjustments", bytes.NewBufferString(payload)), adminID))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	path := "/admin/stock/" + h.product.ID.String() + "/movements?limit=3"
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodGet, path, nil), adminID))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Len(t, body["data"], 3)
	cursor, _ := body["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodGet, path+"&cursor="+cursor, nil), adminID))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	require.Len(t, body["data"], 1)
	require.Empty(t, body["next_cursor"])
}

func TestAdminVerifyStockReportsDrift(t *testing.T) {
	h := newStockHarness(t)
	path := "/admin/stock/" + h.product.ID.String() + "/verify"

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodGet, path, nil), uuid.New()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	require.Equal(t, true, data["consistent"])
	require.Equal(t, float64(10), data["ledger_sum"])

	require.NoError(t, h.client.DB().Model(&models.Product{}).Where("id = ?", h.product.ID).
		Update("stock_quantity", 4).Error)

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodGet, path, nil), uuid.New()))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, string(pkgerrors.CodeConflict), decode(t, rec)["error"].(map[string]any)["code"])

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodGet, "/admin/stock/"+uuid.NewString()+"/verify", nil), uuid.New()))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminOrderMovementsListsOnlyThatOrder(t *testing.T) {
	h := newStockHarness(t)
	orderID, otherID := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{orderID, orderID, otherID} {
		id := id
		require.NoError(t, h.client.WithTx(context.Background(), func(tx *gorm.DB) error {
			_, err := h.ledger.Append(context.Background(), tx, stockledger.MovementInput{
				ProductID: h.product.ID,
				Quantity:  1,
				Type:      enums.MovementReturn,
				OrderID:   &id,
				ActorType: enums.ActorSystem,
			})
			return err
		}))
	}

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodGet, "/admin/orders/"+orderID.String()+"/movements", nil), uuid.New()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].([]any)
	require.Len(t, data, 2)
	for _, row := range data {
		require.Equal(t, orderID.String(), row.(map[string]any)["order_id"])
	}
}

type stubRetrier struct {
	orderID uuid.UUID
	err     error
}

func (s *stubRetrier) RetryShortfall(_ context.Context, orderID uuid.UUID) (*payments.ConfirmResult, error) {
	s.orderID = orderID
	if s.err != nil {
		return nil, s.err
	}
	return &payments.ConfirmResult{OrderID: orderID, OrderStatus: enums.OrderStatusProcessing, PaymentStatus: enums.PaymentStatusPaid}, nil
}

func TestAdminRetryShortfall(t *testing.T) {
	orderID := uuid.New()
	path := "/admin/orders/" + orderID.String() + "/payment/reconcile"
	route := func(svc shortfallRetrier) http.Handler {
		r := chi.NewRouter()
		r.Post("/admin/orders/{orderId}/payment/reconcile", AdminRetryShortfall(svc, nil))
		return r
	}

	svc := &stubRetrier{}
	rec := httptest.NewRecorder()
	route(svc).ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodPost, path, nil), uuid.New()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, orderID, svc.orderID)

	svc = &stubRetrier{err: pkgerrors.New(pkgerrors.CodeInsufficientStock, "still short")}
	rec = httptest.NewRecorder()
	route(svc).ServeHTTP(rec, asAdmin(httptest.NewRequest(http.MethodPost, path, nil), uuid.New()))
	require.Equal(t, http.StatusConflict, rec.Code)
}

type stubTransitioner struct {
	input internalorders.TransitionInput
	err   error
}

func (s *stubTransitioner) Transition(_ context.Context, input internalorders.TransitionInput) (*models.Order, error) {
	s.input = input
	if s.err != nil {
		return nil, s.err
	}
	return &models.Order{ID: input.OrderID, Status: input.To, Version: 3}, nil
}

func transitionRouter(svc orderTransitioner) http.Handler {
	r := chi.NewRouter()
	r.Post("/admin/orders/{orderId}/status", AdminTransitionOrder(svc, nil))
	return r
}

func TestAdminTransitionOrder(t *testing.T) {
	svc := &stubTransitioner{}
	adminID := uuid.New()
	orderID := uuid.New()
	body := `{"status":"shipped","comment":"UPS 1Z","expected_version":2}`

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/orders/"+orderID.String()+"/status", bytes.NewBufferString(body))
	transitionRouter(svc).ServeHTTP(rec, asAdmin(req, adminID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, orderID, svc.input.OrderID)
	require.Equal(t, enums.OrderStatusShipped, svc.input.To)
	require.Equal(t, types.AdminActor(adminID), svc.input.Actor)
	require.Equal(t, "UPS 1Z", svc.input.Comment)
	require.NotNil(t, svc.input.ExpectedVersion)
	require.Equal(t, 2, *svc.input.ExpectedVersion)
	require.Equal(t, "shipped", decode(t, rec)["data"].(map[string]any)["status"])
}

func TestAdminTransitionOrderRejections(t *testing.T) {
	orderID := uuid.New()
	path := "/admin/orders/" + orderID.String() + "/status"

	t.Run("unknown status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"status":"lost"}`))
		transitionRouter(&stubTransitioner{}).ServeHTTP(rec, asAdmin(req, uuid.New()))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("illegal transition", func(t *testing.T) {
		svc := &stubTransitioner{err: pkgerrors.IllegalTransition(pkgerrors.TransitionRejection{
			OrderID:         orderID.String(),
			CurrentStatus:   "delivered",
			RequestedStatus: "pending",
			Actor:           "admin",
		})}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"status":"pending"}`))
		transitionRouter(svc).ServeHTTP(rec, asAdmin(req, uuid.New()))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		details := decode(t, rec)["error"].(map[string]any)["details"].(map[string]any)
		require.Equal(t, "delivered", details["current_status"])
	})

	t.Run("stale version", func(t *testing.T) {
		svc := &stubTransitioner{err: pkgerrors.StorageConflict(nil, "order version is 4, expected 2")}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"status":"shipped","expected_version":2}`))
		transitionRouter(svc).ServeHTTP(rec, asAdmin(req, uuid.New()))
		require.Equal(t, http.StatusConflict, rec.Code)
	})
}
