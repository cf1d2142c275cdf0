package checkout

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/orderflow-engine/internal/catalog"
	"github.com/angelmondragon/orderflow-engine/internal/checkout/helpers"
	"github.com/angelmondragon/orderflow-engine/pkg/config"
	"github.com/angelmondragon/orderflow-engine/pkg/db/dbtest"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

type stubLoader struct {
	findFn func(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Product, error)
}

func (s stubLoader) FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Product, error) {
	return s.findFn(ctx, ids)
}

func testAddress() types.Address {
	return types.Address{Name: "Ada Lovelace", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "us"}
}

func defaultPolicy() config.CheckoutConfig {
	return config.CheckoutConfig{Currency: "USD"}
}

func TestBuildPricesFromCatalog(t *testing.T) {
	client := dbtest.New(t)
	product := dbtest.SeedProduct(t, client.DB(), dbtest.ProductSeed{SKU: "P", PriceCents: 1000, Stock: 5})

	builder, err := NewBuilder(catalog.NewRepository(client.DB()), defaultPolicy())
	require.NoError(t, err)

	snapshot, err := builder.Build(context.Background(), CartInput{
		Lines:          []helpers.Line{{ProductID: product.ID, Quantity: 2}},
		BillingAddress: testAddress(),
		GuestEmail:     " Guest@Example.com ",
	})
	require.NoError(t, err)

	require.Len(t, snapshot.Lines, 1)
	require.Equal(t, int64(1000), snapshot.Lines[0].UnitPriceCents)
	require.Equal(t, int64(2000), snapshot.Lines[0].LineTotalCents)
	require.Equal(t, int64(2000), snapshot.Totals.TotalCents)
	require.Equal(t, enums.CurrencyUSD, snapshot.Currency)
	require.Equal(t, "US", snapshot.ShippingAddress.Country)
	require.Equal(t, snapshot.BillingAddress, snapshot.ShippingAddress)
	require.NotNil(t, snapshot.GuestEmail)
	require.Equal(t, "guest@example.com", *snapshot.GuestEmail)
	require.Nil(t, snapshot.CustomerUserID)
}

func TestBuildRejectsUnavailableProducts(t *testing.T) {
	client := dbtest.New(t)
	conn := client.DB()
	inactive := dbtest.SeedProduct(t, conn, dbtest.ProductSeed{PriceCents: 100, Stock: 5, Inactive: true})
	deleted := dbtest.SeedProduct(t, conn, dbtest.ProductSeed{PriceCents: 100, Stock: 5})
	require.NoError(t, conn.Delete(&models.Product{}, "id = ?", deleted.ID).Error)
	fine := dbtest.SeedProduct(t, conn, dbtest.ProductSeed{PriceCents: 100, Stock: 5})
	missing := uuid.New()

	builder, err := NewBuilder(catalog.NewRepository(conn), defaultPolicy())
	require.NoError(t, err)

	userID := uuid.New()
	_, err = builder.Build(context.Background(), CartInput{
		Lines: []helpers.Line{
			{ProductID: fine.ID, Quantity: 1},
			{ProductID: inactive.ID, Quantity: 1},
			{ProductID: deleted.ID, Quantity: 1},
			{ProductID: missing, Quantity: 1},
		},
		BillingAddress: testAddress(),
		CustomerUserID: &userID,
	})
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeInvalidCart, typed.Code())

	details := typed.Details().(map[string]any)
	problems := details["lines"].([]pkgerrors.CartLineProblem)
	reasons := map[string]string{}
	for _, p := range problems {
		reasons[p.ProductID] = p.Reason
	}
	require.Equal(t, map[string]string{
		inactive.ID.String(): ReasonInactive,
		deleted.ID.String():  ReasonDeleted,
		missing.String():     ReasonNotFound,
	}, reasons)
}

func TestBuildRejectsShortStockButAllowsBackorder(t *testing.T) {
	client := dbtest.New(t)
	conn := client.DB()
	short := dbtest.SeedProduct(t, conn, dbtest.ProductSeed{PriceCents: 100, Stock: 1})
	backorder := dbtest.SeedProduct(t, conn, dbtest.ProductSeed{PriceCents: 100, Stock: 0, AllowBackorder: true})
	untracked := dbtest.SeedProduct(t, conn, dbtest.ProductSeed{PriceCents: 100, Untracked: true})

	builder, err := NewBuilder(catalog.NewRepository(conn), defaultPolicy())
	require.NoError(t, err)

	input := CartInput{
		Lines:          []helpers.Line{{ProductID: short.ID, Quantity: 2}},
		BillingAddress: testAddress(),
		GuestEmail:     "guest@example.com",
	}
	_, err = builder.Build(context.Background(), input)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	require.Equal(t, pkgerrors.CodeOutOfStock, typed.Code())
	shortages := typed.Details().(map[string]any)["lines"].([]pkgerrors.StockShortage)
	require.Equal(t, []pkgerrors.StockShortage{{ProductID: short.ID.String(), Requested: 2, Available: 1}}, shortages)

	input.Lines = []helpers.Line{{ProductID: backorder.ID, Quantity: 3}, {ProductID: untracked.ID, Quantity: 9}}
	snapshot, err := builder.Build(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, int64(1200), snapshot.Totals.SubtotalCents)
}

func TestBuildMergesDuplicateLines(t *testing.T) {
	client := dbtest.New(t)
	product := dbtest.SeedProduct(t, client.DB(), dbtest.ProductSeed{PriceCents: 250, Stock: 10})

	builder, err := NewBuilder(catalog.NewRepository(client.DB()), defaultPolicy())
	require.NoError(t, err)

	snapshot, err := builder.Build(context.Background(), CartInput{
		Lines:          []helpers.Line{{ProductID: product.ID, Quantity: 1}, {ProductID: product.ID, Quantity: 2}},
		BillingAddress: testAddress(),
		GuestEmail:     "guest@example.com",
	})
	require.NoError(t, err)
	require.Len(t, snapshot.Lines, 1)
	require.Equal(t, 3, snapshot.Lines[0].Quantity)
	require.Equal(t, int64(750), snapshot.Totals.TotalCents)
}

func TestBuildIsDeterministic(t *testing.T) {
	product := models.Product{ID: uuid.New(), SKU: "D", Name: "D", PriceCents: 1999, Currency: enums.CurrencyUSD, IsActive: true}
	loader := stubLoader{findFn: func(context.Context, []uuid.UUID) (map[uuid.UUID]models.Product, error) {
		return map[uuid.UUID]models.Product{product.ID: product}, nil
	}}
	policy := config.CheckoutConfig{Currency: "USD", TaxRateBps: 825, ShippingFlatCents: 500}
	builder, err := NewBuilder(loader, policy)
	require.NoError(t, err)

	input := CartInput{
		Lines:          []helpers.Line{{ProductID: product.ID, Quantity: 3}},
		BillingAddress: testAddress(),
		GuestEmail:     "guest@example.com",
	}
	first, err := builder.Build(context.Background(), input)
	require.NoError(t, err)
	second, err := builder.Build(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, first.Totals, second.Totals)
	require.Equal(t, first.Lines, second.Lines)
}

func TestBuildRejectsTotalsThatWouldOverflow(t *testing.T) {
	pricey := models.Product{ID: uuid.New(), SKU: "X", Name: "X", PriceCents: math.MaxInt64 / 2, Currency: enums.CurrencyUSD, IsActive: true}
	other := models.Product{ID: uuid.New(), SKU: "Y", Name: "Y", PriceCents: math.MaxInt64 / 8, Currency: enums.CurrencyUSD, IsActive: true}
	loader := stubLoader{findFn: func(context.Context, []uuid.UUID) (map[uuid.UUID]models.Product, error) {
		return map[uuid.UUID]models.Product{pricey.ID: pricey, other.ID: other}, nil
	}}
	builder, err := NewBuilder(loader, defaultPolicy())
	require.NoError(t, err)

	_, err = builder.Build(context.Background(), CartInput{
		Lines:          []helpers.Line{{ProductID: pricey.ID, Quantity: 3}},
		BillingAddress: testAddress(),
		GuestEmail:     "guest@example.com",
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)

	_, err = builder.Build(context.Background(), CartInput{
		Lines:          []helpers.Line{{ProductID: other.ID, Quantity: 1}, {ProductID: pricey.ID, Quantity: 1}},
		BillingAddress: testAddress(),
		GuestEmail:     "guest@example.com",
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
}

func TestBuildValidatesCustomerAndAddress(t *testing.T) {
	loader := stubLoader{findFn: func(context.Context, []uuid.UUID) (map[uuid.UUID]models.Product, error) {
		return nil, errors.New("should not be called")
	}}
	builder, err := NewBuilder(loader, defaultPolicy())
	require.NoError(t, err)
	lines := []helpers.Line{{ProductID: uuid.New(), Quantity: 1}}

	_, err = builder.Build(context.Background(), CartInput{Lines: lines, BillingAddress: testAddress()})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = builder.Build(context.Background(), CartInput{Lines: lines, BillingAddress: testAddress(), GuestEmail: "nope"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = builder.Build(context.Background(), CartInput{Lines: lines, GuestEmail: "guest@example.com"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestNewBuilderRejectsUnknownCurrency(t *testing.T) {
	_, err := NewBuilder(stubLoader{}, config.CheckoutConfig{Currency: "XYZ"})
	require.Error(t, err)
}
