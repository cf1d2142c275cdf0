// Package checkout turns a cart into an immutable, priced snapshot. Prices
// always come from the catalog; nothing here touches stock.
package checkout

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/internal/checkout/helpers"
	"github.com/angelmondragon/orderflow-engine/pkg/config"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

var emailValidator = validator.New()

const (
	ReasonNotFound         = "not_found"
	ReasonDeleted          = "deleted"
	ReasonInactive         = "inactive"
	ReasonCurrencyMismatch = "currency_mismatch"
)

type productLoader interface {
	FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Product, error)
}

// CartInput is what a customer submits at checkout.
type CartInput struct {
	Lines           []helpers.Line
	BillingAddress  types.Address
	ShippingAddress *types.Address
	CustomerUserID  *uuid.UUID
	GuestEmail      string
	Currency        enums.Currency
}

// SnapshotLine is a priced cart line.
type SnapshotLine struct {
	ProductID      uuid.UUID `json:"product_id"`
	SKU            string    `json:"sku"`
	Name           string    `json:"name"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Quantity       int       `json:"quantity"`
	LineTotalCents int64     `json:"line_total_cents"`
}

// Snapshot is the frozen view of a cart an order is created from.
type Snapshot struct {
	Lines           []SnapshotLine
	Totals          helpers.Totals
	Currency        enums.Currency
	BillingAddress  types.Address
	ShippingAddress types.Address
	CustomerUserID  *uuid.UUID
	GuestEmail      *string
	PricedAt        time.Time
}

// Builder prices carts against the catalog.
type Builder struct {
	products productLoader
	policy   config.CheckoutConfig
	currency enums.Currency
	now      func() time.Time
}

// NewBuilder validates dependencies and the configured currency.
func NewBuilder(products productLoader, policy config.CheckoutConfig) (*Builder, error) {
	if products == nil {
		return nil, fmt.Errorf("product loader required")
	}
	currency, err := enums.ParseCurrency(policy.Currency)
	if err != nil {
		return nil, err
	}
	return &Builder{
		products: products,
		policy:   policy,
		currency: currency,
		now:      time.Now,
	}, nil
}

// Build re-fetches every product, rejects unusable lines, checks stock
// read-only and computes the totals.
func (b *Builder) Build(ctx context.Context, input CartInput) (*Snapshot, error) {
	lines, err := helpers.MergeLines(input.Lines)
	if err != nil {
		return nil, err
	}

	currency := b.currency
	if input.Currency != "" {
		if !input.Currency.IsValid() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported currency %q", input.Currency))
		}
		currency = input.Currency
	}

	billing, shipping, err := resolveAddresses(input.BillingAddress, input.ShippingAddress)
	if err != nil {
		return nil, err
	}
	customerID := input.CustomerUserID
	if customerID != nil && *customerID == uuid.Nil {
		customerID = nil
	}
	guestEmail, err := resolveCustomer(customerID, input.GuestEmail)
	if err != nil {
		return nil, err
	}

	products, err := b.products.FindByIDs(ctx, helpers.ProductIDs(lines))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart products")
	}

	var problems []pkgerrors.CartLineProblem
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if reason := unusableReason(product, ok, currency); reason != "" {
			problems = append(problems, pkgerrors.CartLineProblem{
				ProductID: line.ProductID.String(),
				Reason:    reason,
			})
		}
	}
	if len(problems) > 0 {
		return nil, pkgerrors.InvalidCart(problems)
	}

	var shortages []pkgerrors.StockShortage
	for _, line := range lines {
		product := products[line.ProductID]
		if product.TrackInventory && !product.AllowBackorder && product.StockQuantity < line.Quantity {
			available := product.StockQuantity
			if available < 0 {
				available = 0
			}
			shortages = append(shortages, pkgerrors.StockShortage{
				ProductID: product.ID.String(),
				Requested: line.Quantity,
				Available: available,
			})
		}
	}
	if len(shortages) > 0 {
		return nil, pkgerrors.OutOfStockAtCreation(shortages)
	}

	snapshot := &Snapshot{
		Lines:           make([]SnapshotLine, 0, len(lines)),
		Currency:        currency,
		BillingAddress:  billing,
		ShippingAddress: shipping,
		CustomerUserID:  customerID,
		GuestEmail:      guestEmail,
		PricedAt:        b.now().UTC(),
	}
	var subtotal int64
	for _, line := range lines {
		product := products[line.ProductID]
		lineTotal, ok := mulCents(product.PriceCents, int64(line.Quantity))
		if !ok || lineTotal > maxSubtotalCents || subtotal > maxSubtotalCents-lineTotal {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart total is too large").
				WithDetails(map[string]any{"product_id": product.ID.String()})
		}
		subtotal += lineTotal
		snapshot.Lines = append(snapshot.Lines, SnapshotLine{
			ProductID:      product.ID,
			SKU:            product.SKU,
			Name:           product.Name,
			UnitPriceCents: product.PriceCents,
			Quantity:       line.Quantity,
			LineTotalCents: lineTotal,
		})
	}
	snapshot.Totals = helpers.ComputeTotals(b.policy, subtotal)
	return snapshot, nil
}

// maxSubtotalCents leaves room for shipping and tax on top of the subtotal.
const maxSubtotalCents = math.MaxInt64 / 4

// mulCents multiplies non-negative amounts, reporting false on overflow.
func mulCents(price, quantity int64) (int64, bool) {
	if price < 0 || quantity < 0 {
		return 0, false
	}
	if quantity != 0 && price > math.MaxInt64/quantity {
		return 0, false
	}
	return price * quantity, true
}

func unusableReason(product models.Product, found bool, currency enums.Currency) string {
	switch {
	case !found:
		return ReasonNotFound
	case product.DeletedAt.Valid:
		return ReasonDeleted
	case !product.IsActive:
		return ReasonInactive
	case product.Currency != currency:
		return ReasonCurrencyMismatch
	}
	return ""
}

func resolveAddresses(billing types.Address, shipping *types.Address) (types.Address, types.Address, error) {
	if billing.IsZero() {
		return types.Address{}, types.Address{}, pkgerrors.New(pkgerrors.CodeValidation, "billing address is required")
	}
	billing = billing.Normalized()
	if shipping == nil || shipping.IsZero() {
		return billing, billing, nil
	}
	return billing, shipping.Normalized(), nil
}

func resolveCustomer(userID *uuid.UUID, guestEmail string) (*string, error) {
	if userID != nil {
		return nil, nil
	}
	email := strings.ToLower(strings.TrimSpace(guestEmail))
	if email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "guest email is required without a customer account")
	}
	if err := emailValidator.Var(email, "email"); err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "guest email is invalid")
	}
	return &email, nil
}
