// Package dbtest opens throwaway sqlite databases carrying the production
// schema for package tests.
package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/pkg/db"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

// New returns a client over a fresh in-memory database private to t.
func New(t testing.TB) *db.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	client, err := db.OpenSQLite(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// ProductSeed describes a catalog row to insert.
type ProductSeed struct {
	SKU               string
	Name              string
	PriceCents        int64
	Stock             int
	LowStockThreshold int
	AllowBackorder    bool
	Untracked         bool
	Inactive          bool
}

// SeedProduct inserts a product and, when it has stock, the opening restock
// movement that keeps the ledger sum equal to the counter.
func SeedProduct(t testing.TB, conn *gorm.DB, seed ProductSeed) models.Product {
	t.Helper()
	if seed.SKU == "" {
		seed.SKU = "SKU-" + uuid.NewString()[:8]
	}
	if seed.Name == "" {
		seed.Name = seed.SKU
	}

	product := models.Product{
		ID:                uuid.New(),
		SKU:               seed.SKU,
		Name:              seed.Name,
		PriceCents:        seed.PriceCents,
		Currency:          enums.CurrencyUSD,
		IsActive:          !seed.Inactive,
		TrackInventory:    !seed.Untracked,
		StockQuantity:     seed.Stock,
		LowStockThreshold: seed.LowStockThreshold,
		AllowBackorder:    seed.AllowBackorder,
	}
	if err := conn.Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}

	if seed.Stock != 0 {
		note := "opening balance"
		movement := models.StockMovement{
			ID:             uuid.New(),
			ProductID:      product.ID,
			Quantity:       seed.Stock,
			MovementType:   enums.MovementRestock,
			QuantityBefore: 0,
			QuantityAfter:  seed.Stock,
			Note:           &note,
			ActorType:      enums.ActorSystem,
			CreatedAt:      time.Now().UTC().Add(-time.Hour),
		}
		if err := conn.Create(&movement).Error; err != nil {
			t.Fatalf("seed opening movement: %v", err)
		}
	}
	return product
}

// LedgerSum returns Σ quantity for a product's movements.
func LedgerSum(t testing.TB, conn *gorm.DB, productID uuid.UUID) int {
	t.Helper()
	var sum int
	if err := conn.Model(&models.StockMovement{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("product_id = ?", productID).
		Scan(&sum).Error; err != nil {
		t.Fatalf("ledger sum: %v", err)
	}
	return sum
}

// StockOf reloads the product counter.
func StockOf(t testing.TB, conn *gorm.DB, productID uuid.UUID) int {
	t.Helper()
	var product models.Product
	if err := conn.Unscoped().First(&product, "id = ?", productID).Error; err != nil {
		t.Fatalf("load product: %v", err)
	}
	return product.StockQuantity
}

// OrderLine is one seeded order line.
type OrderLine struct {
	Product  models.Product
	Quantity int
}

// OrderSeed describes an order row to insert directly, bypassing checkout.
type OrderSeed struct {
	Number         int64
	Status         enums.OrderStatus
	PaymentStatus  enums.PaymentStatus
	CustomerUserID *uuid.UUID
	CreatedAt      time.Time
	Lines          []OrderLine
}

// SeedOrder inserts an order with its line items and returns it with Items loaded.
func SeedOrder(t testing.TB, conn *gorm.DB, seed OrderSeed) models.Order {
	t.Helper()
	if seed.Status == "" {
		seed.Status = enums.OrderStatusPending
	}
	if seed.PaymentStatus == "" {
		seed.PaymentStatus = enums.PaymentStatusUnpaid
	}
	if seed.Number == 0 {
		seed.Number = time.Now().UnixNano()
	}
	if seed.CreatedAt.IsZero() {
		seed.CreatedAt = time.Now().UTC()
	}

	order := models.Order{
		ID:              uuid.New(),
		OrderNumber:     seed.Number,
		CustomerUserID:  seed.CustomerUserID,
		Currency:        enums.CurrencyUSD,
		BillingAddress:  types.Address{Name: "Test", Line1: "1 Test St", City: "Testville", PostalCode: "00000", Country: "US"},
		ShippingAddress: types.Address{Name: "Test", Line1: "1 Test St", City: "Testville", PostalCode: "00000", Country: "US"},
		Status:          seed.Status,
		PaymentStatus:   seed.PaymentStatus,
		PaymentGateway:  "stripe",
		Version:         1,
		CreatedAt:       seed.CreatedAt,
	}
	if seed.CustomerUserID == nil {
		email := "guest@example.com"
		order.GuestEmail = &email
	}
	for _, line := range seed.Lines {
		total := line.Product.PriceCents * int64(line.Quantity)
		order.SubtotalCents += total
		order.Items = append(order.Items, models.OrderLineItem{
			ID:             uuid.New(),
			OrderID:        order.ID,
			ProductID:      line.Product.ID,
			SKU:            line.Product.SKU,
			Name:           line.Product.Name,
			UnitPriceCents: line.Product.PriceCents,
			Quantity:       line.Quantity,
			LineTotalCents: total,
		})
	}
	order.TotalCents = order.SubtotalCents

	items := order.Items
	order.Items = nil
	if err := conn.Omit("Items").Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if len(items) > 0 {
		if err := conn.Create(&items).Error; err != nil {
			t.Fatalf("seed order items: %v", err)
		}
	}
	order.Items = items
	return order
}

// Movements lists a product's movements oldest first.
func Movements(t testing.TB, conn *gorm.DB, productID uuid.UUID) []models.StockMovement {
	t.Helper()
	var rows []models.StockMovement
	if err := conn.Where("product_id = ?", productID).Order("created_at ASC").Find(&rows).Error; err != nil {
		t.Fatalf("load movements: %v", err)
	}
	return rows
}
