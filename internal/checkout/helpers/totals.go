package helpers

import (
	"github.com/angelmondragon/orderflow-engine/pkg/config"
	"github.com/angelmondragon/orderflow-engine/pkg/money"
)

// Totals holds every monetary figure of an order in minor units.
type Totals struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	DiscountCents int64 `json:"discount_cents"`
	ShippingCents int64 `json:"shipping_cents"`
	TaxCents      int64 `json:"tax_cents"`
	TotalCents    int64 `json:"total_cents"`
}

// ComputeTotals applies the pricing policy to a subtotal. The same inputs
// always produce the same totals.
func ComputeTotals(policy config.CheckoutConfig, subtotal int64) Totals {
	totals := Totals{SubtotalCents: subtotal}

	if policy.DiscountBps > 0 && subtotal >= policy.DiscountThresholdCents {
		totals.DiscountCents = money.ApplyBps(subtotal, policy.DiscountBps)
	}
	discounted := subtotal - totals.DiscountCents

	totals.ShippingCents = policy.ShippingFlatCents
	if policy.FreeShippingThresholdCents > 0 && discounted >= policy.FreeShippingThresholdCents {
		totals.ShippingCents = 0
	}

	totals.TaxCents = money.ApplyBps(discounted, policy.TaxRateBps)
	totals.TotalCents = discounted + totals.ShippingCents + totals.TaxCents
	return totals
}
