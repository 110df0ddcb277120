package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	domain "github.com/willowmart/api/internal/domain"
)

// ErrPricingInvalidInput signals bad pricing input such as missing lines or negative prices.
var ErrPricingInvalidInput = errors.New("pricing: invalid input")

// PriceItem is one checkout line resolved against the catalogue.
type PriceItem struct {
	VariantID string
	SKU       string
	Quantity  int
	UnitPrice int64
}

// PricingEngineDeps configures the checkout pricing engine. Amounts are in
// the smallest currency unit; the tax rate is expressed in basis points.
type PricingEngineDeps struct {
	FreeShippingThreshold int64
	ShippingFee           int64
	TaxRateBasisPoints    int64
	Logger                func(ctx context.Context, event string, fields map[string]any)
}

// PricingEngine turns resolved checkout lines into an order total. Shipping
// is a flat fee waived above the free-shipping threshold; tax applies to
// goods and shipping alike.
type PricingEngine struct {
	freeShippingThreshold int64
	shippingFee           int64
	taxRateBasisPoints    int64
	logger                func(context.Context, string, map[string]any)
}

// NewPricingEngine validates the configuration and returns a PricingEngine.
func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	if deps.ShippingFee < 0 {
		return nil, errors.New("pricing engine: shipping fee cannot be negative")
	}
	if deps.FreeShippingThreshold < 0 {
		return nil, errors.New("pricing engine: free shipping threshold cannot be negative")
	}
	if deps.TaxRateBasisPoints < 0 || deps.TaxRateBasisPoints > 10000 {
		return nil, errors.New("pricing engine: tax rate must be between 0 and 10000 basis points")
	}
	return &PricingEngine{
		freeShippingThreshold: deps.FreeShippingThreshold,
		shippingFee:           deps.ShippingFee,
		taxRateBasisPoints:    deps.TaxRateBasisPoints,
		logger:                eventLogger(deps.Logger),
	}, nil
}

// Price computes the order breakdown for the given lines.
func (e *PricingEngine) Price(ctx context.Context, currency string, items []PriceItem) (PricingBreakdown, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return PricingBreakdown{}, fmt.Errorf("%w: currency is required", ErrPricingInvalidInput)
	}
	if len(items) == 0 {
		return PricingBreakdown{}, fmt.Errorf("%w: at least one item is required", ErrPricingInvalidInput)
	}

	breakdownItems := make([]domain.ItemPricingBreakdown, 0, len(items))
	var subtotal int64
	for _, item := range items {
		if strings.TrimSpace(item.VariantID) == "" {
			return PricingBreakdown{}, fmt.Errorf("%w: item variant id is required", ErrPricingInvalidInput)
		}
		if item.Quantity <= 0 {
			return PricingBreakdown{}, fmt.Errorf("%w: quantity for %s must be positive", ErrPricingInvalidInput, item.VariantID)
		}
		if item.UnitPrice < 0 {
			return PricingBreakdown{}, fmt.Errorf("%w: unit price for %s cannot be negative", ErrPricingInvalidInput, item.VariantID)
		}

		quantity := int64(item.Quantity)
		if item.UnitPrice > 0 && item.UnitPrice > math.MaxInt64/quantity {
			return PricingBreakdown{}, fmt.Errorf("%w: line subtotal overflow for %s", ErrPricingInvalidInput, item.VariantID)
		}
		lineSubtotal := item.UnitPrice * quantity
		if subtotal > math.MaxInt64-lineSubtotal {
			return PricingBreakdown{}, fmt.Errorf("%w: subtotal overflow", ErrPricingInvalidInput)
		}
		subtotal += lineSubtotal

		breakdownItems = append(breakdownItems, domain.ItemPricingBreakdown{
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  lineSubtotal,
		})
	}

	shipping := e.shippingFee
	if e.freeShippingThreshold > 0 && subtotal >= e.freeShippingThreshold {
		shipping = 0
	}

	taxable := subtotal + shipping
	tax := roundedTax(taxable, e.taxRateBasisPoints)
	total := taxable + tax

	e.logger(ctx, "pricing_calculated", map[string]any{
		"currency": currency,
		"subtotal": subtotal,
		"shipping": shipping,
		"tax":      tax,
		"total":    total,
	})

	return PricingBreakdown{
		Currency: currency,
		Subtotal: subtotal,
		Shipping: shipping,
		Tax:      tax,
		Total:    total,
		Items:    breakdownItems,
		Metadata: map[string]any{
			"taxRateBasisPoints":    e.taxRateBasisPoints,
			"freeShippingThreshold": e.freeShippingThreshold,
		},
	}, nil
}

// roundedTax applies the basis point rate with half-up rounding.
func roundedTax(amount, rateBasisPoints int64) int64 {
	if amount <= 0 || rateBasisPoints <= 0 {
		return 0
	}
	return (amount*rateBasisPoints + 5000) / 10000
}
